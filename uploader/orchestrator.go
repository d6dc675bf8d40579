package uploader

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/docker/go-units"
	"github.com/thunderspear/thunderspear/catalog"
	"github.com/thunderspear/thunderspear/remote"
	"github.com/thunderspear/thunderspear/slicer"
)

type activeUpload struct {
	upload catalog.QueuedUpload
	cancel context.CancelFunc
	state  atomic.Int32
	// segmentTime sums the upload time of finished segments.
	segmentTime atomic.Int64
	// cancelled is guarded by Orchestrator.mu and checked right before commit.
	cancelled bool
}

func (a *activeUpload) setState(s State) {
	a.state.Store(int32(s))
}

// advanceState moves the state forward only; concurrent segments report out of step.
func (a *activeUpload) advanceState(s State) {
	for {
		current := a.state.Load()
		if current >= int32(s) {
			return
		}
		if a.state.CompareAndSwap(current, int32(s)) {
			return
		}
	}
}

func (a *activeUpload) averageSegmentTime(segments int) time.Duration {
	if segments == 0 {
		return 0
	}
	return time.Duration(a.segmentTime.Load()) / time.Duration(segments)
}

// Orchestrator owns the upload queue and the single active upload.
type Orchestrator struct {
	client  remote.Client
	catalog Catalog
	sink    EventSink
	logger  log.Logger
	config  Config
	now     func() time.Time

	mu     sync.Mutex
	queue  []catalog.QueuedUpload
	active *activeUpload
	busy   bool
	idle   chan struct{}
}

// New creates an Orchestrator. Every collaborator is required.
func New(client remote.Client, catalog Catalog, sink EventSink, logger log.Logger, config Config) *Orchestrator {
	if config.ProgressBuffer <= 0 {
		config.ProgressBuffer = DefaultConfig().ProgressBuffer
	}

	idle := make(chan struct{})
	close(idle)

	return &Orchestrator{
		client:  client,
		catalog: catalog,
		sink:    sink,
		logger:  logger,
		config:  config,
		now:     time.Now,
		idle:    idle,
	}
}

// Enqueue queues every path that is an existing regular file and returns the queued
// descriptors right away. The upload itself proceeds in the background.
func (o *Orchestrator) Enqueue(paths []string) ([]catalog.QueuedUpload, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	var queued []catalog.QueuedUpload
	var allocErr error
	for _, pth := range paths {
		info, err := os.Stat(pth)
		if err != nil {
			o.logger.Warnf("Skipping %s: %s", pth, err)
			continue
		}
		if !info.Mode().IsRegular() {
			o.logger.Warnf("Skipping %s: not a regular file", pth)
			continue
		}

		id, err := o.catalog.AllocateID()
		if err != nil {
			allocErr = fmt.Errorf("allocate file id: %w", err)
			break
		}
		queued = append(queued, catalog.QueuedUpload{ID: id, Path: pth})
	}

	o.logger.Infof("%d files have been queued for upload...", len(queued))
	o.queue = append(o.queue, queued...)

	if o.active == nil {
		o.advance()
	}

	return queued, allocErr
}

// Delete removes the given IDs from the queue and the catalog. If the active upload
// is among them it is aborted: its result will not be committed. IDs this
// Orchestrator does not hold go to the catalog, which also covers uploads running
// in another process.
func (o *Orchestrator) Delete(ids []uint32) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	o.logger.Infof("%d files have been queued for deletion...", len(ids))

	var local []uint32
	kept := make([]catalog.QueuedUpload, 0, len(o.queue))
	for _, q := range o.queue {
		if containsID(ids, q.ID) {
			local = append(local, q.ID)
			continue
		}
		kept = append(kept, q)
	}
	o.queue = kept

	if o.active != nil && containsID(ids, o.active.upload.ID) {
		local = append(local, o.active.upload.ID)
		o.abortActive()
	}

	var remaining []uint32
	for _, id := range ids {
		if !containsID(local, id) {
			remaining = append(remaining, id)
		}
	}
	if len(remaining) == 0 {
		return nil
	}

	if _, err := o.catalog.Remove(remaining); err != nil {
		return fmt.Errorf("remove from catalog: %w", err)
	}
	return nil
}

// Stop drops the queue and aborts the active upload.
func (o *Orchestrator) Stop() {
	o.mu.Lock()
	defer o.mu.Unlock()

	o.queue = nil
	if o.active != nil {
		o.abortActive()
	}
}

// Wait blocks until the queue is drained or ctx is done.
func (o *Orchestrator) Wait(ctx context.Context) error {
	o.mu.Lock()
	idle := o.idle
	o.mu.Unlock()

	select {
	case <-idle:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Pending returns the active upload, unless it is being aborted, followed by the queue.
func (o *Orchestrator) Pending() []catalog.QueuedUpload {
	o.mu.Lock()
	defer o.mu.Unlock()

	pending := make([]catalog.QueuedUpload, 0, len(o.queue)+1)
	if o.active != nil && !o.active.cancelled {
		pending = append(pending, o.active.upload)
	}
	return append(pending, o.queue...)
}

// abortActive must be called with mu held.
func (o *Orchestrator) abortActive() {
	if o.active.cancelled {
		return
	}
	o.active.cancelled = true
	o.active.setState(StateAborting)
	o.active.cancel()
}

// advance starts the next queued upload or marks the orchestrator idle.
// It must be called with mu held.
func (o *Orchestrator) advance() {
	o.active = nil

	if len(o.queue) == 0 {
		if o.busy {
			o.busy = false
			close(o.idle)
		}
		return
	}

	if !o.busy {
		o.busy = true
		o.idle = make(chan struct{})
	}

	next := o.queue[0]
	o.queue = o.queue[1:]

	ctx, cancel := context.WithCancel(context.Background())
	active := &activeUpload{
		upload: next,
		cancel: cancel,
	}
	active.setState(StateNegotiating)
	o.active = active

	go o.run(ctx, active)
}

func (o *Orchestrator) run(ctx context.Context, active *activeUpload) {
	defer active.cancel()

	ids, size, err := o.transfer(ctx, active)
	if err != nil {
		// stop sibling segments still in flight
		active.cancel()
	}
	o.finish(active, ids, size, err)
}

// transfer uploads every segment of the file concurrently and returns the segment
// message IDs in file order.
func (o *Orchestrator) transfer(ctx context.Context, active *activeUpload) ([]string, int64, error) {
	upload := active.upload

	progress := make(chan int, o.config.ProgressBuffer)
	done := make(chan struct{})
	reader, err := slicer.Open(upload.Path, o.config.Layout, func(n int) {
		select {
		case progress <- n:
		case <-done:
		}
	})
	if err != nil {
		return nil, 0, err
	}

	size := reader.Size()
	channel := o.catalog.Channel()
	numSegments := reader.Segments()

	o.logger.Infof("Uploading %s (%s in %d pieces, %d segments)",
		upload.Path, units.HumanSizeWithPrecision(float64(size), 3), reader.Pieces(), numSegments)
	o.sink.UploadStarted(upload, size)

	aggregated := make(chan struct{})
	go func() {
		defer close(aggregated)
		o.aggregateProgress(active, size, progress, done)
	}()

	resultChan := make(chan segmentResult, numSegments)
	var wg sync.WaitGroup

	// Launch one task per segment
	for index := 0; ; index++ {
		segment, ok := reader.NextSegment(index)
		if !ok {
			break
		}

		wg.Add(1)
		go func(segment *slicer.Segment) {
			defer wg.Done()

			remoteID, err := o.uploadSegment(ctx, active, channel, segment)
			resultChan <- segmentResult{
				Index:    segment.Index(),
				RemoteID: remoteID,
				Err:      err,
			}
		}(segment)
	}

	// The file and the aggregator outlive an early return of the collector.
	go func() {
		wg.Wait()
		close(done)
		if err := reader.Close(); err != nil {
			o.logger.Warnf("Failed to close %s: %s", upload.Path, err)
		}
	}()

	// Collect results
	ids := make([]string, numSegments)
	completedSegments := 0
	for completedSegments < numSegments {
		select {
		case <-ctx.Done():
			return nil, size, fmt.Errorf("upload cancelled while waiting for segments: %w", ErrAborted)
		case result := <-resultChan:
			completedSegments++
			if result.Err != nil {
				return nil, size, fmt.Errorf("segment %d failed: %w", result.Index, result.Err)
			}
			ids[result.Index] = result.RemoteID
		}
	}

	// every progress event is delivered before the commit is reported
	<-aggregated

	return ids, size, nil
}

// aggregateProgress sums the bytes read until done is closed.
// Nothing is reported once the upload is being torn down.
func (o *Orchestrator) aggregateProgress(active *activeUpload, size int64, progress <-chan int, done <-chan struct{}) {
	var uploaded int64
	report := func(n int) {
		uploaded += int64(n)
		if size == 0 {
			return
		}
		switch State(active.state.Load()) {
		case StateAborting, StateAborted, StateFailed:
			return
		}
		o.sink.UploadProgress(active.upload.ID, float64(uploaded)/float64(size)*100)
	}

	for {
		select {
		case n := <-progress:
			report(n)
		case <-done:
			for {
				select {
				case n := <-progress:
					report(n)
				default:
					return
				}
			}
		}
	}
}

func (o *Orchestrator) finish(active *activeUpload, ids []string, size int64, err error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	upload := active.upload

	switch {
	case active.cancelled:
		active.setState(StateAborted)
		o.logger.Infof("Upload of %s aborted", upload.Path)
		o.sink.UploadAborted(upload.ID)
	case err != nil:
		active.setState(StateFailed)
		o.logger.Errorf("Failed to upload %s: %s", upload.Path, err)
		o.sink.UploadFailed(upload.ID, err)
	default:
		record := catalog.FileRecord{
			ID:               upload.ID,
			Name:             filepath.Base(upload.Path),
			Path:             upload.Path,
			Size:             uint64(size),
			SegmentRemoteIDs: ids,
			CreatedAt:        o.now().UnixMilli(),
		}
		err := o.catalog.Append(record)
		if errors.Is(err, catalog.ErrDiscarded) {
			active.setState(StateAborted)
			o.logger.Infof("Upload of %s aborted: deleted while uploading", upload.Path)
			o.sink.UploadAborted(upload.ID)
			break
		}
		if err != nil {
			active.setState(StateFailed)
			o.logger.Errorf("Failed to commit %s: %s", upload.Path, err)
			o.sink.UploadFailed(upload.ID, err)
			break
		}

		active.setState(StateCommitted)
		o.logger.Donef("File %s has been uploaded successfully [segments=%d] [avg=%s]",
			upload.Path, len(ids), active.averageSegmentTime(len(ids)).Round(time.Millisecond))
		o.sink.UploadCommitted(record)
	}

	o.advance()
}

func containsID(ids []uint32, id uint32) bool {
	for _, i := range ids {
		if i == id {
			return true
		}
	}
	return false
}
