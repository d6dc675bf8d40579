package uploader

import (
	"math"
	"sync"

	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/docker/go-units"
	"github.com/thunderspear/thunderspear/catalog"
)

// LogSink prints upload events, throttling progress to whole percents.
// Progress is only printed between UploadStarted and the terminal event.
type LogSink struct {
	logger log.Logger

	mu          sync.Mutex
	lastPercent map[uint32]int
}

// NewLogSink ...
func NewLogSink(logger log.Logger) *LogSink {
	return &LogSink{
		logger:      logger,
		lastPercent: map[uint32]int{},
	}
}

func (s *LogSink) UploadStarted(upload catalog.QueuedUpload, size int64) {
	s.mu.Lock()
	s.lastPercent[upload.ID] = -1
	s.mu.Unlock()

	s.logger.Printf("[%d] %s started (%s)", upload.ID, upload.Path, units.HumanSize(float64(size)))
}

func (s *LogSink) UploadProgress(id uint32, percent float64) {
	whole := int(math.Floor(percent))

	s.mu.Lock()
	last, ok := s.lastPercent[id]
	if !ok || whole <= last {
		s.mu.Unlock()
		return
	}
	s.lastPercent[id] = whole
	s.mu.Unlock()

	s.logger.Printf("[%d] %d%%", id, whole)
}

func (s *LogSink) UploadCommitted(record catalog.FileRecord) {
	s.forget(record.ID)
	s.logger.Donef("[%d] %s committed (%s, %d segments)", record.ID, record.Name, units.HumanSize(float64(record.Size)), len(record.SegmentRemoteIDs))
}

func (s *LogSink) UploadAborted(id uint32) {
	s.forget(id)
	s.logger.Warnf("[%d] aborted", id)
}

func (s *LogSink) UploadFailed(id uint32, err error) {
	s.forget(id)
	s.logger.Errorf("[%d] failed: %s", id, err)
}

func (s *LogSink) forget(id uint32) {
	s.mu.Lock()
	delete(s.lastPercent, id)
	s.mu.Unlock()
}

// NopSink discards every event.
type NopSink struct{}

func (NopSink) UploadStarted(catalog.QueuedUpload, int64) {}
func (NopSink) UploadProgress(uint32, float64)            {}
func (NopSink) UploadCommitted(catalog.FileRecord)        {}
func (NopSink) UploadAborted(uint32)                      {}
func (NopSink) UploadFailed(uint32, error)                {}
