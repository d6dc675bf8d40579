package uploader

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/thunderspear/thunderspear/remote"
	"github.com/thunderspear/thunderspear/slicer"
)

// uploadSegment negotiates slots for every piece of the segment, streams the pieces
// in order and finalizes the segment into a single message.
func (o *Orchestrator) uploadSegment(ctx context.Context, active *activeUpload, channel string, segment *slicer.Segment) (string, error) {
	startTime := time.Now()

	var slots []remote.UploadSlot
	err := remote.RetryRateLimited(ctx, o.logger, o.config.MaxRateLimitWait, fmt.Sprintf("segment %d negotiation", segment.Index()), func() error {
		var err error
		slots, err = o.client.NegotiateUploadSlots(ctx, channel, segment.Index(), segment.PieceSizes())
		return err
	})
	if err != nil {
		return "", fmt.Errorf("negotiate upload slots: %w", err)
	}

	active.advanceState(StateTransferring)

	for pieceIndex := 0; ; pieceIndex++ {
		chunk, ok := segment.NextChunk()
		if !ok {
			break
		}
		if pieceIndex >= len(slots) {
			return "", fmt.Errorf("no upload slot for piece %d", pieceIndex)
		}

		body := &cancelReader{ctx: ctx, r: chunk}
		if err := o.client.PutPiece(ctx, slots[pieceIndex], body, chunk.Size()); err != nil {
			return "", fmt.Errorf("upload piece %d: %w", pieceIndex, err)
		}
	}

	active.advanceState(StateFinalizing)

	var messageID string
	err = remote.RetryRateLimited(ctx, o.logger, o.config.MaxRateLimitWait, fmt.Sprintf("segment %d finalization", segment.Index()), func() error {
		var err error
		messageID, err = o.client.FinalizeSegment(ctx, channel, slots, segment.Index())
		return err
	})
	if err != nil {
		return "", fmt.Errorf("finalize segment: %w", err)
	}

	duration := time.Since(startTime)
	active.segmentTime.Add(int64(duration))
	o.logger.Debugf("Segment %d uploaded in %s [message=%s] [pieces=%d]", segment.Index(), duration.Round(time.Millisecond), messageID, len(slots))

	return messageID, nil
}

// cancelReader stops feeding a request body once ctx is done.
type cancelReader struct {
	ctx context.Context
	r   io.Reader
}

func (c *cancelReader) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}
	return c.r.Read(p)
}
