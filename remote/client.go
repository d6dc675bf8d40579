// Package remote talks to the chat platform that stores uploaded pieces.
// Only the calls the upload pipeline needs are exposed: negotiating upload slots,
// putting bytes, finalizing a segment into a message and fetching it back.
package remote

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"
)

// DefaultBaseURL is the platform API root.
const DefaultBaseURL = "https://discord.com/api/v9"

// UploadSlot is a temporary destination for one piece.
type UploadSlot struct {
	UploadURL      string `json:"upload_url"`
	UploadFilename string `json:"upload_filename"`
}

// Attachment is one stored piece of a finalized segment.
type Attachment struct {
	ID       string `json:"id"`
	Filename string `json:"filename"`
	Size     int64  `json:"size"`
	URL      string `json:"url"`
}

// Message is the durable record of a finalized segment.
type Message struct {
	ID          string       `json:"id"`
	Attachments []Attachment `json:"attachments"`
}

// Client is the remote storage boundary.
type Client interface {
	// NegotiateUploadSlots requests one upload slot per piece of the segment.
	NegotiateUploadSlots(ctx context.Context, channel string, segmentIndex int, pieceSizes []int64) ([]UploadSlot, error)

	// PutPiece streams a piece to its slot. It is never retried.
	PutPiece(ctx context.Context, slot UploadSlot, body io.Reader, size int64) error

	// FinalizeSegment posts a message referencing every uploaded slot of the segment
	// and returns the message ID.
	FinalizeSegment(ctx context.Context, channel string, slots []UploadSlot, segmentIndex int) (string, error)

	// FetchSegment returns a previously finalized segment message.
	FetchSegment(ctx context.Context, channel, messageID string) (Message, error)
}

// RateLimitedError is returned when the platform asks the caller to wait.
type RateLimitedError struct {
	RetryAfter time.Duration
}

func (e *RateLimitedError) Error() string {
	return fmt.Sprintf("rate limited, retry after %s", e.RetryAfter)
}

// UnexpectedResponseError is any response that is neither a success nor a rate limit.
type UnexpectedResponseError struct {
	StatusCode int
	Body       string
}

func (e *UnexpectedResponseError) Error() string {
	return fmt.Sprintf("HTTP %d: %s", e.StatusCode, e.Body)
}

// ErrRateLimitBudgetExceeded is returned when waiting for rate limits would exceed the configured budget.
var ErrRateLimitBudgetExceeded = errors.New("rate limit wait budget exceeded")

// AsRateLimited returns the rate limit signal carried by err, if any.
func AsRateLimited(err error) (*RateLimitedError, bool) {
	var rateLimited *RateLimitedError
	if errors.As(err, &rateLimited) {
		return rateLimited, true
	}
	return nil, false
}
