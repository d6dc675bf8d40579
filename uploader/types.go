// Package uploader drives queued file uploads through the remote storage.
// Files are uploaded one at a time; the segments of the active file upload
// concurrently and their message IDs are reassembled in file order.
package uploader

import (
	"errors"

	"github.com/thunderspear/thunderspear/catalog"
)

// ErrAborted is returned for an upload that was deleted while in flight.
var ErrAborted = errors.New("upload aborted")

// State is the lifecycle stage of an upload.
type State int32

const (
	StateQueued State = iota
	StateNegotiating
	StateTransferring
	StateFinalizing
	StateCommitted
	StateAborting
	StateAborted
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateQueued:
		return "queued"
	case StateNegotiating:
		return "negotiating"
	case StateTransferring:
		return "transferring"
	case StateFinalizing:
		return "finalizing"
	case StateCommitted:
		return "committed"
	case StateAborting:
		return "aborting"
	case StateAborted:
		return "aborted"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Catalog is where committed uploads end up.
type Catalog interface {
	Channel() string
	AllocateID() (uint32, error)
	Append(record catalog.FileRecord) error
	Remove(ids []uint32) (int, error)
}

// EventSink observes upload progress. Implementations must not call back into the Orchestrator.
type EventSink interface {
	UploadStarted(upload catalog.QueuedUpload, size int64)
	UploadProgress(id uint32, percent float64)
	UploadCommitted(record catalog.FileRecord)
	UploadAborted(id uint32)
	UploadFailed(id uint32, err error)
}

// segmentResult is what a segment task reports to the collector.
type segmentResult struct {
	Index    int
	RemoteID string
	Err      error
}
