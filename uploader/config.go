package uploader

import (
	"time"

	"github.com/thunderspear/thunderspear/slicer"
)

// Config holds configuration for the orchestrator.
type Config struct {
	// Layout is the piece and segment sizing.
	// Default: the platform constants
	Layout slicer.Layout

	// MaxRateLimitWait caps how long a single negotiate or finalize call may keep
	// waiting on rate limits before the upload fails. Zero waits forever.
	// Default: 10 minutes
	MaxRateLimitWait time.Duration

	// ProgressBuffer is the capacity of the bytes-read channel.
	// Default: 16
	ProgressBuffer int
}

// DefaultConfig returns the default configuration.
func DefaultConfig() Config {
	return Config{
		Layout:           slicer.DefaultLayout(),
		MaxRateLimitWait: 10 * time.Minute,
		ProgressBuffer:   16,
	}
}
