// Package slicer splits a local file into the byte ranges the chat platform accepts.
// A file is cut into pieces of at most PieceSize bytes and pieces are grouped into
// segments of at most SegmentCap pieces. Segments are read concurrently through one
// shared file handle.
package slicer

const (
	// PieceSize is the per-attachment limit of the platform (25 MiB).
	PieceSize int64 = 25 * 1024 * 1024
	// SegmentCap is the number of attachments one message can carry.
	SegmentCap = 10
	// BufferSize caps a single read from disk.
	BufferSize = 4 * 1024 * 1024
)

// Layout holds the sizing used to slice a file.
// The zero value means the platform constants.
type Layout struct {
	PieceSize  int64
	SegmentCap int
	BufferSize int
}

// DefaultLayout returns the platform sizing.
func DefaultLayout() Layout {
	return Layout{
		PieceSize:  PieceSize,
		SegmentCap: SegmentCap,
		BufferSize: BufferSize,
	}
}

func (l Layout) withDefaults() Layout {
	if l.PieceSize <= 0 {
		l.PieceSize = PieceSize
	}
	if l.SegmentCap <= 0 {
		l.SegmentCap = SegmentCap
	}
	if l.BufferSize <= 0 {
		l.BufferSize = BufferSize
	}
	return l
}

// SegmentSize is the byte length of a full segment.
func (l Layout) SegmentSize() int64 {
	l = l.withDefaults()
	return l.PieceSize * int64(l.SegmentCap)
}

// PieceCount returns ceil(size / PieceSize).
func (l Layout) PieceCount(size int64) int {
	l = l.withDefaults()
	if size <= 0 {
		return 0
	}
	return int((size + l.PieceSize - 1) / l.PieceSize)
}

// SegmentCount returns ceil(PieceCount(size) / SegmentCap).
func (l Layout) SegmentCount(size int64) int {
	l = l.withDefaults()
	pieces := l.PieceCount(size)
	return (pieces + l.SegmentCap - 1) / l.SegmentCap
}

// PieceName is the synthetic attachment filename of a piece. The global piece index
// lets the remote side order attachments without extra metadata.
func (l Layout) PieceName(segmentIndex, pieceIndex int) int {
	l = l.withDefaults()
	return segmentIndex*l.SegmentCap + pieceIndex
}
