package slicer

import (
	"fmt"
	"io"
	"os"
	"sync"
)

// Observer is notified with the number of bytes each read produced.
type Observer func(n int)

// sharedFile is one read-only handle used by every segment of a file.
// The handle has a single cursor, so seek and read happen under one lock.
type sharedFile struct {
	file *os.File
	mu   sync.Mutex
}

func (f *sharedFile) readAt(p []byte, offset int64) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if _, err := f.file.Seek(offset, io.SeekStart); err != nil {
		return 0, fmt.Errorf("seek to position %d: %w", offset, err)
	}
	return f.file.Read(p)
}

// Reader opens a file once and hands out non-overlapping segments of it.
type Reader struct {
	file     *sharedFile
	layout   Layout
	observer Observer
	size     int64
	pieces   int
	segments int
}

// Open opens the file at path and computes its piece and segment counts.
// observer may be nil.
func Open(path string, layout Layout, observer Observer) (*Reader, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open file: %w", err)
	}

	info, err := file.Stat()
	if err != nil {
		_ = file.Close()
		return nil, fmt.Errorf("stat file: %w", err)
	}

	if observer == nil {
		observer = func(int) {}
	}

	layout = layout.withDefaults()
	size := info.Size()

	return &Reader{
		file:     &sharedFile{file: file},
		layout:   layout,
		observer: observer,
		size:     size,
		pieces:   layout.PieceCount(size),
		segments: layout.SegmentCount(size),
	}, nil
}

// Size returns the total byte size of the file.
func (r *Reader) Size() int64 {
	return r.size
}

// Pieces returns the total number of pieces.
func (r *Reader) Pieces() int {
	return r.pieces
}

// Segments returns the total number of segments.
func (r *Reader) Segments() int {
	return r.segments
}

// NextSegment returns the segment at index, or false once index reaches Segments().
func (r *Reader) NextSegment(index int) (*Segment, bool) {
	if index < 0 || index >= r.segments {
		return nil, false
	}

	offset := int64(index) * r.layout.SegmentSize()
	tail := r.pieces - index*r.layout.SegmentCap
	pieces := r.layout.SegmentCap
	if tail < pieces {
		pieces = tail
	}

	return &Segment{
		reader: r,
		index:  index,
		offset: offset,
		pieces: pieces,
	}, true
}

// Close closes the underlying file.
func (r *Reader) Close() error {
	return r.file.file.Close()
}

// Segment is a contiguous byte range made of up to SegmentCap pieces.
type Segment struct {
	reader  *Reader
	index   int
	offset  int64
	pieces  int
	current int
}

// Index returns the position of the segment in the file.
func (s *Segment) Index() int {
	return s.index
}

// Offset returns the absolute byte offset of the segment.
func (s *Segment) Offset() int64 {
	return s.offset
}

// PieceCount returns the number of pieces in the segment.
func (s *Segment) PieceCount() int {
	return s.pieces
}

// Len returns the number of bytes the segment covers.
func (s *Segment) Len() int64 {
	end := s.offset + int64(s.pieces)*s.reader.layout.PieceSize
	if end > s.reader.size {
		end = s.reader.size
	}
	return end - s.offset
}

// PieceSizes returns the nominal byte size of every piece in the segment.
func (s *Segment) PieceSizes() []int64 {
	sizes := make([]int64, s.pieces)
	for i := range sizes {
		sizes[i] = s.pieceSize(i)
	}
	return sizes
}

func (s *Segment) pieceSize(i int) int64 {
	offset := s.offset + int64(i)*s.reader.layout.PieceSize
	size := s.reader.size - offset
	if size > s.reader.layout.PieceSize {
		size = s.reader.layout.PieceSize
	}
	return size
}

// NextChunk returns the next piece of the segment, or false when all were handed out.
func (s *Segment) NextChunk() (*Chunk, bool) {
	if s.current == s.pieces {
		return nil, false
	}

	chunk := &Chunk{
		file:       s.reader.file,
		observer:   s.reader.observer,
		bufferSize: s.reader.layout.BufferSize,
		offset:     s.offset + int64(s.current)*s.reader.layout.PieceSize,
		size:       s.pieceSize(s.current),
	}
	s.current++

	return chunk, true
}

// Chunk streams one piece from disk. Each Read pulls at most BufferSize bytes at the
// piece's absolute offset, so memory stays bounded however slowly the consumer pulls.
// A Chunk can be read once.
type Chunk struct {
	file       *sharedFile
	observer   Observer
	bufferSize int
	offset     int64
	size       int64
	read       int64
}

// Offset returns the absolute byte offset of the piece.
func (c *Chunk) Offset() int64 {
	return c.offset
}

// Size returns the nominal byte size of the piece.
func (c *Chunk) Size() int64 {
	return c.size
}

// Read implements io.Reader. Hitting the physical end of the file ends the chunk
// with io.EOF even if Size() was not reached.
func (c *Chunk) Read(p []byte) (int, error) {
	remaining := c.size - c.read
	if remaining <= 0 {
		return 0, io.EOF
	}

	n := len(p)
	if n > c.bufferSize {
		n = c.bufferSize
	}
	if int64(n) > remaining {
		n = int(remaining)
	}
	if n == 0 {
		return 0, nil
	}

	read, err := c.file.readAt(p[:n], c.offset+c.read)
	if read == 0 {
		if err == nil || err == io.EOF {
			return 0, io.EOF
		}
		return 0, fmt.Errorf("read piece at %d: %w", c.offset+c.read, err)
	}

	c.read += int64(read)
	c.observer(read)

	return read, nil
}
