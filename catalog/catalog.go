// Package catalog keeps the durable record of uploaded files.
// The whole catalog is one JSON document that is rewritten on every mutation.
package catalog

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/bitrise-io/go-utils/v2/log"
)

// ErrNotFound is returned when a file ID is not in the catalog.
var ErrNotFound = errors.New("file not found in catalog")

// ErrDiscarded is returned by Append for a file that was deleted before it was committed.
var ErrDiscarded = errors.New("file was deleted before it was committed")

// FileRecord is a fully uploaded file.
type FileRecord struct {
	ID   uint32 `json:"id"`
	Name string `json:"name"`
	Path string `json:"path"`
	Size uint64 `json:"size"`
	// SegmentRemoteIDs holds the message ID of every segment, in file offset order.
	SegmentRemoteIDs []string `json:"clusters"`
	// CreatedAt is in Unix milliseconds.
	CreatedAt int64 `json:"created_at"`
}

// Created returns CreatedAt as a time.
func (r FileRecord) Created() time.Time {
	return time.UnixMilli(r.CreatedAt)
}

// QueuedUpload is a file waiting to be uploaded.
type QueuedUpload struct {
	ID   uint32 `json:"id"`
	Path string `json:"path"`
}

// Document is the persisted form of the catalog.
type Document struct {
	Token   string       `json:"token"`
	Channel string       `json:"channel"`
	NextID  uint32       `json:"next_id"`
	Root    []FileRecord `json:"root"`
	// Discarded lists allocated IDs deleted before their upload was committed,
	// possibly by another process.
	Discarded []uint32 `json:"discarded,omitempty"`
}

// Store loads and saves the catalog document.
// Lock and Unlock bracket a load-modify-save cycle and must exclude other processes.
type Store interface {
	Load() (Document, error)
	Save(Document) error
	Lock() error
	Unlock() error
}

// Catalog is the lock protected, persisted set of uploaded files.
// Every mutation reloads the document under the store lock, so processes sharing
// one catalog file never overwrite each other's changes. Reads are served from the
// document seen by the last load.
type Catalog struct {
	store  Store
	logger log.Logger

	mu  sync.Mutex
	doc Document
}

// Open loads the catalog from store.
func Open(store Store, logger log.Logger) (*Catalog, error) {
	c := &Catalog{
		store:  store,
		logger: logger,
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.update(func(*Document) (bool, error) { return false, nil }); err != nil {
		return nil, fmt.Errorf("load catalog: %w", err)
	}
	return c, nil
}

// Files returns a copy of every record.
func (c *Catalog) Files() []FileRecord {
	c.mu.Lock()
	defer c.mu.Unlock()

	files := make([]FileRecord, len(c.doc.Root))
	for i, f := range c.doc.Root {
		files[i] = copyRecord(f)
	}
	return files
}

// File returns the record with the given ID.
func (c *Catalog) File(id uint32) (FileRecord, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, f := range c.doc.Root {
		if f.ID == id {
			return copyRecord(f), true
		}
	}
	return FileRecord{}, false
}

// Credentials returns the stored token and channel.
func (c *Catalog) Credentials() (string, string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.doc.Token, c.doc.Channel
}

// Channel returns the stored channel.
func (c *Catalog) Channel() string {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.doc.Channel
}

// SetCredentials stores the token and channel.
func (c *Catalog) SetCredentials(token, channel string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.update(func(doc *Document) (bool, error) {
		doc.Token = token
		doc.Channel = channel
		return true, nil
	})
}

// AllocateID hands out the next file ID. IDs are never reused.
func (c *Catalog) AllocateID() (uint32, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var id uint32
	err := c.update(func(doc *Document) (bool, error) {
		id = doc.NextID
		doc.NextID++
		return true, nil
	})
	return id, err
}

// Append adds a completed upload. It returns ErrDiscarded when the ID was deleted
// while the upload was in flight.
func (c *Catalog) Append(record FileRecord) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	discarded := false
	err := c.update(func(doc *Document) (bool, error) {
		if containsID(doc.Discarded, record.ID) {
			doc.Discarded = withoutIDs(doc.Discarded, []uint32{record.ID})
			discarded = true
			return true, nil
		}
		for _, f := range doc.Root {
			if f.ID == record.ID {
				return false, fmt.Errorf("file %d already in catalog", record.ID)
			}
		}

		doc.Root = append(doc.Root, copyRecord(record))
		if record.ID >= doc.NextID {
			doc.NextID = record.ID + 1
		}
		return true, nil
	})
	if err != nil {
		return err
	}
	if discarded {
		return ErrDiscarded
	}
	return nil
}

// Rename changes the display name of a file. Unknown IDs are ignored.
func (c *Catalog) Rename(id uint32, name string) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	renamed := false
	err := c.update(func(doc *Document) (bool, error) {
		for i := range doc.Root {
			if doc.Root[i].ID == id {
				doc.Root[i].Name = name
				renamed = true
				return true, nil
			}
		}
		return false, nil
	})
	if err != nil {
		return false, err
	}

	if !renamed {
		c.logger.Debugf("Rename: file %d not in catalog", id)
	}
	return renamed, nil
}

// Remove deletes the files with the given IDs and returns how many were removed.
// Allocated IDs that are not committed yet are marked discarded, so whichever
// process uploads them drops the result. Unknown IDs are ignored.
func (c *Catalog) Remove(ids []uint32) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	removed := 0
	err := c.update(func(doc *Document) (bool, error) {
		discarded := false
		for _, id := range ids {
			if id < doc.NextID && !hasRecord(doc.Root, id) && !containsID(doc.Discarded, id) {
				doc.Discarded = append(doc.Discarded, id)
				discarded = true
			}
		}

		kept := make([]FileRecord, 0, len(doc.Root))
		for _, f := range doc.Root {
			if !containsID(ids, f.ID) {
				kept = append(kept, f)
			}
		}
		removed = len(doc.Root) - len(kept)
		doc.Root = kept

		return removed > 0 || discarded, nil
	})
	if err != nil {
		return 0, err
	}
	return removed, nil
}

// update runs fn on a fresh copy of the stored document while holding the store
// lock and saves the result if fn reports a change. The cached document is only
// replaced by what is actually on disk. Must be called with mu held.
func (c *Catalog) update(fn func(doc *Document) (bool, error)) error {
	if err := c.store.Lock(); err != nil {
		return fmt.Errorf("lock catalog: %w", err)
	}
	defer func() {
		if err := c.store.Unlock(); err != nil {
			c.logger.Warnf("Failed to unlock catalog: %s", err)
		}
	}()

	current, err := c.store.Load()
	if err != nil {
		return fmt.Errorf("reload catalog: %w", err)
	}
	c.doc = current

	next := copyDocument(current)
	changed, err := fn(&next)
	if err != nil || !changed {
		return err
	}

	if err := c.store.Save(next); err != nil {
		return fmt.Errorf("save catalog: %w", err)
	}
	c.doc = next
	return nil
}

func copyDocument(doc Document) Document {
	root := make([]FileRecord, len(doc.Root))
	for i, f := range doc.Root {
		root[i] = copyRecord(f)
	}
	doc.Root = root
	doc.Discarded = append([]uint32(nil), doc.Discarded...)
	return doc
}

func copyRecord(r FileRecord) FileRecord {
	ids := make([]string, len(r.SegmentRemoteIDs))
	copy(ids, r.SegmentRemoteIDs)
	r.SegmentRemoteIDs = ids
	return r
}

func hasRecord(records []FileRecord, id uint32) bool {
	for _, f := range records {
		if f.ID == id {
			return true
		}
	}
	return false
}

func withoutIDs(ids, remove []uint32) []uint32 {
	var kept []uint32
	for _, id := range ids {
		if !containsID(remove, id) {
			kept = append(kept, id)
		}
	}
	return kept
}

func containsID(ids []uint32, id uint32) bool {
	for _, i := range ids {
		if i == id {
			return true
		}
	}
	return false
}
