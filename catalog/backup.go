package catalog

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/klauspost/compress/zstd"
)

// Backup writes the records and channel as zstd compressed JSON. The token is left out.
func (c *Catalog) Backup(w io.Writer) error {
	c.mu.Lock()
	doc := Document{
		Channel: c.doc.Channel,
		NextID:  c.doc.NextID,
		Root:    make([]FileRecord, len(c.doc.Root)),
	}
	for i, f := range c.doc.Root {
		doc.Root[i] = copyRecord(f)
	}
	c.mu.Unlock()

	zstdWriter, err := zstd.NewWriter(w)
	if err != nil {
		return fmt.Errorf("create zstd writer: %w", err)
	}

	if err := json.NewEncoder(zstdWriter).Encode(doc); err != nil {
		_ = zstdWriter.Close()
		return fmt.Errorf("encode catalog: %w", err)
	}

	if err := zstdWriter.Close(); err != nil {
		return fmt.Errorf("close zstd writer: %w", err)
	}

	return nil
}

// Restore replaces the records with the ones in a backup written by Backup.
// next_id never moves backwards, and the stored credentials are kept.
func (c *Catalog) Restore(r io.Reader) (int, error) {
	zstdReader, err := zstd.NewReader(r)
	if err != nil {
		return 0, fmt.Errorf("create zstd reader: %w", err)
	}
	defer zstdReader.Close()

	var doc Document
	if err := json.NewDecoder(zstdReader).Decode(&doc); err != nil {
		return 0, fmt.Errorf("decode backup: %w", err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	err = c.update(func(current *Document) (bool, error) {
		if current.Channel == "" {
			current.Channel = doc.Channel
		} else if doc.Channel != "" && doc.Channel != current.Channel {
			c.logger.Warnf("Backup was taken from channel %s, current channel is %s", doc.Channel, current.Channel)
		}

		nextID := current.NextID
		if doc.NextID > nextID {
			nextID = doc.NextID
		}
		for _, f := range doc.Root {
			if f.ID >= nextID {
				nextID = f.ID + 1
			}
		}

		current.Root = doc.Root
		current.NextID = nextID
		return true, nil
	})
	if err != nil {
		return 0, err
	}
	return len(doc.Root), nil
}
