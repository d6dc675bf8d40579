package catalog

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"github.com/bitrise-io/go-utils/v2/fileutil"
	"github.com/gofrs/flock"
)

// FileStore keeps the catalog document in a single JSON file.
// An advisory lock on a sibling .lock file serializes writers across processes.
type FileStore struct {
	path        string
	fileManager fileutil.FileManager
	lock        *flock.Flock
}

// NewFileStore ...
func NewFileStore(path string, fileManager fileutil.FileManager) *FileStore {
	return &FileStore{
		path:        path,
		fileManager: fileManager,
		lock:        flock.New(path + ".lock"),
	}
}

// Lock blocks until no other process holds the catalog lock.
func (s *FileStore) Lock() error {
	if err := s.lock.Lock(); err != nil {
		return fmt.Errorf("lock %s: %w", s.lock.Path(), err)
	}
	return nil
}

// Unlock releases the catalog lock.
func (s *FileStore) Unlock() error {
	return s.lock.Unlock()
}

// Load reads the document. A missing file yields an empty catalog.
func (s *FileStore) Load() (Document, error) {
	file, err := s.fileManager.Open(s.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return Document{}, nil
		}
		return Document{}, fmt.Errorf("open %s: %w", s.path, err)
	}
	defer file.Close() //nolint:errcheck

	var doc Document
	if err := json.NewDecoder(file).Decode(&doc); err != nil {
		return Document{}, fmt.Errorf("decode %s: %w", s.path, err)
	}

	return doc, nil
}

// Save overwrites the file with doc.
func (s *FileStore) Save(doc Document) error {
	if doc.Root == nil {
		doc.Root = []FileRecord{}
	}

	data, err := json.Marshal(doc)
	if err != nil {
		return err
	}

	return s.fileManager.WriteBytes(s.path, data)
}
