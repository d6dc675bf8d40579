package catalog

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/bitrise-io/go-utils/v2/fileutil"
	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/gofrs/flock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type memoryStore struct {
	doc   Document
	saves int
	err   error
}

func (s *memoryStore) Load() (Document, error) {
	return s.doc, nil
}

func (s *memoryStore) Save(doc Document) error {
	if s.err != nil {
		return s.err
	}
	s.saves++
	s.doc = doc
	return nil
}

func (s *memoryStore) Lock() error   { return nil }
func (s *memoryStore) Unlock() error { return nil }

func newTestCatalog(t *testing.T, records ...FileRecord) (*Catalog, *memoryStore) {
	t.Helper()

	store := &memoryStore{doc: Document{Channel: "123", NextID: uint32(len(records)), Root: records}}
	c, err := Open(store, log.NewLogger())
	require.NoError(t, err)
	return c, store
}

func record(id uint32, name string) FileRecord {
	return FileRecord{ID: id, Name: name, Path: "/tmp/" + name, Size: 10, SegmentRemoteIDs: []string{"m" + name}}
}

func TestCatalog_AllocateIDIsMonotonicAndPersisted(t *testing.T) {
	c, store := newTestCatalog(t)

	first, err := c.AllocateID()
	require.NoError(t, err)
	second, err := c.AllocateID()
	require.NoError(t, err)

	assert.Equal(t, uint32(0), first)
	assert.Equal(t, uint32(1), second)
	assert.Equal(t, uint32(2), store.doc.NextID)
	assert.Equal(t, 2, store.saves)
}

func TestCatalog_Append(t *testing.T) {
	c, store := newTestCatalog(t, record(0, "a"))

	require.NoError(t, c.Append(record(5, "b")))
	assert.Len(t, c.Files(), 2)
	assert.Equal(t, uint32(6), store.doc.NextID)

	err := c.Append(record(5, "c"))
	require.Error(t, err)
	assert.Len(t, c.Files(), 2)
}

func TestCatalog_Rename(t *testing.T) {
	c, store := newTestCatalog(t, record(0, "a"), record(1, "b"))

	renamed, err := c.Rename(1, "renamed")
	require.NoError(t, err)
	assert.True(t, renamed)

	f, ok := c.File(1)
	require.True(t, ok)
	assert.Equal(t, "renamed", f.Name)
	assert.Equal(t, 1, store.saves)
}

func TestCatalog_RenameMissingIsNoop(t *testing.T) {
	c, store := newTestCatalog(t, record(0, "a"))

	renamed, err := c.Rename(42, "x")
	require.NoError(t, err)
	assert.False(t, renamed)
	assert.Equal(t, []FileRecord{record(0, "a")}, c.Files())
	assert.Equal(t, 0, store.saves)
}

func TestCatalog_RemoveIsIdempotent(t *testing.T) {
	c, _ := newTestCatalog(t, record(0, "a"), record(1, "b"), record(2, "c"))

	removed, err := c.Remove([]uint32{1, 99})
	require.NoError(t, err)
	assert.Equal(t, 1, removed)

	removed, err = c.Remove([]uint32{1})
	require.NoError(t, err)
	assert.Equal(t, 0, removed)

	assert.Equal(t, []FileRecord{record(0, "a"), record(2, "c")}, c.Files())
}

func TestCatalog_FilesReturnsCopies(t *testing.T) {
	c, _ := newTestCatalog(t, record(0, "a"))

	files := c.Files()
	files[0].Name = "changed"
	files[0].SegmentRemoteIDs[0] = "changed"

	f, _ := c.File(0)
	assert.Equal(t, "a", f.Name)
	assert.Equal(t, []string{"ma"}, f.SegmentRemoteIDs)
}

func TestCatalog_SaveErrorIsReturned(t *testing.T) {
	c, store := newTestCatalog(t)
	store.err = errors.New("disk full")

	_, err := c.AllocateID()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "disk full")
}

func TestFileStore_RoundTrip(t *testing.T) {
	pth := filepath.Join(t.TempDir(), ".thunderspear")
	store := NewFileStore(pth, fileutil.NewFileManager())

	doc, err := store.Load()
	require.NoError(t, err)
	assert.Equal(t, Document{}, doc)

	c, err := Open(store, log.NewLogger())
	require.NoError(t, err)
	require.NoError(t, c.SetCredentials("token", "123"))
	id, err := c.AllocateID()
	require.NoError(t, err)
	require.NoError(t, c.Append(FileRecord{ID: id, Name: "a.bin", Path: "/x/a.bin", Size: 3, SegmentRemoteIDs: []string{"1", "2"}, CreatedAt: 1700000000000}))

	data, err := os.ReadFile(pth)
	require.NoError(t, err)
	assert.JSONEq(t, `{"token":"token","channel":"123","next_id":1,"root":[{"id":0,"name":"a.bin","path":"/x/a.bin","size":3,"clusters":["1","2"],"created_at":1700000000000}]}`, string(data))

	reopened, err := Open(store, log.NewLogger())
	require.NoError(t, err)
	assert.Equal(t, c.Files(), reopened.Files())
	token, channel := reopened.Credentials()
	assert.Equal(t, "token", token)
	assert.Equal(t, "123", channel)
}

func TestFileStore_LoadInvalidJSON(t *testing.T) {
	pth := filepath.Join(t.TempDir(), ".thunderspear")
	require.NoError(t, os.WriteFile(pth, []byte("{not json"), 0600))

	_, err := NewFileStore(pth, fileutil.NewFileManager()).Load()
	require.Error(t, err)
}

func TestCatalog_BackupRestore(t *testing.T) {
	source, _ := newTestCatalog(t, record(0, "a"), record(1, "b"))
	require.NoError(t, source.SetCredentials("secret", "123"))

	var buf bytes.Buffer
	require.NoError(t, source.Backup(&buf))
	assert.NotContains(t, buf.String(), "secret")

	target, err := Open(&memoryStore{}, log.NewLogger())
	require.NoError(t, err)
	for i := 0; i < 5; i++ {
		_, err := target.AllocateID()
		require.NoError(t, err)
	}

	restored, err := target.Restore(&buf)
	require.NoError(t, err)
	assert.Equal(t, 2, restored)
	assert.Equal(t, source.Files(), target.Files())
	assert.Equal(t, "123", target.Channel())

	next, err := target.AllocateID()
	require.NoError(t, err)
	assert.Equal(t, uint32(5), next)
}

func TestCatalog_AppendRollsBackOnSaveError(t *testing.T) {
	c, store := newTestCatalog(t, record(0, "a"))
	store.err = errors.New("disk full")

	require.Error(t, c.Append(record(1, "b")))
	assert.Equal(t, []FileRecord{record(0, "a")}, c.Files())

	store.err = nil
	require.NoError(t, c.Append(record(1, "b")))
	assert.Len(t, c.Files(), 2)
}

func TestCatalog_RenameRollsBackOnSaveError(t *testing.T) {
	c, store := newTestCatalog(t, record(0, "a"))
	store.err = errors.New("disk full")

	_, err := c.Rename(0, "renamed")
	require.Error(t, err)
	assert.Equal(t, []FileRecord{record(0, "a")}, c.Files())
}

func TestCatalog_RemoveRollsBackOnSaveError(t *testing.T) {
	c, store := newTestCatalog(t, record(0, "a"), record(1, "b"), record(2, "c"))
	store.err = errors.New("disk full")

	removed, err := c.Remove([]uint32{1})
	require.Error(t, err)
	assert.Equal(t, 0, removed)
	assert.Equal(t, []FileRecord{record(0, "a"), record(1, "b"), record(2, "c")}, c.Files())
	assert.Equal(t, []FileRecord{record(0, "a"), record(1, "b"), record(2, "c")}, store.doc.Root)
}

func TestCatalog_RestoreRollsBackOnSaveError(t *testing.T) {
	source, _ := newTestCatalog(t, record(0, "a"), record(1, "b"))
	var buf bytes.Buffer
	require.NoError(t, source.Backup(&buf))

	target, store := newTestCatalog(t, record(0, "x"))
	store.err = errors.New("disk full")

	_, err := target.Restore(&buf)
	require.Error(t, err)
	assert.Equal(t, []FileRecord{record(0, "x")}, target.Files())
}

func TestCatalog_RemoveDiscardsUncommittedIDs(t *testing.T) {
	c, store := newTestCatalog(t, record(0, "a"))

	id, err := c.AllocateID()
	require.NoError(t, err)

	removed, err := c.Remove([]uint32{id, 99})
	require.NoError(t, err)
	assert.Equal(t, 0, removed)
	assert.Equal(t, []uint32{id}, store.doc.Discarded)

	err = c.Append(record(id, "b"))
	require.ErrorIs(t, err, ErrDiscarded)
	assert.Equal(t, []FileRecord{record(0, "a")}, c.Files())
	assert.Empty(t, store.doc.Discarded)
}

func TestCatalog_ProcessesSharingOneFile(t *testing.T) {
	pth := filepath.Join(t.TempDir(), ".thunderspear")
	seed, err := Open(NewFileStore(pth, fileutil.NewFileManager()), log.NewLogger())
	require.NoError(t, err)
	seedID, err := seed.AllocateID()
	require.NoError(t, err)
	require.NoError(t, seed.Append(record(seedID, "old.bin")))

	uploading, err := Open(NewFileStore(pth, fileutil.NewFileManager()), log.NewLogger())
	require.NoError(t, err)
	other, err := Open(NewFileStore(pth, fileutil.NewFileManager()), log.NewLogger())
	require.NoError(t, err)

	first, err := uploading.AllocateID()
	require.NoError(t, err)
	second, err := other.AllocateID()
	require.NoError(t, err)
	assert.NotEqual(t, first, second)

	renamed, err := other.Rename(seedID, "renamed.bin")
	require.NoError(t, err)
	assert.True(t, renamed)
	require.NoError(t, other.Append(record(second, "b.bin")))
	require.NoError(t, uploading.Append(record(first, "a.bin")))

	reopened, err := Open(NewFileStore(pth, fileutil.NewFileManager()), log.NewLogger())
	require.NoError(t, err)

	renamedRecord := record(seedID, "old.bin")
	renamedRecord.Name = "renamed.bin"
	assert.Equal(t, []FileRecord{renamedRecord, record(second, "b.bin"), record(first, "a.bin")}, reopened.Files())

	next, err := reopened.AllocateID()
	require.NoError(t, err)
	assert.Equal(t, uint32(3), next)
}

func TestCatalog_DeleteFromAnotherProcessDiscardsCommit(t *testing.T) {
	pth := filepath.Join(t.TempDir(), ".thunderspear")
	uploading, err := Open(NewFileStore(pth, fileutil.NewFileManager()), log.NewLogger())
	require.NoError(t, err)
	other, err := Open(NewFileStore(pth, fileutil.NewFileManager()), log.NewLogger())
	require.NoError(t, err)

	id, err := uploading.AllocateID()
	require.NoError(t, err)

	_, err = other.Remove([]uint32{id})
	require.NoError(t, err)

	require.ErrorIs(t, uploading.Append(record(id, "a.bin")), ErrDiscarded)
	assert.Empty(t, uploading.Files())
}

func TestFileStore_MutationsWaitForLock(t *testing.T) {
	pth := filepath.Join(t.TempDir(), ".thunderspear")
	c, err := Open(NewFileStore(pth, fileutil.NewFileManager()), log.NewLogger())
	require.NoError(t, err)

	held := flock.New(pth + ".lock")
	require.NoError(t, held.Lock())

	allocated := make(chan uint32, 1)
	go func() {
		id, err := c.AllocateID()
		assert.NoError(t, err)
		allocated <- id
	}()

	select {
	case <-allocated:
		t.Fatal("allocated an id while the catalog was locked")
	case <-time.After(50 * time.Millisecond):
	}

	require.NoError(t, held.Unlock())

	select {
	case id := <-allocated:
		assert.Equal(t, uint32(0), id)
	case <-time.After(5 * time.Second):
		t.Fatal("allocation did not resume after unlock")
	}
}
