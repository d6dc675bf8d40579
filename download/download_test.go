package download

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/thunderspear/thunderspear/catalog"
	"github.com/thunderspear/thunderspear/remote"
)

type fakeCatalog struct {
	records map[uint32]catalog.FileRecord
}

func (c fakeCatalog) File(id uint32) (catalog.FileRecord, bool) {
	r, ok := c.records[id]
	return r, ok
}

func (c fakeCatalog) Channel() string {
	return "123"
}

type fakeClient struct {
	messages    map[string]remote.Message
	rateLimited int
	fetches     int
}

func (c *fakeClient) NegotiateUploadSlots(context.Context, string, int, []int64) ([]remote.UploadSlot, error) {
	return nil, errors.New("not implemented")
}

func (c *fakeClient) PutPiece(context.Context, remote.UploadSlot, io.Reader, int64) error {
	return errors.New("not implemented")
}

func (c *fakeClient) FinalizeSegment(context.Context, string, []remote.UploadSlot, int) (string, error) {
	return "", errors.New("not implemented")
}

func (c *fakeClient) FetchSegment(_ context.Context, channel, messageID string) (remote.Message, error) {
	c.fetches++
	if c.rateLimited > 0 {
		c.rateLimited--
		return remote.Message{}, &remote.RateLimitedError{RetryAfter: time.Millisecond}
	}
	m, ok := c.messages[messageID]
	if !ok {
		return remote.Message{}, &remote.UnexpectedResponseError{StatusCode: http.StatusNotFound, Body: "unknown message"}
	}
	return m, nil
}

func newPieceServer(t *testing.T, pieces map[string]string) *httptest.Server {
	t.Helper()

	svr := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		content, ok := pieces[strings.TrimPrefix(r.URL.Path, "/")]
		if !ok {
			http.NotFound(w, r)
			return
		}
		http.ServeContent(w, r, "piece", time.Time{}, strings.NewReader(content))
	}))
	t.Cleanup(svr.Close)
	return svr
}

func testConfig() Config {
	return Config{NumRetries: 1, RetryWait: 0, MaxRateLimitWait: time.Second}
}

func TestDownloader_Download(t *testing.T) {
	pieces := map[string]string{
		"0":  strings.Repeat("a", 1024),
		"1":  strings.Repeat("b", 1024),
		"2":  strings.Repeat("c", 1024),
		"10": strings.Repeat("d", 700),
	}
	svr := newPieceServer(t, pieces)

	attachment := func(name string) remote.Attachment {
		return remote.Attachment{ID: "a" + name, Filename: name, Size: int64(len(pieces[name])), URL: svr.URL + "/" + name}
	}

	client := &fakeClient{
		rateLimited: 1,
		messages: map[string]remote.Message{
			"m0": {ID: "m0", Attachments: []remote.Attachment{attachment("2"), attachment("0"), attachment("1")}},
			"m1": {ID: "m1", Attachments: []remote.Attachment{attachment("10")}},
		},
	}
	cat := fakeCatalog{records: map[uint32]catalog.FileRecord{
		7: {ID: 7, Name: "movie.mkv", Size: 3*1024 + 700, SegmentRemoteIDs: []string{"m0", "m1"}},
	}}

	d := New(client, http.DefaultClient, cat, log.NewLogger(), testConfig())
	target := t.TempDir()

	dest, err := d.Download(context.Background(), 7, target)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(target, "movie.mkv"), dest)

	data, err := os.ReadFile(dest)
	require.NoError(t, err)
	expected := pieces["0"] + pieces["1"] + pieces["2"] + pieces["10"]
	assert.True(t, bytes.Equal([]byte(expected), data))
	assert.Equal(t, 3, client.fetches)
}

func TestDownloader_UnknownID(t *testing.T) {
	d := New(&fakeClient{}, http.DefaultClient, fakeCatalog{}, log.NewLogger(), testConfig())

	_, err := d.Download(context.Background(), 1, t.TempDir())
	require.ErrorIs(t, err, catalog.ErrNotFound)
}

func TestDownloader_EmptyFile(t *testing.T) {
	cat := fakeCatalog{records: map[uint32]catalog.FileRecord{
		0: {ID: 0, Name: "empty.txt", SegmentRemoteIDs: []string{}},
	}}
	d := New(&fakeClient{}, http.DefaultClient, cat, log.NewLogger(), testConfig())

	dest, err := d.Download(context.Background(), 0, t.TempDir())
	require.NoError(t, err)

	info, err := os.Stat(dest)
	require.NoError(t, err)
	assert.Equal(t, int64(0), info.Size())
}

func TestDownloader_SizeMismatchRemovesOutput(t *testing.T) {
	pieces := map[string]string{"0": strings.Repeat("a", 1024)}
	svr := newPieceServer(t, pieces)

	client := &fakeClient{messages: map[string]remote.Message{
		"m0": {ID: "m0", Attachments: []remote.Attachment{{Filename: "0", URL: svr.URL + "/0"}}},
	}}
	cat := fakeCatalog{records: map[uint32]catalog.FileRecord{
		0: {ID: 0, Name: "file.bin", Size: 2048, SegmentRemoteIDs: []string{"m0"}},
	}}
	d := New(client, http.DefaultClient, cat, log.NewLogger(), testConfig())
	target := t.TempDir()

	_, err := d.Download(context.Background(), 0, target)
	require.Error(t, err)

	_, statErr := os.Stat(filepath.Join(target, "file.bin"))
	assert.True(t, os.IsNotExist(statErr))
}

func TestDownloader_MissingMessage(t *testing.T) {
	cat := fakeCatalog{records: map[uint32]catalog.FileRecord{
		0: {ID: 0, Name: "file.bin", Size: 1, SegmentRemoteIDs: []string{"gone"}},
	}}
	d := New(&fakeClient{}, http.DefaultClient, cat, log.NewLogger(), testConfig())

	_, err := d.Download(context.Background(), 0, t.TempDir())

	var unexpected *remote.UnexpectedResponseError
	require.ErrorAs(t, err, &unexpected)
	assert.Equal(t, http.StatusNotFound, unexpected.StatusCode)
}

func Test_sortAttachments(t *testing.T) {
	sorted, err := sortAttachments([]remote.Attachment{{Filename: "10"}, {Filename: "9"}, {Filename: "2"}})
	require.NoError(t, err)

	var names []string
	for _, a := range sorted {
		names = append(names, a.Filename)
	}
	assert.Equal(t, []string{"2", "9", "10"}, names)

	_, err = sortAttachments([]remote.Attachment{{Filename: "piece.bin"}})
	require.Error(t, err)
}

func TestDownloader_StaysInsideTargetDir(t *testing.T) {
	tests := []struct {
		name     string
		stored   string
		expected string
	}{
		{name: "parent traversal", stored: "../../escape.txt", expected: "escape.txt"},
		{name: "absolute", stored: "/etc/escape.txt", expected: "escape.txt"},
		{name: "dot dot", stored: "..", expected: "file-3"},
		{name: "empty", stored: "", expected: "file-3"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cat := fakeCatalog{records: map[uint32]catalog.FileRecord{
				3: {ID: 3, Name: tt.stored, SegmentRemoteIDs: []string{}},
			}}
			d := New(&fakeClient{}, http.DefaultClient, cat, log.NewLogger(), testConfig())
			target := t.TempDir()

			dest, err := d.Download(context.Background(), 3, target)
			require.NoError(t, err)
			assert.Equal(t, filepath.Join(target, tt.expected), dest)
		})
	}
}
