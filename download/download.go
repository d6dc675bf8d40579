// Package download fetches the pieces of a committed file back from the chat platform
// and stitches them together in file order.
package download

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"time"

	"github.com/bitrise-io/go-utils/retry"
	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/bitrise-io/go-utils/v2/pathutil"
	"github.com/docker/go-units"
	"github.com/melbahja/got"
	"github.com/thunderspear/thunderspear/catalog"
	"github.com/thunderspear/thunderspear/remote"
)

// Catalog resolves file IDs to their records.
type Catalog interface {
	File(id uint32) (catalog.FileRecord, bool)
	Channel() string
}

// Config ...
type Config struct {
	// NumRetries is the number of attempts per piece.
	NumRetries uint
	// RetryWait is the pause between attempts.
	RetryWait time.Duration
	// MaxRateLimitWait caps the rate limit waits of a single message fetch. Zero waits forever.
	MaxRateLimitWait time.Duration
}

// DefaultConfig ...
func DefaultConfig() Config {
	return Config{
		NumRetries:       3,
		RetryWait:        2 * time.Second,
		MaxRateLimitWait: 10 * time.Minute,
	}
}

// Downloader restores committed files.
type Downloader struct {
	client       remote.Client
	httpClient   *http.Client
	catalog      Catalog
	pathProvider pathutil.PathProvider
	logger       log.Logger
	config       Config
}

// New creates a Downloader. httpClient is used for the piece transfers.
func New(client remote.Client, httpClient *http.Client, catalog Catalog, logger log.Logger, config Config) *Downloader {
	return &Downloader{
		client:       client,
		httpClient:   httpClient,
		catalog:      catalog,
		pathProvider: pathutil.NewPathProvider(),
		logger:       logger,
		config:       config,
	}
}

// Download writes the file with the given ID into targetDir and returns its path.
func (d *Downloader) Download(ctx context.Context, id uint32, targetDir string) (string, error) {
	record, ok := d.catalog.File(id)
	if !ok {
		return "", fmt.Errorf("file %d: %w", id, catalog.ErrNotFound)
	}

	tmpDir, err := d.pathProvider.CreateTempDir("thunderspear-download")
	if err != nil {
		return "", fmt.Errorf("create temp dir: %w", err)
	}
	defer func() {
		if err := os.RemoveAll(tmpDir); err != nil {
			d.logger.Warnf("Failed to remove %s: %s", tmpDir, err)
		}
	}()

	d.logger.Infof("Downloading %s (%s in %d segments)", record.Name, units.HumanSizeWithPrecision(float64(record.Size), 3), len(record.SegmentRemoteIDs))

	var pieces []string
	for index, messageID := range record.SegmentRemoteIDs {
		segmentPieces, err := d.downloadSegment(ctx, index, messageID, tmpDir)
		if err != nil {
			return "", fmt.Errorf("segment %d: %w", index, err)
		}
		pieces = append(pieces, segmentPieces...)
	}

	dest := filepath.Join(targetDir, localName(record))
	if err := assemble(dest, pieces, int64(record.Size)); err != nil {
		return "", err
	}

	d.logger.Donef("File %s has been downloaded to %s", record.Name, dest)
	return dest, nil
}

// localName keeps the output inside the target directory whatever the stored name is.
func localName(record catalog.FileRecord) string {
	name := filepath.Base(record.Name)
	switch name {
	case ".", "..", string(filepath.Separator):
		return fmt.Sprintf("file-%d", record.ID)
	}
	return name
}

func (d *Downloader) downloadSegment(ctx context.Context, index int, messageID, tmpDir string) ([]string, error) {
	channel := d.catalog.Channel()

	var message remote.Message
	err := remote.RetryRateLimited(ctx, d.logger, d.config.MaxRateLimitWait, fmt.Sprintf("segment %d fetch", index), func() error {
		var err error
		message, err = d.client.FetchSegment(ctx, channel, messageID)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("fetch message %s: %w", messageID, err)
	}

	attachments, err := sortAttachments(message.Attachments)
	if err != nil {
		return nil, err
	}

	var pieces []string
	for _, attachment := range attachments {
		dest := filepath.Join(tmpDir, attachment.Filename)
		if err := d.downloadPiece(ctx, attachment, dest); err != nil {
			return nil, err
		}
		pieces = append(pieces, dest)
	}

	return pieces, nil
}

func (d *Downloader) downloadPiece(ctx context.Context, attachment remote.Attachment, dest string) error {
	err := retry.Times(d.config.NumRetries).Wait(d.config.RetryWait).TryWithAbort(func(attempt uint) (error, bool) {
		if attempt > 0 {
			d.logger.Debugf("Retrying piece %s (attempt %d)", attachment.Filename, attempt+1)
		}

		if err := downloadFile(ctx, d.httpClient, attachment.URL, dest); err != nil {
			if ctx.Err() != nil {
				return ctx.Err(), true
			}
			return fmt.Errorf("download piece %s: %w", attachment.Filename, err), false
		}

		info, err := os.Stat(dest)
		if err != nil {
			return fmt.Errorf("stat piece %s: %w", attachment.Filename, err), false
		}
		if attachment.Size > 0 && info.Size() != attachment.Size {
			return fmt.Errorf("piece %s: got %d bytes, expected %d", attachment.Filename, info.Size(), attachment.Size), false
		}

		return nil, true
	})
	if err != nil {
		return fmt.Errorf("all retries failed: %w", err)
	}
	return nil
}

func downloadFile(ctx context.Context, client *http.Client, url string, dest string) error {
	downloader := got.New()
	downloader.Client = client

	return downloader.Do(got.NewDownload(ctx, url, dest))
}

// sortAttachments orders attachments by their numeric filename, the global piece index.
func sortAttachments(attachments []remote.Attachment) ([]remote.Attachment, error) {
	type indexed struct {
		index      int
		attachment remote.Attachment
	}

	items := make([]indexed, 0, len(attachments))
	for _, a := range attachments {
		index, err := strconv.Atoi(a.Filename)
		if err != nil {
			return nil, fmt.Errorf("unexpected attachment name %q: %w", a.Filename, err)
		}
		items = append(items, indexed{index: index, attachment: a})
	}

	sort.Slice(items, func(i, j int) bool {
		return items[i].index < items[j].index
	})

	sorted := make([]remote.Attachment, len(items))
	for i, item := range items {
		sorted[i] = item.attachment
	}
	return sorted, nil
}

func assemble(dest string, pieces []string, size int64) error {
	out, err := os.Create(dest)
	if err != nil {
		return fmt.Errorf("create %s: %w", dest, err)
	}

	written, err := concat(out, pieces)
	if closeErr := out.Close(); err == nil && closeErr != nil {
		err = fmt.Errorf("close %s: %w", dest, closeErr)
	}
	if err == nil && written != size {
		err = fmt.Errorf("assembled %d bytes, expected %d", written, size)
	}
	if err != nil {
		if removeErr := os.Remove(dest); removeErr != nil && !os.IsNotExist(removeErr) {
			return fmt.Errorf("%w (cleanup: %v)", err, removeErr)
		}
		return err
	}

	return nil
}

func concat(w io.Writer, pieces []string) (int64, error) {
	var written int64
	for _, pth := range pieces {
		n, err := copyFile(w, pth)
		written += n
		if err != nil {
			return written, err
		}
	}
	return written, nil
}

func copyFile(w io.Writer, pth string) (int64, error) {
	f, err := os.Open(pth)
	if err != nil {
		return 0, fmt.Errorf("open piece: %w", err)
	}
	defer f.Close()

	n, err := io.Copy(w, f)
	if err != nil {
		return n, fmt.Errorf("copy piece %s: %w", filepath.Base(pth), err)
	}
	return n, nil
}
