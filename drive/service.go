// Package drive is the command surface of the application: it ties the catalog, the
// upload queue and the downloader together behind the operations the CLI exposes.
package drive

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/bitrise-io/go-utils/v2/pathutil"
	"github.com/bmatcuk/doublestar/v4"
	"github.com/thunderspear/thunderspear/catalog"
	"github.com/thunderspear/thunderspear/search"
)

// ErrNotLoggedIn is returned by remote operations without stored credentials.
var ErrNotLoggedIn = errors.New("no token or channel configured, run login first")

// Uploader is the upload queue.
type Uploader interface {
	Enqueue(paths []string) ([]catalog.QueuedUpload, error)
	Delete(ids []uint32) error
	Pending() []catalog.QueuedUpload
	Wait(ctx context.Context) error
	Stop()
}

// Downloader restores a committed file into a directory.
type Downloader interface {
	Download(ctx context.Context, id uint32, targetDir string) (string, error)
}

// Service ...
type Service struct {
	catalog      *catalog.Catalog
	uploader     Uploader
	downloader   Downloader
	pathModifier pathutil.PathModifier
	pathChecker  pathutil.PathChecker
	logger       log.Logger

	// token and channel override the stored credentials when set
	token, channel string
}

// NewService ...
func NewService(cat *catalog.Catalog, uploader Uploader, downloader Downloader, logger log.Logger) *Service {
	return &Service{
		catalog:      cat,
		uploader:     uploader,
		downloader:   downloader,
		pathModifier: pathutil.NewPathModifier(),
		pathChecker:  pathutil.NewPathChecker(),
		logger:       logger,
	}
}

// List returns every committed file.
func (s *Service) List() []catalog.FileRecord {
	return s.catalog.Files()
}

// Upload expands the given paths and glob patterns and queues the matching files.
// It returns as soon as the files are queued.
func (s *Service) Upload(paths []string) ([]catalog.QueuedUpload, error) {
	if err := s.requireCredentials(); err != nil {
		return nil, err
	}

	finalPaths, err := s.evaluatePaths(paths)
	if err != nil {
		return nil, err
	}
	if len(finalPaths) == 0 {
		return nil, fmt.Errorf("no file matched the provided paths")
	}

	return s.uploader.Enqueue(finalPaths)
}

// Download restores the given files into targetDir.
func (s *Service) Download(ctx context.Context, ids []uint32, targetDir string) ([]string, error) {
	if err := s.requireCredentials(); err != nil {
		return nil, err
	}

	absTarget, err := s.pathModifier.AbsPath(targetDir)
	if err != nil {
		return nil, fmt.Errorf("resolve target: %w", err)
	}
	exists, err := s.pathChecker.IsDirExists(absTarget)
	if err != nil {
		return nil, fmt.Errorf("check target: %w", err)
	}
	if !exists {
		if err := os.MkdirAll(absTarget, 0755); err != nil {
			return nil, fmt.Errorf("create target: %w", err)
		}
	}

	var downloaded []string
	for _, id := range ids {
		pth, err := s.downloader.Download(ctx, id, absTarget)
		if err != nil {
			return downloaded, fmt.Errorf("download file %d: %w", id, err)
		}
		downloaded = append(downloaded, pth)
	}
	return downloaded, nil
}

// Delete removes the given files from the catalog and the upload queue.
// An upload in flight is aborted.
func (s *Service) Delete(ids []uint32) error {
	return s.uploader.Delete(ids)
}

// Rename changes the display name of a committed file.
func (s *Service) Rename(id uint32, name string) error {
	name = strings.TrimSpace(name)
	if name == "" {
		return fmt.Errorf("name is empty")
	}
	if name == "." || name == ".." || strings.ContainsAny(name, `/\`) {
		return fmt.Errorf("invalid name %q: must not be a path", name)
	}

	renamed, err := s.catalog.Rename(id, name)
	if err != nil {
		return err
	}
	if !renamed {
		s.logger.Warnf("File %d is not in the catalog", id)
	}
	return nil
}

// Query returns the IDs whose name, or path for pending uploads, is close to query.
func (s *Service) Query(query string) []uint32 {
	return search.Query(query, s.catalog.Files(), s.uploader.Pending())
}

// Login stores the credentials used for every remote call.
func (s *Service) Login(token, channel string) error {
	if token == "" || channel == "" {
		return fmt.Errorf("both token and channel are required")
	}
	return s.catalog.SetCredentials(token, channel)
}

// Backup writes a compressed copy of the catalog to pth.
func (s *Service) Backup(pth string) (err error) {
	f, err := os.Create(pth)
	if err != nil {
		return fmt.Errorf("create backup: %w", err)
	}
	defer func() {
		if closeErr := f.Close(); closeErr != nil && err == nil {
			err = fmt.Errorf("close backup: %w", closeErr)
		}
	}()

	return s.catalog.Backup(f)
}

// Restore replaces the catalog records with the ones in the backup at pth.
func (s *Service) Restore(pth string) (int, error) {
	f, err := os.Open(pth)
	if err != nil {
		return 0, fmt.Errorf("open backup: %w", err)
	}
	defer func() {
		if err := f.Close(); err != nil {
			s.logger.Warnf("Failed to close %s: %s", pth, err)
		}
	}()

	return s.catalog.Restore(f)
}

// Wait blocks until the upload queue is drained.
func (s *Service) Wait(ctx context.Context) error {
	return s.uploader.Wait(ctx)
}

// Stop aborts the active upload and drops the queue.
func (s *Service) Stop() {
	s.uploader.Stop()
}

func (s *Service) requireCredentials() error {
	token, channel := s.catalog.Credentials()
	if s.token != "" {
		token = s.token
	}
	if s.channel != "" {
		channel = s.channel
	}
	if token == "" || channel == "" {
		return ErrNotLoggedIn
	}
	return nil
}

func (s *Service) evaluatePaths(paths []string) ([]string, error) {
	// Expand wildcard paths
	var expandedPaths []string
	for _, path := range paths {
		if !strings.ContainsAny(path, "*?[{") {
			expandedPaths = append(expandedPaths, path)
			continue
		}

		base, pattern := doublestar.SplitPattern(filepath.ToSlash(path))
		absBase, err := s.pathModifier.AbsPath(base)
		if err != nil {
			return nil, err
		}
		matches, err := doublestar.Glob(os.DirFS(absBase), pattern, doublestar.WithNoFollow())
		if err != nil {
			s.logger.Warnf("Error in path pattern '%s': %s", path, err)
			continue
		}
		if len(matches) == 0 {
			s.logger.Warnf("No match for path pattern: %s", path)
			continue
		}

		for _, match := range matches {
			expandedPaths = append(expandedPaths, filepath.Join(absBase, match))
		}
	}

	// Validate and sanitize paths
	var finalPaths []string
	for _, path := range expandedPaths {
		absPath, err := s.pathModifier.AbsPath(path)
		if err != nil {
			s.logger.Warnf("Failed to parse path %s, error: %s", path, err)
			continue
		}

		exists, err := s.pathChecker.IsPathExists(absPath)
		if err != nil {
			s.logger.Warnf("Failed to check path %s, error: %s", absPath, err)
		}
		if !exists {
			s.logger.Warnf("Path doesn't exist: %s", path)
			continue
		}

		isDir, err := s.pathChecker.IsDirExists(absPath)
		if err == nil && isDir {
			s.logger.Warnf("Skipping directory: %s", path)
			continue
		}

		finalPaths = append(finalPaths, absPath)
	}

	return finalPaths, nil
}
