package server

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/spf13/afero"
)

// uploadPrefix starts every file name uploadName produces.
const uploadPrefix = "upload-"

// StaleUpload is a leftover upload found by FindStaleUploads.
type StaleUpload struct {
	Path    string
	Size    int64
	ModTime time.Time
}

// FindStaleUploads lists upload files in dir last modified more than
// olderThan before now, oldest first. Other files and subdirectories are
// ignored. A missing dir yields no uploads.
func FindStaleUploads(fs afero.Fs, dir string, olderThan time.Duration, now time.Time) ([]StaleUpload, error) {
	infos, err := afero.ReadDir(fs, dir)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read upload dir: %w", err)
	}

	cutoff := now.Add(-olderThan)
	var stale []StaleUpload
	for _, info := range infos {
		if !info.Mode().IsRegular() || !strings.HasPrefix(info.Name(), uploadPrefix) {
			continue
		}
		if info.ModTime().After(cutoff) {
			continue
		}
		stale = append(stale, StaleUpload{
			Path:    filepath.Join(dir, info.Name()),
			Size:    info.Size(),
			ModTime: info.ModTime(),
		})
	}
	slices.SortFunc(stale, func(a, b StaleUpload) int {
		return a.ModTime.Compare(b.ModTime)
	})
	return stale, nil
}

// RemoveUploads deletes the given uploads and returns how many were removed.
// Files already gone count as removed.
func RemoveUploads(fs afero.Fs, uploads []StaleUpload) (int, error) {
	var errs []error
	removed := 0
	for _, u := range uploads {
		if err := fs.Remove(u.Path); err != nil && !errors.Is(err, os.ErrNotExist) {
			errs = append(errs, err)
			continue
		}
		removed++
	}
	return removed, errors.Join(errs...)
}

// sweepUploads removes uploads orphaned by an earlier process, such as one
// killed mid-request.
func (s *Server) sweepUploads(olderThan time.Duration) {
	if olderThan <= 0 {
		return
	}
	stale, err := FindStaleUploads(s.fs, s.uploadDir, olderThan, s.now())
	if err != nil {
		s.logger.Warn("upload sweep failed", "error", err)
		return
	}
	if len(stale) == 0 {
		return
	}
	removed, err := RemoveUploads(s.fs, stale)
	if err != nil {
		s.logger.Warn("upload sweep incomplete", "removed", removed, "error", err)
		return
	}
	s.logger.Info("removed stale uploads", "count", removed, "dir", s.uploadDir)
}
