// Package storage provides the scoped filesystem gateway: media,
// transcript, and per-job temp directories under a single storage root,
// with path-traversal-safe joins and atomic writes.
package storage

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

// ErrPathEscapes is returned when a joined path resolves outside its root.
var ErrPathEscapes = fmt.Errorf("path escapes storage root")

const (
	mediaDir      = "media"
	transcriptDir = "transcripts"
	tempDir       = "temp"
)

// FileStore owns the on-disk layout:
//
//	<root>/media/<job_id>.<ext>        immutable originals
//	<root>/transcripts/<job_id>.json   canonical transcript artifacts
//	<root>/temp/<job_id>/              per-job scratch, purged on cleanup
type FileStore struct {
	root string
}

// NewFileStore creates the storage layout under root.
func NewFileStore(root string) (*FileStore, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, err
	}
	for _, d := range []string{mediaDir, transcriptDir, tempDir} {
		if err := os.MkdirAll(filepath.Join(abs, d), 0o755); err != nil {
			return nil, fmt.Errorf("mkdir %s: %w", d, err)
		}
	}
	return &FileStore{root: abs}, nil
}

// Root returns the storage root directory.
func (s *FileStore) Root() string { return s.root }

// safeJoin joins elems under the root and rejects any result whose cleaned
// path does not stay inside it.
func (s *FileStore) safeJoin(elems ...string) (string, error) {
	p := filepath.Join(append([]string{s.root}, elems...)...)
	p = filepath.Clean(p)
	if p != s.root && !strings.HasPrefix(p, s.root+string(filepath.Separator)) {
		return "", fmt.Errorf("%q: %w", filepath.Join(elems...), ErrPathEscapes)
	}
	return p, nil
}

// MediaPath returns the path for a job's original media file.
func (s *FileStore) MediaPath(jobID, ext string) (string, error) {
	ext = strings.TrimPrefix(ext, ".")
	if ext == "" {
		ext = "bin"
	}
	return s.safeJoin(mediaDir, jobID+"."+ext)
}

// SaveMedia streams an upload into the media directory with an atomic
// temp-file + rename, returning the final path.
func (s *FileStore) SaveMedia(jobID, ext string, r io.Reader) (string, int64, error) {
	path, err := s.MediaPath(jobID, ext)
	if err != nil {
		return "", 0, err
	}
	n, err := atomicWrite(path, r)
	if err != nil {
		return "", 0, err
	}
	return path, n, nil
}

// TranscriptPath returns the canonical transcript artifact path for a job.
func (s *FileStore) TranscriptPath(jobID string) (string, error) {
	return s.safeJoin(transcriptDir, jobID+".json")
}

// WriteTranscript writes the canonical transcript artifact atomically and
// returns its absolute path.
func (s *FileStore) WriteTranscript(jobID string, data []byte) (string, error) {
	path, err := s.TranscriptPath(jobID)
	if err != nil {
		return "", err
	}
	if _, err := atomicWrite(path, strings.NewReader(string(data))); err != nil {
		return "", err
	}
	return path, nil
}

// ReadTranscript reads the canonical transcript artifact.
func (s *FileStore) ReadTranscript(jobID string) ([]byte, error) {
	path, err := s.TranscriptPath(jobID)
	if err != nil {
		return nil, err
	}
	return os.ReadFile(path)
}

// DeleteTranscript removes the transcript artifact. Missing files are not
// an error.
func (s *FileStore) DeleteTranscript(jobID string) error {
	path, err := s.TranscriptPath(jobID)
	if err != nil {
		return err
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

// DeleteMedia removes a job's media file given its saved path. The path is
// re-validated against the media directory before unlinking.
func (s *FileStore) DeleteMedia(savedPath string) error {
	clean := filepath.Clean(savedPath)
	prefix := filepath.Join(s.root, mediaDir) + string(filepath.Separator)
	if !strings.HasPrefix(clean, prefix) {
		return fmt.Errorf("%q: %w", savedPath, ErrPathEscapes)
	}
	if err := os.Remove(clean); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

// TempDir returns (creating if needed) the job-scoped scratch directory.
// Concurrent jobs never share a temp path.
func (s *FileStore) TempDir(jobID string) (string, error) {
	path, err := s.safeJoin(tempDir, jobID)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(path, 0o755); err != nil {
		return "", err
	}
	return path, nil
}

// Cleanup purges a job's scratch directory.
func (s *FileStore) Cleanup(jobID string) error {
	path, err := s.safeJoin(tempDir, jobID)
	if err != nil {
		return err
	}
	return os.RemoveAll(path)
}

// atomicWrite writes r to path via a temp file + rename in the target
// directory, so readers never observe a partial file.
func atomicWrite(path string, r io.Reader) (int64, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return 0, fmt.Errorf("mkdir %s: %w", dir, err)
	}

	tmp, err := os.CreateTemp(dir, ".selenite-*.tmp")
	if err != nil {
		return 0, fmt.Errorf("create temp: %w", err)
	}
	tmpPath := tmp.Name()
	n, err := io.Copy(tmp, r)
	if err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return 0, fmt.Errorf("write: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return 0, fmt.Errorf("close: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return 0, fmt.Errorf("rename: %w", err)
	}
	return n, nil
}
