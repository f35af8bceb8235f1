package mediastore

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/shirou/gopsutil/v4/disk"
)

// pendingSuffix marks files still receiving bytes. The handle is embedded
// in the filename so pending entries survive restarts without an index.
const pendingSuffix = ".pending-"

// FileStore is a filesystem-backed Store rooted at a single directory.
// A pending entry for "movie.mp4" with handle H lives at
// "movie.mp4.pending-H" and is renamed to "movie.mp4" on finalize.
type FileStore struct {
	mu   sync.Mutex
	root string

	// freeBytesFn is swappable for tests.
	freeBytesFn func(path string) (int64, error)
}

// NewFileStore creates a FileStore rooted at dir, creating it if needed.
func NewFileStore(dir string) (*FileStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating media dir: %w", err)
	}
	return &FileStore{
		root:        dir,
		freeBytesFn: diskFree,
	}, nil
}

// diskFree returns the free bytes on the filesystem holding path.
func diskFree(path string) (int64, error) {
	usage, err := disk.Usage(path)
	if err != nil {
		return 0, fmt.Errorf("reading disk usage: %w", err)
	}
	return int64(usage.Free), nil
}

// CreatePending allocates a pending entry for an incoming file.
func (s *FileStore) CreatePending(name, mimeType string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	handle := uuid.New().String()
	path := s.pendingPath(name, handle)

	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		return "", fmt.Errorf("creating pending entry: %w", err)
	}
	if err := f.Close(); err != nil {
		return "", fmt.Errorf("closing pending entry: %w", err)
	}
	return handle, nil
}

// AppendStream opens a writable sink appending to the pending entry.
func (s *FileStore) AppendStream(handle string) (io.WriteCloser, error) {
	path, err := s.findPending(handle)
	if err != nil {
		return nil, err
	}
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("opening append stream: %w", err)
	}
	return &syncingWriter{f: f}, nil
}

// syncingWriter fsyncs on close so committed offsets in the session table
// never run ahead of bytes on disk.
type syncingWriter struct {
	f *os.File
}

func (w *syncingWriter) Write(p []byte) (int, error) { return w.f.Write(p) }

// Sync flushes written bytes to stable storage without closing the stream.
// Callers that commit progress mid-stream sync before each commit.
func (w *syncingWriter) Sync() error { return w.f.Sync() }

func (w *syncingWriter) Close() error {
	if err := w.f.Sync(); err != nil {
		w.f.Close()
		return fmt.Errorf("syncing append stream: %w", err)
	}
	return w.f.Close()
}

// Size returns the entry's current size in bytes.
func (s *FileStore) Size(handle string) (int64, error) {
	path, err := s.findPending(handle)
	if err != nil {
		return 0, err
	}
	info, err := os.Stat(path)
	if err != nil {
		return 0, fmt.Errorf("stat pending entry: %w", err)
	}
	return info.Size(), nil
}

// Finalize renames the pending entry to its target name and returns a
// file URL for it.
func (s *FileStore) Finalize(handle string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	path, err := s.findPendingLocked(handle)
	if err != nil {
		return "", err
	}

	final := strings.Split(filepath.Base(path), pendingSuffix)[0]
	target := filepath.Join(s.root, final)

	// Avoid clobbering an existing file with the same name.
	if _, err := os.Stat(target); err == nil {
		ext := filepath.Ext(final)
		base := strings.TrimSuffix(final, ext)
		target = filepath.Join(s.root, fmt.Sprintf("%s-%s%s", base, handle[:8], ext))
	}

	if err := os.Rename(path, target); err != nil {
		return "", fmt.Errorf("finalizing entry: %w", err)
	}
	return "file://" + target, nil
}

// Delete removes the entry, pending or not.
func (s *FileStore) Delete(handle string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	path, err := s.findPendingLocked(handle)
	if err != nil {
		// Already finalized or gone: deletion is idempotent for unknowns.
		return nil
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("deleting entry: %w", err)
	}
	return nil
}

// ListPending returns the handles of all pending entries under the root.
func (s *FileStore) ListPending() ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entries, err := os.ReadDir(s.root)
	if err != nil {
		return nil, fmt.Errorf("reading media dir: %w", err)
	}

	var handles []string
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		if i := strings.LastIndex(entry.Name(), pendingSuffix); i >= 0 {
			handles = append(handles, entry.Name()[i+len(pendingSuffix):])
		}
	}
	return handles, nil
}

// FreeBytes returns the available storage on the media filesystem.
func (s *FileStore) FreeBytes() (int64, error) {
	return s.freeBytesFn(s.root)
}

// SetFreeBytesFunc overrides free-space probing, for tests.
func (s *FileStore) SetFreeBytesFunc(fn func(path string) (int64, error)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.freeBytesFn = fn
}

func (s *FileStore) pendingPath(name, handle string) string {
	return filepath.Join(s.root, filepath.Base(name)+pendingSuffix+handle)
}

func (s *FileStore) findPending(handle string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.findPendingLocked(handle)
}

func (s *FileStore) findPendingLocked(handle string) (string, error) {
	matches, err := filepath.Glob(filepath.Join(s.root, "*"+pendingSuffix+handle))
	if err != nil {
		return "", fmt.Errorf("globbing pending entries: %w", err)
	}
	if len(matches) == 0 {
		return "", ErrUnknownHandle
	}
	return matches[0], nil
}

var _ Store = (*FileStore)(nil)
