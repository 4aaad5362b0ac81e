package transcript

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
)

const (
	// DefaultDir is the directory used when none is configured.
	DefaultDir = "chat_logs"

	filePrefix = "all_chat_history_sr_"
	fileSuffix = ".txt"

	// maxCreateAttempts bounds the O_EXCL retry loop when another process
	// races us for a serial number.
	maxCreateAttempts = 16
)

// FileStore keeps one text file per transcript in a flat directory. Files
// are named all_chat_history_sr_<N>.txt where N is a serial number that is
// one greater than the largest serial already present.
type FileStore struct {
	dir string

	// mu serialises serial allocation within this process. Cross-process
	// collisions are caught by O_EXCL.
	mu sync.Mutex
}

var _ Store = (*FileStore)(nil)

// NewFileStore returns a FileStore rooted at dir. An empty dir selects
// [DefaultDir]. The directory is created on first Persist.
func NewFileStore(dir string) *FileStore {
	if dir == "" {
		dir = DefaultDir
	}
	return &FileStore{dir: dir}
}

// Dir returns the directory the store writes to.
func (s *FileStore) Dir() string { return s.dir }

// Persist implements [Store]. The returned reference is the file path.
func (s *FileStore) Persist(ctx context.Context, turns []Turn) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return "", fmt.Errorf("transcript: create dir %q: %w", s.dir, err)
	}

	serial, err := s.nextSerial()
	if err != nil {
		return "", err
	}

	for range maxCreateAttempts {
		path := s.pathFor(serial)
		f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
		if errors.Is(err, fs.ErrExist) {
			serial++
			continue
		}
		if err != nil {
			return "", fmt.Errorf("transcript: create %q: %w", path, err)
		}

		_, werr := f.WriteString(Format(serial, turns))
		cerr := f.Close()
		if err := errors.Join(werr, cerr); err != nil {
			return "", fmt.Errorf("transcript: write %q: %w", path, err)
		}

		slog.Info("transcript saved", "path", path, "serial", serial, "turns", len(turns))
		return path, nil
	}
	return "", fmt.Errorf("transcript: no free serial after %d attempts starting at %d", maxCreateAttempts, serial-maxCreateAttempts)
}

// Latest implements [Store]. It returns the path with the greatest serial
// number, or [ErrNotFound] when the directory is missing or holds no
// transcript files.
func (s *FileStore) Latest(ctx context.Context) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	serials, err := s.serials()
	if err != nil {
		return "", err
	}
	if len(serials) == 0 {
		return "", ErrNotFound
	}
	best, bestName := -1, ""
	for name, n := range serials {
		if n > best {
			best, bestName = n, name
		}
	}
	return filepath.Join(s.dir, bestName), nil
}

// Read implements [Store]. ref is a file path; it need not live inside the
// store directory, so externally supplied transcripts can be read too.
func (s *FileStore) Read(ctx context.Context, ref string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	data, err := os.ReadFile(ref)
	if errors.Is(err, fs.ErrNotExist) {
		return "", fmt.Errorf("transcript: read %q: %w", ref, ErrNotFound)
	}
	if err != nil {
		return "", fmt.Errorf("transcript: read %q: %w", ref, err)
	}
	return string(data), nil
}

func (s *FileStore) pathFor(serial int) string {
	return filepath.Join(s.dir, filePrefix+strconv.Itoa(serial)+fileSuffix)
}

// nextSerial returns max(existing serials)+1, or 1 for an empty directory.
func (s *FileStore) nextSerial() (int, error) {
	serials, err := s.serials()
	if err != nil {
		return 0, err
	}
	next := 1
	for _, n := range serials {
		if n >= next {
			next = n + 1
		}
	}
	return next, nil
}

// serials maps every transcript file name in the directory to its serial.
// Names whose stem does not end in a number are skipped.
func (s *FileStore) serials() (map[string]int, error) {
	entries, err := os.ReadDir(s.dir)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("transcript: list %q: %w", s.dir, err)
	}
	out := make(map[string]int, len(entries))
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		if n, ok := SerialFromName(e.Name()); ok {
			out[e.Name()] = n
		}
	}
	return out, nil
}

// SerialFromName extracts the serial from a transcript file name such as
// "all_chat_history_sr_12.txt". ok is false for any other name.
func SerialFromName(name string) (serial int, ok bool) {
	if !strings.HasPrefix(name, filePrefix) || !strings.HasSuffix(name, fileSuffix) {
		return 0, false
	}
	stem := strings.TrimSuffix(name, fileSuffix)
	tail := stem[strings.LastIndexByte(stem, '_')+1:]
	n, err := strconv.Atoi(tail)
	if err != nil || n < 0 || strings.HasPrefix(tail, "+") || strings.HasPrefix(tail, "-") {
		return 0, false
	}
	return n, true
}
