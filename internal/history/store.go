// Package history persists small pieces of operator state between runs:
// previously used "host:port" endpoints and the last sent text.
package history

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// Well-known store names.
const (
	Connections = "connections"
	UDPTargets  = "udp-targets"
	LastSent    = "last-sent"
)

// Store is one file under the history directory.
type Store struct {
	path string
	mu   sync.Mutex
}

// Open returns the store name inside dir, creating dir if needed.
// The file itself is created on first write.
func Open(dir, name string) (*Store, error) {
	if name == "" || strings.ContainsAny(name, `/\`) {
		return nil, fmt.Errorf("invalid history name %q", name)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create history dir: %w", err)
	}
	return &Store{path: filepath.Join(dir, name)}, nil
}

// Path returns the backing file path.
func (s *Store) Path() string {
	return s.path
}

// List returns the non-empty lines in insertion order.
func (s *Store) List() ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lines()
}

// Contains reports whether entry was appended before.
func (s *Store) Contains(entry string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	lines, err := s.lines()
	if err != nil {
		return false, err
	}
	entry = strings.TrimSpace(entry)
	for _, line := range lines {
		if line == entry {
			return true, nil
		}
	}
	return false, nil
}

// Append adds entry as a new line unless it is already present.
func (s *Store) Append(entry string) (bool, error) {
	entry = strings.TrimSpace(entry)
	if entry == "" || strings.ContainsAny(entry, "\r\n") {
		return false, fmt.Errorf("invalid history entry %q", entry)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	lines, err := s.lines()
	if err != nil {
		return false, err
	}
	for _, line := range lines {
		if line == entry {
			return false, nil
		}
	}

	f, err := os.OpenFile(s.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return false, fmt.Errorf("open history: %w", err)
	}
	if _, err := f.WriteString(entry + "\n"); err != nil {
		_ = f.Close()
		return false, fmt.Errorf("write history: %w", err)
	}
	if err := f.Close(); err != nil {
		return false, fmt.Errorf("close history: %w", err)
	}
	return true, nil
}

// Replace overwrites the whole file with content.
func (s *Store) Replace(content string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, []byte(content), 0o644); err != nil {
		return fmt.Errorf("write history: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return fmt.Errorf("replace history: %w", err)
	}
	return nil
}

// Read returns the whole file; a missing file reads as empty.
func (s *Store) Read() (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	raw, err := os.ReadFile(s.path)
	if errors.Is(err, fs.ErrNotExist) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("read history: %w", err)
	}
	return string(raw), nil
}

func (s *Store) lines() ([]string, error) {
	raw, err := os.ReadFile(s.path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read history: %w", err)
	}

	var out []string
	sc := bufio.NewScanner(bytes.NewReader(raw))
	for sc.Scan() {
		if line := strings.TrimSpace(sc.Text()); line != "" {
			out = append(out, line)
		}
	}
	return out, sc.Err()
}
