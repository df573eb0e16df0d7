// Package serverrole implements the server-side request dispatcher and
// the text-file storage it serves.
package serverrole

import (
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/jackson-nestelroad/nodectl/internal/wire"
)

// FileService exposes the three operations spec.md §4.5 names:
// enumerate, read-last-line, append-line, all scoped under a root
// directory.
type FileService struct {
	root string
}

// NewFileService validates that root exists and is a readable
// directory, then returns a FileService scoped to it.
func NewFileService(root string) (*FileService, error) {
	info, err := os.Stat(root)
	if err != nil {
		return nil, wire.Errorf(wire.Configuration, err, "managed directory root does not exist")
	}
	if !info.IsDir() {
		return nil, wire.Errorf(wire.Configuration, nil, "managed directory root is not a directory")
	}
	return &FileService{root: filepath.Clean(root)}, nil
}

// GetFiles lists non-hidden regular files directly under the root.
func (s *FileService) GetFiles() ([]string, error) {
	entries, err := os.ReadDir(s.root)
	if err != nil {
		return nil, wire.Errorf(wire.IO, err, "read root directory")
	}
	var names []string
	for _, e := range entries {
		if !e.Type().IsRegular() || strings.HasPrefix(e.Name(), ".") {
			continue
		}
		names = append(names, e.Name())
	}
	sort.Strings(names)
	return names, nil
}

// resolve validates that name is a direct, non-hidden child of root —
// rejecting path traversal, absolute paths, and subdirectories — and
// returns its full path.
func (s *FileService) resolve(name string) (string, error) {
	if name == "" || strings.HasPrefix(name, ".") {
		return "", wire.Errorf(wire.Protocol, nil, "invalid file access")
	}
	if strings.ContainsAny(name, "/\\") {
		return "", wire.Errorf(wire.Protocol, nil, "invalid file access")
	}
	full := filepath.Join(s.root, name)
	rel, err := filepath.Rel(s.root, full)
	if err != nil || rel != name {
		return "", wire.Errorf(wire.Protocol, nil, "invalid file access")
	}
	return full, nil
}

// ReadLastLine returns the text after the final newline in the file, or
// the whole content if it has no newline; the empty string if the file
// is empty or consists of a single trailing newline.
func (s *FileService) ReadLastLine(name string) (string, error) {
	path, err := s.resolve(name)
	if err != nil {
		return "", err
	}

	f, err := os.Open(path)
	if err != nil {
		return "", wire.Errorf(wire.NotFound, err, "open %q", name)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return "", wire.Errorf(wire.IO, err, "stat %q", name)
	}
	end := info.Size()
	if end == 0 {
		return "", nil
	}

	var b [1]byte
	if _, err := f.ReadAt(b[:], end-1); err != nil {
		return "", wire.Errorf(wire.IO, err, "read last byte of %q", name)
	}
	if b[0] == '\n' {
		end--
	}
	if end == 0 {
		return "", nil
	}

	start := int64(0)
	for pos := end - 1; pos >= 0; pos-- {
		if _, err := f.ReadAt(b[:], pos); err != nil {
			return "", wire.Errorf(wire.IO, err, "scan %q", name)
		}
		if b[0] == '\n' {
			start = pos + 1
			break
		}
	}

	line := make([]byte, end-start)
	if _, err := f.ReadAt(line, start); err != nil && err != io.EOF {
		return "", wire.Errorf(wire.IO, err, "read last line of %q", name)
	}
	return string(line), nil
}

// AppendLine atomically appends line + "\n" to the named file.
func (s *FileService) AppendLine(name, line string) error {
	path, err := s.resolve(name)
	if err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return wire.Errorf(wire.IO, err, "open %q for append", name)
	}
	defer f.Close()
	if _, err := f.WriteString(line + "\n"); err != nil {
		return wire.Errorf(wire.IO, err, "append to %q", name)
	}
	return nil
}
