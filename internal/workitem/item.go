// Package workitem models a single unit of work processed by the
// scheduler: either a file discovered under a source directory, or a
// line read from a source file.
package workitem

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

// Item abstracts one work item regardless of its underlying source.
// Implementations must be safe to construct once during enumeration and
// used read-only thereafter.
type Item interface {
	// Name is the filesystem-safe token used as the item's subdirectory
	// name under the destination.
	Name() string

	// Exists reports whether the item's source still exists. File items
	// can disappear between enumeration and scheduling; line items
	// always exist since their content was captured at enumeration time.
	Exists() bool

	// OpenInputFD returns a readable file carrying the item's bytes,
	// suitable for dup'ing onto a child's stdin.
	OpenInputFD() (*os.File, error)

	// AsArgument returns the string substituted for "{}" in the command
	// when the item is passed as an argument rather than on stdin.
	AsArgument() string

	// MaterializeInFile creates the "in" artifact at path: a symlink to
	// the source for file items, a regular file containing the line text
	// for line items.
	MaterializeInFile(path string) error
}

// FileItem represents one file under an enumerated source directory.
type FileItem struct {
	name string
	path string
}

// NewFileItem constructs a FileItem. path must be absolute.
func NewFileItem(path string) *FileItem {
	return &FileItem{name: filepath.Base(path), path: path}
}

func (f *FileItem) Name() string { return f.name }

func (f *FileItem) Exists() bool {
	_, err := os.Lstat(f.path)
	return err == nil
}

func (f *FileItem) OpenInputFD() (*os.File, error) {
	return os.Open(f.path)
}

func (f *FileItem) AsArgument() string {
	return f.path
}

func (f *FileItem) MaterializeInFile(path string) error {
	return os.Symlink(f.path, path)
}

// LineItem represents one line read from a source text file.
type LineItem struct {
	name string
	line string // raw bytes as read, trailing terminator preserved
}

// NewLineItem constructs a LineItem from its computed name and raw line
// text (including any trailing newline).
func NewLineItem(name, line string) *LineItem {
	return &LineItem{name: name, line: line}
}

func (l *LineItem) Name() string { return l.name }

func (l *LineItem) Exists() bool { return true }

// OpenInputFD writes the line into a pipe and returns the read end. The
// write happens on a helper goroutine so a line longer than the kernel
// pipe buffer can't deadlock the caller.
func (l *LineItem) OpenInputFD() (*os.File, error) {
	r, w, err := os.Pipe()
	if err != nil {
		return nil, fmt.Errorf("workitem: open pipe for %q: %w", l.name, err)
	}
	go func() {
		defer w.Close()
		io.Copy(w, strings.NewReader(l.line))
	}()
	return r, nil
}

func (l *LineItem) AsArgument() string {
	return strings.TrimRight(l.line, "\r\n")
}

func (l *LineItem) MaterializeInFile(path string) error {
	return os.WriteFile(path, []byte(l.line), 0o644)
}

