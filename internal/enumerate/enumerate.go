// Package enumerate turns a source path into an ordered list of work
// items: one per file if the source is a directory, one per line if the
// source is a regular file.
package enumerate

import (
	"bufio"
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/halvorsen/each/internal/workitem"
)

// MaxNameLength bounds the human-readable suffix appended to a line
// item's hash-derived name.
const MaxNameLength = 100

var safeLineName = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)

// FromPath enumerates work items from p. If p is a directory, it yields
// one FileItem per directory entry (non-recursive). If p is a regular
// file, it yields one LineItem per line, deduplicated by name.
func FromPath(p string) ([]workitem.Item, error) {
	abs, err := filepath.Abs(p)
	if err != nil {
		return nil, fmt.Errorf("enumerate: resolve %q: %w", p, err)
	}

	info, err := os.Stat(abs)
	if err != nil {
		return nil, fmt.Errorf("enumerate: stat %q: %w", p, err)
	}

	if info.IsDir() {
		return fromDirectory(abs)
	}
	return fromLineFile(abs)
}

func fromDirectory(dir string) ([]workitem.Item, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("enumerate: read dir %q: %w", dir, err)
	}

	items := make([]workitem.Item, 0, len(entries))
	for _, e := range entries {
		items = append(items, workitem.NewFileItem(filepath.Join(dir, e.Name())))
	}
	return items, nil
}

func fromLineFile(path string) ([]workitem.Item, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("enumerate: open %q: %w", path, err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<24)
	scanner.Split(scanLinesKeepTerminator)

	seen := make(map[string]struct{})
	var items []workitem.Item
	for scanner.Scan() {
		line := scanner.Text()
		name := LineName(line)
		if _, dup := seen[name]; dup {
			continue
		}
		seen[name] = struct{}{}
		items = append(items, workitem.NewLineItem(name, line))
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("enumerate: scan %q: %w", path, err)
	}
	return items, nil
}

// LineName computes the collision-safe, filesystem-safe name for a raw
// line (including its terminator, if any): the last 8 hex characters of
// SHA-256(line), optionally suffixed with a human-readable fragment when
// the trimmed line is itself a safe token.
func LineName(line string) string {
	sum := sha256.Sum256([]byte(line))
	h := hex.EncodeToString(sum[:])
	h = h[len(h)-8:]

	trimmed := trimWhitespace(line)
	if safeLineName.MatchString(trimmed) {
		if len(trimmed) > MaxNameLength {
			trimmed = trimmed[:MaxNameLength]
		}
		return h + "-" + trimmed
	}
	return h
}

func trimWhitespace(s string) string {
	return strings.TrimSpace(s)
}

// scanLinesKeepTerminator is like bufio.ScanLines but keeps each line's
// terminator instead of stripping it, with universal-newline decoding:
// \n, \r\n and a lone \r all end a line and are returned as \n.
func scanLinesKeepTerminator(data []byte, atEOF bool) (advance int, token []byte, err error) {
	if atEOF && len(data) == 0 {
		return 0, nil, nil
	}
	if i := bytes.IndexAny(data, "\r\n"); i >= 0 {
		if data[i] == '\n' {
			return i + 1, data[:i+1], nil
		}
		if i+1 == len(data) && !atEOF {
			// Need one more byte to tell a lone \r from \r\n.
			return 0, nil, nil
		}
		line := append(append([]byte(nil), data[:i]...), '\n')
		if i+1 < len(data) && data[i+1] == '\n' {
			return i + 2, line, nil
		}
		return i + 1, line, nil
	}
	if atEOF {
		return len(data), data, nil
	}
	return 0, nil, nil
}
