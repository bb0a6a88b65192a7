package segment

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
)

// Extension is the file extension of every segment.
const Extension = ".jsonl"

var segmentName = regexp.MustCompile(`^(.+)_([0-9]+)\.jsonl$`)

// FileName returns the base name of segment index for prefix.
func FileName(prefix string, index int) string {
	return fmt.Sprintf("%s_%d%s", prefix, index, Extension)
}

// ParseFileName splits a segment base name into prefix and index.
func ParseFileName(name string) (string, int, bool) {
	m := segmentName.FindStringSubmatch(name)
	if m == nil {
		return "", 0, false
	}
	idx, err := strconv.Atoi(m[2])
	if err != nil || idx <= 0 {
		return "", 0, false
	}
	return m[1], idx, true
}

type segmentFile struct {
	prefix string
	index  int
	path   string
}

// List returns the segment paths in dir, ordered by prefix and then by index.
// An empty prefix lists every segment. A missing directory yields no segments.
func List(dir, prefix string) ([]string, error) {
	files, err := scan(dir, prefix)
	if err != nil {
		return nil, err
	}
	out := make([]string, 0, len(files))
	for _, f := range files {
		out = append(out, f.path)
	}
	return out, nil
}

func scan(dir, prefix string) ([]segmentFile, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("list segments in %s: %w", dir, err)
	}
	var files []segmentFile
	for _, e := range entries {
		if !e.Type().IsRegular() {
			continue
		}
		p, idx, ok := ParseFileName(e.Name())
		if !ok || (prefix != "" && p != prefix) {
			continue
		}
		files = append(files, segmentFile{prefix: p, index: idx, path: filepath.Join(dir, e.Name())})
	}
	sort.Slice(files, func(i, j int) bool {
		if files[i].prefix != files[j].prefix {
			return files[i].prefix < files[j].prefix
		}
		return files[i].index < files[j].index
	})
	return files, nil
}

// countRecords counts non-blank lines and reports whether the file ends in a
// partial line.
func countRecords(path string) (int, bool, error) {
	f, err := os.Open(path) // #nosec G304 -- path comes from scan
	if err != nil {
		return 0, false, err
	}
	defer f.Close()

	r := bufio.NewReader(f)
	count := 0
	torn := false
	for {
		line, err := r.ReadBytes('\n')
		if len(line) > 0 {
			if len(bytes.TrimSpace(line)) > 0 {
				count++
			}
			torn = line[len(line)-1] != '\n'
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				return count, torn, nil
			}
			return 0, false, err
		}
	}
}
