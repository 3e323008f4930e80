package files

import (
	"fmt"
	"io/fs"
	"path/filepath"
	"strings"
)

// listDepth is how many levels below the viewed directory are listed.
const listDepth = 2

// splitLines splits content into lines, ignoring one trailing newline.
func splitLines(content string) []string {
	content = strings.TrimSuffix(content, "\n")
	if content == "" {
		return nil
	}
	return strings.Split(content, "\n")
}

// number renders lines as cat -n does, starting at first.
func number(lines []string, first int) string {
	var b strings.Builder
	for i, line := range lines {
		if i > 0 {
			b.WriteByte('\n')
		}
		fmt.Fprintf(&b, "%6d\t%s", first+i, line)
	}
	return b.String()
}

// viewRange selects the 1-based inclusive range [start, end] of lines.
// An end of -1 means the last line.
func viewRange(lines []string, rng []int) ([]string, int, error) {
	if len(rng) == 0 {
		return lines, 1, nil
	}
	if len(rng) != 2 {
		return nil, 0, fmt.Errorf("%w: view_range must hold two integers", ErrInvalidRange)
	}
	start, end := rng[0], rng[1]
	n := len(lines)
	if start < 1 || start > n {
		return nil, 0, fmt.Errorf("%w: first element %d should be within [1, %d]", ErrInvalidRange, start, n)
	}
	if end == -1 {
		end = n
	}
	if end > n {
		return nil, 0, fmt.Errorf("%w: second element %d should not exceed the number of lines %d", ErrInvalidRange, end, n)
	}
	if end < start {
		return nil, 0, fmt.Errorf("%w: second element %d should not be smaller than the first %d", ErrInvalidRange, end, start)
	}
	return lines[start-1 : end], start, nil
}

// listDir returns the non-hidden entries up to listDepth levels under root,
// one path per line, root first.
func listDir(root string) (string, error) {
	var paths []string
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if path == root {
				return err
			}
			return nil
		}
		if path == root {
			paths = append(paths, path)
			return nil
		}
		if strings.HasPrefix(d.Name(), ".") {
			if d.IsDir() {
				return fs.SkipDir
			}
			return nil
		}
		rel, _ := filepath.Rel(root, path)
		depth := strings.Count(rel, string(filepath.Separator)) + 1
		paths = append(paths, path)
		if d.IsDir() && depth == listDepth {
			return fs.SkipDir
		}
		return nil
	})
	if err != nil {
		return "", fmt.Errorf("list directory: %w", err)
	}
	return strings.Join(paths, "\n"), nil
}
