package files

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Resolver validates paths handed to the editor. Paths must be absolute.
// When Root is set they must also stay inside it.
type Resolver struct {
	Root string
}

// Resolve returns the cleaned absolute path.
func (r Resolver) Resolve(path string) (string, error) {
	clean := strings.TrimSpace(path)
	if clean == "" {
		return "", fmt.Errorf("%w: path is required", ErrInvalidPath)
	}
	if !filepath.IsAbs(clean) {
		return "", fmt.Errorf("%w: %s is not an absolute path, it should start with /", ErrInvalidPath, clean)
	}
	target := filepath.Clean(clean)

	root := strings.TrimSpace(r.Root)
	if root == "" {
		return target, nil
	}
	rootAbs, err := filepath.Abs(root)
	if err != nil {
		return "", fmt.Errorf("resolve root: %w", err)
	}
	rel, err := filepath.Rel(rootAbs, target)
	if err != nil {
		return "", fmt.Errorf("resolve path: %w", err)
	}
	if rel == ".." || strings.HasPrefix(rel, ".."+string(os.PathSeparator)) {
		return "", fmt.Errorf("%w: %s is outside %s", ErrInvalidPath, clean, rootAbs)
	}
	return target, nil
}
