package localfs

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// LocalFS stores artifacts under a root directory and hands back their
// absolute paths. It stands in for a bucket when none is configured.
type LocalFS struct {
	root string
}

func New(root string) *LocalFS {
	return &LocalFS{root: root}
}

func (l *LocalFS) Provider() string { return "localfs" }

func (l *LocalFS) Upload(ctx context.Context, data []byte, key string) (string, error) {
	if key == "" {
		return "", fmt.Errorf("object key is required")
	}
	clean := filepath.Clean(filepath.FromSlash(key))
	if filepath.IsAbs(clean) || clean == ".." || strings.HasPrefix(clean, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("object key escapes storage root: %s", key)
	}

	dst := filepath.Join(l.root, clean)
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return "", err
	}
	if err := os.WriteFile(dst, data, 0o644); err != nil {
		return "", err
	}
	return filepath.Abs(dst)
}
