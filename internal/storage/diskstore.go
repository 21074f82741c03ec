package storage

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// DiskStore is a BlobStore rooted at a local media directory. Uploaded
// objects become reachable under baseURL, which the HTTP layer serves as a
// static route.
type DiskStore struct {
	root    string
	baseURL string
}

// NewDiskStore creates the media root if needed.
func NewDiskStore(root string, baseURL string) (*DiskStore, error) {
	if strings.TrimSpace(root) == "" {
		return nil, fmt.Errorf("%w: empty media root", ErrInvalidPath)
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, err
	}
	return &DiskStore{
		root:    root,
		baseURL: strings.TrimRight(baseURL, "/"),
	}, nil
}

func (store *DiskStore) Upload(ctx context.Context, path string, data []byte, contentType string, overwrite bool) error {
	cleaned, err := store.resolve(path)
	if err != nil {
		return err
	}
	if !overwrite {
		if _, statErr := os.Stat(cleaned); statErr == nil {
			return fmt.Errorf("%w: %s", ErrObjectExists, path)
		}
	}
	if err := os.MkdirAll(filepath.Dir(cleaned), 0o755); err != nil {
		return err
	}
	return os.WriteFile(cleaned, data, 0o644)
}

func (store *DiskStore) PublicURL(path string) string {
	return store.baseURL + "/" + strings.TrimLeft(path, "/")
}

func (store *DiskStore) resolve(path string) (string, error) {
	trimmed := strings.TrimLeft(strings.TrimSpace(path), "/")
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty path", ErrInvalidPath)
	}
	cleaned := filepath.Join(store.root, filepath.FromSlash(trimmed))
	rootAbs, err := filepath.Abs(store.root)
	if err != nil {
		return "", err
	}
	cleanedAbs, err := filepath.Abs(cleaned)
	if err != nil {
		return "", err
	}
	if !strings.HasPrefix(cleanedAbs, rootAbs+string(os.PathSeparator)) {
		return "", fmt.Errorf("%w: %s escapes media root", ErrInvalidPath, path)
	}
	return cleanedAbs, nil
}
