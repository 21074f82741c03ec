package storage

import (
	"context"
	"errors"
)

// Domain-level error values returned by blob stores.
var (
	ErrObjectExists = errors.New("object already exists")
	ErrInvalidPath  = errors.New("invalid object path")
)

// BlobStore stores uploaded bytes and hands back retrievable URLs. The
// avatar upload flow is the only writer; the generation pipeline only ever
// reads back through the public URL.
type BlobStore interface {
	Upload(ctx context.Context, path string, data []byte, contentType string, overwrite bool) error
	PublicURL(path string) string
}
