// Package bundle implements bundle discovery (spec.md §6): the kernel
// itself only passes `bundleSpec` strings through opaquely, but it hosts
// the file-serving collaborator vat worker processes fetch bundles from,
// backed by either a local filesystem root or an S3 bucket
// (internal/bundle/s3store): the S3 store when bundle.s3_bucket is
// configured, the filesystem root (bundle.file_root) otherwise.
package bundle

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"io"
)

// ErrNotFound is returned by a Store when name has no corresponding bundle.
var ErrNotFound = errors.New("bundle: not found")

// Store resolves a bundle name (without its ".bundle" suffix or leading
// slash) to its content. Concrete implementations: FileStore (local
// filesystem, the default) and s3store.Store (S3-backed).
type Store interface {
	Open(ctx context.Context, name string) (io.ReadCloser, error)
}

// hashContent computes the sha256 hex digest of data, used as the HTTP
// bundle server's ETag so vat workers can cache bundles across restarts.
func hashContent(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}
