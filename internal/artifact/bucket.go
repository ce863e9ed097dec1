package artifact

import (
	"context"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/seantiz/shardline/internal/model"
)

// Compile-time interface satisfaction check.
var _ Storage = (*BucketStorage)(nil)

// BucketStorage emulates object store buckets on the local filesystem.
// The address gs://<bucket>/<key> maps to <dir>/<bucket>/<key>.
type BucketStorage struct {
	dir    string
	bucket string
}

// NewBucketStorage creates a filesystem-backed store rooted at dir. Uploads
// whose destination root names no bucket land in bucket.
func NewBucketStorage(dir, bucket string) *BucketStorage {
	return &BucketStorage{dir: dir, bucket: bucket}
}

func (s *BucketStorage) IsRemote(ref string) bool {
	return model.IsRemoteAddress(ref)
}

func (s *BucketStorage) Upload(ctx context.Context, localPath, destinationRoot string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	bucket, prefix := splitDestination(destinationRoot, s.bucket)
	key := objectKey(prefix, localPath)
	dst := filepath.Join(s.dir, bucket, filepath.FromSlash(key))

	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return "", fmt.Errorf("create object dir: %w", err)
	}

	src, err := os.Open(localPath)
	if err != nil {
		return "", fmt.Errorf("open %s: %w", localPath, err)
	}
	defer src.Close()

	out, err := os.Create(dst)
	if err != nil {
		return "", fmt.Errorf("create object: %w", err)
	}
	if _, err := io.Copy(out, src); err != nil {
		out.Close()
		return "", fmt.Errorf("copy object: %w", err)
	}
	if err := out.Close(); err != nil {
		return "", fmt.Errorf("close object: %w", err)
	}

	return Address(bucket, key), nil
}

// LocalPath maps a remote address back to its file.
func (s *BucketStorage) LocalPath(addr string) (string, error) {
	bucket, key, ok := SplitAddress(addr)
	if !ok {
		return "", fmt.Errorf("address %q is not an object address", addr)
	}
	return filepath.Join(s.dir, bucket, filepath.FromSlash(key)), nil
}

// Address builds gs://<bucket>/<key>.
func Address(bucket, key string) string {
	return model.RemotePrefix + bucket + "/" + strings.TrimLeft(key, "/")
}

// SplitAddress splits gs://<bucket>/<key> into bucket and key.
func SplitAddress(addr string) (bucket, key string, ok bool) {
	if !model.IsRemoteAddress(addr) {
		return "", "", false
	}
	rest := strings.TrimPrefix(addr, model.RemotePrefix)
	bucket, key, ok = strings.Cut(rest, "/")
	if !ok || bucket == "" || key == "" {
		return "", "", false
	}
	return bucket, key, true
}

// Destination builds the bucket-qualified root gs://<bucket>/<root> passed
// to Storage.Upload.
func Destination(bucket, root string) string {
	return Address(bucket, root)
}

// splitDestination splits a destination root into its bucket and key prefix.
// A root without the gs:// prefix is a key prefix inside fallback.
func splitDestination(destinationRoot, fallback string) (bucket, prefix string) {
	if bucket, prefix, ok := SplitAddress(destinationRoot); ok {
		return bucket, prefix
	}
	if model.IsRemoteAddress(destinationRoot) {
		if bucket := strings.Trim(strings.TrimPrefix(destinationRoot, model.RemotePrefix), "/"); bucket != "" {
			return bucket, ""
		}
	}
	return fallback, destinationRoot
}

func objectKey(prefix, localPath string) string {
	return path.Join(prefix, filepath.Base(localPath))
}
