package artifact

import (
	"context"
	"fmt"
	"mime"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/seantiz/shardline/internal/model"
)

// Compile-time interface satisfaction check.
var _ Storage = (*HTTPStorage)(nil)

// HTTPStorage uploads artifacts with an HTTP PUT to <baseURL>/<bucket>/<key>,
// the shape accepted by object store XML/JSON upload endpoints and
// pre-signed URLs.
type HTTPStorage struct {
	baseURL string
	bucket  string
	client  *http.Client
}

// NewHTTPStorage creates an HTTP uploader. Uploads whose destination root
// names no bucket go to bucket.
func NewHTTPStorage(baseURL, bucket string, client *http.Client) *HTTPStorage {
	if client == nil {
		client = &http.Client{}
	}
	return &HTTPStorage{
		baseURL: strings.TrimRight(baseURL, "/"),
		bucket:  bucket,
		client:  client,
	}
}

func (s *HTTPStorage) IsRemote(ref string) bool {
	return model.IsRemoteAddress(ref)
}

func (s *HTTPStorage) Upload(ctx context.Context, localPath, destinationRoot string) (string, error) {
	file, err := os.Open(localPath)
	if err != nil {
		return "", fmt.Errorf("open %s: %w", localPath, err)
	}
	defer file.Close()

	stat, err := file.Stat()
	if err != nil {
		return "", fmt.Errorf("stat %s: %w", localPath, err)
	}

	bucket, prefix := splitDestination(destinationRoot, s.bucket)
	key := objectKey(prefix, localPath)
	url := s.baseURL + "/" + bucket + "/" + key

	req, err := http.NewRequestWithContext(ctx, http.MethodPut, url, file)
	if err != nil {
		return "", fmt.Errorf("create upload request: %w", err)
	}

	contentType := mime.TypeByExtension(filepath.Ext(localPath))
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	req.Header.Set("Content-Type", contentType)
	req.ContentLength = stat.Size()

	resp, err := s.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("upload request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", fmt.Errorf("upload %s: status %s", key, resp.Status)
	}

	return Address(bucket, key), nil
}
