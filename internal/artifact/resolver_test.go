package artifact_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/seantiz/shardline/internal/artifact"
	"github.com/seantiz/shardline/internal/model"
)

var discardLogger = slog.New(slog.NewJSONHandler(io.Discard, nil))

// countingStorage records uploads and can block or fail them.
type countingStorage struct {
	mu      sync.Mutex
	uploads []string
	err     error
	gate    chan struct{}
	active  atomic.Int32
	peak    atomic.Int32
}

func (c *countingStorage) Upload(ctx context.Context, localPath, root string) (string, error) {
	n := c.active.Add(1)
	defer c.active.Add(-1)
	for {
		p := c.peak.Load()
		if n <= p || c.peak.CompareAndSwap(p, n) {
			break
		}
	}
	if c.gate != nil {
		select {
		case <-c.gate:
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}

	c.mu.Lock()
	c.uploads = append(c.uploads, localPath)
	c.mu.Unlock()

	if c.err != nil {
		return "", c.err
	}
	return artifact.Address("bucket", root+"/"+filepath.Base(localPath)), nil
}

func (c *countingStorage) IsRemote(ref string) bool { return model.IsRemoteAddress(ref) }

func (c *countingStorage) Uploads() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.uploads)
}

func TestResolveRemoteUnchanged(t *testing.T) {
	st := &countingStorage{}
	r := artifact.NewResolver(st, discardLogger)

	addr, err := r.Resolve(context.Background(), model.RemoteArtifact("gs://b/app.apk"), "root")
	require.NoError(t, err)
	assert.Equal(t, "gs://b/app.apk", addr)
	assert.Zero(t, st.Uploads())
}

func TestResolveLocalPrefixedAsRemote(t *testing.T) {
	st := &countingStorage{}
	r := artifact.NewResolver(st, discardLogger)

	addr, err := r.Resolve(context.Background(), model.LocalArtifact("gs://b/test.apk"), "root")
	require.NoError(t, err)
	assert.Equal(t, "gs://b/test.apk", addr)
	assert.Zero(t, st.Uploads())
}

func TestResolveLocalUploads(t *testing.T) {
	st := &countingStorage{}
	r := artifact.NewResolver(st, discardLogger)

	addr, err := r.Resolve(context.Background(), model.LocalArtifact("/tmp/app.apk"), "2026-10-18_run")
	require.NoError(t, err)
	assert.Equal(t, "gs://bucket/2026-10-18_run/app.apk", addr)
	assert.Equal(t, 1, st.Uploads())
}

func TestResolveUploadFailure(t *testing.T) {
	st := &countingStorage{err: errors.New("connection reset")}
	r := artifact.NewResolver(st, discardLogger)

	_, err := r.Resolve(context.Background(), model.LocalArtifact("app.apk"), "root")
	require.Error(t, err)
	assert.ErrorIs(t, err, artifact.ErrResolution)
	assert.Contains(t, err.Error(), "connection reset")
	assert.Equal(t, 1, st.Uploads(), "uploads are not retried")
}

func TestResolveEmptyRef(t *testing.T) {
	r := artifact.NewResolver(&countingStorage{}, discardLogger)
	_, err := r.Resolve(context.Background(), model.ArtifactRef{}, "root")
	assert.ErrorIs(t, err, artifact.ErrResolution)
}

func TestResolvePairConcurrent(t *testing.T) {
	st := &countingStorage{gate: make(chan struct{})}
	r := artifact.NewResolver(st, discardLogger)

	type result struct {
		pair artifact.Pair
		err  error
	}
	done := make(chan result, 1)
	go func() {
		p, err := r.ResolvePair(context.Background(), model.LocalArtifact("app.apk"), model.LocalArtifact("test.apk"), "root")
		done <- result{p, err}
	}()

	require.Eventually(t, func() bool { return st.active.Load() == 2 }, 2*time.Second, 5*time.Millisecond,
		"both uploads should be in flight at once")
	close(st.gate)

	res := <-done
	require.NoError(t, res.err)
	assert.Equal(t, "gs://bucket/root/app.apk", res.pair.App)
	assert.Equal(t, "gs://bucket/root/test.apk", res.pair.Test)
	assert.Equal(t, int32(2), st.peak.Load())
}

func TestResolvePairMixed(t *testing.T) {
	st := &countingStorage{}
	r := artifact.NewResolver(st, discardLogger)

	p, err := r.ResolvePair(context.Background(), model.RemoteArtifact("gs://b/app.apk"), model.LocalArtifact("test.apk"), "root")
	require.NoError(t, err)
	assert.Equal(t, "gs://b/app.apk", p.App)
	assert.Equal(t, "gs://bucket/root/test.apk", p.Test)
	assert.Equal(t, 1, st.Uploads())
}

func TestResolvePairFailure(t *testing.T) {
	st := &countingStorage{err: errors.New("quota exceeded")}
	r := artifact.NewResolver(st, discardLogger)

	_, err := r.ResolvePair(context.Background(), model.LocalArtifact("app.apk"), model.RemoteArtifact("gs://b/test.apk"), "root")
	require.Error(t, err)
	assert.ErrorIs(t, err, artifact.ErrResolution)
	assert.Contains(t, err.Error(), "app artifact")
}

func TestBucketStorageUpload(t *testing.T) {
	src := filepath.Join(t.TempDir(), "app-debug.apk")
	require.NoError(t, os.WriteFile(src, []byte("apk bytes"), 0o644))

	dir := t.TempDir()
	st := artifact.NewBucketStorage(dir, "results")

	addr, err := st.Upload(context.Background(), src, "2026-10-18_abcd")
	require.NoError(t, err)
	assert.Equal(t, "gs://results/2026-10-18_abcd/app-debug.apk", addr)

	local, err := st.LocalPath(addr)
	require.NoError(t, err)
	data, err := os.ReadFile(local)
	require.NoError(t, err)
	assert.Equal(t, "apk bytes", string(data))

	_, err = st.LocalPath("/local/x.apk")
	assert.Error(t, err)
}

func TestBucketStorageUploadToDestinationBucket(t *testing.T) {
	src := filepath.Join(t.TempDir(), "app-debug.apk")
	require.NoError(t, os.WriteFile(src, []byte("apk bytes"), 0o644))

	dir := t.TempDir()
	st := artifact.NewBucketStorage(dir, "fallback")

	addr, err := st.Upload(context.Background(), src, artifact.Destination("plan-bucket", "2026-10-18_abcd"))
	require.NoError(t, err)
	assert.Equal(t, "gs://plan-bucket/2026-10-18_abcd/app-debug.apk", addr)
	assert.FileExists(t, filepath.Join(dir, "plan-bucket", "2026-10-18_abcd", "app-debug.apk"))
	assert.NoDirExists(t, filepath.Join(dir, "fallback"))

	addr, err = st.Upload(context.Background(), src, "gs://bare-bucket")
	require.NoError(t, err)
	assert.Equal(t, "gs://bare-bucket/app-debug.apk", addr)
}

func TestBucketStorageMissingFile(t *testing.T) {
	st := artifact.NewBucketStorage(t.TempDir(), "results")
	_, err := st.Upload(context.Background(), "/does/not/exist.apk", "root")
	assert.Error(t, err)
}

func TestSplitAddress(t *testing.T) {
	tests := []struct {
		addr        string
		bucket, key string
		ok          bool
	}{
		{"gs://b/k/app.apk", "b", "k/app.apk", true},
		{"gs://b", "", "", false},
		{"gs:///k", "", "", false},
		{"/local/app.apk", "", "", false},
	}
	for _, tt := range tests {
		b, k, ok := artifact.SplitAddress(tt.addr)
		assert.Equal(t, tt.ok, ok, tt.addr)
		assert.Equal(t, tt.bucket, b, tt.addr)
		assert.Equal(t, tt.key, k, tt.addr)
	}
}

func TestHTTPStorageUpload(t *testing.T) {
	var gotPath, gotType string
	var gotBody []byte
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPut, r.Method)
		gotPath = r.URL.Path
		gotType = r.Header.Get("Content-Type")
		gotBody, _ = io.ReadAll(r.Body)
		w.WriteHeader(http.StatusOK)
	}))
	defer ts.Close()

	src := filepath.Join(t.TempDir(), "test.apk")
	require.NoError(t, os.WriteFile(src, []byte("test apk"), 0o644))

	st := artifact.NewHTTPStorage(ts.URL, "results", nil)
	addr, err := st.Upload(context.Background(), src, "run-root")
	require.NoError(t, err)

	assert.Equal(t, "gs://results/run-root/test.apk", addr)
	assert.Equal(t, "/results/run-root/test.apk", gotPath)
	assert.NotEmpty(t, gotType)
	assert.Equal(t, "test apk", string(gotBody))
}

func TestHTTPStorageUploadToDestinationBucket(t *testing.T) {
	var gotPath string
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		w.WriteHeader(http.StatusOK)
	}))
	defer ts.Close()

	src := filepath.Join(t.TempDir(), "test.apk")
	require.NoError(t, os.WriteFile(src, []byte("test apk"), 0o644))

	st := artifact.NewHTTPStorage(ts.URL, "fallback", nil)
	addr, err := st.Upload(context.Background(), src, artifact.Destination("ci-shardline-results", "run-root"))
	require.NoError(t, err)

	assert.Equal(t, "gs://ci-shardline-results/run-root/test.apk", addr)
	assert.Equal(t, "/ci-shardline-results/run-root/test.apk", gotPath)
}

func TestHTTPStorageUploadRejected(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	}))
	defer ts.Close()

	src := filepath.Join(t.TempDir(), "test.apk")
	require.NoError(t, os.WriteFile(src, []byte("x"), 0o644))

	st := artifact.NewHTTPStorage(ts.URL, "results", nil)
	_, err := st.Upload(context.Background(), src, "root")
	assert.Error(t, err)
}
