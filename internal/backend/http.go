package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"golang.org/x/sync/semaphore"
)

const (
	matricesPath       = "/v1/matrices"
	defaultHTTPTimeout = 30 * time.Second
	maxErrorBodySize   = 4 << 10
)

// Compile-time interface satisfaction check.
var _ Backend = (*HTTPBackend)(nil)

// HTTPBackend submits jobs to a remote test lab over HTTP. In-flight requests
// are bounded by a weighted semaphore so that a large fan-out does not flood
// the lab.
type HTTPBackend struct {
	name           string
	baseURL        string
	client         *http.Client
	sem            *semaphore.Weighted
	maxConcurrency int
}

// submitResponse is the JSON body returned by the lab on acceptance.
type submitResponse struct {
	MatrixID string `json:"matrix_id"`
}

// NewHTTPBackend creates a backend posting to baseURL. maxConcurrency <= 0
// leaves in-flight requests unbounded.
func NewHTTPBackend(name, baseURL string, maxConcurrency int, client *http.Client) *HTTPBackend {
	if client == nil {
		client = &http.Client{Timeout: defaultHTTPTimeout}
	}
	b := &HTTPBackend{
		name:           name,
		baseURL:        strings.TrimRight(baseURL, "/"),
		client:         client,
		maxConcurrency: maxConcurrency,
	}
	if maxConcurrency > 0 {
		b.sem = semaphore.NewWeighted(int64(maxConcurrency))
	}
	return b
}

func (b *HTTPBackend) Submit(ctx context.Context, spec JobSpec) (string, error) {
	if b.sem != nil {
		if err := b.sem.Acquire(ctx, 1); err != nil {
			return "", fmt.Errorf("acquire submit slot: %w", err)
		}
		defer b.sem.Release(1)
	}

	body, err := json.Marshal(spec)
	if err != nil {
		return "", Permanent(fmt.Errorf("marshal job spec: %w", err))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, b.baseURL+matricesPath, bytes.NewReader(body))
	if err != nil {
		return "", Permanent(fmt.Errorf("create submit request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := b.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("submit matrix: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodySize))
		err := fmt.Errorf("submit matrix: status %d: %s", resp.StatusCode, strings.TrimSpace(string(msg)))
		// Client errors will not succeed on retry.
		if resp.StatusCode >= 400 && resp.StatusCode < 500 && resp.StatusCode != http.StatusTooManyRequests {
			return "", Permanent(err)
		}
		return "", err
	}

	var out submitResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("decode submit response: %w", err)
	}
	if out.MatrixID == "" {
		return "", fmt.Errorf("submit matrix: empty matrix id in response")
	}
	return out.MatrixID, nil
}

func (b *HTTPBackend) Capabilities() BackendCapabilities {
	return BackendCapabilities{
		Name:           b.name,
		Remote:         true,
		MaxConcurrency: b.maxConcurrency,
	}
}
