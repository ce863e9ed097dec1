package api

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/seantiz/shardline/internal/backend"
	"github.com/seantiz/shardline/internal/model"
)

func TestListBackends(t *testing.T) {
	srv := newTestServer(t)
	srv.registry.Register(model.DefaultBackendName,
		backend.NewHTTPBackend(model.DefaultBackendName, "http://lab.invalid", 8, nil))

	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/v1/backends")
	if err != nil {
		t.Fatalf("GET /v1/backends: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}

	var body listBackendsResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}

	if body.DefaultMode != model.ModeMock {
		t.Errorf("default_mode = %q, want mock", body.DefaultMode)
	}
	if body.MaxAttempts != 2 {
		t.Errorf("max_attempts = %d, want 2", body.MaxAttempts)
	}
	if len(body.Backends) != 2 {
		t.Fatalf("backends = %d, want 2", len(body.Backends))
	}

	// Sorted by name: mock, testlab.
	mock, lab := body.Backends[0], body.Backends[1]
	if mock.Name != model.MockBackendName || !mock.Default || mock.Remote {
		t.Errorf("mock = %+v, want default local backend", mock)
	}
	if lab.Name != model.DefaultBackendName || lab.Default || !lab.Remote || lab.MaxConcurrency != 8 {
		t.Errorf("testlab = %+v, want remote non-default backend with 8 in flight", lab)
	}
}
