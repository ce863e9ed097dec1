package backend

import (
	"context"
	"errors"
	"strings"
	"sync"

	"github.com/seantiz/shardline/internal/model"
)

// ErrMockUnavailable is returned by MockBackend for injected failures.
var ErrMockUnavailable = errors.New("mock lab unavailable")

// Compile-time interface satisfaction check.
var _ Backend = (*MockBackend)(nil)

// MockBackend accepts every job in-process. It backs the mock execution mode
// and lets callers inject submission failures per job key.
type MockBackend struct {
	mu       sync.Mutex
	failures map[string]int
	calls    map[string]int
}

// NewMockBackend creates a mock backend that accepts every submission.
func NewMockBackend() *MockBackend {
	return &MockBackend{
		failures: make(map[string]int),
		calls:    make(map[string]int),
	}
}

// FailJob makes the next n submissions of key fail. A negative n fails every
// submission of key.
func (m *MockBackend) FailJob(key string, n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failures[key] = n
}

// Calls returns how many times key has been submitted.
func (m *MockBackend) Calls(key string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls[key]
}

// TotalCalls returns the number of submissions across all keys.
func (m *MockBackend) TotalCalls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	total := 0
	for _, n := range m.calls {
		total += n
	}
	return total
}

func (m *MockBackend) Submit(ctx context.Context, spec JobSpec) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.calls[spec.Key]++
	if n := m.failures[spec.Key]; n != 0 {
		if n > 0 {
			m.failures[spec.Key] = n - 1
		}
		return "", ErrMockUnavailable
	}
	return "matrix-" + strings.ToLower(model.NewID()), nil
}

func (m *MockBackend) Capabilities() BackendCapabilities {
	return BackendCapabilities{
		Name:           model.MockBackendName,
		Remote:         false,
		MaxConcurrency: 0,
	}
}
