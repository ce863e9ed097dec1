package model

import (
	"fmt"
	"strings"
)

// ExecutionMode selects between a real remote test lab and the in-process
// mock backend. It is passed explicitly into plan construction.
type ExecutionMode string

const (
	ModeLive ExecutionMode = "live"
	ModeMock ExecutionMode = "mock"
)

// MockResultsBucket is the bucket every mock-mode plan writes to.
const MockResultsBucket = "mockBucket"

// DefaultBackend names the backend a plan in mode m uses when it names none.
func (m ExecutionMode) DefaultBackend() string {
	if m == ModeMock {
		return MockBackendName
	}
	return DefaultBackendName
}

// ParseExecutionMode parses a mode name. An empty string means live.
func ParseExecutionMode(s string) (ExecutionMode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", string(ModeLive):
		return ModeLive, nil
	case string(ModeMock):
		return ModeMock, nil
	default:
		return "", fmt.Errorf("unknown execution mode %q", s)
	}
}
