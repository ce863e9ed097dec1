package model

import (
	"errors"
	"fmt"
	"slices"
	"time"
)

// ErrInvalidPlan is returned when a test plan violates its invariants.
var ErrInvalidPlan = errors.New("invalid test plan")

// Plan setting defaults.
const (
	DefaultTimeout      = 15 * time.Minute
	defaultBucketSuffix = "-shardline-results"
	DefaultBackendName  = "testlab"
	MockBackendName     = "mock"
)

// Device is one remote device target.
type Device struct {
	Model       string `json:"model" yaml:"model"`
	Version     string `json:"version" yaml:"version"`
	Locale      string `json:"locale,omitempty" yaml:"locale"`
	Orientation string `json:"orientation,omitempty" yaml:"orientation"`
}

// Settings carries the per-plan knobs that end up in every job spec.
type Settings struct {
	Project       string        `json:"project"`
	ResultsBucket string        `json:"results_bucket"`
	RecordVideo   bool          `json:"record_video"`
	Timeout       time.Duration `json:"timeout"`
	Async         bool          `json:"async"`
	Mode          ExecutionMode `json:"mode"`
	Backend       string        `json:"backend"`
}

// PlanParams is the mutable input to NewTestPlan.
type PlanParams struct {
	Devices      []Device
	Shards       [][]string
	RunCount     int
	AppArtifact  ArtifactRef
	TestArtifact ArtifactRef
	Settings     Settings
}

// TestPlan is an immutable, validated description of one dispatch.
type TestPlan struct {
	devices  []Device
	shards   [][]string
	runCount int
	app      ArtifactRef
	test     ArtifactRef
	settings Settings
}

// NewTestPlan copies p, fills in mode-dependent defaults and validates the
// result.
func NewTestPlan(p PlanParams) (*TestPlan, error) {
	settings, err := resolveSettings(p.Settings)
	if err != nil {
		return nil, err
	}

	shards := make([][]string, len(p.Shards))
	for i, s := range p.Shards {
		shards[i] = slices.Clone(s)
	}

	plan := &TestPlan{
		devices:  slices.Clone(p.Devices),
		shards:   shards,
		runCount: p.RunCount,
		app:      p.AppArtifact,
		test:     p.TestArtifact,
		settings: settings,
	}
	if err := plan.Validate(); err != nil {
		return nil, err
	}
	return plan, nil
}

// resolveSettings applies the execution mode to bucket and backend defaults.
func resolveSettings(s Settings) (Settings, error) {
	if s.Mode == "" {
		s.Mode = ModeLive
	}
	if s.Timeout <= 0 {
		s.Timeout = DefaultTimeout
	}

	switch s.Mode {
	case ModeMock:
		s.ResultsBucket = MockResultsBucket
	case ModeLive:
		if s.Project == "" {
			return s, fmt.Errorf("%w: project is not set", ErrInvalidPlan)
		}
		if s.ResultsBucket == "" {
			s.ResultsBucket = s.Project + defaultBucketSuffix
		}
	default:
		return s, fmt.Errorf("%w: unknown execution mode %q", ErrInvalidPlan, s.Mode)
	}
	if s.Backend == "" {
		s.Backend = s.Mode.DefaultBackend()
	}
	return s, nil
}

// Validate checks the plan invariants. A nil or zero plan is invalid.
func (p *TestPlan) Validate() error {
	if p == nil {
		return fmt.Errorf("%w: plan is nil", ErrInvalidPlan)
	}
	if p.runCount < 1 {
		return fmt.Errorf("%w: run count must be at least 1, got %d", ErrInvalidPlan, p.runCount)
	}
	if len(p.shards) == 0 {
		return fmt.Errorf("%w: no test shards", ErrInvalidPlan)
	}
	for i, s := range p.shards {
		if len(s) == 0 {
			return fmt.Errorf("%w: shard %d is empty", ErrInvalidPlan, i)
		}
	}
	if len(p.devices) == 0 {
		return fmt.Errorf("%w: no devices", ErrInvalidPlan)
	}
	if p.app.IsZero() {
		return fmt.Errorf("%w: app artifact is not set", ErrInvalidPlan)
	}
	if p.test.IsZero() {
		return fmt.Errorf("%w: test artifact is not set", ErrInvalidPlan)
	}
	if p.settings.ResultsBucket == "" {
		return fmt.Errorf("%w: results bucket is not set", ErrInvalidPlan)
	}
	return nil
}

func (p *TestPlan) Devices() []Device         { return slices.Clone(p.devices) }
func (p *TestPlan) RunCount() int             { return p.runCount }
func (p *TestPlan) ShardCount() int           { return len(p.shards) }
func (p *TestPlan) AppArtifact() ArtifactRef  { return p.app }
func (p *TestPlan) TestArtifact() ArtifactRef { return p.test }
func (p *TestPlan) Settings() Settings        { return p.settings }

// Shard returns a copy of the tests in shard i.
func (p *TestPlan) Shard(i int) []string {
	return slices.Clone(p.shards[i])
}

// TotalJobs is the number of (run, shard) combinations.
func (p *TestPlan) TotalJobs() int {
	return p.runCount * len(p.shards)
}

// TestsPerRun is the number of tests across all shards.
func (p *TestPlan) TestsPerRun() int {
	n := 0
	for _, s := range p.shards {
		n += len(s)
	}
	return n
}
