package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/seantiz/shardline/internal/matrix"
	"github.com/seantiz/shardline/internal/model"
)

// envDefaultProject supplies the project when a plan file leaves it unset.
const envDefaultProject = "GOOGLE_CLOUD_PROJECT"

// PlanFile is the YAML document describing one dispatch.
type PlanFile struct {
	Gcloud GcloudSection `yaml:"gcloud"`
	Flank  FlankSection  `yaml:"flank"`
}

// GcloudSection holds the remote lab parameters.
type GcloudSection struct {
	Project       string         `yaml:"project"`
	ResultsBucket string         `yaml:"results-bucket"`
	RecordVideo   *bool          `yaml:"record-video"`
	Timeout       string         `yaml:"timeout"`
	Async         bool           `yaml:"async"`
	App           string         `yaml:"app"`
	Test          string         `yaml:"test"`
	Devices       []model.Device `yaml:"device"`
}

// FlankSection holds the sharding and repeat parameters.
type FlankSection struct {
	TestRuns    *int       `yaml:"test-runs"`
	NumShards   int        `yaml:"num-shards"`
	TestTargets []string   `yaml:"test-targets"`
	TestShards  [][]string `yaml:"test-shards"`
	Backend     string     `yaml:"backend"`
	Mode        string     `yaml:"mode"`
}

// LoadPlanFile reads and validates the plan at path. defaultMode applies
// when the file does not set flank.mode.
func LoadPlanFile(path string, defaultMode model.ExecutionMode) (*model.TestPlan, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read plan file: %w", err)
	}
	plan, err := ParsePlan(data, defaultMode)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return plan, nil
}

// ParsePlan decodes a YAML (or JSON) plan document. Unknown keys are rejected.
func ParsePlan(data []byte, defaultMode model.ExecutionMode) (*model.TestPlan, error) {
	var pf PlanFile
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&pf); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("%w: empty plan document", model.ErrInvalidPlan)
		}
		return nil, fmt.Errorf("%w: %w", model.ErrInvalidPlan, err)
	}
	return pf.TestPlan(defaultMode)
}

// TestPlan converts the document into a validated plan.
func (pf PlanFile) TestPlan(defaultMode model.ExecutionMode) (*model.TestPlan, error) {
	mode := defaultMode
	if pf.Flank.Mode != "" {
		m, err := model.ParseExecutionMode(pf.Flank.Mode)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", model.ErrInvalidPlan, err)
		}
		mode = m
	}

	var timeout time.Duration
	if pf.Gcloud.Timeout != "" {
		d, err := time.ParseDuration(pf.Gcloud.Timeout)
		if err != nil {
			return nil, fmt.Errorf("%w: timeout: %w", model.ErrInvalidPlan, err)
		}
		timeout = d
	}

	project := pf.Gcloud.Project
	if project == "" {
		project = os.Getenv(envDefaultProject)
	}

	recordVideo := true
	if pf.Gcloud.RecordVideo != nil {
		recordVideo = *pf.Gcloud.RecordVideo
	}

	runs := 1
	if pf.Flank.TestRuns != nil {
		runs = *pf.Flank.TestRuns
	}

	shards, err := pf.Flank.shards()
	if err != nil {
		return nil, err
	}

	return model.NewTestPlan(model.PlanParams{
		Devices:      pf.Gcloud.Devices,
		Shards:       shards,
		RunCount:     runs,
		AppArtifact:  model.ParseArtifactRef(pf.Gcloud.App),
		TestArtifact: model.ParseArtifactRef(pf.Gcloud.Test),
		Settings: model.Settings{
			Project:       project,
			ResultsBucket: pf.Gcloud.ResultsBucket,
			RecordVideo:   recordVideo,
			Timeout:       timeout,
			Async:         pf.Gcloud.Async,
			Mode:          mode,
			Backend:       pf.Flank.Backend,
		},
	})
}

// shards returns explicit test-shards when given, otherwise test-targets
// split into num-shards.
func (f FlankSection) shards() ([][]string, error) {
	if len(f.TestShards) > 0 {
		if len(f.TestTargets) > 0 {
			return nil, fmt.Errorf("%w: test-shards and test-targets are mutually exclusive", model.ErrInvalidPlan)
		}
		return f.TestShards, nil
	}
	if len(f.TestTargets) == 0 {
		return nil, fmt.Errorf("%w: no test-targets or test-shards", model.ErrInvalidPlan)
	}
	n := f.NumShards
	if n == 0 {
		n = 1
	}
	shards, err := matrix.ShardTests(f.TestTargets, n)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", model.ErrInvalidPlan, err)
	}
	return shards, nil
}
