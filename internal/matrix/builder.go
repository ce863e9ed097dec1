// Package matrix builds the per-(run, shard) job specs handed to a remote
// test lab backend.
package matrix

import (
	"fmt"
	"path"
	"slices"
	"strconv"

	"github.com/seantiz/shardline/internal/artifact"
	"github.com/seantiz/shardline/internal/backend"
	"github.com/seantiz/shardline/internal/model"
)

const clientName = "shardline"

// BuildParams is the input to Build.
type BuildParams struct {
	AppAddress  string
	TestAddress string

	// Root is the dispatch output root inside the results bucket.
	Root       string
	Devices    []model.Device
	Shard      []string
	RunIndex   int
	ShardIndex int
	Settings   model.Settings
}

// Key returns the identifier of the job for one (run, shard) pair. Distinct
// pairs always produce distinct keys.
func Key(runIndex, shardIndex int) string {
	return fmt.Sprintf("run-%d/shard-%d", runIndex, shardIndex)
}

// Build constructs the job spec for one (run, shard) pair. It performs no I/O.
func Build(p BuildParams) (backend.JobSpec, error) {
	if p.RunIndex < 0 || p.ShardIndex < 0 {
		return backend.JobSpec{}, fmt.Errorf("negative index run=%d shard=%d", p.RunIndex, p.ShardIndex)
	}
	if len(p.Shard) == 0 {
		return backend.JobSpec{}, fmt.Errorf("shard %d has no tests", p.ShardIndex)
	}
	if p.AppAddress == "" || p.TestAddress == "" {
		return backend.JobSpec{}, fmt.Errorf("unresolved artifacts for %s", Key(p.RunIndex, p.ShardIndex))
	}

	key := Key(p.RunIndex, p.ShardIndex)
	return backend.JobSpec{
		Key:         key,
		RunIndex:    p.RunIndex,
		ShardIndex:  p.ShardIndex,
		AppAddress:  p.AppAddress,
		TestAddress: p.TestAddress,
		ResultsDir:  artifact.Address(p.Settings.ResultsBucket, path.Join(p.Root, key)),
		Devices:     slices.Clone(p.Devices),
		Tests:       slices.Clone(p.Shard),
		Project:     p.Settings.Project,
		TimeoutS:    int(p.Settings.Timeout.Seconds()),
		RecordVideo: p.Settings.RecordVideo,
		Async:       p.Settings.Async,
		ClientInfo: map[string]string{
			"name":  clientName,
			"root":  p.Root,
			"run":   strconv.Itoa(p.RunIndex),
			"shard": strconv.Itoa(p.ShardIndex),
		},
	}, nil
}

// ForPlan builds the job spec for shard shardIndex of run runIndex in plan.
func ForPlan(plan *model.TestPlan, artifacts artifact.Pair, root string, runIndex, shardIndex int) (backend.JobSpec, error) {
	if shardIndex < 0 || shardIndex >= plan.ShardCount() {
		return backend.JobSpec{}, fmt.Errorf("shard index %d out of range [0, %d)", shardIndex, plan.ShardCount())
	}
	return Build(BuildParams{
		AppAddress:  artifacts.App,
		TestAddress: artifacts.Test,
		Root:        root,
		Devices:     plan.Devices(),
		Shard:       plan.Shard(shardIndex),
		RunIndex:    runIndex,
		ShardIndex:  shardIndex,
		Settings:    plan.Settings(),
	})
}
