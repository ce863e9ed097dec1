package matrix

import (
	"fmt"
	"slices"
)

// ShardTests splits tests into at most numShards contiguous, non-empty
// shards whose sizes differ by at most one. Order is preserved.
func ShardTests(tests []string, numShards int) ([][]string, error) {
	if len(tests) == 0 {
		return nil, fmt.Errorf("no tests to shard")
	}
	if numShards < 1 {
		return nil, fmt.Errorf("shard count must be at least 1, got %d", numShards)
	}
	if numShards > len(tests) {
		numShards = len(tests)
	}

	shards := make([][]string, 0, numShards)
	base, extra := len(tests)/numShards, len(tests)%numShards
	start := 0
	for i := 0; i < numShards; i++ {
		size := base
		if i < extra {
			size++
		}
		shards = append(shards, slices.Clone(tests[start:start+size]))
		start += size
	}
	return shards, nil
}
