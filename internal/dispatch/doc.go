// Package dispatch runs a test plan against a remote test lab. It resolves
// the plan's artifacts once, fans one submission out per (run, shard) pair,
// waits for every submission to settle, and records the aggregated result
// set in the store.
package dispatch
