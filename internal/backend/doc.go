// Package backend defines the interface every remote test lab backend must
// implement, the job specification and handle types exchanged with the
// dispatch orchestrator, and the bounded retry wrapper used for submission.
package backend
