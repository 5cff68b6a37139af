// Package flow is a deterministic execution engine for workflows modeled as
// typed, optionally cyclic graphs of nodes operating over a shared versioned
// run state.
//
// A Graph is built from Node implementations and validated once. A Runner
// drives traversal: concurrent dispatch bounded by a max-in-flight limit,
// single-writer state merges, retry/backoff/fallback/escalation per node,
// suspension at human gates, cooperative cancellation, and checkpointing
// through a ledger.Ledger. Every run can be replayed from any checkpoint and,
// with deterministic node substitutes, yields an identical state and event
// sequence.
package flow

import (
	"errors"
	"fmt"
	"strings"
)

// ErrCancelled is returned as the terminal error of a run that was cancelled
// cooperatively, either by Cancel or by the caller's context.
var ErrCancelled = errors.New("run cancelled")

// ErrMaxSteps indicates a run exceeded the global dispatch cap before
// reaching a terminal status. This bounds runaway executions that cycle
// caps alone do not catch.
var ErrMaxSteps = errors.New("execution exceeded maximum dispatch limit")

// ErrNotSuspended is returned by Resume when the target run is not in
// SUSPENDED status.
var ErrNotSuspended = errors.New("run is not suspended")

// ErrReplayMismatch indicates that a node's input or output during replay
// did not match the recorded hashes from the original execution. This means
// a node is not a pure function of its input, or its implementation changed
// since the checkpoint was written.
var ErrReplayMismatch = errors.New("replay mismatch: recorded I/O hash differs")

// ValidationError aggregates every problem found by Graph.Validate. A graph
// with a non-empty report is unusable; validation never passes partially.
type ValidationError struct {
	Issues []string
}

func (e *ValidationError) Error() string {
	if len(e.Issues) == 1 {
		return "graph validation failed: " + e.Issues[0]
	}
	return fmt.Sprintf("graph validation failed with %d issues:\n  - %s",
		len(e.Issues), strings.Join(e.Issues, "\n  - "))
}

// NodeExecutionError wraps a failure produced while executing a node.
// Retryable failures re-enter the node's retry loop; non-retryable ones go
// straight to fallback or escalation.
type NodeExecutionError struct {
	Node      string
	Attempt   int
	Retryable bool
	Err       error
}

func (e *NodeExecutionError) Error() string {
	return fmt.Sprintf("node %s (attempt %d): %v", e.Node, e.Attempt, e.Err)
}

func (e *NodeExecutionError) Unwrap() error { return e.Err }

// BudgetExceededError indicates a node invocation breached its declared
// budget: a duration timeout, a token ceiling, or a cost ceiling. Budget
// breaches are retryable by default, since a retried call may stay within
// bounds.
type BudgetExceededError struct {
	Node   string
	Reason string // "duration", "tokens", or "cost"
	Detail string
}

func (e *BudgetExceededError) Error() string {
	return fmt.Sprintf("node %s exceeded %s budget: %s", e.Node, e.Reason, e.Detail)
}

// CapExceededError indicates a node on a cycle was dispatched more times
// than its declared traversal cap allows. It is routed through the node's
// error policy like any other failure, so a capped cycle can still fall
// back or escalate instead of looping silently.
type CapExceededError struct {
	Node string
	Cap  int
}

func (e *CapExceededError) Error() string {
	return fmt.Sprintf("node %s exceeded traversal cap of %d", e.Node, e.Cap)
}

// RunFailedError is the terminal error of a FAILED run. It is raised only
// after the failing node's retries, fallback, and escalation were all
// exhausted or absent.
type RunFailedError struct {
	RunID string
	Node  string
	Err   error
}

func (e *RunFailedError) Error() string {
	return fmt.Sprintf("run %s failed at node %s: %v", e.RunID, e.Node, e.Err)
}

func (e *RunFailedError) Unwrap() error { return e.Err }
