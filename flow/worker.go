package flow

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/orcalabs/orca-go/flow/event"
)

// execute runs one work unit to its terminal outcome: success, suspension,
// or an exhausted failure. Retries happen here in the worker, including the
// backoff sleeps, so the scheduler goroutine never blocks on a delay. Retry
// events are buffered unstamped and flushed by the merge step.
func (s *session) execute(node Node, u workUnit, base Invocation) {
	spec := node.Spec()
	policy := spec.Policy.withDefaults()
	start := time.Now()
	var retries []event.Event

	attempt := 0
	for {
		inv := base
		inv.Attempt = attempt
		out, err := s.attempt(node, spec, inv)
		if err == nil {
			s.results <- outcome{index: u.index, unit: u, output: out, attempt: attempt, retries: retries, duration: time.Since(start)}
			return
		}

		var signal *GateSignal
		if errors.As(err, &signal) {
			s.results <- outcome{index: u.index, unit: u, err: err, attempt: attempt, retries: retries, duration: time.Since(start)}
			return
		}
		if s.invCtx.Err() != nil {
			s.results <- outcome{index: u.index, unit: u, err: s.invCtx.Err(), attempt: attempt, retries: retries, duration: time.Since(start)}
			return
		}
		if !retryableError(err) || attempt >= policy.MaxRetries {
			s.results <- outcome{index: u.index, unit: u, err: err, attempt: attempt, retries: retries, duration: time.Since(start)}
			return
		}

		delay := computeBackoff(attempt, policy, s.seed, u.Node, u.index)
		attempt++
		retries = append(retries, event.Event{
			Kind: event.KindRetry,
			Node: u.Node,
			Payload: map[string]any{
				"attempt":  attempt,
				"delay_ms": delay.Milliseconds(),
				"error":    err.Error(),
			},
		})
		timer := time.NewTimer(delay)
		select {
		case <-s.invCtx.Done():
			timer.Stop()
			s.results <- outcome{index: u.index, unit: u, err: s.invCtx.Err(), attempt: attempt, retries: retries, duration: time.Since(start)}
			return
		case <-timer.C:
		}
	}
}

// attempt executes a single try under the node's budget: the duration
// ceiling becomes a context deadline around the call, and token and cost
// ceilings are checked against the reported usage afterward. Every breach
// surfaces as a BudgetExceededError, which is retryable.
func (s *session) attempt(node Node, spec NodeSpec, inv Invocation) (Output, error) {
	ctx := s.invCtx
	cancel := context.CancelFunc(func() {})
	if spec.Budget.MaxDuration > 0 {
		ctx, cancel = context.WithTimeout(ctx, spec.Budget.MaxDuration)
	}
	out, err := node.Execute(ctx, inv)
	deadline := ctx.Err() == context.DeadlineExceeded && s.invCtx.Err() == nil
	cancel()
	if deadline {
		return Output{}, &BudgetExceededError{
			Node:   spec.Name,
			Reason: "duration",
			Detail: fmt.Sprintf("attempt %d exceeded %v", inv.Attempt, spec.Budget.MaxDuration),
		}
	}
	if err != nil {
		return Output{}, err
	}
	if spec.Budget.MaxTokens > 0 && out.Usage.Total() > spec.Budget.MaxTokens {
		return Output{}, &BudgetExceededError{
			Node:   spec.Name,
			Reason: "tokens",
			Detail: fmt.Sprintf("%d tokens over ceiling %d", out.Usage.Total(), spec.Budget.MaxTokens),
		}
	}
	if spec.Budget.MaxCostUSD > 0 && out.Usage.CostUSD > spec.Budget.MaxCostUSD {
		return Output{}, &BudgetExceededError{
			Node:   spec.Name,
			Reason: "cost",
			Detail: fmt.Sprintf("$%.4f over ceiling $%.4f", out.Usage.CostUSD, spec.Budget.MaxCostUSD),
		}
	}
	return out, nil
}

// retryableError classifies a failure for the retry loop. Budget breaches
// always retry; node errors carry their own flag; anything else, including
// context cancellation, does not retry.
func retryableError(err error) bool {
	var budget *BudgetExceededError
	if errors.As(err, &budget) {
		return true
	}
	var nodeErr *NodeExecutionError
	if errors.As(err, &nodeErr) {
		return nodeErr.Retryable
	}
	return false
}
