package flow

import (
	"fmt"
	"time"

	"github.com/orcalabs/orca-go/flow/event"
)

const (
	DefaultMaxInFlight = 8
	DefaultMaxSteps    = 1000
	DefaultDrainGrace  = 5 * time.Second
)

type config struct {
	maxInFlight     int
	maxSteps        int
	checkpointEvery int
	drainGrace      time.Duration
	strictReplay    bool
	bus             *event.Bus
	clock           func() time.Time
	seed            int64
	seedSet         bool
}

func defaultConfig() config {
	return config{
		maxInFlight:     DefaultMaxInFlight,
		maxSteps:        DefaultMaxSteps,
		checkpointEvery: 1,
		drainGrace:      DefaultDrainGrace,
		clock:           time.Now,
	}
}

// Option configures a Runner.
type Option func(*config) error

// WithMaxInFlight bounds how many node invocations may execute
// concurrently. The scheduler stops dispatching when the limit is reached
// and resumes as results come back.
func WithMaxInFlight(n int) Option {
	return func(c *config) error {
		if n < 1 {
			return fmt.Errorf("max in-flight must be at least 1, got %d", n)
		}
		c.maxInFlight = n
		return nil
	}
}

// WithMaxSteps caps the total number of dispatches in one run. Exceeding
// it fails the run with ErrMaxSteps.
func WithMaxSteps(n int) Option {
	return func(c *config) error {
		if n < 1 {
			return fmt.Errorf("max steps must be at least 1, got %d", n)
		}
		c.maxSteps = n
		return nil
	}
}

// WithCheckpointEvery checkpoints after every nth merge. Zero disables
// periodic checkpoints; suspension and terminal checkpoints are always
// written regardless.
func WithCheckpointEvery(n int) Option {
	return func(c *config) error {
		if n < 0 {
			return fmt.Errorf("checkpoint interval cannot be negative, got %d", n)
		}
		c.checkpointEvery = n
		return nil
	}
}

// WithDrainGrace sets how long the runner waits for in-flight invocations
// to finish when a run winds down through cancellation, failure, or
// suspension.
func WithDrainGrace(d time.Duration) Option {
	return func(c *config) error {
		if d < 0 {
			return fmt.Errorf("drain grace cannot be negative, got %v", d)
		}
		c.drainGrace = d
		return nil
	}
}

// WithStrictReplay makes resumed runs verify every re-executed invocation
// against the I/O hashes recorded at checkpoint time. A mismatch fails the
// run with ErrReplayMismatch instead of silently diverging.
func WithStrictReplay() Option {
	return func(c *config) error {
		c.strictReplay = true
		return nil
	}
}

// WithBus attaches an existing event bus instead of the runner creating
// its own. Useful when several runners should feed one set of handlers.
func WithBus(b *event.Bus) Option {
	return func(c *config) error {
		if b == nil {
			return fmt.Errorf("bus cannot be nil")
		}
		c.bus = b
		return nil
	}
}

// WithClock substitutes the timestamp source, for tests that need stable
// event times.
func WithClock(clock func() time.Time) Option {
	return func(c *config) error {
		if clock == nil {
			return fmt.Errorf("clock cannot be nil")
		}
		c.clock = clock
		return nil
	}
}

// WithSeed fixes the run seed used for backoff jitter. Without it the seed
// derives from the run ID, which already makes a given run reproducible.
func WithSeed(seed int64) Option {
	return func(c *config) error {
		c.seed = seed
		c.seedSet = true
		return nil
	}
}
