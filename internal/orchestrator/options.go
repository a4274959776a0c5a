package orchestrator

import (
	"time"

	"github.com/ShayCichocki/waveledger/internal/graph"
	"github.com/ShayCichocki/waveledger/internal/metrics"
	"github.com/ShayCichocki/waveledger/internal/notify"
)

// Option configures a Scheduler. Use With* functions to create Options.
type Option func(*schedulerOptions)

// schedulerOptions holds all optional configuration. They are only used
// during construction.
type schedulerOptions struct {
	maxInProgress int
	pollInterval  time.Duration
	workerPrefix  string
	eventBuffer   int
	eventWait     time.Duration
	signals       notify.Subscriber
	metrics       *metrics.Metrics
	resolver      *Resolver
	now           func() time.Time

	// Injectable dependencies for testing
	source graph.Source
}

// WithMaxInProgress sets how many tasks may be in progress ledger-wide
// before the scheduler stops dispatching. Defaults to the lock manager's cap.
func WithMaxInProgress(n int) Option {
	return func(o *schedulerOptions) { o.maxInProgress = n }
}

// WithPollInterval sets how often the ledger is re-read when no
// notification arrives.
func WithPollInterval(d time.Duration) Option {
	return func(o *schedulerOptions) { o.pollInterval = d }
}

// WithWorkerPrefix sets the prefix of generated worker ids.
func WithWorkerPrefix(p string) Option {
	return func(o *schedulerOptions) { o.workerPrefix = p }
}

// WithEventBuffer sets the event channel size and how long Emit waits for a
// slow consumer before dropping.
func WithEventBuffer(size int, wait time.Duration) Option {
	return func(o *schedulerOptions) {
		o.eventBuffer = size
		o.eventWait = wait
	}
}

// WithSignals wakes the scheduler on ledger change notifications.
func WithSignals(s notify.Subscriber) Option {
	return func(o *schedulerOptions) { o.signals = s }
}

// WithMetrics records scheduler metrics.
func WithMetrics(m *metrics.Metrics) Option {
	return func(o *schedulerOptions) { o.metrics = m }
}

// WithResolver sets the blocked-task resolver used for escalation sweeps.
func WithResolver(r *Resolver) Option {
	return func(o *schedulerOptions) { o.resolver = r }
}

// WithClock overrides the time source for wave bookkeeping.
func WithClock(now func() time.Time) Option {
	return func(o *schedulerOptions) { o.now = now }
}

// WithSource sets where task snapshots come from (mainly for testing).
func WithSource(src graph.Source) Option {
	return func(o *schedulerOptions) { o.source = src }
}
