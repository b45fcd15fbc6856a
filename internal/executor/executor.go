// Package executor funnels every provider call through that provider's
// concurrency, rate and retry policies. Callers block until a slot and a
// rate token are available; only retryable failures are retried.
package executor

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/failsafe-go/failsafe-go"
	"github.com/failsafe-go/failsafe-go/bulkhead"
	"github.com/failsafe-go/failsafe-go/ratelimiter"
	"github.com/failsafe-go/failsafe-go/retrypolicy"
	"github.com/prometheus/client_golang/prometheus"

	"tidecaster/internal/faults"
	"tidecaster/pkg/logging"
	"tidecaster/pkg/monitoring"
)

// Limits bounds how hard one provider may be driven.
type Limits struct {
	// MaxConcurrent is the number of in-flight calls allowed at once.
	MaxConcurrent int

	// CallsPerMinute caps call starts in any rolling window of the
	// limiter period. Tokens are spread evenly across the window rather
	// than granted in bursts.
	CallsPerMinute int

	// MaxRetries caps the total number of attempts for one call, the
	// first attempt included.
	MaxRetries int

	// BackoffBase and BackoffCap bound the exponential delay between
	// attempts.
	BackoffBase time.Duration
	BackoffCap  time.Duration
}

// DefaultLimits returns the limits applied to providers that do not
// configure their own.
func DefaultLimits() Limits {
	return Limits{
		MaxConcurrent:  2,
		CallsPerMinute: 30,
		MaxRetries:     3,
		BackoffBase:    2 * time.Second,
		BackoffCap:     60 * time.Second,
	}
}

func normalizeLimits(l Limits) Limits {
	def := DefaultLimits()
	if l.MaxConcurrent <= 0 {
		l.MaxConcurrent = def.MaxConcurrent
	}
	if l.CallsPerMinute <= 0 {
		l.CallsPerMinute = def.CallsPerMinute
	}
	if l.MaxRetries <= 0 {
		l.MaxRetries = def.MaxRetries
	}
	if l.BackoffBase <= 0 {
		l.BackoffBase = def.BackoffBase
	}
	if l.BackoffCap < l.BackoffBase {
		l.BackoffCap = l.BackoffBase
	}
	return l
}

// Outcome describes one provider call after its retry policy has finished
// with it.
type Outcome struct {
	Provider  string
	Operation string
	Attempts  int
	Latency   time.Duration
	Err       error
	At        time.Time
}

// Reporter receives the outcome of every provider call, successes included.
type Reporter interface {
	Report(Outcome)
}

// ReporterFunc adapts a function to the Reporter interface.
type ReporterFunc func(Outcome)

func (f ReporterFunc) Report(o Outcome) { f(o) }

// Executor holds the per-provider policy chains.
type Executor struct {
	logger   logging.Logger
	reporter Reporter
	window   time.Duration
	maxWait  time.Duration

	mu        sync.RWMutex
	providers map[string]*provider

	calls     *prometheus.CounterVec
	durations *prometheus.HistogramVec
}

type provider struct {
	limits Limits
	run    failsafe.Executor[any]
}

// Option configures an Executor.
type Option func(*Executor)

// WithReporter registers a sink for call outcomes.
func WithReporter(r Reporter) Option {
	return func(e *Executor) {
		e.reporter = r
	}
}

// WithMetrics registers provider call metrics on the given collector.
func WithMetrics(mc *monitoring.MetricsCollector) Option {
	return func(e *Executor) {
		e.calls = mc.NewCounter(
			"provider_calls_total",
			"Provider calls by outcome",
			[]string{"provider", "operation", "outcome"},
		)
		e.durations = mc.NewHistogram(
			"provider_call_duration_seconds",
			"Provider call latency including retries",
			[]string{"provider", "operation"},
			prometheus.DefBuckets,
		)
	}
}

// WithWindow sets the period over which CallsPerMinute is enforced.
// Defaults to one minute.
func WithWindow(window time.Duration) Option {
	return func(e *Executor) {
		if window > 0 {
			e.window = window
		}
	}
}

// WithMaxWait caps how long a call waits for a slot or a rate token before
// giving up. Defaults to one hour.
func WithMaxWait(maxWait time.Duration) Option {
	return func(e *Executor) {
		if maxWait > 0 {
			e.maxWait = maxWait
		}
	}
}

// New returns an Executor with no providers registered.
func New(logger logging.Logger, opts ...Option) *Executor {
	e := &Executor{
		logger:    logger,
		window:    time.Minute,
		maxWait:   time.Hour,
		providers: make(map[string]*provider),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Register installs the policy chain for a provider. All calls submitted
// under the name share its slots, rate tokens and retry budget. Registering
// a name again replaces its chain.
func (e *Executor) Register(name string, limits Limits) {
	limits = normalizeLimits(limits)

	retry := retrypolicy.NewBuilder[any]().
		WithBackoff(limits.BackoffBase, limits.BackoffCap).
		WithJitterFactor(0.1).
		WithMaxAttempts(limits.MaxRetries).
		HandleIf(func(_ any, err error) bool {
			return faults.IsRetryable(err)
		}).
		ReturnLastFailure().
		Build()

	slots := bulkhead.NewBuilder[any](uint(limits.MaxConcurrent)).
		WithMaxWaitTime(e.maxWait).
		Build()

	tokens := ratelimiter.NewSmoothBuilder[any](uint(limits.CallsPerMinute), e.window).
		WithMaxWaitTime(e.maxWait).
		Build()

	e.mu.Lock()
	defer e.mu.Unlock()
	// Retry wraps the bulkhead so a backoff wait holds no slot; the rate
	// limiter sits innermost so every attempt spends a token.
	e.providers[name] = &provider{
		limits: limits,
		run:    failsafe.With(retry, slots, tokens),
	}
}

// Limits returns the configured limits for a registered provider.
func (e *Executor) Limits(name string) (Limits, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	p, ok := e.providers[name]
	if !ok {
		return Limits{}, false
	}
	return p.limits, true
}

// Providers returns the registered provider names, sorted.
func (e *Executor) Providers() []string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	names := make([]string, 0, len(e.providers))
	for name := range e.providers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (e *Executor) lookup(name string) *provider {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.providers[name]
}

// Submit runs fn for the named provider under its policy chain and reports
// the outcome. fn may be invoked several times; the attempt count in the
// outcome is the number of invocations that actually ran.
func Submit[T any](ctx context.Context, e *Executor, providerName, operation string, fn func(ctx context.Context) (T, error)) (T, error) {
	v, _, err := SubmitCounted(ctx, e, providerName, operation, fn)
	return v, err
}

// SubmitCounted is Submit plus the number of times fn actually ran, for
// callers that record attempt counts alongside the result.
func SubmitCounted[T any](ctx context.Context, e *Executor, providerName, operation string, fn func(ctx context.Context) (T, error)) (T, int, error) {
	var zero T
	p := e.lookup(providerName)
	if p == nil {
		return zero, 0, faults.Permanent(fmt.Errorf("provider %q is not registered", providerName))
	}

	var result T
	attempts := 0
	start := time.Now()

	_, err := p.run.WithContext(ctx).Get(func() (any, error) {
		attempts++
		v, callErr := fn(ctx)
		if callErr == nil {
			result = v
		}
		return nil, callErr
	})
	if errors.Is(err, bulkhead.ErrFull) || errors.Is(err, ratelimiter.ErrExceeded) {
		err = faults.Unavailable(fmt.Errorf("%s saturated: %w", providerName, err))
	}

	e.observe(Outcome{
		Provider:  providerName,
		Operation: operation,
		Attempts:  attempts,
		Latency:   time.Since(start),
		Err:       err,
		At:        start,
	})

	if err != nil {
		return zero, attempts, err
	}
	return result, attempts, nil
}

func (e *Executor) observe(o Outcome) {
	label := "ok"
	if o.Err != nil {
		label = faults.Class(o.Err)
	}
	if e.calls != nil {
		e.calls.WithLabelValues(o.Provider, o.Operation, label).Inc()
		e.durations.WithLabelValues(o.Provider, o.Operation).Observe(o.Latency.Seconds())
	}
	if e.reporter != nil {
		e.reporter.Report(o)
	}

	fields := logging.Fields{
		"provider":  o.Provider,
		"operation": o.Operation,
		"attempts":  o.Attempts,
		"duration":  o.Latency.String(),
	}
	if o.Err != nil {
		e.logger.WithFields(fields).WithError(o.Err).Warn("Provider call failed")
		return
	}
	e.logger.WithFields(fields).Debug("Provider call completed")
}
