// Package circuitbreaker guards calls to slow external dependencies (the ledger
// node and the content store). Wraps sony/gobreaker with OpenTelemetry
// counters and a typed call helper.
package circuitbreaker

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/sony/gobreaker"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// ErrOpen is returned without calling the dependency while the breaker is open
var ErrOpen = errors.New("circuit open")

// State represents the circuit breaker state
type State string

const (
	StateClosed   State = "closed"
	StateOpen     State = "open"
	StateHalfOpen State = "half-open"
)

// Gauge is the numeric encoding used by the circuit_breaker_state metric
func (s State) Gauge() int {
	switch s {
	case StateOpen:
		return 1
	case StateHalfOpen:
		return 2
	}
	return 0
}

// Config holds circuit breaker configuration
type Config struct {
	Name string
	// MaxRequests is max requests allowed in half-open state
	MaxRequests uint32
	// Interval is the cyclic period for clearing counts in closed state
	Interval time.Duration
	// Timeout is how long to stay open before probing again
	Timeout time.Duration
	// ConsecutiveFailures trips the breaker before MinRequests is reached
	ConsecutiveFailures uint32
	FailureRatio        float64
	MinRequests         uint32
	// IsSuccessful reports errors that say nothing about the dependency's
	// health, such as a contract revert or a missing document
	IsSuccessful func(error) bool
	// OnStateChange is called after every transition
	OnStateChange func(name string, to State)
}

// DefaultConfig returns defaults for a remote node that answers in seconds
func DefaultConfig(name string) Config {
	return Config{
		Name:                name,
		MaxRequests:         2,
		Interval:            60 * time.Second,
		Timeout:             15 * time.Second,
		ConsecutiveFailures: 5,
		FailureRatio:        0.5,
		MinRequests:         20,
	}
}

// Breaker wraps gobreaker with observability
type Breaker struct {
	cb     *gobreaker.CircuitBreaker
	name   string
	logger *zap.Logger
	tracer trace.Tracer

	calls    metric.Int64Counter
	failures metric.Int64Counter
	rejected metric.Int64Counter

	stateMu sync.RWMutex
	state   State
}

// New creates a new circuit breaker
func New(cfg Config, logger *zap.Logger) (*Breaker, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Name == "" {
		return nil, fmt.Errorf("breaker name is required")
	}

	b := &Breaker{
		name:   cfg.Name,
		logger: logger,
		tracer: otel.Tracer("circuit-breaker"),
		state:  StateClosed,
	}

	meter := otel.Meter("circuit-breaker")
	var err error
	if b.calls, err = meter.Int64Counter("circuit_breaker_calls_total",
		metric.WithDescription("Calls attempted through the breaker")); err != nil {
		return nil, fmt.Errorf("create call counter: %w", err)
	}
	if b.failures, err = meter.Int64Counter("circuit_breaker_failures_total",
		metric.WithDescription("Calls counted against the dependency's health")); err != nil {
		return nil, fmt.Errorf("create failure counter: %w", err)
	}
	if b.rejected, err = meter.Int64Counter("circuit_breaker_rejected_total",
		metric.WithDescription("Calls refused while the breaker was open")); err != nil {
		return nil, fmt.Errorf("create rejection counter: %w", err)
	}

	isSuccessful := cfg.IsSuccessful
	if isSuccessful == nil {
		isSuccessful = func(err error) bool { return err == nil }
	}

	b.cb = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        cfg.Name,
		MaxRequests: cfg.MaxRequests,
		Interval:    cfg.Interval,
		Timeout:     cfg.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if counts.Requests < cfg.MinRequests {
				return counts.ConsecutiveFailures >= cfg.ConsecutiveFailures
			}
			return float64(counts.TotalFailures)/float64(counts.Requests) >= cfg.FailureRatio
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			b.setState(mapState(from), mapState(to))
			if cfg.OnStateChange != nil {
				cfg.OnStateChange(name, mapState(to))
			}
		},
		IsSuccessful: func(err error) bool {
			// Cancellation is the caller's doing, not the dependency's.
			if errors.Is(err, context.Canceled) {
				return true
			}
			return isSuccessful(err)
		},
	})
	return b, nil
}

// Do runs fn through the breaker and returns its typed result
func Do[T any](ctx context.Context, b *Breaker, fn func(ctx context.Context) (T, error)) (T, error) {
	var zero T
	ctx, span := b.tracer.Start(ctx, "circuit_breaker."+b.name,
		trace.WithAttributes(attribute.String("breaker.state", string(b.State()))))
	defer span.End()

	attrs := metric.WithAttributes(attribute.String("name", b.name))
	b.calls.Add(ctx, 1, attrs)

	out, err := b.cb.Execute(func() (interface{}, error) {
		return fn(ctx)
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			b.rejected.Add(ctx, 1, attrs)
			span.SetAttributes(attribute.Bool("breaker.open", true))
			return zero, fmt.Errorf("%s: %w", b.name, ErrOpen)
		}
		b.failures.Add(ctx, 1, attrs)
		span.RecordError(err)
		if out != nil {
			if typed, ok := out.(T); ok {
				return typed, err
			}
		}
		return zero, err
	}
	typed, _ := out.(T)
	return typed, nil
}

// Run is Do for calls without a result
func (b *Breaker) Run(ctx context.Context, fn func(ctx context.Context) error) error {
	_, err := Do(ctx, b, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, fn(ctx)
	})
	return err
}

// Name returns the breaker's name
func (b *Breaker) Name() string { return b.name }

// State returns the current circuit breaker state
func (b *Breaker) State() State {
	b.stateMu.RLock()
	defer b.stateMu.RUnlock()
	return b.state
}

// Counts returns the current counts from the circuit breaker
func (b *Breaker) Counts() gobreaker.Counts {
	return b.cb.Counts()
}

func (b *Breaker) setState(from, to State) {
	b.stateMu.Lock()
	b.state = to
	b.stateMu.Unlock()

	b.logger.Warn("circuit breaker state changed",
		zap.String("breaker", b.name),
		zap.String("from", string(from)),
		zap.String("to", string(to)))
}

func mapState(s gobreaker.State) State {
	switch s {
	case gobreaker.StateOpen:
		return StateOpen
	case gobreaker.StateHalfOpen:
		return StateHalfOpen
	}
	return StateClosed
}

// Health is a point-in-time view of one breaker
type Health struct {
	Name     string `json:"name"`
	State    State  `json:"state"`
	Requests uint32 `json:"requests"`
	Failures uint32 `json:"failures"`
	Healthy  bool   `json:"healthy"`
}

// Registry tracks the breakers of one process for readiness reporting
type Registry struct {
	mu       sync.RWMutex
	breakers map[string]*Breaker
}

// NewRegistry creates an empty registry
func NewRegistry() *Registry {
	return &Registry{breakers: make(map[string]*Breaker)}
}

// Add tracks b. A nil registry ignores the call.
func (r *Registry) Add(b *Breaker) {
	if r == nil || b == nil {
		return
	}
	r.mu.Lock()
	r.breakers[b.name] = b
	r.mu.Unlock()
}

// Snapshot returns the health of every tracked breaker, sorted by name
func (r *Registry) Snapshot() []Health {
	if r == nil {
		return nil
	}
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Health, 0, len(r.breakers))
	for name, b := range r.breakers {
		counts := b.Counts()
		state := b.State()
		out = append(out, Health{
			Name:     name,
			State:    state,
			Requests: counts.Requests,
			Failures: counts.TotalFailures,
			Healthy:  state != StateOpen,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Healthy reports whether no tracked breaker is open
func (r *Registry) Healthy() bool {
	for _, h := range r.Snapshot() {
		if !h.Healthy {
			return false
		}
	}
	return true
}
