// Package contentstore stores encrypted JSON documents in a content-addressed
// store (IPFS in production) and reads them back by reference.
package contentstore

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/drfirst/rxledger/internal/observability/metrics"
	"github.com/drfirst/rxledger/pkg/circuitbreaker"
)

var (
	ErrTimeout     = errors.New("content store: timed out")
	ErrNotFound    = errors.New("content store: document not found")
	ErrTooLarge    = errors.New("content store: document too large")
	ErrInvalidRef  = errors.New("content store: invalid reference")
	ErrUnavailable = errors.New("content store: unavailable")
)

// Backend is a content-addressed blob store
type Backend interface {
	Add(ctx context.Context, r io.Reader) (string, error)
	Cat(ctx context.Context, ref string) (io.ReadCloser, error)
}

// Config holds client configuration
type Config struct {
	// Timeout is raced against every backend call
	Timeout          time.Duration
	MaxDocumentBytes int64
}

// DefaultConfig returns default configuration
func DefaultConfig() Config {
	return Config{
		Timeout:          10 * time.Second,
		MaxDocumentBytes: 4 << 20,
	}
}

// Client encrypts documents on the way in and decrypts them on the way out
type Client struct {
	backend Backend
	cipher  *FieldCipher
	breaker *circuitbreaker.Breaker
	cfg     Config
	logger  *zap.Logger
	metrics *metrics.Metrics
	tracer  trace.Tracer
}

// NewClient creates a new client. breaker may be nil.
func NewClient(backend Backend, c *FieldCipher, breaker *circuitbreaker.Breaker, cfg Config, m *metrics.Metrics, logger *zap.Logger) (*Client, error) {
	if backend == nil || c == nil {
		return nil, fmt.Errorf("backend and cipher are required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	def := DefaultConfig()
	if cfg.Timeout <= 0 {
		cfg.Timeout = def.Timeout
	}
	if cfg.MaxDocumentBytes <= 0 {
		cfg.MaxDocumentBytes = def.MaxDocumentBytes
	}
	return &Client{
		backend: backend,
		cipher:  c,
		breaker: breaker,
		cfg:     cfg,
		logger:  logger,
		metrics: m,
		tracer:  otel.Tracer("content-store"),
	}, nil
}

// BreakerConfig returns breaker settings that ignore errors which say nothing
// about the node's health
func BreakerConfig(m *metrics.Metrics) circuitbreaker.Config {
	cfg := circuitbreaker.DefaultConfig("content-store")
	cfg.IsSuccessful = func(err error) bool {
		return err == nil || errors.Is(err, ErrNotFound) || errors.Is(err, ErrDecrypt) ||
			errors.Is(err, ErrTooLarge) || errors.Is(err, ErrInvalidRef)
	}
	cfg.OnStateChange = func(name string, to circuitbreaker.State) {
		m.SetBreakerState(name, to.Gauge())
	}
	return cfg
}

// Put seals v and uploads it, returning its content reference
func (c *Client) Put(ctx context.Context, v interface{}) (ref string, err error) {
	ctx, span := c.tracer.Start(ctx, "contentstore.put")
	start := time.Now()
	defer func() { c.done(span, "put", start, err) }()

	sealed, err := c.cipher.Seal(v)
	if err != nil {
		return "", err
	}
	if int64(len(sealed)) > c.cfg.MaxDocumentBytes {
		return "", fmt.Errorf("%w: %d bytes", ErrTooLarge, len(sealed))
	}

	ref, err = guarded(ctx, c, func(ctx context.Context) (string, error) {
		return c.backend.Add(ctx, bytes.NewReader(sealed))
	})
	if err != nil {
		return "", fmt.Errorf("upload: %w", err)
	}
	span.SetAttributes(attribute.String("content.ref", ref))
	return ref, nil
}

// Get downloads ref and decrypts it into v
func (c *Client) Get(ctx context.Context, ref string, v interface{}) (err error) {
	ctx, span := c.tracer.Start(ctx, "contentstore.get", trace.WithAttributes(attribute.String("content.ref", ref)))
	start := time.Now()
	defer func() { c.done(span, "get", start, err) }()

	ref = strings.TrimSpace(ref)
	if ref == "" {
		return ErrInvalidRef
	}

	data, err := guarded(ctx, c, func(ctx context.Context) ([]byte, error) {
		rc, err := c.backend.Cat(ctx, ref)
		if err != nil {
			return nil, err
		}
		defer rc.Close()
		data, err := io.ReadAll(io.LimitReader(rc, c.cfg.MaxDocumentBytes+1))
		if err != nil {
			return nil, err
		}
		if int64(len(data)) > c.cfg.MaxDocumentBytes {
			return nil, ErrTooLarge
		}
		return data, nil
	})
	if err != nil {
		return fmt.Errorf("download %s: %w", ref, err)
	}
	return c.cipher.Open(data, v)
}

func (c *Client) done(span trace.Span, op string, start time.Time, err error) {
	c.metrics.ObserveContent(op, start, err)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		c.logger.Warn("content store call failed", zap.String("op", op), zap.Error(err))
	}
	span.End()
}

// guarded runs fn through the breaker and races it against the timeout
func guarded[T any](ctx context.Context, c *Client, fn func(context.Context) (T, error)) (T, error) {
	call := func(ctx context.Context) (T, error) {
		return race(ctx, c.cfg.Timeout, fn)
	}
	if c.breaker == nil {
		return call(ctx)
	}
	out, err := circuitbreaker.Do(ctx, c.breaker, call)
	if errors.Is(err, circuitbreaker.ErrOpen) {
		return out, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return out, err
}

// race returns fn's result or ErrTimeout, whichever comes first. The backend
// may ignore ctx, so the call runs in its own goroutine and is abandoned on
// timeout.
func race[T any](ctx context.Context, timeout time.Duration, fn func(context.Context) (T, error)) (T, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	type result struct {
		v   T
		err error
	}
	ch := make(chan result, 1)
	go func() {
		v, err := fn(ctx)
		ch <- result{v, err}
	}()

	var zero T
	select {
	case r := <-ch:
		return r.v, r.err
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return zero, fmt.Errorf("%w after %s", ErrTimeout, timeout)
		}
		return zero, ctx.Err()
	}
}
