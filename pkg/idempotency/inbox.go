// Package idempotency provides the Inbox pattern: a consumer records each
// message key before handling it so redelivered messages are skipped.
package idempotency

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// Status is the processing status of an inbox entry
type Status string

const (
	StatusStarted     Status = "STARTED"
	StatusFinished    Status = "FINISHED"
	StatusRecoverable Status = "RECOVERABLE"
	StatusFailed      Status = "FAILED"
)

var (
	// ErrDuplicateMessage indicates the message was already processed
	ErrDuplicateMessage = errors.New("duplicate message: already processed")
	// ErrMessageInProgress indicates another consumer holds the message
	ErrMessageInProgress = errors.New("message in progress by another handler")
	// ErrPreviouslyFailed indicates the message failed permanently before
	ErrPreviouslyFailed = errors.New("message previously failed permanently")
)

// permanentError marks a handler error that must not be retried
type permanentError struct{ err error }

func (e permanentError) Error() string { return e.err.Error() }
func (e permanentError) Unwrap() error { return e.err }

// Permanent wraps err so the inbox records the message as FAILED instead of
// RECOVERABLE
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return permanentError{err: err}
}

// IsPermanent reports whether err was wrapped with Permanent
func IsPermanent(err error) bool {
	var p permanentError
	return errors.As(err, &p)
}

// InboxConfig holds configuration for the inbox
type InboxConfig struct {
	// DefaultTTL is how long entries are kept
	DefaultTTL time.Duration
	// CleanupInterval is how often expired entries are removed
	CleanupInterval time.Duration
	// RecoveryTimeout is when a STARTED entry is considered abandoned
	RecoveryTimeout time.Duration
}

// DefaultInboxConfig returns sensible defaults
func DefaultInboxConfig() InboxConfig {
	return InboxConfig{
		DefaultTTL:      7 * 24 * time.Hour,
		CleanupInterval: time.Hour,
		RecoveryTimeout: 5 * time.Minute,
	}
}

// ProcessResult is the outcome of Process
type ProcessResult struct {
	IsNew        bool
	WasRecovered bool
	Result       json.RawMessage
}

// ProcessFunc handles one message
type ProcessFunc func(ctx context.Context, payload json.RawMessage) (json.RawMessage, error)

// Processor is the interface consumers depend on
type Processor interface {
	Process(ctx context.Context, key, handlerName string, payload json.RawMessage, fn ProcessFunc) (*ProcessResult, error)
}

// Inbox is a Postgres-backed Processor
type Inbox struct {
	pool   *pgxpool.Pool
	config InboxConfig
	logger *zap.Logger
	tracer trace.Tracer

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

// NewInbox creates a new inbox
func NewInbox(pool *pgxpool.Pool, cfg InboxConfig, logger *zap.Logger) *Inbox {
	if logger == nil {
		logger = zap.NewNop()
	}
	def := DefaultInboxConfig()
	if cfg.DefaultTTL <= 0 {
		cfg.DefaultTTL = def.DefaultTTL
	}
	if cfg.CleanupInterval <= 0 {
		cfg.CleanupInterval = def.CleanupInterval
	}
	if cfg.RecoveryTimeout <= 0 {
		cfg.RecoveryTimeout = def.RecoveryTimeout
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Inbox{
		pool:   pool,
		config: cfg,
		logger: logger,
		tracer: otel.Tracer("inbox"),
		ctx:    ctx,
		cancel: cancel,
		done:   make(chan struct{}),
	}
}

// Key derives a fixed-length key from a handler name and a message id
func Key(handlerName, messageID string) string {
	sum := sha256.Sum256([]byte(handlerName + "|" + messageID))
	return hex.EncodeToString(sum[:])
}

type entry struct {
	status    Status
	result    json.RawMessage
	updatedAt time.Time
}

// Process runs fn at most once per key. A duplicate of a finished message
// returns the stored result with IsNew false.
func (i *Inbox) Process(ctx context.Context, key, handlerName string, payload json.RawMessage, fn ProcessFunc) (*ProcessResult, error) {
	ctx, span := i.tracer.Start(ctx, "inbox.process",
		trace.WithAttributes(
			attribute.String("idempotency_key", key),
			attribute.String("handler", handlerName),
		))
	defer span.End()

	existing, err := i.getEntry(ctx, key)
	if err != nil && !errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("check inbox: %w", err)
	}

	recovered := false
	if existing != nil {
		switch existing.status {
		case StatusFinished:
			span.SetAttributes(attribute.Bool("duplicate", true))
			return &ProcessResult{IsNew: false, Result: existing.result}, nil
		case StatusFailed:
			return nil, fmt.Errorf("%w: %s", ErrPreviouslyFailed, key)
		case StatusStarted:
			if time.Since(existing.updatedAt) <= i.config.RecoveryTimeout {
				return nil, ErrMessageInProgress
			}
			if err := i.setStatus(ctx, key, StatusRecoverable, nil); err != nil {
				return nil, fmt.Errorf("mark recoverable: %w", err)
			}
			recovered = true
		case StatusRecoverable:
			recovered = true
		}
	}

	if err := i.startProcessing(ctx, key, handlerName, payload); err != nil {
		return nil, err
	}

	result, handlerErr := fn(ctx, payload)
	if handlerErr != nil {
		status := StatusRecoverable
		if IsPermanent(handlerErr) {
			status = StatusFailed
		}
		msg, _ := json.Marshal(map[string]string{"error": handlerErr.Error()})
		if err := i.setStatus(ctx, key, status, msg); err != nil {
			i.logger.Error("failed to record handler error", zap.String("key", key), zap.Error(err))
		}
		span.RecordError(handlerErr)
		return nil, handlerErr
	}

	if err := i.setStatus(ctx, key, StatusFinished, result); err != nil {
		// the handler succeeded; a redelivery will run it again
		i.logger.Error("failed to mark finished", zap.String("key", key), zap.Error(err))
	}
	return &ProcessResult{IsNew: existing == nil, WasRecovered: recovered, Result: result}, nil
}

func (i *Inbox) getEntry(ctx context.Context, key string) (*entry, error) {
	e := &entry{}
	err := i.pool.QueryRow(ctx,
		`SELECT status, result, updated_at FROM inbox WHERE idempotency_key = $1`, key,
	).Scan(&e.status, &e.result, &e.updatedAt)
	if err != nil {
		return nil, err
	}
	return e, nil
}

func (i *Inbox) startProcessing(ctx context.Context, key, handlerName string, payload json.RawMessage) error {
	var returned string
	err := i.pool.QueryRow(ctx, `
		INSERT INTO inbox (idempotency_key, handler_name, status, payload, expires_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (idempotency_key) DO UPDATE
		SET status = $3, updated_at = NOW()
		WHERE inbox.status = 'RECOVERABLE'
		RETURNING idempotency_key`,
		key, handlerName, StatusStarted, payload, time.Now().Add(i.config.DefaultTTL),
	).Scan(&returned)
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrDuplicateMessage
	}
	if err != nil {
		return fmt.Errorf("start processing: %w", err)
	}
	return nil
}

func (i *Inbox) setStatus(ctx context.Context, key string, status Status, result json.RawMessage) error {
	_, err := i.pool.Exec(ctx, `
		UPDATE inbox SET status = $1, result = COALESCE($2, result), updated_at = NOW()
		WHERE idempotency_key = $3`, status, result, key)
	return err
}

// StartCleanup starts removing expired entries in the background
func (i *Inbox) StartCleanup() {
	go i.cleanupLoop()
	i.logger.Info("inbox cleanup started", zap.Duration("interval", i.config.CleanupInterval))
}

// Stop stops the cleanup loop
func (i *Inbox) Stop() {
	i.cancel()
	<-i.done
}

func (i *Inbox) cleanupLoop() {
	defer close(i.done)

	ticker := time.NewTicker(i.config.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-i.ctx.Done():
			return
		case <-ticker.C:
			tag, err := i.pool.Exec(i.ctx, `DELETE FROM inbox WHERE expires_at < NOW()`)
			if err != nil {
				i.logger.Error("inbox cleanup failed", zap.Error(err))
				continue
			}
			if tag.RowsAffected() > 0 {
				i.logger.Info("inbox cleanup completed", zap.Int64("deleted", tag.RowsAffected()))
			}
		}
	}
}
