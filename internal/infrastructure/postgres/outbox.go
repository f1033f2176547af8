package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/drfirst/rxledger/internal/infrastructure/redpanda"
	"github.com/drfirst/rxledger/internal/observability/metrics"
)

// OutboxEntry is a lifecycle event waiting to be published
type OutboxEntry struct {
	ID            int64
	AggregateID   string
	AggregateType string
	EventType     string
	Payload       json.RawMessage
	KafkaTopic    string
	KafkaKey      string
	CreatedAt     time.Time
	ProcessedAt   *time.Time
	RetryCount    int
	LastError     *string
}

// OutboxConfig holds configuration for the outbox relay
type OutboxConfig struct {
	// BatchSize is the number of entries to publish per poll
	BatchSize int
	// PollInterval is how often to poll for new entries
	PollInterval time.Duration
	// MaxRetries is the number of failed publishes before an entry is dead-lettered
	MaxRetries int
	// Retention is how long processed entries are kept
	Retention time.Duration
}

// DefaultOutboxConfig returns sensible defaults
func DefaultOutboxConfig() OutboxConfig {
	return OutboxConfig{
		BatchSize:    100,
		PollInterval: 250 * time.Millisecond,
		MaxRetries:   5,
		Retention:    72 * time.Hour,
	}
}

// OutboxPublisher publishes one record
type OutboxPublisher interface {
	ProduceMessage(ctx context.Context, topic, key string, value []byte) error
}

// outboxLockID is the advisory lock held by the active relay
const outboxLockID = int64(0x72786c6472)

// WriteEntry appends an entry inside the caller's transaction
func WriteEntry(ctx context.Context, q queryable, entry *OutboxEntry) error {
	err := q.QueryRow(ctx, `
		INSERT INTO outbox (aggregate_id, aggregate_type, event_type, payload, kafka_topic, kafka_key)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING id, created_at`,
		entry.AggregateID, entry.AggregateType, entry.EventType, entry.Payload, entry.KafkaTopic, entry.KafkaKey,
	).Scan(&entry.ID, &entry.CreatedAt)
	if err != nil {
		return fmt.Errorf("write outbox entry: %w", err)
	}
	return nil
}

// Outbox relays committed outbox entries to the broker. Only the instance
// holding the advisory lock publishes.
type Outbox struct {
	pool      *pgxpool.Pool
	config    OutboxConfig
	publisher OutboxPublisher
	metrics   *metrics.Metrics
	logger    *zap.Logger
	tracer    trace.Tracer

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

// NewOutbox creates a relay. m may be nil.
func NewOutbox(pool *pgxpool.Pool, publisher OutboxPublisher, cfg OutboxConfig, m *metrics.Metrics, logger *zap.Logger) *Outbox {
	if logger == nil {
		logger = zap.NewNop()
	}
	def := DefaultOutboxConfig()
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = def.BatchSize
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = def.PollInterval
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = def.MaxRetries
	}
	if cfg.Retention <= 0 {
		cfg.Retention = def.Retention
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Outbox{
		pool:      pool,
		config:    cfg,
		publisher: publisher,
		metrics:   m,
		logger:    logger,
		tracer:    otel.Tracer("outbox"),
		ctx:       ctx,
		cancel:    cancel,
		done:      make(chan struct{}),
	}
}

// Start begins polling
func (o *Outbox) Start() {
	go o.processLoop()
	o.logger.Info("outbox relay started",
		zap.Int("batch_size", o.config.BatchSize),
		zap.Duration("poll_interval", o.config.PollInterval))
}

// Stop waits for the current batch and stops polling
func (o *Outbox) Stop() {
	o.cancel()
	<-o.done
	o.logger.Info("outbox relay stopped")
}

func (o *Outbox) processLoop() {
	defer close(o.done)

	ticker := time.NewTicker(o.config.PollInterval)
	defer ticker.Stop()
	cleanup := time.NewTicker(time.Hour)
	defer cleanup.Stop()

	for {
		select {
		case <-o.ctx.Done():
			return
		case <-ticker.C:
			if _, err := o.ProcessBatch(o.ctx); err != nil {
				o.logger.Error("outbox batch failed", zap.Error(err))
			}
		case <-cleanup.C:
			if n, err := o.CleanupProcessed(o.ctx, o.config.Retention); err != nil {
				o.logger.Warn("outbox cleanup failed", zap.Error(err))
			} else if n > 0 {
				o.logger.Info("outbox cleanup completed", zap.Int64("deleted", n))
			}
		}
	}
}

// ProcessBatch publishes one batch of pending entries and dead-letters
// exhausted ones. It returns the number published.
func (o *Outbox) ProcessBatch(ctx context.Context) (int, error) {
	ctx, span := o.tracer.Start(ctx, "outbox.process_batch")
	defer span.End()

	// Advisory locks are per session, so hold one connection for the batch.
	conn, err := o.pool.Acquire(ctx)
	if err != nil {
		return 0, fmt.Errorf("acquire connection: %w", err)
	}
	defer conn.Release()

	var acquired bool
	if err := conn.QueryRow(ctx, "SELECT pg_try_advisory_lock($1)", outboxLockID).Scan(&acquired); err != nil {
		return 0, fmt.Errorf("advisory lock: %w", err)
	}
	if !acquired {
		return 0, nil
	}
	defer conn.Exec(context.WithoutCancel(ctx), "SELECT pg_advisory_unlock($1)", outboxLockID) //nolint:errcheck

	if _, err := o.moveToDeadLetter(ctx, conn); err != nil {
		o.logger.Warn("dead-letter pass failed", zap.Error(err))
	}

	entries, err := o.fetchUnprocessed(ctx, conn)
	if err != nil {
		span.RecordError(err)
		return 0, err
	}
	span.SetAttributes(attribute.Int("batch_size", len(entries)))

	published := 0
	for _, entry := range entries {
		if err := o.processEntry(ctx, conn, entry); err != nil {
			o.logger.Error("failed to publish outbox entry",
				zap.Int64("id", entry.ID),
				zap.String("event_type", entry.EventType),
				zap.String("prescription_id", entry.AggregateID),
				zap.Error(err))
			continue
		}
		published++
	}

	if stats, err := o.stats(ctx, conn); err == nil {
		o.metrics.SetOutboxPending(stats.Pending)
	}
	return published, nil
}

func (o *Outbox) fetchUnprocessed(ctx context.Context, q queryable) ([]*OutboxEntry, error) {
	rows, err := q.Query(ctx, `
		SELECT id, aggregate_id, aggregate_type, event_type, payload,
		       kafka_topic, kafka_key, created_at, retry_count, last_error
		FROM outbox
		WHERE processed_at IS NULL
		  AND retry_count < $1
		ORDER BY id
		LIMIT $2`, o.config.MaxRetries, o.config.BatchSize)
	if err != nil {
		return nil, fmt.Errorf("fetch outbox: %w", err)
	}
	defer rows.Close()

	var entries []*OutboxEntry
	for rows.Next() {
		e := &OutboxEntry{}
		if err := rows.Scan(&e.ID, &e.AggregateID, &e.AggregateType, &e.EventType, &e.Payload,
			&e.KafkaTopic, &e.KafkaKey, &e.CreatedAt, &e.RetryCount, &e.LastError); err != nil {
			return nil, fmt.Errorf("scan outbox: %w", err)
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

func (o *Outbox) processEntry(ctx context.Context, q queryable, entry *OutboxEntry) error {
	ctx, span := o.tracer.Start(ctx, "outbox.process_entry", trace.WithAttributes(
		attribute.Int64("entry_id", entry.ID),
		attribute.String("event_type", entry.EventType),
		attribute.String("aggregate_id", entry.AggregateID),
	))
	defer span.End()

	if err := o.publisher.ProduceMessage(ctx, entry.KafkaTopic, entry.KafkaKey, entry.Payload); err != nil {
		if _, uerr := q.Exec(ctx, `
			UPDATE outbox SET retry_count = retry_count + 1, last_error = $1, updated_at = NOW()
			WHERE id = $2`, err.Error(), entry.ID); uerr != nil {
			o.logger.Error("failed to record publish failure", zap.Error(uerr))
		}
		span.RecordError(err)
		return fmt.Errorf("publish: %w", err)
	}

	if _, err := q.Exec(ctx, `UPDATE outbox SET processed_at = NOW(), updated_at = NOW() WHERE id = $1`, entry.ID); err != nil {
		span.RecordError(err)
		return fmt.Errorf("mark processed: %w", err)
	}
	return nil
}

// deadLetter is the envelope published for entries that exhausted retries
type deadLetter struct {
	OriginalTopic string          `json:"original_topic"`
	EventType     string          `json:"event_type"`
	AggregateID   string          `json:"aggregate_id"`
	Payload       json.RawMessage `json:"payload"`
	RetryCount    int             `json:"retry_count"`
	LastError     *string         `json:"last_error"`
	CreatedAt     time.Time       `json:"created_at"`
}

func (o *Outbox) moveToDeadLetter(ctx context.Context, q queryable) (int64, error) {
	rows, err := q.Query(ctx, `
		SELECT id, aggregate_id, aggregate_type, event_type, payload,
		       kafka_topic, kafka_key, created_at, retry_count, last_error
		FROM outbox
		WHERE processed_at IS NULL
		  AND retry_count >= $1
		ORDER BY id
		LIMIT $2`, o.config.MaxRetries, o.config.BatchSize)
	if err != nil {
		return 0, fmt.Errorf("query exhausted entries: %w", err)
	}
	var exhausted []*OutboxEntry
	for rows.Next() {
		e := &OutboxEntry{}
		if err := rows.Scan(&e.ID, &e.AggregateID, &e.AggregateType, &e.EventType, &e.Payload,
			&e.KafkaTopic, &e.KafkaKey, &e.CreatedAt, &e.RetryCount, &e.LastError); err != nil {
			rows.Close()
			return 0, fmt.Errorf("scan exhausted entry: %w", err)
		}
		exhausted = append(exhausted, e)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, err
	}

	var count int64
	for _, e := range exhausted {
		body, err := json.Marshal(deadLetter{
			OriginalTopic: e.KafkaTopic,
			EventType:     e.EventType,
			AggregateID:   e.AggregateID,
			Payload:       e.Payload,
			RetryCount:    e.RetryCount,
			LastError:     e.LastError,
			CreatedAt:     e.CreatedAt,
		})
		if err != nil {
			continue
		}
		if err := o.publisher.ProduceMessage(ctx, redpanda.TopicDeadLetter, e.KafkaKey, body); err != nil {
			o.logger.Error("failed to publish to dead letter", zap.Int64("id", e.ID), zap.Error(err))
			continue
		}
		if _, err := q.Exec(ctx, `UPDATE outbox SET processed_at = NOW(), updated_at = NOW() WHERE id = $1`, e.ID); err != nil {
			o.logger.Error("failed to mark dead-lettered entry", zap.Int64("id", e.ID), zap.Error(err))
			continue
		}
		o.logger.Warn("outbox entry dead-lettered",
			zap.Int64("id", e.ID),
			zap.String("prescription_id", e.AggregateID),
			zap.Int("retry_count", e.RetryCount))
		count++
	}
	return count, nil
}

// CleanupProcessed removes processed entries older than olderThan
func (o *Outbox) CleanupProcessed(ctx context.Context, olderThan time.Duration) (int64, error) {
	tag, err := o.pool.Exec(ctx, `
		DELETE FROM outbox
		WHERE processed_at IS NOT NULL
		  AND processed_at < NOW() - make_interval(secs => $1)`, olderThan.Seconds())
	if err != nil {
		return 0, fmt.Errorf("cleanup outbox: %w", err)
	}
	return tag.RowsAffected(), nil
}

// OutboxStats summarises the outbox
type OutboxStats struct {
	Pending       int64
	Failed        int64
	OldestPending *time.Time
}

// GetStats returns current outbox statistics
func (o *Outbox) GetStats(ctx context.Context) (*OutboxStats, error) {
	return o.stats(ctx, o.pool)
}

func (o *Outbox) stats(ctx context.Context, q queryable) (*OutboxStats, error) {
	s := &OutboxStats{}
	err := q.QueryRow(ctx, `
		SELECT
			COUNT(*) FILTER (WHERE retry_count < $1),
			COUNT(*) FILTER (WHERE retry_count >= $1),
			MIN(created_at)
		FROM outbox
		WHERE processed_at IS NULL`, o.config.MaxRetries).Scan(&s.Pending, &s.Failed, &s.OldestPending)
	if err != nil {
		return nil, fmt.Errorf("outbox stats: %w", err)
	}
	return s, nil
}
