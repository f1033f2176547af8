package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/drfirst/rxledger/internal/domain/prescription"
	"github.com/drfirst/rxledger/internal/infrastructure/redpanda"
)

// PrescriptionIndex is the Postgres projection of prescriptions. Every audit
// entry it inserts for the first time also lands in the outbox, in the same
// transaction.
type PrescriptionIndex struct {
	pool   *pgxpool.Pool
	topic  string
	logger *zap.Logger
	tracer trace.Tracer
}

// NewPrescriptionIndex creates the index. An empty topic selects the lifecycle
// topic.
func NewPrescriptionIndex(pool *pgxpool.Pool, topic string, logger *zap.Logger) *PrescriptionIndex {
	if logger == nil {
		logger = zap.NewNop()
	}
	if topic == "" {
		topic = redpanda.TopicPrescriptionLifecycle
	}
	return &PrescriptionIndex{
		pool:   pool,
		topic:  topic,
		logger: logger,
		tracer: otel.Tracer("prescription-index"),
	}
}

const prescriptionCols = `id, subject, content_ref, creator, created_at, assignee, status, updated_at`

// Project upserts the whole row and appends its audit entries atomically. A
// projection that could not resolve creator or created_at leaves the stored
// values in place.
func (x *PrescriptionIndex) Project(ctx context.Context, p prescription.Projection) error {
	ctx, span := x.tracer.Start(ctx, "index.project", trace.WithAttributes(
		attribute.String("prescription.id", p.Row.ID),
		attribute.Int("audit.count", len(p.Audit)),
	))
	defer span.End()

	err := inTx(ctx, x.pool, func(tx pgx.Tx) error {
		if err := upsertPrescription(ctx, tx, p.Row); err != nil {
			return err
		}
		for _, entry := range p.Audit {
			inserted, err := insertAudit(ctx, tx, entry)
			if err != nil {
				return err
			}
			if !inserted {
				continue
			}
			if err := x.writeEvent(ctx, tx, p.Row, entry); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		span.RecordError(err)
		return fmt.Errorf("project %s: %w", p.Row.ID, err)
	}
	return nil
}

func upsertPrescription(ctx context.Context, q queryable, row prescription.Row) error {
	var createdAt *time.Time
	if !row.CreatedAt.IsZero() {
		t := row.CreatedAt.UTC()
		createdAt = &t
	}
	updatedAt := row.UpdatedAt
	if updatedAt.IsZero() {
		updatedAt = time.Now()
	}
	_, err := q.Exec(ctx, `
		INSERT INTO prescriptions (`+prescriptionCols+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (id) DO UPDATE SET
			subject     = EXCLUDED.subject,
			content_ref = EXCLUDED.content_ref,
			creator     = COALESCE(EXCLUDED.creator, prescriptions.creator),
			created_at  = COALESCE(EXCLUDED.created_at, prescriptions.created_at),
			assignee    = EXCLUDED.assignee,
			status      = EXCLUDED.status,
			updated_at  = EXCLUDED.updated_at`,
		row.ID, accountText(row.Subject), row.ContentRef, nullableAccount(row.Creator), createdAt,
		nullableAccount(row.Assignee), row.Status.Canonical().Label(), updatedAt.UTC())
	if err != nil {
		return fmt.Errorf("upsert prescription: %w", err)
	}
	return nil
}

func insertAudit(ctx context.Context, q queryable, e prescription.AuditEntry) (bool, error) {
	tag, err := q.Exec(ctx, `
		INSERT INTO status_audit (id, prescription_id, status, note, actor, ts)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (id) DO NOTHING`,
		e.ID, e.PrescriptionID, e.Status.Label(), e.Note, accountText(e.Actor), e.Timestamp.UTC())
	if err != nil {
		return false, fmt.Errorf("insert audit %s: %w", e.ID, err)
	}
	return tag.RowsAffected() == 1, nil
}

func (x *PrescriptionIndex) writeEvent(ctx context.Context, q queryable, row prescription.Row, e prescription.AuditEntry) error {
	evt, err := prescription.NewTransitionEvent(row, e)
	if err != nil {
		return fmt.Errorf("build event: %w", err)
	}
	payload, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}
	return WriteEntry(ctx, q, &OutboxEntry{
		AggregateID:   row.ID,
		AggregateType: prescription.AggregateType,
		EventType:     string(evt.EventType),
		Payload:       payload,
		KafkaTopic:    x.topic,
		KafkaKey:      row.ID,
	})
}

// Get returns the row for id, or prescription.ErrRowNotFound
func (x *PrescriptionIndex) Get(ctx context.Context, id string) (prescription.Row, error) {
	row, err := scanPrescription(x.pool.QueryRow(ctx, `SELECT `+prescriptionCols+` FROM prescriptions WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return prescription.Row{}, prescription.ErrRowNotFound
	}
	if err != nil {
		return prescription.Row{}, fmt.Errorf("get prescription %s: %w", id, err)
	}
	return row, nil
}

// List returns rows matching f, most recently updated first
func (x *PrescriptionIndex) List(ctx context.Context, f prescription.Filter) ([]prescription.Row, error) {
	ctx, span := x.tracer.Start(ctx, "index.list")
	defer span.End()

	query, args := listQuery(f)
	rows, err := x.pool.Query(ctx, query, args...)
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("list prescriptions: %w", err)
	}
	defer rows.Close()

	var out []prescription.Row
	for rows.Next() {
		row, err := scanPrescription(rows)
		if err != nil {
			return nil, fmt.Errorf("scan prescription: %w", err)
		}
		out = append(out, row)
	}
	return out, rows.Err()
}

func listQuery(f prescription.Filter) (string, []interface{}) {
	var (
		where []string
		args  []interface{}
	)
	add := func(clause string, v interface{}) {
		args = append(args, v)
		where = append(where, strings.Replace(clause, "?", "$"+strconv.Itoa(len(args)), 1))
	}
	if f.Creator != nil {
		add("creator = ?", accountText(*f.Creator))
	}
	if f.Subject != nil {
		add("subject = ?", accountText(*f.Subject))
	}
	if f.Assignee != nil {
		add("assignee = ?", accountText(*f.Assignee))
	}
	if f.Status != nil {
		add("status = ?", f.Status.Canonical().Label())
	}

	var b strings.Builder
	b.WriteString(`SELECT ` + prescriptionCols + ` FROM prescriptions`)
	if len(where) > 0 {
		b.WriteString(" WHERE " + strings.Join(where, " AND "))
	}
	args = append(args, f.Limit, f.Offset)
	fmt.Fprintf(&b, " ORDER BY updated_at DESC, id LIMIT $%d OFFSET $%d", len(args)-1, len(args))
	return b.String(), args
}

const timelineSQL = `
	SELECT id, prescription_id, status, note, actor, ts
	FROM status_audit
	WHERE prescription_id = $1
	ORDER BY ts, seq`

// Timeline returns the audit entries of id in timestamp order. Entries with
// the same timestamp come back in insertion order.
func (x *PrescriptionIndex) Timeline(ctx context.Context, id string) ([]prescription.AuditEntry, error) {
	rows, err := x.pool.Query(ctx, timelineSQL, id)
	if err != nil {
		return nil, fmt.Errorf("timeline %s: %w", id, err)
	}
	defer rows.Close()

	var out []prescription.AuditEntry
	for rows.Next() {
		var (
			e            prescription.AuditEntry
			label, actor string
		)
		if err := rows.Scan(&e.ID, &e.PrescriptionID, &label, &e.Note, &actor, &e.Timestamp); err != nil {
			return nil, fmt.Errorf("scan audit: %w", err)
		}
		if e.Status, err = prescription.ParseLabel(label); err != nil {
			return nil, fmt.Errorf("audit %s: %w", e.ID, err)
		}
		e.Actor = common.HexToAddress(actor)
		out = append(out, e)
	}
	return out, rows.Err()
}

func scanPrescription(r pgx.Row) (prescription.Row, error) {
	var (
		row               prescription.Row
		subject, label    string
		creator, assignee *string
		createdAt         *time.Time
	)
	if err := r.Scan(&row.ID, &subject, &row.ContentRef, &creator, &createdAt, &assignee, &label, &row.UpdatedAt); err != nil {
		return prescription.Row{}, err
	}
	status, err := prescription.ParseLabel(label)
	if err != nil {
		return prescription.Row{}, err
	}
	row.Status = status
	row.Subject = common.HexToAddress(subject)
	if creator != nil {
		row.Creator = common.HexToAddress(*creator)
	}
	if assignee != nil {
		row.Assignee = common.HexToAddress(*assignee)
	}
	if createdAt != nil {
		row.CreatedAt = *createdAt
	}
	return row, nil
}

func accountText(a common.Address) string {
	return strings.ToLower(a.Hex())
}

func nullableAccount(a common.Address) *string {
	if a == (common.Address{}) {
		return nil
	}
	s := accountText(a)
	return &s
}
