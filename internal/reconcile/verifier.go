package reconcile

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/drfirst/rxledger/internal/domain/prescription"
	"github.com/drfirst/rxledger/internal/infrastructure/redpanda"
	"github.com/drfirst/rxledger/internal/observability/metrics"
	"github.com/drfirst/rxledger/pkg/idempotency"
)

// VerifierHandler names the verifier in the inbox
const VerifierHandler = "lifecycle-verifier"

// Deferrer journals a prescription for the next sweep. *journal.Journal satisfies it.
type Deferrer interface {
	RecordPrescription(ctx context.Context, id string, pending []prescription.AuditEntry, cause error) error
}

// Verifier checks each lifecycle event against the ledger and repairs the
// index row when the two disagree
type Verifier struct {
	prescriptions Prescriptions
	inbox         idempotency.Processor
	deferrer      Deferrer
	metrics       *metrics.Metrics
	logger        *zap.Logger
}

type verdict struct {
	PrescriptionID string              `json:"prescription_id"`
	Status         prescription.Status `json:"status"`
	Repaired       bool                `json:"repaired"`
}

// NewVerifier creates a verifier. deferrer, m and logger may be nil.
func NewVerifier(p Prescriptions, inbox idempotency.Processor, deferrer Deferrer, m *metrics.Metrics, logger *zap.Logger) *Verifier {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Verifier{prescriptions: p, inbox: inbox, deferrer: deferrer, metrics: m, logger: logger}
}

// Handle is a redpanda.MessageHandler. Malformed events are recorded as
// permanently failed and acknowledged. Other failures are journaled and
// acknowledged when a deferrer is set, and returned for redelivery otherwise.
func (v *Verifier) Handle(ctx context.Context, msg *redpanda.ConsumedMessage) error {
	var evt prescription.Event
	if err := json.Unmarshal(msg.Value, &evt); err != nil {
		v.logger.Error("dropping undecodable lifecycle event",
			zap.Int32("partition", msg.Partition),
			zap.Int64("offset", msg.Offset),
			zap.Error(err))
		return nil
	}
	messageID := evt.CorrelationID
	if messageID == "" {
		messageID = evt.ID
	}

	_, err := v.inbox.Process(ctx, idempotency.Key(VerifierHandler, messageID), VerifierHandler, msg.Value, v.verify)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, idempotency.ErrDuplicateMessage),
		errors.Is(err, idempotency.ErrMessageInProgress):
		return nil
	case errors.Is(err, idempotency.ErrPreviouslyFailed), idempotency.IsPermanent(err):
		v.logger.Warn("lifecycle event rejected",
			zap.String("event_id", evt.ID),
			zap.String("prescription_id", evt.AggregateID),
			zap.Error(err))
		return nil
	}
	v.metrics.ObserveReconcile("event", err)
	if v.deferrer == nil || evt.AggregateID == "" {
		return err
	}
	if jerr := v.deferrer.RecordPrescription(ctx, evt.AggregateID, nil, err); jerr != nil {
		return fmt.Errorf("defer %s: %w (verify: %v)", evt.AggregateID, jerr, err)
	}
	v.logger.Warn("lifecycle event deferred to journal",
		zap.String("prescription_id", evt.AggregateID),
		zap.Error(err))
	return nil
}

func (v *Verifier) verify(ctx context.Context, payload json.RawMessage) (json.RawMessage, error) {
	var evt prescription.Event
	if err := json.Unmarshal(payload, &evt); err != nil {
		return nil, idempotency.Permanent(fmt.Errorf("decode event: %w", err))
	}
	if evt.AggregateType != prescription.AggregateType || evt.AggregateID == "" {
		return nil, idempotency.Permanent(fmt.Errorf("event %s is not a prescription event", evt.ID))
	}
	data, err := evt.DecodeTransition()
	if err != nil {
		return nil, idempotency.Permanent(fmt.Errorf("decode transition: %w", err))
	}

	row, changed, err := v.prescriptions.Reconcile(ctx, evt.AggregateID, nil)
	if err != nil {
		if unknownToLedger(err) {
			return nil, idempotency.Permanent(err)
		}
		return nil, err
	}
	v.metrics.ObserveReconcile("event", nil)
	if changed {
		v.metrics.ReadRepaired()
		v.logger.Warn("index diverged from ledger",
			zap.String("prescription_id", row.ID),
			zap.String("event_type", string(evt.EventType)),
			zap.Stringer("event_status", data.Status),
			zap.Stringer("ledger_status", row.Status))
	}
	return json.Marshal(verdict{PrescriptionID: row.ID, Status: row.Status, Repaired: changed})
}
