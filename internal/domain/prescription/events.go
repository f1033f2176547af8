package prescription

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// EventType represents the type of lifecycle event
type EventType string

const (
	EventPrescriptionCreated   EventType = "PrescriptionCreated"
	EventPharmacyAssigned      EventType = "PharmacyAssigned"
	EventPrescriptionAccepted  EventType = "PrescriptionAccepted"
	EventPrescriptionRejected  EventType = "PrescriptionRejected"
	EventMedicationPrepared    EventType = "MedicationPrepared"
	EventMedicationCollected   EventType = "MedicationCollected"
	EventPrescriptionCancelled EventType = "PrescriptionCancelled"
)

// AggregateType tags prescription events in the outbox
const AggregateType = "Prescription"

var loggedEvents = map[Status]EventType{
	StatusAwaitingAssignment:   EventPrescriptionCreated,
	StatusAwaitingConfirmation: EventPharmacyAssigned,
	StatusReassigned:           EventPrescriptionRejected,
	StatusPreparing:            EventPrescriptionAccepted,
	StatusReadyForCollection:   EventMedicationPrepared,
	StatusCollected:            EventMedicationCollected,
	StatusCancelled:            EventPrescriptionCancelled,
}

// EventFor returns the event type for an audit entry's logged status
func EventFor(logged Status) EventType {
	return loggedEvents[logged]
}

// Event is a lifecycle event written to the outbox alongside the index
// projection. It carries no personal data, only ledger identifiers.
type Event struct {
	ID            string          `json:"id"`
	AggregateID   string          `json:"aggregate_id"`
	AggregateType string          `json:"aggregate_type"`
	EventType     EventType       `json:"event_type"`
	EventData     json.RawMessage `json:"event_data"`
	Timestamp     time.Time       `json:"timestamp"`
	CorrelationID string          `json:"correlation_id,omitempty"`
}

// TransitionData is the payload of every lifecycle event
type TransitionData struct {
	PrescriptionID string `json:"prescription_id"`
	// Status is the canonical status the ledger holds after the transition
	Status   Status `json:"status"`
	Logged   Status `json:"logged"`
	Actor    string `json:"actor"`
	Assignee string `json:"assignee,omitempty"`
	AuditID  string `json:"audit_id"`
}

// NewEvent creates a new event
func NewEvent(aggregateID string, eventType EventType, data interface{}) (*Event, error) {
	eventData, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}
	return &Event{
		ID:            uuid.New().String(),
		AggregateID:   aggregateID,
		AggregateType: AggregateType,
		EventType:     eventType,
		EventData:     eventData,
		Timestamp:     time.Now().UTC(),
	}, nil
}

// NewTransitionEvent builds the event describing one audit entry
func NewTransitionEvent(row Row, entry AuditEntry) (*Event, error) {
	data := TransitionData{
		PrescriptionID: row.ID,
		Status:         row.Status.Canonical(),
		Logged:         entry.Status,
		Actor:          entry.Actor.Hex(),
		AuditID:        entry.ID,
	}
	if row.Assignee != zeroAddress {
		data.Assignee = row.Assignee.Hex()
	}
	evt, err := NewEvent(row.ID, EventFor(entry.Status), data)
	if err != nil {
		return nil, err
	}
	evt.Timestamp = entry.Timestamp
	// The audit id doubles as the correlation id so consumers can dedupe replays.
	evt.CorrelationID = entry.ID
	return evt, nil
}

// DecodeTransition parses an event's payload
func (e *Event) DecodeTransition() (TransitionData, error) {
	var d TransitionData
	err := json.Unmarshal(e.EventData, &d)
	return d, err
}
