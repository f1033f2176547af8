package handlers

import (
	"context"
	"net/http"
	"strconv"

	"github.com/ethereum/go-ethereum/common"
	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/drfirst/rxledger/internal/api/middleware"
	"github.com/drfirst/rxledger/internal/domain/prescription"
	"github.com/drfirst/rxledger/internal/session"
)

// Prescriptions is the orchestrator surface the handler drives.
// *prescription.Orchestrator satisfies it.
type Prescriptions interface {
	Create(ctx context.Context, sess session.Session, req prescription.CreateRequest) (string, error)
	AssignPharmacy(ctx context.Context, sess session.Session, id string, pharmacy common.Address, note string) error
	Act(ctx context.Context, sess session.Session, id string, action prescription.Action, note string) error
	Details(ctx context.Context, sess session.Session, id string) (prescription.View, error)
	Timeline(ctx context.Context, sess session.Session, id string) ([]prescription.AuditEntry, error)
	List(ctx context.Context, sess session.Session, f prescription.Filter) ([]prescription.Row, error)
}

// PrescriptionHandler handles prescription endpoints
type PrescriptionHandler struct {
	svc    Prescriptions
	logger *zap.Logger
	tracer trace.Tracer
}

// NewPrescriptionHandler creates a new handler
func NewPrescriptionHandler(svc Prescriptions, logger *zap.Logger) *PrescriptionHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &PrescriptionHandler{
		svc:    svc,
		logger: logger,
		tracer: otel.Tracer("prescription-handler"),
	}
}

// Routes returns the handler routes
func (h *PrescriptionHandler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Post("/", h.Create)
	r.Get("/", h.List)
	r.Get("/{id}", h.Get)
	r.Get("/{id}/timeline", h.Timeline)
	r.Post("/{id}/pharmacy", h.AssignPharmacy)
	r.Post("/{id}/actions/{action}", h.Act)
	return r
}

// CreateResponse is the response for creating a prescription
type CreateResponse struct {
	ID     string `json:"id"`
	Status string `json:"status"`
}

// Create handles POST /prescriptions
func (h *PrescriptionHandler) Create(w http.ResponseWriter, r *http.Request) {
	sess, ok := requireSession(w, r)
	if !ok {
		return
	}
	ctx, span := h.tracer.Start(r.Context(), "http.create_prescription")
	defer span.End()

	var req prescription.CreateRequest
	if err := decode(r, &req); err != nil {
		jsonError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	id, err := h.svc.Create(ctx, sess, req)
	if err != nil {
		writeDomainError(w, r, h.logger, err)
		return
	}
	span.SetAttributes(attribute.String("prescription_id", id))

	h.logger.Info("prescription created",
		zap.String("prescription_id", id),
		zap.String("actor", sess.Account.Hex()),
		zap.String("request_id", middleware.GetRequestID(ctx)),
	)
	writeJSON(w, http.StatusCreated, CreateResponse{ID: id, Status: prescription.StatusAwaitingAssignment.Label()})
}

// Get handles GET /prescriptions/{id}
func (h *PrescriptionHandler) Get(w http.ResponseWriter, r *http.Request) {
	sess, ok := requireSession(w, r)
	if !ok {
		return
	}
	id, ok := prescriptionID(w, r)
	if !ok {
		return
	}
	view, err := h.svc.Details(r.Context(), sess, id)
	if err != nil {
		writeDomainError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

// Timeline handles GET /prescriptions/{id}/timeline
func (h *PrescriptionHandler) Timeline(w http.ResponseWriter, r *http.Request) {
	sess, ok := requireSession(w, r)
	if !ok {
		return
	}
	id, ok := prescriptionID(w, r)
	if !ok {
		return
	}
	entries, err := h.svc.Timeline(r.Context(), sess, id)
	if err != nil {
		writeDomainError(w, r, h.logger, err)
		return
	}
	if entries == nil {
		entries = []prescription.AuditEntry{}
	}
	writeJSON(w, http.StatusOK, entries)
}

// List handles GET /prescriptions
func (h *PrescriptionHandler) List(w http.ResponseWriter, r *http.Request) {
	sess, ok := requireSession(w, r)
	if !ok {
		return
	}
	f, err := parseFilter(r)
	if err != nil {
		jsonError(w, err.Error(), http.StatusBadRequest)
		return
	}
	rows, err := h.svc.List(r.Context(), sess, f)
	if err != nil {
		writeDomainError(w, r, h.logger, err)
		return
	}
	if rows == nil {
		rows = []prescription.Row{}
	}
	writeJSON(w, http.StatusOK, rows)
}

// AssignRequest is the body of POST /prescriptions/{id}/pharmacy
type AssignRequest struct {
	Pharmacy string `json:"pharmacy"`
	Note     string `json:"note,omitempty"`
}

// AssignPharmacy handles POST /prescriptions/{id}/pharmacy
func (h *PrescriptionHandler) AssignPharmacy(w http.ResponseWriter, r *http.Request) {
	sess, ok := requireSession(w, r)
	if !ok {
		return
	}
	id, ok := prescriptionID(w, r)
	if !ok {
		return
	}
	var req AssignRequest
	if err := decode(r, &req); err != nil {
		jsonError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if !common.IsHexAddress(req.Pharmacy) {
		jsonError(w, "pharmacy must be a hex account", http.StatusBadRequest)
		return
	}

	if err := h.svc.AssignPharmacy(r.Context(), sess, id, common.HexToAddress(req.Pharmacy), req.Note); err != nil {
		writeDomainError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"id":       id,
		"status":   prescription.StatusAwaitingConfirmation.Label(),
		"pharmacy": common.HexToAddress(req.Pharmacy).Hex(),
	})
}

// ActionRequest is the optional body of POST /prescriptions/{id}/actions/{action}
type ActionRequest struct {
	Note string `json:"note,omitempty"`
}

// Act handles POST /prescriptions/{id}/actions/{action}
func (h *PrescriptionHandler) Act(w http.ResponseWriter, r *http.Request) {
	sess, ok := requireSession(w, r)
	if !ok {
		return
	}
	id, ok := prescriptionID(w, r)
	if !ok {
		return
	}
	action, err := prescription.ParseAction(chi.URLParam(r, "action"))
	if err != nil || action == prescription.ActionAssign {
		jsonError(w, "unknown action", http.StatusNotFound)
		return
	}
	var req ActionRequest
	if r.ContentLength != 0 {
		if err := decode(r, &req); err != nil {
			jsonError(w, "invalid request body", http.StatusBadRequest)
			return
		}
	}

	if err := h.svc.Act(r.Context(), sess, id, action, req.Note); err != nil {
		writeDomainError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"id": id, "action": string(action)})
}

func prescriptionID(w http.ResponseWriter, r *http.Request) (string, bool) {
	id := chi.URLParam(r, "id")
	if _, err := uuid.Parse(id); err != nil {
		jsonError(w, "prescription id must be a UUID", http.StatusBadRequest)
		return "", false
	}
	return id, true
}

type badQuery string

func (e badQuery) Error() string { return string(e) }

func parseFilter(r *http.Request) (prescription.Filter, error) {
	q := r.URL.Query()
	var f prescription.Filter
	for name, dst := range map[string]**common.Address{
		"creator":  &f.Creator,
		"subject":  &f.Subject,
		"assignee": &f.Assignee,
	} {
		v := q.Get(name)
		if v == "" {
			continue
		}
		if !common.IsHexAddress(v) {
			return f, badQuery(name + " must be a hex account")
		}
		a := common.HexToAddress(v)
		*dst = &a
	}
	if v := q.Get("status"); v != "" {
		s, err := prescription.ParseLabel(v)
		if err != nil {
			return f, badQuery("unknown status " + strconv.Quote(v))
		}
		f.Status = &s
	}
	for name, dst := range map[string]*int{"limit": &f.Limit, "offset": &f.Offset} {
		v := q.Get(name)
		if v == "" {
			continue
		}
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			return f, badQuery(name + " must be a non-negative integer")
		}
		*dst = n
	}
	return f, nil
}
