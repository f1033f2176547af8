package handlers

import (
	"context"
	"net/http"
	"strconv"

	"github.com/ethereum/go-ethereum/common"
	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/drfirst/rxledger/internal/domain/entity"
	"github.com/drfirst/rxledger/internal/domain/role"
	"github.com/drfirst/rxledger/internal/session"
)

// Entities is the registry surface the handler drives. *entity.Registry satisfies it.
type Entities interface {
	Register(ctx context.Context, sess session.Session, r role.Role, account common.Address, p entity.Profile) (entity.Record, error)
	Search(ctx context.Context, q entity.SearchQuery) ([]entity.Record, error)
	Profile(ctx context.Context, sess session.Session, r role.Role, account common.Address) (entity.Profile, error)
}

// EntityHandler handles registration, search and profile endpoints
type EntityHandler struct {
	svc    Entities
	logger *zap.Logger
}

// NewEntityHandler creates a new handler
func NewEntityHandler(svc Entities, logger *zap.Logger) *EntityHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &EntityHandler{svc: svc, logger: logger}
}

// Routes returns the handler routes
func (h *EntityHandler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Post("/{role}", h.Register)
	r.Get("/{role}", h.Search)
	r.Get("/{role}/{address}", h.Profile)
	return r
}

// RegisterRequest is the body of POST /entities/{role}
type RegisterRequest struct {
	Account string         `json:"account"`
	Profile entity.Profile `json:"profile"`
}

// ProfileResponse is the body of GET /entities/{role}/{address}
type ProfileResponse struct {
	Account common.Address `json:"account"`
	Role    role.Role      `json:"role"`
	Profile entity.Profile `json:"profile"`
}

// Register handles POST /entities/{role}
func (h *EntityHandler) Register(w http.ResponseWriter, r *http.Request) {
	sess, ok := requireSession(w, r)
	if !ok {
		return
	}
	target, ok := pathRole(w, r)
	if !ok {
		return
	}
	var req RegisterRequest
	if err := decode(r, &req); err != nil {
		jsonError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if !common.IsHexAddress(req.Account) {
		jsonError(w, "account must be a hex account", http.StatusBadRequest)
		return
	}

	rec, err := h.svc.Register(r.Context(), sess, target, common.HexToAddress(req.Account), req.Profile)
	if err != nil {
		writeDomainError(w, r, h.logger, err)
		return
	}
	h.logger.Info("entity registered",
		zap.String("role", target.String()),
		zap.String("account", rec.Account.Hex()),
		zap.String("actor", sess.Account.Hex()))
	writeJSON(w, http.StatusCreated, rec)
}

// Search handles GET /entities/{role}?q=&limit=&offset=
func (h *EntityHandler) Search(w http.ResponseWriter, r *http.Request) {
	if _, ok := requireSession(w, r); !ok {
		return
	}
	target, ok := pathRole(w, r)
	if !ok {
		return
	}
	q := entity.SearchQuery{Role: target, Text: r.URL.Query().Get("q")}
	for name, dst := range map[string]*int{"limit": &q.Limit, "offset": &q.Offset} {
		v := r.URL.Query().Get(name)
		if v == "" {
			continue
		}
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			jsonError(w, name+" must be a non-negative integer", http.StatusBadRequest)
			return
		}
		*dst = n
	}

	recs, err := h.svc.Search(r.Context(), q)
	if err != nil {
		writeDomainError(w, r, h.logger, err)
		return
	}
	if recs == nil {
		recs = []entity.Record{}
	}
	writeJSON(w, http.StatusOK, recs)
}

// Profile handles GET /entities/{role}/{address}
func (h *EntityHandler) Profile(w http.ResponseWriter, r *http.Request) {
	sess, ok := requireSession(w, r)
	if !ok {
		return
	}
	target, ok := pathRole(w, r)
	if !ok {
		return
	}
	addr := chi.URLParam(r, "address")
	if !common.IsHexAddress(addr) {
		jsonError(w, "address must be a hex account", http.StatusBadRequest)
		return
	}
	account := common.HexToAddress(addr)

	p, err := h.svc.Profile(r.Context(), sess, target, account)
	if err != nil {
		writeDomainError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, ProfileResponse{Account: account, Role: target, Profile: p})
}

func pathRole(w http.ResponseWriter, r *http.Request) (role.Role, bool) {
	target, err := role.Parse(chi.URLParam(r, "role"))
	if err != nil || !target.Registrable() {
		jsonError(w, "unknown entity role", http.StatusNotFound)
		return role.None, false
	}
	return target, true
}

// SessionHandler reports the caller's resolved identity
type SessionHandler struct{}

// Get handles GET /session
func (SessionHandler) Get(w http.ResponseWriter, r *http.Request) {
	sess, ok := requireSession(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, sess)
}
