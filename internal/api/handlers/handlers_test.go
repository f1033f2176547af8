package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drfirst/rxledger/internal/domain/entity"
	"github.com/drfirst/rxledger/internal/domain/prescription"
	"github.com/drfirst/rxledger/internal/domain/role"
	"github.com/drfirst/rxledger/internal/session"
)

var (
	physician = common.HexToAddress("0x00000000000000000000000000000000000000a1")
	patient   = common.HexToAddress("0x00000000000000000000000000000000000000b2")
	pharmacy  = common.HexToAddress("0x00000000000000000000000000000000000000c3")
)

type fakePrescriptions struct {
	err      error
	created  prescription.CreateRequest
	assigned common.Address
	action   prescription.Action
	note     string
	filter   prescription.Filter
	rows     []prescription.Row
}

func (f *fakePrescriptions) Create(_ context.Context, _ session.Session, req prescription.CreateRequest) (string, error) {
	f.created = req
	return "7d7e5c40-44f4-4b43-9d7c-0e7fbe0f5f0a", f.err
}

func (f *fakePrescriptions) AssignPharmacy(_ context.Context, _ session.Session, _ string, p common.Address, note string) error {
	f.assigned, f.note = p, note
	return f.err
}

func (f *fakePrescriptions) Act(_ context.Context, _ session.Session, _ string, a prescription.Action, note string) error {
	f.action, f.note = a, note
	return f.err
}

func (f *fakePrescriptions) Details(_ context.Context, _ session.Session, id string) (prescription.View, error) {
	return prescription.View{ID: id, Status: prescription.StatusPreparing, Patient: patient}, f.err
}

func (f *fakePrescriptions) Timeline(context.Context, session.Session, string) ([]prescription.AuditEntry, error) {
	return nil, f.err
}

func (f *fakePrescriptions) List(_ context.Context, _ session.Session, filter prescription.Filter) ([]prescription.Row, error) {
	f.filter = filter
	return f.rows, f.err
}

type fakeEntities struct {
	err   error
	query entity.SearchQuery
}

func (f *fakeEntities) Register(_ context.Context, sess session.Session, r role.Role, account common.Address, p entity.Profile) (entity.Record, error) {
	return entity.Record{Account: account, Role: r, Creator: sess.Account, Name: p.Name}, f.err
}

func (f *fakeEntities) Search(_ context.Context, q entity.SearchQuery) ([]entity.Record, error) {
	f.query = q
	return nil, f.err
}

func (f *fakeEntities) Profile(context.Context, session.Session, role.Role, common.Address) (entity.Profile, error) {
	return entity.Profile{Name: "Dr Grey"}, f.err
}

func router(p Prescriptions, e Entities, sess *session.Session) http.Handler {
	r := chi.NewRouter()
	if sess != nil {
		r.Use(func(next http.Handler) http.Handler {
			return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
				next.ServeHTTP(w, req.WithContext(session.WithSession(req.Context(), *sess)))
			})
		})
	}
	r.Mount("/prescriptions", NewPrescriptionHandler(p, nil).Routes())
	r.Mount("/entities", NewEntityHandler(e, nil).Routes())
	r.Get("/session", SessionHandler{}.Get)
	return r
}

func do(h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, bytes.NewReader([]byte(body)))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestCreatePrescription(t *testing.T) {
	svc := &fakePrescriptions{}
	h := router(svc, &fakeEntities{}, &session.Session{Account: physician, Role: role.Physician})

	body := `{"patient":"` + patient.Hex() + `","drugs":[{"name":"Amoxicillin","sig":"1 tab tds","mitte":21,"mitteUnit":"tablets","repeat":0}],"note":"after food"}`
	rec := do(h, http.MethodPost, "/prescriptions", body)
	require.Equal(t, http.StatusCreated, rec.Code)

	var resp CreateResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "Awaiting Pharmacy Assignment", resp.Status)
	assert.Equal(t, patient, svc.created.Patient)
	require.Len(t, svc.created.Drugs, 1)
	assert.Equal(t, 21, svc.created.Drugs[0].Mitte)

	assert.Equal(t, http.StatusBadRequest, do(h, http.MethodPost, "/prescriptions", `{"bogus":1}`).Code)
}

func TestUnauthenticated(t *testing.T) {
	h := router(&fakePrescriptions{}, &fakeEntities{}, nil)
	assert.Equal(t, http.StatusUnauthorized, do(h, http.MethodGet, "/prescriptions", "").Code)
	assert.Equal(t, http.StatusUnauthorized, do(h, http.MethodGet, "/session", "").Code)
}

func TestDomainErrorMapping(t *testing.T) {
	id := uuid.NewString()
	tests := []struct {
		name    string
		err     error
		code    int
		current string
	}{
		{"authorization", &prescription.Error{Kind: prescription.KindAuthorization}, http.StatusForbidden, ""},
		{"invalid transition", &prescription.Error{Kind: prescription.KindInvalidTransition, Current: prescription.StatusCollected, HasCurrent: true}, http.StatusConflict, "Collected"},
		{"not registered", &prescription.Error{Kind: prescription.KindNotRegistered, Role: role.Pharmacy}, http.StatusUnprocessableEntity, ""},
		{"content store", &prescription.Error{Kind: prescription.KindContentStore}, http.StatusBadGateway, ""},
		{"ledger", &prescription.Error{Kind: prescription.KindLedger}, http.StatusBadGateway, ""},
		{"conflict", &prescription.Error{Kind: prescription.KindConflict, Current: prescription.StatusCancelled, HasCurrent: true}, http.StatusConflict, "Cancelled"},
		{"not found", &prescription.Error{Kind: prescription.KindNotFound}, http.StatusNotFound, ""},
		{"unexpected", errors.New("boom"), http.StatusInternalServerError, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := router(&fakePrescriptions{err: tt.err}, &fakeEntities{}, &session.Session{Account: pharmacy, Role: role.Pharmacy})
			rec := do(h, http.MethodPost, "/prescriptions/"+id+"/actions/accept", "")
			require.Equal(t, tt.code, rec.Code)

			var resp ErrorResponse
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
			assert.Equal(t, tt.current, resp.CurrentStatus)
			if tt.name == "conflict" {
				assert.Equal(t, "state changed, please refresh", resp.Error)
			}
			if tt.name == "content store" {
				assert.True(t, resp.Retryable)
			}
		})
	}
}

func TestActAndAssign(t *testing.T) {
	svc := &fakePrescriptions{}
	h := router(svc, &fakeEntities{}, &session.Session{Account: physician, Role: role.Physician})
	id := uuid.NewString()

	rec := do(h, http.MethodPost, "/prescriptions/"+id+"/actions/cancel", `{"note":"patient request"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, prescription.ActionCancel, svc.action)
	assert.Equal(t, "patient request", svc.note)

	assert.Equal(t, http.StatusNotFound, do(h, http.MethodPost, "/prescriptions/"+id+"/actions/refill", "").Code)
	assert.Equal(t, http.StatusNotFound, do(h, http.MethodPost, "/prescriptions/"+id+"/actions/assign", "").Code)
	assert.Equal(t, http.StatusBadRequest, do(h, http.MethodPost, "/prescriptions/not-a-uuid/actions/cancel", "").Code)

	rec = do(h, http.MethodPost, "/prescriptions/"+id+"/pharmacy", `{"pharmacy":"`+pharmacy.Hex()+`"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, pharmacy, svc.assigned)
	assert.Equal(t, http.StatusBadRequest, do(h, http.MethodPost, "/prescriptions/"+id+"/pharmacy", `{"pharmacy":"nope"}`).Code)
}

func TestListFilter(t *testing.T) {
	svc := &fakePrescriptions{rows: []prescription.Row{{ID: "x", Status: prescription.StatusPreparing}}}
	h := router(svc, &fakeEntities{}, &session.Session{Account: pharmacy, Role: role.Administrator})

	rec := do(h, http.MethodGet, "/prescriptions?assignee="+pharmacy.Hex()+"&status=Ready%20For%20Collection&limit=10&offset=5", "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.NotNil(t, svc.filter.Assignee)
	assert.Equal(t, pharmacy, *svc.filter.Assignee)
	require.NotNil(t, svc.filter.Status)
	assert.Equal(t, prescription.StatusReadyForCollection, *svc.filter.Status)
	assert.Equal(t, 10, svc.filter.Limit)
	assert.Equal(t, 5, svc.filter.Offset)
	assert.Nil(t, svc.filter.Creator)
	assert.True(t, strings.Contains(rec.Body.String(), `"status":"Preparing"`))

	assert.Equal(t, http.StatusBadRequest, do(h, http.MethodGet, "/prescriptions?status=Shipped", "").Code)
	assert.Equal(t, http.StatusBadRequest, do(h, http.MethodGet, "/prescriptions?limit=-1", "").Code)
	assert.Equal(t, http.StatusBadRequest, do(h, http.MethodGet, "/prescriptions?creator=0x12", "").Code)
}

func TestGetPrescription(t *testing.T) {
	h := router(&fakePrescriptions{}, &fakeEntities{}, &session.Session{Account: patient, Role: role.Patient})
	id := uuid.NewString()

	rec := do(h, http.MethodGet, "/prescriptions/"+id, "")
	require.Equal(t, http.StatusOK, rec.Code)
	var view prescription.View
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &view))
	assert.Equal(t, id, view.ID)
	assert.Equal(t, prescription.StatusPreparing, view.Status)

	rec = do(h, http.MethodGet, "/prescriptions/"+id+"/timeline", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `[]`, rec.Body.String())
}

func TestEntityEndpoints(t *testing.T) {
	svc := &fakeEntities{}
	admin := common.HexToAddress("0x00000000000000000000000000000000000000ad")
	h := router(&fakePrescriptions{}, svc, &session.Session{Account: admin, Role: role.Administrator})

	rec := do(h, http.MethodPost, "/entities/pharmacy", `{"account":"`+pharmacy.Hex()+`","profile":{"name":"Corner Pharmacy","address":"1 High St"}}`)
	require.Equal(t, http.StatusCreated, rec.Code)
	var got entity.Record
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	assert.Equal(t, role.Pharmacy, got.Role)
	assert.Equal(t, "Corner Pharmacy", got.Name)

	assert.Equal(t, http.StatusNotFound, do(h, http.MethodPost, "/entities/administrator", `{}`).Code)

	rec = do(h, http.MethodGet, "/entities/pharmacy?q=corner&limit=3", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, entity.SearchQuery{Role: role.Pharmacy, Text: "corner", Limit: 3}, svc.query)

	rec = do(h, http.MethodGet, "/entities/physician/"+physician.Hex(), "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "Dr Grey")

	rec = do(h, http.MethodGet, "/session", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"role":"administrator"`)
}

func TestEntityErrors(t *testing.T) {
	admin := &session.Session{Account: common.HexToAddress("0xad"), Role: role.Physician}
	for err, code := range map[error]int{
		entity.ErrForbidden:         http.StatusForbidden,
		entity.ErrAlreadyRegistered: http.StatusConflict,
		entity.ErrInvalid:           http.StatusBadRequest,
		entity.ErrContentStore:      http.StatusBadGateway,
		entity.ErrLedger:            http.StatusBadGateway,
	} {
		h := router(&fakePrescriptions{}, &fakeEntities{err: err}, admin)
		rec := do(h, http.MethodPost, "/entities/patient", `{"account":"`+patient.Hex()+`","profile":{"name":"Pat"}}`)
		assert.Equal(t, code, rec.Code, err.Error())
	}
}

func TestReady(t *testing.T) {
	h := NewHealthHandler(map[string]Check{
		"postgres": func(context.Context) error { return nil },
		"ledger":   func(context.Context) error { return errors.New("dial tcp: refused") },
	}, nil)

	rec := httptest.NewRecorder()
	h.Ready(rec, httptest.NewRequest(http.MethodGet, "/ready", nil))
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
	var resp ReadyResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "ok", resp.Dependencies["postgres"])
	assert.Contains(t, resp.Dependencies["ledger"], "refused")

	rec = httptest.NewRecorder()
	h.Health(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
}
