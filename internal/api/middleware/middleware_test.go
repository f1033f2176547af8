package middleware

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/drfirst/rxledger/internal/domain/role"
	"github.com/drfirst/rxledger/internal/session"
)

var testSecret = []byte("test-secret-key-for-unit-tests-only")

type roles map[common.Address]role.Role

func (r roles) RoleOf(_ context.Context, a common.Address) (role.Role, error) {
	if a == common.HexToAddress("0xdead") {
		return role.None, errors.New("rpc down")
	}
	return r[a], nil
}

func authed(t *testing.T, resolver session.RoleResolver) (http.Handler, *session.Session) {
	t.Helper()
	var got session.Session
	h := Authenticate(AuthConfig{Secret: testSecret}, resolver, zap.NewNop())(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s, err := session.FromContext(r.Context())
		require.NoError(t, err)
		got = s
		w.WriteHeader(http.StatusOK)
	}))
	return h, &got
}

func serve(h http.Handler, authz string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	if authz != "" {
		req.Header.Set("Authorization", authz)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestAuthenticateResolvesSession(t *testing.T) {
	physician := common.HexToAddress("0x00000000000000000000000000000000000000a1")
	h, got := authed(t, roles{physician: role.Physician})

	token, err := IssueToken(testSecret, physician, time.Minute)
	require.NoError(t, err)

	rec := serve(h, "Bearer "+token)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, physician, got.Account)
	assert.Equal(t, role.Physician, got.Role)
}

func TestAuthenticateRejects(t *testing.T) {
	h, _ := authed(t, roles{})
	account := common.HexToAddress("0x01")

	expired, err := IssueToken(testSecret, account, -time.Minute)
	require.NoError(t, err)
	wrongKey, err := IssueToken([]byte("another-secret"), account, time.Minute)
	require.NoError(t, err)
	noExp, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{Subject: account.Hex()}).SignedString(testSecret)
	require.NoError(t, err)
	notAccount, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		Subject:   "alice",
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Minute)),
	}).SignedString(testSecret)
	require.NoError(t, err)

	tests := []struct {
		name   string
		header string
	}{
		{"missing header", ""},
		{"basic auth", "Basic dXNlcjpwYXNz"},
		{"empty bearer", "Bearer "},
		{"expired", "Bearer " + expired},
		{"wrong key", "Bearer " + wrongKey},
		{"no expiry", "Bearer " + noExp},
		{"subject not an account", "Bearer " + notAccount},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, http.StatusUnauthorized, serve(h, tt.header).Code)
		})
	}
}

func TestAuthenticateLedgerDown(t *testing.T) {
	h, _ := authed(t, roles{})
	token, err := IssueToken(testSecret, common.HexToAddress("0xdead"), time.Minute)
	require.NoError(t, err)
	assert.Equal(t, http.StatusBadGateway, serve(h, "Bearer "+token).Code)
}

func TestRequestIDAndRecover(t *testing.T) {
	h := RequestID(Recover(zap.NewNop())(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic("boom")
	})))
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("X-Request-ID", "req-1")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Equal(t, "req-1", rec.Header().Get("X-Request-ID"))
}

func TestCORS(t *testing.T) {
	h := CORS([]string{"http://localhost:3000"})(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest(http.MethodOptions, "/", nil)
	req.Header.Set("Origin", "http://localhost:3000")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, "http://localhost:3000", rec.Header().Get("Access-Control-Allow-Origin"))

	req = httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Origin", "http://evil.example")
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, rec.Header().Get("Access-Control-Allow-Origin"))
}
