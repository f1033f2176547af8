package idempotency

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"testing"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPermanent(t *testing.T) {
	base := errors.New("unknown prescription")
	err := fmt.Errorf("verify: %w", Permanent(base))
	assert.True(t, IsPermanent(err))
	assert.ErrorIs(t, err, base)
	assert.False(t, IsPermanent(base))
	assert.NoError(t, Permanent(nil))
}

func TestKeyIsStable(t *testing.T) {
	a := Key("lifecycle-verifier", "audit-1")
	assert.Len(t, a, 64)
	assert.Equal(t, a, Key("lifecycle-verifier", "audit-1"))
	assert.NotEqual(t, a, Key("other", "audit-1"))
}

func TestInboxDedupes(t *testing.T) {
	url := os.Getenv("TEST_DATABASE_URL")
	if url == "" {
		t.Skip("TEST_DATABASE_URL not set")
	}
	ctx := context.Background()
	pool, err := pgxpool.New(ctx, url)
	require.NoError(t, err)
	defer pool.Close()
	_, err = pool.Exec(ctx, `CREATE TABLE IF NOT EXISTS inbox (
		idempotency_key TEXT PRIMARY KEY, handler_name TEXT NOT NULL, status TEXT NOT NULL,
		payload JSONB, result JSONB, created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW(), expires_at TIMESTAMPTZ)`)
	require.NoError(t, err)

	inbox := NewInbox(pool, DefaultInboxConfig(), nil)
	key := Key("test", uuid.NewString())
	calls := 0
	fn := func(context.Context, json.RawMessage) (json.RawMessage, error) {
		calls++
		return json.RawMessage(`{"ok":true}`), nil
	}

	first, err := inbox.Process(ctx, key, "test", json.RawMessage(`{}`), fn)
	require.NoError(t, err)
	assert.True(t, first.IsNew)

	second, err := inbox.Process(ctx, key, "test", json.RawMessage(`{}`), fn)
	require.NoError(t, err)
	assert.False(t, second.IsNew)
	assert.JSONEq(t, `{"ok":true}`, string(second.Result))
	assert.Equal(t, 1, calls)

	failKey := Key("test", uuid.NewString())
	_, err = inbox.Process(ctx, failKey, "test", nil, func(context.Context, json.RawMessage) (json.RawMessage, error) {
		return nil, Permanent(errors.New("bad event"))
	})
	require.Error(t, err)
	_, err = inbox.Process(ctx, failKey, "test", nil, fn)
	assert.ErrorIs(t, err, ErrPreviouslyFailed)
}
