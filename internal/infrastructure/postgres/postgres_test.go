package postgres

import (
	"context"
	"encoding/json"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drfirst/rxledger/internal/domain/entity"
	"github.com/drfirst/rxledger/internal/domain/prescription"
	"github.com/drfirst/rxledger/internal/domain/role"
)

func TestListQueryBindsEveryFilter(t *testing.T) {
	creator := common.HexToAddress("0xD000000000000000000000000000000000000001")
	status := prescription.StatusReassigned
	query, args := listQuery(prescription.Filter{Creator: &creator, Status: &status, Limit: 50, Offset: 10})

	assert.Contains(t, query, "WHERE creator = $1 AND status = $2")
	assert.Contains(t, query, "LIMIT $3 OFFSET $4")
	require.Len(t, args, 4)
	assert.Equal(t, "0xd000000000000000000000000000000000000001", args[0])
	// reassigned rows are stored canonically
	assert.Equal(t, prescription.StatusAwaitingAssignment.Label(), args[1])
	assert.Equal(t, 50, args[2])
	assert.Equal(t, 10, args[3])
}

func TestListQueryWithoutFilters(t *testing.T) {
	query, args := listQuery(prescription.Filter{Limit: 5})
	assert.NotContains(t, query, "WHERE")
	assert.Contains(t, query, "LIMIT $1 OFFSET $2")
	assert.Len(t, args, 2)
}

func TestEmbeddedMigrationsAreOrdered(t *testing.T) {
	migrations, err := loadMigrations(migrationFiles)
	require.NoError(t, err)
	require.GreaterOrEqual(t, len(migrations), 2)
	for i := 1; i < len(migrations); i++ {
		assert.Less(t, migrations[i-1].Version, migrations[i].Version)
	}
	assert.Contains(t, migrations[0].SQL, "CREATE TABLE IF NOT EXISTS status_audit")

	var sequenced bool
	for _, m := range migrations {
		sequenced = sequenced || strings.Contains(m.SQL, "status_audit ADD COLUMN IF NOT EXISTS seq")
	}
	assert.True(t, sequenced, "status_audit carries an insertion sequence")
}

func TestTimelineBreaksTiesByInsertion(t *testing.T) {
	assert.True(t, strings.HasSuffix(strings.TrimSpace(timelineSQL), "ORDER BY ts, seq"))
}

func TestEntityUpsertOverwritesWholeRow(t *testing.T) {
	for _, stmts := range []entitySQL{physiciansSQL, patientsSQL, pharmaciesSQL, regulatorsSQL} {
		assert.Contains(t, stmts.upsert, "creator     = EXCLUDED.creator")
		assert.Contains(t, stmts.upsert, "created_at  = EXCLUDED.created_at")
	}
}

func TestEscapeLike(t *testing.T) {
	assert.Equal(t, `50\% off\_now`, escapeLike("50% off_now"))
}

func TestEveryTableHasStatements(t *testing.T) {
	for _, tbl := range []entity.Table{entity.TablePhysicians, entity.TablePatients, entity.TablePharmacies, entity.TableRegulatoryAuthorities} {
		stmts, err := statementsFor(tbl)
		require.NoError(t, err)
		assert.Contains(t, stmts.upsert, tbl.String())
	}
	_, err := statementsFor(entity.Table(99))
	assert.Error(t, err)
}

func testPool(t *testing.T) *pgxpool.Pool {
	t.Helper()
	url := os.Getenv("TEST_DATABASE_URL")
	if url == "" {
		t.Skip("TEST_DATABASE_URL not set")
	}
	ctx := context.Background()
	pool, err := NewPool(ctx, url, 4, 1)
	require.NoError(t, err)
	t.Cleanup(pool.Close)

	_, err = NewMigrator(pool, nil).Up(ctx)
	require.NoError(t, err)
	return pool
}

func randomAccount() common.Address {
	id := uuid.New()
	return common.BytesToAddress(id[:])
}

func TestPrescriptionIndexProjection(t *testing.T) {
	pool := testPool(t)
	ctx := context.Background()
	idx := NewPrescriptionIndex(pool, "", nil)

	physician, patient, pharmacy := randomAccount(), randomAccount(), randomAccount()
	id := uuid.NewString()
	created := time.Now().UTC().Truncate(time.Millisecond)

	row := prescription.Row{
		ID: id, Subject: patient, ContentRef: "QmTest", Creator: physician,
		CreatedAt: created, Status: prescription.StatusAwaitingAssignment, UpdatedAt: created,
	}
	first := prescription.AuditEntry{
		ID: uuid.NewString(), PrescriptionID: id, Status: prescription.StatusAwaitingAssignment,
		Note: "created", Actor: physician, Timestamp: created,
	}
	require.NoError(t, idx.Project(ctx, prescription.Projection{Row: row, Audit: []prescription.AuditEntry{first}}))

	// a repair without creator keeps the stored one
	row.Creator = common.Address{}
	row.CreatedAt = time.Time{}
	row.Assignee = pharmacy
	row.Status = prescription.StatusAwaitingConfirmation
	row.UpdatedAt = created.Add(time.Second)
	second := prescription.AuditEntry{
		ID: uuid.NewString(), PrescriptionID: id, Status: prescription.StatusAwaitingConfirmation,
		Actor: physician, Timestamp: created.Add(time.Second),
	}
	p := prescription.Projection{Row: row, Audit: []prescription.AuditEntry{first, second}}
	require.NoError(t, idx.Project(ctx, p))
	require.NoError(t, idx.Project(ctx, p))

	got, err := idx.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, physician, got.Creator)
	assert.Equal(t, pharmacy, got.Assignee)
	assert.Equal(t, prescription.StatusAwaitingConfirmation, got.Status)
	assert.WithinDuration(t, created, got.CreatedAt, time.Millisecond)

	timeline, err := idx.Timeline(ctx, id)
	require.NoError(t, err)
	require.Len(t, timeline, 2)
	assert.Equal(t, first.ID, timeline[0].ID)
	assert.Equal(t, second.ID, timeline[1].ID)

	var events int
	require.NoError(t, pool.QueryRow(ctx, `SELECT COUNT(*) FROM outbox WHERE aggregate_id = $1`, id).Scan(&events))
	assert.Equal(t, 2, events)

	var payload []byte
	require.NoError(t, pool.QueryRow(ctx,
		`SELECT payload FROM outbox WHERE aggregate_id = $1 ORDER BY id DESC LIMIT 1`, id).Scan(&payload))
	var evt prescription.Event
	require.NoError(t, json.Unmarshal(payload, &evt))
	assert.Equal(t, prescription.EventPharmacyAssigned, evt.EventType)
	assert.Equal(t, second.ID, evt.CorrelationID)

	listed, err := idx.List(ctx, prescription.Filter{Assignee: &pharmacy, Limit: 10})
	require.NoError(t, err)
	require.Len(t, listed, 1)
	assert.Equal(t, id, listed[0].ID)

	_, err = idx.Get(ctx, uuid.NewString())
	assert.ErrorIs(t, err, prescription.ErrRowNotFound)
}

func TestTimelineKeepsInsertionOrderOnEqualTimestamps(t *testing.T) {
	pool := testPool(t)
	ctx := context.Background()
	idx := NewPrescriptionIndex(pool, "", nil)

	physician := randomAccount()
	id := uuid.NewString()
	at := time.Now().UTC().Truncate(time.Millisecond)
	row := prescription.Row{
		ID: id, Subject: randomAccount(), ContentRef: "QmTest", Creator: physician,
		CreatedAt: at, Status: prescription.StatusPreparing, UpdatedAt: at,
	}

	var audit []prescription.AuditEntry
	for _, s := range []prescription.Status{
		prescription.StatusAwaitingAssignment,
		prescription.StatusAwaitingConfirmation,
		prescription.StatusPreparing,
	} {
		audit = append(audit, prescription.AuditEntry{
			ID: uuid.NewString(), PrescriptionID: id, Status: s, Actor: physician, Timestamp: at,
		})
	}
	require.NoError(t, idx.Project(ctx, prescription.Projection{Row: row, Audit: audit}))

	timeline, err := idx.Timeline(ctx, id)
	require.NoError(t, err)
	require.Len(t, timeline, 3)
	for i := range audit {
		assert.Equal(t, audit[i].ID, timeline[i].ID)
	}
}

func TestEntityIndexSearch(t *testing.T) {
	pool := testPool(t)
	ctx := context.Background()
	idx := NewEntityIndex(pool, nil)

	name := "Pharmacy " + uuid.NewString()[:8]
	rec := entity.Record{
		Account: randomAccount(), Role: role.Pharmacy, ContentRef: "QmProfile",
		Creator: randomAccount(), CreatedAt: time.Now().UTC(), Name: name, Location: "12 High St",
	}
	require.NoError(t, idx.Upsert(ctx, rec))

	found, err := idx.Search(ctx, entity.SearchQuery{Role: role.Pharmacy, Text: name[9:], Limit: 10})
	require.NoError(t, err)
	require.Len(t, found, 1)
	assert.Equal(t, rec.Account, found[0].Account)
	assert.Equal(t, "12 High St", found[0].Location)

	got, err := idx.Get(ctx, role.Pharmacy, rec.Account)
	require.NoError(t, err)
	assert.Equal(t, name, got.Name)

	// a resync rewrites every column
	rec.Creator = randomAccount()
	rec.CreatedAt = rec.CreatedAt.Add(-time.Hour)
	rec.ContentRef = "QmProfile2"
	require.NoError(t, idx.Upsert(ctx, rec))
	got, err = idx.Get(ctx, role.Pharmacy, rec.Account)
	require.NoError(t, err)
	assert.Equal(t, rec.Creator, got.Creator)
	assert.Equal(t, "QmProfile2", got.ContentRef)
	assert.WithinDuration(t, rec.CreatedAt, got.CreatedAt, time.Millisecond)

	_, err = idx.Get(ctx, role.Patient, rec.Account)
	assert.ErrorIs(t, err, entity.ErrNotFound)
}

func TestSettingsRoundTrip(t *testing.T) {
	pool := testPool(t)
	ctx := context.Background()
	s := NewSettings(pool)
	key := "test." + uuid.NewString()

	_, ok, err := s.Get(ctx, key)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, s.Set(ctx, key, "a"))
	require.NoError(t, s.Set(ctx, key, "b"))
	v, ok, err := s.Get(ctx, key)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "b", v)
}
