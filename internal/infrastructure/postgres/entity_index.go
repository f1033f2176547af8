package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/drfirst/rxledger/internal/domain/entity"
	"github.com/drfirst/rxledger/internal/domain/role"
)

// entitySQL holds the constant statements of one mirror table
type entitySQL struct {
	upsert string
	get    string
	search string
}

func basicEntitySQL(table string) entitySQL {
	return entitySQL{
		upsert: `INSERT INTO ` + table + ` (account, content_ref, creator, created_at)
			VALUES ($1, $2, $3, $4)
			ON CONFLICT (account) DO UPDATE SET
				content_ref = EXCLUDED.content_ref,
				creator     = EXCLUDED.creator,
				created_at  = EXCLUDED.created_at`,
		get: `SELECT account, content_ref, creator, created_at, '', '' FROM ` + table + ` WHERE account = $1`,
		search: `SELECT account, content_ref, creator, created_at, '', '' FROM ` + table + `
			WHERE ($1 = '' OR account LIKE $1 || '%')
			ORDER BY created_at DESC, account LIMIT $2 OFFSET $3`,
	}
}

var (
	physiciansSQL = basicEntitySQL("physicians")
	patientsSQL   = basicEntitySQL("patients")
	regulatorsSQL = basicEntitySQL("regulatory_authorities")
	pharmaciesSQL = entitySQL{
		upsert: `INSERT INTO pharmacies (account, content_ref, creator, created_at, name, location)
			VALUES ($1, $2, $3, $4, $5, $6)
			ON CONFLICT (account) DO UPDATE SET
				content_ref = EXCLUDED.content_ref,
				creator     = EXCLUDED.creator,
				created_at  = EXCLUDED.created_at,
				name        = EXCLUDED.name,
				location    = EXCLUDED.location`,
		get: `SELECT account, content_ref, creator, created_at, name, location FROM pharmacies WHERE account = $1`,
		search: `SELECT account, content_ref, creator, created_at, name, location FROM pharmacies
			WHERE ($1 = '' OR lower(name) LIKE '%' || $1 || '%' OR account LIKE $1 || '%')
			ORDER BY name, account LIMIT $2 OFFSET $3`,
	}
)

func statementsFor(t entity.Table) (entitySQL, error) {
	switch t {
	case entity.TablePhysicians:
		return physiciansSQL, nil
	case entity.TablePatients:
		return patientsSQL, nil
	case entity.TablePharmacies:
		return pharmaciesSQL, nil
	case entity.TableRegulatoryAuthorities:
		return regulatorsSQL, nil
	}
	return entitySQL{}, fmt.Errorf("unknown entity table %s", t)
}

// EntityIndex mirrors the ledger's registry into the four entity tables
type EntityIndex struct {
	pool   *pgxpool.Pool
	logger *zap.Logger
}

// NewEntityIndex creates the mirror
func NewEntityIndex(pool *pgxpool.Pool, logger *zap.Logger) *EntityIndex {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &EntityIndex{pool: pool, logger: logger}
}

// Upsert writes rec into the table of its role
func (x *EntityIndex) Upsert(ctx context.Context, rec entity.Record) error {
	table, err := entity.TableFor(rec.Role)
	if err != nil {
		return err
	}
	stmts, err := statementsFor(table)
	if err != nil {
		return err
	}
	args := []interface{}{accountText(rec.Account), rec.ContentRef, accountText(rec.Creator), rec.CreatedAt.UTC()}
	if table == entity.TablePharmacies {
		args = append(args, rec.Name, rec.Location)
	}
	if _, err := x.pool.Exec(ctx, stmts.upsert, args...); err != nil {
		return fmt.Errorf("upsert %s %s: %w", table, rec.Account.Hex(), err)
	}
	return nil
}

// Get returns the mirrored record, or entity.ErrNotFound
func (x *EntityIndex) Get(ctx context.Context, r role.Role, account common.Address) (entity.Record, error) {
	table, err := entity.TableFor(r)
	if err != nil {
		return entity.Record{}, err
	}
	stmts, err := statementsFor(table)
	if err != nil {
		return entity.Record{}, err
	}
	rec, err := scanEntity(x.pool.QueryRow(ctx, stmts.get, accountText(account)), r)
	if errors.Is(err, pgx.ErrNoRows) {
		return entity.Record{}, fmt.Errorf("%w: %s in %s", entity.ErrNotFound, account.Hex(), table)
	}
	if err != nil {
		return entity.Record{}, fmt.Errorf("get %s %s: %w", table, account.Hex(), err)
	}
	return rec, nil
}

// Search matches q.Text as an account prefix, and as a name substring in the
// pharmacies table
func (x *EntityIndex) Search(ctx context.Context, q entity.SearchQuery) ([]entity.Record, error) {
	table, err := entity.TableFor(q.Role)
	if err != nil {
		return nil, err
	}
	stmts, err := statementsFor(table)
	if err != nil {
		return nil, err
	}

	rows, err := x.pool.Query(ctx, stmts.search, escapeLike(strings.ToLower(q.Text)), q.Limit, q.Offset)
	if err != nil {
		return nil, fmt.Errorf("search %s: %w", table, err)
	}
	defer rows.Close()

	var out []entity.Record
	for rows.Next() {
		rec, err := scanEntity(rows, q.Role)
		if err != nil {
			return nil, fmt.Errorf("scan %s: %w", table, err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func scanEntity(r pgx.Row, rl role.Role) (entity.Record, error) {
	var (
		rec              entity.Record
		account, creator string
	)
	if err := r.Scan(&account, &rec.ContentRef, &creator, &rec.CreatedAt, &rec.Name, &rec.Location); err != nil {
		return entity.Record{}, err
	}
	rec.Account = common.HexToAddress(account)
	rec.Creator = common.HexToAddress(creator)
	rec.Role = rl
	return rec, nil
}

var likeEscaper = strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)

func escapeLike(s string) string {
	return likeEscaper.Replace(s)
}
