// Package journal persists index writes that failed after the ledger accepted
// them, so the reconciler can replay them. It is backed by a local LevelDB.
package journal

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/storage"
	"github.com/syndtr/goleveldb/leveldb/util"
	"go.uber.org/zap"

	"github.com/drfirst/rxledger/internal/domain/entity"
	"github.com/drfirst/rxledger/internal/domain/prescription"
)

const keyPrefix = "divergence:"

// Kind says which index an entry belongs to
type Kind string

const (
	KindPrescription Kind = "prescription"
	KindEntity       Kind = "entity"
)

// Entry is one unreconciled divergence
type Entry struct {
	Key  string `json:"-"`
	Kind Kind   `json:"kind"`
	// PrescriptionID and Pending are set for KindPrescription
	PrescriptionID string                    `json:"prescriptionId,omitempty"`
	Pending        []prescription.AuditEntry `json:"pending,omitempty"`
	// Entity is set for KindEntity
	Entity    *entity.Record `json:"entity,omitempty"`
	Cause     string         `json:"cause"`
	Attempts  int            `json:"attempts"`
	FirstSeen time.Time      `json:"firstSeen"`
	LastSeen  time.Time      `json:"lastSeen"`
}

// Journal is safe for concurrent use
type Journal struct {
	db     *leveldb.DB
	mu     sync.Mutex
	logger *zap.Logger
	now    func() time.Time
}

// Open opens or creates the journal at path
func Open(path string, logger *zap.Logger) (*Journal, error) {
	db, err := leveldb.OpenFile(path, nil)
	if err != nil {
		return nil, fmt.Errorf("open journal %s: %w", path, err)
	}
	return newJournal(db, logger), nil
}

// OpenMemory opens a journal that lives only in memory
func OpenMemory(logger *zap.Logger) (*Journal, error) {
	db, err := leveldb.Open(storage.NewMemStorage(), nil)
	if err != nil {
		return nil, fmt.Errorf("open memory journal: %w", err)
	}
	return newJournal(db, logger), nil
}

func newJournal(db *leveldb.DB, logger *zap.Logger) *Journal {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Journal{db: db, logger: logger, now: time.Now}
}

// Close closes the database
func (j *Journal) Close() error {
	return j.db.Close()
}

// PrescriptionKey is the journal key of a prescription divergence
func PrescriptionKey(id string) string {
	return keyPrefix + "prescription:" + id
}

// EntityKey is the journal key of an entity divergence
func EntityKey(rec entity.Record) string {
	return keyPrefix + "entity:" + rec.Role.String() + ":" + strings.ToLower(rec.Account.Hex())
}

// RecordPrescription journals a failed projection of id. Pending audit entries
// are merged by id with any already journaled.
func (j *Journal) RecordPrescription(_ context.Context, id string, pending []prescription.AuditEntry, cause error) error {
	key := PrescriptionKey(id)
	return j.update(key, func(e *Entry) {
		e.Kind = KindPrescription
		e.PrescriptionID = id
		seen := make(map[string]bool, len(e.Pending))
		for _, a := range e.Pending {
			seen[a.ID] = true
		}
		for _, a := range pending {
			if !seen[a.ID] {
				e.Pending = append(e.Pending, a)
				seen[a.ID] = true
			}
		}
		e.Cause = causeText(cause)
	})
}

// RecordEntity journals a failed mirror write
func (j *Journal) RecordEntity(_ context.Context, rec entity.Record, cause error) error {
	return j.update(EntityKey(rec), func(e *Entry) {
		e.Kind = KindEntity
		r := rec
		e.Entity = &r
		e.Cause = causeText(cause)
	})
}

// MarkAttempt records a failed replay of key
func (j *Journal) MarkAttempt(key string, cause error) error {
	return j.update(key, func(e *Entry) {
		e.Attempts++
		e.Cause = causeText(cause)
	})
}

func (j *Journal) update(key string, fn func(e *Entry)) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	var e Entry
	raw, err := j.db.Get([]byte(key), nil)
	switch {
	case errors.Is(err, leveldb.ErrNotFound):
		e.FirstSeen = j.now().UTC()
	case err != nil:
		return fmt.Errorf("read journal %s: %w", key, err)
	default:
		if err := json.Unmarshal(raw, &e); err != nil {
			return fmt.Errorf("decode journal %s: %w", key, err)
		}
	}
	fn(&e)
	e.LastSeen = j.now().UTC()

	raw, err = json.Marshal(e)
	if err != nil {
		return fmt.Errorf("encode journal %s: %w", key, err)
	}
	if err := j.db.Put([]byte(key), raw, nil); err != nil {
		return fmt.Errorf("write journal %s: %w", key, err)
	}
	j.logger.Debug("divergence journaled", zap.String("key", key), zap.String("cause", e.Cause))
	return nil
}

// Pending returns up to limit entries in key order. limit <= 0 means all.
func (j *Journal) Pending(limit int) ([]Entry, error) {
	iter := j.db.NewIterator(util.BytesPrefix([]byte(keyPrefix)), nil)
	defer iter.Release()

	var out []Entry
	for iter.Next() {
		var e Entry
		if err := json.Unmarshal(iter.Value(), &e); err != nil {
			j.logger.Warn("skipping undecodable journal entry", zap.ByteString("key", iter.Key()), zap.Error(err))
			continue
		}
		e.Key = string(iter.Key())
		out = append(out, e)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, iter.Error()
}

// Resolve removes key once it has been reconciled
func (j *Journal) Resolve(key string) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if err := j.db.Delete([]byte(key), nil); err != nil {
		return fmt.Errorf("resolve %s: %w", key, err)
	}
	return nil
}

// Len counts journaled entries
func (j *Journal) Len() (int, error) {
	iter := j.db.NewIterator(util.BytesPrefix([]byte(keyPrefix)), nil)
	defer iter.Release()
	n := 0
	for iter.Next() {
		n++
	}
	return n, iter.Error()
}

func causeText(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
