// Package store implements the L3 transactional object store: a
// single-writer, many-reader keyed store over Concepts with
// serializable isolation, durable commits, and a gap-free
// change-notification stream. Durability is backed by
// github.com/mattn/go-sqlite3 in WAL mode; the live, queryable state is
// an in-memory copy-on-write github.com/tidwall/btree.Map, snapshotted
// per transaction so readers never observe another transaction's
// in-flight writes.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"sync"

	"github.com/tidwall/btree"
	"github.com/vmihailenco/msgpack/v5"
	"go.uber.org/zap"

	_ "github.com/mattn/go-sqlite3"

	"github.com/telos-cog/telos/internal/teloserr"
	"github.com/telos-cog/telos/pkg/concept"
)

// ChangeKind is the kind of mutation recorded for a committed Concept.
type ChangeKind string

const (
	ChangeInsert ChangeKind = "insert"
	ChangeUpdate ChangeKind = "update"
	ChangeDelete ChangeKind = "delete"
)

// Change is one entry of the subscription stream.
type Change struct {
	Sequence uint64
	ID       concept.ID
	Kind     ChangeKind
	Snapshot *concept.Concept // nil for delete
}

// OutboxRow mirrors one durable outbox record, written in the same
// sqlite transaction as its originating Concept mutation.
type OutboxRow struct {
	Sequence    uint64
	ConceptID   concept.ID
	Kind        ChangeKind
	PayloadHash string
	Payload     []byte
}

func byKey(a, b concept.ID) bool { return a < b }

// Store is the L3 transactional object store.
type Store struct {
	log *zap.Logger
	db  *sql.DB

	mu      sync.Mutex // serializes commits (the "single writer")
	live    *btree.Map[concept.ID, *concept.Concept]
	version uint64
	seq     uint64

	subMu  sync.Mutex
	subs   map[int]chan Change
	subSeq int
}

// Open opens (creating if necessary) the sqlite-backed store at path.
// Pass ":memory:" for an ephemeral store (used by tests).
func Open(path string, log *zap.Logger) (*Store, error) {
	if log == nil {
		log = zap.NewNop()
	}
	db, err := sql.Open("sqlite3", fmt.Sprintf("file:%s?_journal_mode=WAL&_synchronous=FULL", path))
	if err != nil {
		return nil, teloserr.Wrap(teloserr.StorageFailure, err, "opening sqlite store")
	}
	db.SetMaxOpenConns(1) // single-writer discipline, one physical connection

	s := &Store{
		log:  log,
		db:   db,
		live: &btree.Map[concept.ID, *concept.Concept]{},
		subs: make(map[int]chan Change),
	}
	if err := s.migrate(); err != nil {
		return nil, err
	}
	if err := s.loadLive(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Store) migrate() error {
	const schema = `
CREATE TABLE IF NOT EXISTS concepts (
	id TEXT PRIMARY KEY,
	version INTEGER NOT NULL,
	deleted INTEGER NOT NULL DEFAULT 0,
	payload BLOB NOT NULL
);
CREATE TABLE IF NOT EXISTS outbox (
	sequence INTEGER PRIMARY KEY,
	concept_id TEXT NOT NULL,
	kind TEXT NOT NULL,
	payload_hash TEXT NOT NULL,
	payload BLOB NOT NULL,
	attempt_count INTEGER NOT NULL DEFAULT 0,
	earliest_retry_ms INTEGER NOT NULL DEFAULT 0,
	state TEXT NOT NULL DEFAULT 'pending',
	lease_owner TEXT NOT NULL DEFAULT '',
	lease_expires_ms INTEGER NOT NULL DEFAULT 0
);
`
	if _, err := s.db.Exec(schema); err != nil {
		return teloserr.Wrap(teloserr.StorageFailure, err, "migrating schema")
	}
	return nil
}

func (s *Store) loadLive() error {
	rows, err := s.db.Query(`SELECT id, version, deleted, payload FROM concepts`)
	if err != nil {
		return teloserr.Wrap(teloserr.StorageFailure, err, "loading live state")
	}
	defer rows.Close()

	var maxVersion uint64
	for rows.Next() {
		var id string
		var version uint64
		var deleted int
		var payload []byte
		if err := rows.Scan(&id, &version, &deleted, &payload); err != nil {
			return teloserr.Wrap(teloserr.StorageFailure, err, "scanning row")
		}
		if version > maxVersion {
			maxVersion = version
		}
		if deleted != 0 {
			continue
		}
		var c concept.Concept
		if err := msgpack.Unmarshal(payload, &c); err != nil {
			return teloserr.Wrap(teloserr.StorageFailure, err, "decoding concept %s", id)
		}
		s.live.Set(concept.ID(id), &c)
	}
	var maxSeq uint64
	_ = s.db.QueryRow(`SELECT COALESCE(MAX(sequence), 0) FROM outbox`).Scan(&maxSeq)
	s.version = maxVersion
	s.seq = maxSeq
	return nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error { return s.db.Close() }

// Subscribe registers a new listener for the change stream. The
// returned channel is buffered; slow consumers never block a commit —
// they should treat the durable outbox table (consumed by
// internal/outbox) as their reliable source and this channel as a
// low-latency hint.
func (s *Store) Subscribe() (<-chan Change, func()) {
	s.subMu.Lock()
	defer s.subMu.Unlock()
	id := s.subSeq
	s.subSeq++
	ch := make(chan Change, 256)
	s.subs[id] = ch
	cancel := func() {
		s.subMu.Lock()
		defer s.subMu.Unlock()
		if c, ok := s.subs[id]; ok {
			delete(s.subs, id)
			close(c)
		}
	}
	return ch, cancel
}

func (s *Store) publish(c Change) {
	s.subMu.Lock()
	defer s.subMu.Unlock()
	for _, ch := range s.subs {
		select {
		case ch <- c:
		default:
		}
	}
}

// PendingOutbox returns outbox rows in 'pending' state with
// earliest_retry_ms <= nowMS, plus 'in_flight' rows whose lease
// expired before nowMS, up to limit, used by the coherence
// coordinator to lease work.
func (s *Store) PendingOutbox(ctx context.Context, nowMS int64, limit int) ([]OutboxRow, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT sequence, concept_id, kind, payload_hash, payload FROM outbox
		 WHERE state IN ('pending', 'in_flight') AND earliest_retry_ms <= ? AND lease_expires_ms < ?
		 ORDER BY sequence ASC LIMIT ?`, nowMS, nowMS, limit)
	if err != nil {
		return nil, teloserr.Wrap(teloserr.StorageFailure, err, "querying pending outbox")
	}
	defer rows.Close()

	var out []OutboxRow
	for rows.Next() {
		var r OutboxRow
		var kind, id string
		if err := rows.Scan(&r.Sequence, &id, &kind, &r.PayloadHash, &r.Payload); err != nil {
			return nil, teloserr.Wrap(teloserr.StorageFailure, err, "scanning outbox row")
		}
		r.ConceptID = concept.ID(id)
		r.Kind = ChangeKind(kind)
		out = append(out, r)
	}
	return out, nil
}

// Metrics reports a point-in-time snapshot of live Concept count and
// commit sequence for the admin surface.
func (s *Store) Metrics() map[string]any {
	s.mu.Lock()
	defer s.mu.Unlock()
	return map[string]any{
		"concepts": s.live.Len(),
		"version":  s.version,
		"sequence": s.seq,
	}
}
