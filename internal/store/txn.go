package store

import (
	"crypto/sha256"
	"encoding/hex"

	"github.com/tidwall/btree"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/telos-cog/telos/internal/teloserr"
	"github.com/telos-cog/telos/pkg/concept"
)

// Txn is a single-writer, snapshot-isolated transaction against the
// store. Reads observe the snapshot taken at Begin; writes are staged
// and only become visible (to this and future transactions) on a
// successful Commit.
type Txn struct {
	store    *Store
	snapshot *btree.Map[concept.ID, *concept.Concept] // COW clone taken at Begin
	base     map[concept.ID]*concept.Concept          // live pointers observed, for conflict detection

	writes  map[concept.ID]*concept.Concept
	deletes map[concept.ID]struct{}

	done bool
}

// Begin opens a new transaction against a consistent snapshot of the
// store.
func (s *Store) Begin() *Txn {
	s.mu.Lock()
	snap := s.live.Copy()
	s.mu.Unlock()

	return &Txn{
		store:    s,
		snapshot: snap,
		base:     make(map[concept.ID]*concept.Concept),
		writes:   make(map[concept.ID]*concept.Concept),
		deletes:  make(map[concept.ID]struct{}),
	}
}

// Get returns the Concept visible to this transaction: a staged write
// or delete, else the snapshot value. The second return is false if no
// such Concept exists.
func (t *Txn) Get(id concept.ID) (*concept.Concept, bool) {
	if _, gone := t.deletes[id]; gone {
		return nil, false
	}
	if c, ok := t.writes[id]; ok {
		return c.Clone(), true
	}
	c, ok := t.snapshot.Get(id)
	if !ok {
		return nil, false
	}
	if _, tracked := t.base[id]; !tracked {
		t.base[id] = c
	}
	return c.Clone(), true
}

// Put stages an insert or update of c, taking effect on Commit.
func (t *Txn) Put(c *concept.Concept) {
	delete(t.deletes, c.ID)
	if _, tracked := t.base[c.ID]; !tracked {
		if existing, ok := t.snapshot.Get(c.ID); ok {
			t.base[c.ID] = existing
		} else {
			t.base[c.ID] = nil
		}
	}
	t.writes[c.ID] = c.Clone()
}

// Delete stages removal of id, taking effect on Commit.
func (t *Txn) Delete(id concept.ID) {
	delete(t.writes, id)
	if _, tracked := t.base[id]; !tracked {
		if existing, ok := t.snapshot.Get(id); ok {
			t.base[id] = existing
		} else {
			t.base[id] = nil
		}
	}
	t.deletes[id] = struct{}{}
}

// Abort discards the transaction's staged writes without touching the
// store.
func (t *Txn) Abort() {
	t.done = true
}

// CommitResult reports the outcome of Commit.
type CommitResult struct {
	OK      bool
	Changes []Change
}

// Commit atomically and durably applies every staged write/delete, or
// fails with Conflict if any Concept this transaction read or wrote has
// been mutated by another transaction since Begin, or StorageFailure if
// the durable write itself fails (in which case the store's state is
// left unchanged).
func (t *Txn) Commit() (CommitResult, error) {
	if t.done {
		return CommitResult{}, teloserr.New(teloserr.InvalidArgument, "transaction already finalized")
	}
	t.done = true

	s := t.store
	s.mu.Lock()
	defer s.mu.Unlock()

	for id, seen := range t.base {
		cur, ok := s.live.Get(id)
		if !ok {
			cur = nil
		}
		if cur != seen {
			return CommitResult{}, teloserr.New(teloserr.Conflict, "concept %s modified since transaction began", id)
		}
	}

	if len(t.writes) == 0 && len(t.deletes) == 0 {
		return CommitResult{OK: true}, nil
	}

	sqlTx, err := s.db.Begin()
	if err != nil {
		return CommitResult{}, teloserr.Wrap(teloserr.StorageFailure, err, "beginning durable transaction")
	}
	defer sqlTx.Rollback() //nolint:errcheck // no-op once committed

	var changes []Change
	nextSeq := s.seq

	apply := func(id concept.ID, c *concept.Concept, kind ChangeKind) error {
		nextSeq++
		// A delete writes an empty, non-NULL payload.
		payload := []byte{}
		var err error
		if c != nil {
			payload, err = msgpack.Marshal(c)
			if err != nil {
				return err
			}
		}
		deleted := 0
		if kind == ChangeDelete {
			deleted = 1
		}
		if _, err := sqlTx.Exec(
			`INSERT INTO concepts (id, version, deleted, payload) VALUES (?, ?, ?, ?)
			 ON CONFLICT(id) DO UPDATE SET version = excluded.version, deleted = excluded.deleted, payload = excluded.payload`,
			string(id), s.version+1, deleted, payload); err != nil {
			return err
		}

		sum := sha256.Sum256(payload)
		hash := hex.EncodeToString(sum[:])
		if _, err := sqlTx.Exec(
			`INSERT INTO outbox (sequence, concept_id, kind, payload_hash, payload) VALUES (?, ?, ?, ?, ?)`,
			nextSeq, string(id), string(kind), hash, payload); err != nil {
			return err
		}

		var snap *concept.Concept
		if c != nil {
			snap = c.Clone()
		}
		changes = append(changes, Change{Sequence: nextSeq, ID: id, Kind: kind, Snapshot: snap})
		return nil
	}

	for id, c := range t.writes {
		kind := ChangeUpdate
		if _, existed := t.base[id]; !existed || t.base[id] == nil {
			kind = ChangeInsert
		}
		if err := apply(id, c, kind); err != nil {
			return CommitResult{}, teloserr.Wrap(teloserr.StorageFailure, err, "applying write for %s", id)
		}
	}
	for id := range t.deletes {
		if err := apply(id, nil, ChangeDelete); err != nil {
			return CommitResult{}, teloserr.Wrap(teloserr.StorageFailure, err, "applying delete for %s", id)
		}
	}

	if err := sqlTx.Commit(); err != nil {
		return CommitResult{}, teloserr.Wrap(teloserr.StorageFailure, err, "committing durable transaction")
	}

	for id, c := range t.writes {
		s.live.Set(id, c)
	}
	for id := range t.deletes {
		s.live.Delete(id)
	}
	s.version++
	s.seq = nextSeq

	for _, ch := range changes {
		s.publish(ch)
	}

	return CommitResult{OK: true, Changes: changes}, nil
}
