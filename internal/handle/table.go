// Package handle implements the process-wide handle table: a registry
// of shared-memory segments with reference-counted lifetime and
// capability tokens.
package handle

import (
	"fmt"
	"sync"
	"time"

	"github.com/RoaringBitmap/roaring"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/telos-cog/telos/internal/teloserr"
	"github.com/telos-cog/telos/pkg/concept"
)

// View is a zero-copy window over the bytes backing a live handle.
// Concurrent Map calls for the same handle return independent View
// values over the same underlying storage: a write through one view
// is visible through every other, and callers coordinate those writes
// through the handle's reference-count discipline.
type View struct {
	Bytes []byte
	owner uint32 // slot id, used only to validate Unmap
}

type segment struct {
	handle   concept.SharedHandle
	bytes    []byte
	refCount int
	slot     uint32
}

// Table is the process-wide segment registry. It owns every
// SharedHandle; all other components hold capabilities
// (concept.SharedHandle values) only.
type Table struct {
	mu   sync.Mutex
	log  *zap.Logger
	gen  string // process-generation prefix, makes segment names globally unique
	seq  uint64
	segs map[string]*segment // keyed by segment name

	slots     *roaring.Bitmap // allocated slot ids; Stats and Reap read segs, not this bitmap
	slotByTok map[string]uint32
	nextSlot  uint32
}

// New constructs an empty Handle Table for one process generation.
func New(log *zap.Logger) *Table {
	if log == nil {
		log = zap.NewNop()
	}
	return &Table{
		log:       log,
		gen:       uuid.NewString(),
		segs:      make(map[string]*segment),
		slots:     roaring.New(),
		slotByTok: make(map[string]uint32),
	}
}

// Allocate creates a new segment of size bytes (elemCount * dtype.Sizeof())
// and returns a capability with reference count 1.
func (t *Table) Allocate(dtype concept.DType, elemCount int) (concept.SharedHandle, error) {
	width := dtype.Sizeof()
	if width == 0 || elemCount < 0 {
		return concept.SharedHandle{}, teloserr.New(teloserr.InvalidArgument, "unsupported dtype or negative element count")
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	t.seq++
	name := fmt.Sprintf("telos-%s-%d", t.gen, t.seq)
	slot := t.nextSlot
	t.nextSlot++
	t.slots.Add(slot)

	owner := uuid.NewString()
	t.slotByTok[owner] = slot

	seg := &segment{
		handle: concept.SharedHandle{
			Name:       name,
			ByteLength: width * elemCount,
			DType:      dtype,
			ElemCount:  elemCount,
			OwnerToken: owner,
		},
		bytes:    make([]byte, width*elemCount),
		refCount: 1,
		slot:     slot,
	}
	t.segs[name] = seg
	t.log.Debug("handle allocated", zap.String("name", name), zap.Int("bytes", seg.handle.ByteLength))
	return seg.handle, nil
}

// Retain increments the reference count of an existing handle.
func (t *Table) Retain(h concept.SharedHandle) (concept.SharedHandle, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	seg, ok := t.segs[h.Name]
	if !ok {
		return concept.SharedHandle{}, teloserr.New(teloserr.HandleExpired, "handle %s not found", h.Name)
	}
	seg.refCount++
	return seg.handle, nil
}

// Release decrements the reference count, unmapping and reclaiming the
// segment exactly when the count reaches zero.
func (t *Table) Release(h concept.SharedHandle) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	seg, ok := t.segs[h.Name]
	if !ok {
		return teloserr.New(teloserr.HandleExpired, "handle %s not found", h.Name)
	}
	seg.refCount--
	if seg.refCount <= 0 {
		delete(t.segs, h.Name)
		delete(t.slotByTok, seg.handle.OwnerToken)
		t.slots.Remove(seg.slot)
		t.log.Debug("handle reclaimed", zap.String("name", h.Name))
	}
	return nil
}

// Map returns a zero-copy View over the bytes backing h. It fails
// with HandleExpired if h has already been fully released.
func (t *Table) Map(h concept.SharedHandle) (*View, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	seg, ok := t.segs[h.Name]
	if !ok {
		return nil, teloserr.New(teloserr.HandleExpired, "handle %s not found", h.Name)
	}
	return &View{Bytes: seg.bytes, owner: seg.slot}, nil
}

// Unmap releases a view by dropping its window onto the segment.
// Views do not hold a reference count of their own, so Unmap is a
// no-op beyond that; it exists to keep the map/unmap pairing
// explicit.
func (t *Table) Unmap(v *View) error {
	if v == nil {
		return teloserr.New(teloserr.InvalidArgument, "nil view")
	}
	v.Bytes = nil
	return nil
}

// WriteBack copies data into the live backing segment for h, the
// whole-segment equivalent of writing through a mapped view.
func (t *Table) WriteBack(h concept.SharedHandle, data []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	seg, ok := t.segs[h.Name]
	if !ok {
		return teloserr.New(teloserr.HandleExpired, "handle %s not found", h.Name)
	}
	if len(data) != len(seg.bytes) {
		return teloserr.New(teloserr.InvalidArgument, "data length %d does not match segment length %d", len(data), len(seg.bytes))
	}
	copy(seg.bytes, data)
	return nil
}

// Stats reports the live segment count and total bytes of live
// segments.
type Stats struct {
	LiveSegments int
	BytesMapped  int64
}

func (t *Table) Stats() Stats {
	t.mu.Lock()
	defer t.mu.Unlock()
	var s Stats
	s.LiveSegments = len(t.segs)
	for _, seg := range t.segs {
		s.BytesMapped += int64(seg.handle.ByteLength)
	}
	return s
}

// Reap runs a single orphan-scan pass: any segment whose owner token is
// in orphanedOwners (tokens belonging to a crashed worker) is force
// released regardless of its current reference count. The worker pool
// feeds it the tokens of confirmed-crashed workers' in-flight tasks.
func (t *Table) Reap(orphanedOwners []string) int {
	t.mu.Lock()
	defer t.mu.Unlock()

	reclaimed := 0
	for _, tok := range orphanedOwners {
		slot, ok := t.slotByTok[tok]
		if !ok {
			continue
		}
		for name, seg := range t.segs {
			if seg.slot == slot {
				delete(t.segs, name)
				t.slots.Remove(slot)
				reclaimed++
			}
		}
		delete(t.slotByTok, tok)
	}
	if reclaimed > 0 {
		t.log.Warn("reaper reclaimed orphaned segments", zap.Int("count", reclaimed))
	}
	return reclaimed
}

// RunReaper starts a background goroutine that periodically calls fn to
// discover orphaned owner tokens (e.g. from the worker pool's crash
// detector) and reaps them, until ctx-like stop channel is closed.
func (t *Table) RunReaper(interval time.Duration, discover func() []string, stop <-chan struct{}) {
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				t.Reap(discover())
			}
		}
	}()
}
