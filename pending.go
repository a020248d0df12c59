package chronos

import (
	"sync"
	"time"

	"github.com/NagaraTech/chronos/utils"
	"github.com/NagaraTech/chronos/vlc"
)

// PendingBuffer holds verified values whose causal dependencies have
// not arrived yet, indexed by the dependencies they wait on. Growth
// is bounded two ways: a count limit evicts the oldest entries, and a
// TTL triggers retransmission requests for the missing causes, so a
// long partition cannot pin memory forever.
type PendingBuffer struct {
	mu      sync.Mutex
	entries map[vlc.ID]*pendingEntry
	waiters map[vlc.ID][]vlc.ID // missing dep -> values waiting on it
	expiry  utils.Heap[uint64]
	byslot  map[uint64]vlc.ID
	ring    uint64
	limit   int
	ttl     time.Duration
}

type pendingEntry struct {
	v     *VersionedValue
	unmet map[vlc.ID]struct{}
	slot  uint64
	asked time.Time
}

const expiryRingBits = 24

func packExpiry(deadline time.Time, ring uint64) uint64 {
	return uint64(deadline.Unix())<<expiryRingBits | (ring & (1<<expiryRingBits - 1))
}

func NewPendingBuffer(limit int, ttl time.Duration) *PendingBuffer {
	return &PendingBuffer{
		entries: make(map[vlc.ID]*pendingEntry),
		waiters: make(map[vlc.ID][]vlc.ID),
		byslot:  make(map[uint64]vlc.ID),
		limit:   limit,
		ttl:     ttl,
	}
}

func (pb *PendingBuffer) Len() int {
	pb.mu.Lock()
	defer pb.mu.Unlock()
	return len(pb.entries)
}

func (pb *PendingBuffer) Has(id vlc.ID) bool {
	pb.mu.Lock()
	defer pb.mu.Unlock()
	_, ok := pb.entries[id]
	return ok
}

// Add buffers a verified value with its unmet dependency set.
// Returns entries evicted to stay within the count limit, and whether
// the value was actually added (duplicates are not).
func (pb *PendingBuffer) Add(v *VersionedValue, unmet []vlc.ID) (evicted []*VersionedValue, added bool) {
	pb.mu.Lock()
	defer pb.mu.Unlock()

	id := v.ID()
	if _, ok := pb.entries[id]; ok {
		return nil, false
	}

	for pb.limit > 0 && len(pb.entries) >= pb.limit && pb.expiry.Len() > 0 {
		slot := pb.expiry.Pop()
		old, ok := pb.byslot[slot]
		if !ok {
			continue // stale heap entry
		}
		if e := pb.entries[old]; e != nil {
			evicted = append(evicted, e.v)
			pb.drop(old, e)
		}
	}

	e := &pendingEntry{
		v:     v,
		unmet: make(map[vlc.ID]struct{}, len(unmet)),
		slot:  packExpiry(time.Now().Add(pb.ttl), pb.ring),
		asked: time.Now(),
	}
	pb.ring++
	for _, dep := range unmet {
		e.unmet[dep] = struct{}{}
		pb.waiters[dep] = append(pb.waiters[dep], id)
	}
	pb.entries[id] = e
	pb.byslot[e.slot] = id
	pb.expiry.Push(e.slot)
	return evicted, true
}

func (pb *PendingBuffer) drop(id vlc.ID, e *pendingEntry) {
	for dep := range e.unmet {
		ws := pb.waiters[dep]
		for i, w := range ws {
			if w == id {
				ws[i] = ws[len(ws)-1]
				pb.waiters[dep] = ws[:len(ws)-1]
				break
			}
		}
		if len(pb.waiters[dep]) == 0 {
			delete(pb.waiters, dep)
		}
	}
	delete(pb.byslot, e.slot)
	delete(pb.entries, id)
}

// Satisfy marks one dependency as committed and returns every
// buffered value whose unmet set just became empty, removed from the
// buffer in one move.
func (pb *PendingBuffer) Satisfy(dep vlc.ID) (ready []*VersionedValue) {
	pb.mu.Lock()
	defer pb.mu.Unlock()

	for _, id := range pb.waiters[dep] {
		e, ok := pb.entries[id]
		if !ok {
			continue
		}
		delete(e.unmet, dep)
		if len(e.unmet) == 0 {
			ready = append(ready, e.v)
			delete(pb.byslot, e.slot)
			delete(pb.entries, id)
		}
	}
	delete(pb.waiters, dep)
	return
}

// Overdue returns the union of unmet dependencies of entries that
// have waited past the TTL, for a retransmission request, and resets
// their ask timers.
func (pb *PendingBuffer) Overdue(now time.Time) (wants []vlc.ID) {
	pb.mu.Lock()
	defer pb.mu.Unlock()

	seen := make(map[vlc.ID]bool)
	for _, e := range pb.entries {
		if now.Sub(e.asked) < pb.ttl {
			continue
		}
		e.asked = now
		for dep := range e.unmet {
			if !seen[dep] {
				seen[dep] = true
				wants = append(wants, dep)
			}
		}
	}
	return
}

// References reports whether any buffered value names the event in
// its causal context. Garbage collection must not drop such versions.
func (pb *PendingBuffer) References(id vlc.ID) bool {
	pb.mu.Lock()
	defer pb.mu.Unlock()

	for _, e := range pb.entries {
		if e.v.Context.Get(id.Src) >= id.Seq {
			return true
		}
	}
	return false
}
