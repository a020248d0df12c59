// Package vlc implements a verifiable logical clock: per-issuer
// monotonic counters plus a tamper-evident proof chain, so any peer
// can check a claimed clock value without trusting the issuer.
package vlc

import (
	"crypto/sha256"
	"errors"
	"math"
	"slices"
	"strings"

	"github.com/NagaraTech/chronos/protocol"
)

var (
	ErrCounterOverflow = errors.New("clock counter overflow")
	ErrBadID           = errors.New("bad id notation")
	ErrBadClockRecord  = errors.New("bad clock TLV record")
)

// ClockState maps each known issuer to the highest counter value
// observed from it. A replica's own counter strictly increases on
// every local tick; merging takes the element-wise maximum, so the
// merge is idempotent, commutative and associative.
type ClockState map[NodeID]uint64

// Ordering is the result of comparing two clocks. Clocks form a
// partial order: two clocks with interleaved counters are Concurrent.
type Ordering int8

const (
	Equal Ordering = iota
	Less
	Greater
	Concurrent
)

func (o Ordering) String() string {
	return []string{"Equal", "Less", "Greater", "Concurrent"}[o]
}

func NewClockState() ClockState {
	return make(ClockState)
}

func (cs ClockState) Get(src NodeID) uint64 {
	return cs[src]
}

// Tick advances the issuer's own counter by one and returns the new
// value. Overflow is fatal: wrapping around would silently break
// monotonicity, so the counter refuses to move instead.
func (cs ClockState) Tick(src NodeID) (uint64, error) {
	n := cs[src]
	if n == math.MaxUint64 {
		return 0, ErrCounterOverflow
	}
	cs[src] = n + 1
	return n + 1, nil
}

func (cs ClockState) Clone() ClockState {
	ret := make(ClockState, len(cs))
	for src, seq := range cs {
		ret[src] = seq
	}
	return ret
}

// Merge returns the element-wise maximum of both clocks. Pure; the
// caller decides whether to adopt the result.
func Merge(a, b ClockState) ClockState {
	ret := a.Clone()
	ret.Absorb(b)
	return ret
}

// MergeAll folds any number of clocks into one. Merge is commutative,
// associative and idempotent, so the order of the arguments does not
// matter.
func MergeAll(clocks ...ClockState) ClockState {
	ret := NewClockState()
	for _, c := range clocks {
		ret.Absorb(c)
	}
	return ret
}

// Absorb is the mutating merge: element-wise maximum into cs.
func (cs ClockState) Absorb(other ClockState) {
	for src, seq := range other {
		if seq > cs[src] {
			cs[src] = seq
		}
	}
}

// PutMax raises the issuer's entry to seq; reports whether the entry
// changed.
func (cs ClockState) PutMax(src NodeID, seq uint64) bool {
	if seq <= cs[src] {
		return false
	}
	cs[src] = seq
	return true
}

// Dominates reports whether cs[n] >= other[n] for every issuer n,
// absent entries reading as zero. A dependency clock is satisfied
// once the local view dominates it.
func (cs ClockState) Dominates(other ClockState) bool {
	for src, seq := range other {
		if cs[src] < seq {
			return false
		}
	}
	return true
}

func (cs ClockState) Compare(other ClockState) Ordering {
	ge, le := cs.Dominates(other), other.Dominates(cs)
	switch {
	case ge && le:
		return Equal
	case ge:
		return Greater
	case le:
		return Less
	default:
		return Concurrent
	}
}

// Base returns the element-wise minimum over the given clocks, absent
// entries reading as zero: the common causal past of all of them.
func Base(clocks ...ClockState) ClockState {
	ret := make(ClockState)
	for _, cs := range clocks {
		for src := range cs {
			ret[src] = 0
		}
	}
	for src := range ret {
		low := uint64(math.MaxUint64)
		for _, cs := range clocks {
			if cs[src] < low {
				low = cs[src]
			}
		}
		ret[src] = low
	}
	return ret
}

// Diff returns the entries where cs is ahead of other, at cs's value.
func (cs ClockState) Diff(other ClockState) ClockState {
	ret := make(ClockState)
	for src, seq := range cs {
		if seq > other[src] {
			ret[src] = seq
		}
	}
	return ret
}

// Reduce folds the clock into a Lamport scalar: the sum of all
// counters. Saturates instead of wrapping.
func (cs ClockState) Reduce() uint64 {
	var sum uint64
	for _, seq := range cs {
		if sum+seq < sum {
			return math.MaxUint64
		}
		sum += seq
	}
	return sum
}

func (cs ClockState) IsGenesis() bool {
	for _, seq := range cs {
		if seq != 0 {
			return false
		}
	}
	return true
}

// IDs returns the clock entries as event coordinates, sorted.
func (cs ClockState) IDs() []ID {
	ids := make([]ID, 0, len(cs))
	for src, seq := range cs {
		ids = append(ids, ID{Src: src, Seq: seq})
	}
	slices.SortFunc(ids, func(a, b ID) int {
		if a.Less(b) {
			return -1
		} else if b.Less(a) {
			return 1
		}
		return 0
	})
	return ids
}

// TLV is the canonical encoding: one V record per entry, sorted by
// issuer. Sorting makes the encoding reproducible, which Digest
// depends on.
func (cs ClockState) TLV() (ret []byte) {
	for _, id := range cs.IDs() {
		ret = protocol.Append(ret, 'V', id.ZipBytes())
	}
	return
}

// PutTLV absorbs clock entries from a canonical encoding.
func (cs ClockState) PutTLV(rec []byte) (err error) {
	rest := rec
	for len(rest) > 0 {
		var val []byte
		val, rest, err = protocol.TakeWary('V', rest)
		if err != nil {
			return errors.Join(ErrBadClockRecord, err)
		}
		id := IDFromZipBytes(val)
		cs.PutMax(id.Src, id.Seq)
	}
	return nil
}

func ClockFromTLV(rec []byte) (ClockState, error) {
	cs := NewClockState()
	err := cs.PutTLV(rec)
	return cs, err
}

// Digest is the SHA-256 of the canonical encoding. Two equal clocks
// always digest identically; this is what proof steps chain over.
func (cs ClockState) Digest() Digest {
	return sha256.Sum256(cs.TLV())
}

func (cs ClockState) String() string {
	ids := cs.IDs()
	parts := make([]string, len(ids))
	for i, id := range ids {
		parts[i] = id.String()
	}
	return strings.Join(parts, ",")
}

func ClockFromString(s string) ClockState {
	cs := NewClockState()
	for _, part := range strings.Split(s, ",") {
		if part == "" {
			continue
		}
		if id, err := IDFromString(part); err == nil {
			cs.PutMax(id.Src, id.Seq)
		}
	}
	return cs
}
