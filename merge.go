package chronos

import (
	"io"
	"slices"

	"github.com/cockroachdb/pebble"

	"github.com/NagaraTech/chronos/protocol"
	"github.com/NagaraTech/chronos/vlc"
)

// mergeAdaptor accumulates operands for pebble's merge operator and
// folds them by keyspace: version-set union for 'K' keys, clock union
// for the 'V' key. Both folds are commutative and idempotent, which
// is what lets pebble apply them at any compaction depth.
type mergeAdaptor struct {
	kind byte
	old  bool
	vals [][]byte
}

func merger(key, value []byte) (pebble.ValueMerger, error) {
	kind := byte(0)
	if len(key) > 0 {
		kind = key[0]
	}
	target := make([]byte, len(value))
	copy(target, value)
	return &mergeAdaptor{kind: kind, vals: [][]byte{target}}, nil
}

func (a *mergeAdaptor) MergeNewer(value []byte) error {
	target := make([]byte, len(value))
	copy(target, value)
	a.vals = append(a.vals, target)
	return nil
}

func (a *mergeAdaptor) MergeOlder(value []byte) error {
	target := make([]byte, len(value))
	copy(target, value)
	a.vals = append(a.vals, target)
	a.old = true
	return nil
}

func (a *mergeAdaptor) Finish(includesBase bool) ([]byte, io.Closer, error) {
	if a.old {
		slices.Reverse(a.vals)
	}
	if len(a.vals) == 0 {
		return nil, nil, nil
	}
	switch a.kind {
	case 'V':
		return mergeClocks(a.vals), nil, nil
	case 'K':
		return mergeVersionSets(a.vals), nil, nil
	default:
		// point keyspaces are written with Set, not Merge
		return a.vals[len(a.vals)-1], nil, nil
	}
}

func mergeClocks(vals [][]byte) []byte {
	cs := vlc.NewClockState()
	for _, v := range vals {
		_ = cs.PutTLV(v)
	}
	return cs.TLV()
}

// mergeVersionSets unions E records by event id, oldest first so the
// earliest operand's record survives duplicates.
func mergeVersionSets(vals [][]byte) (ret []byte) {
	seen := make(map[vlc.ID]bool)
	for _, set := range vals {
		rest := set
		for len(rest) > 0 {
			lit, body, r := protocol.TakeAny(rest)
			if lit != 'E' || body == nil {
				break
			}
			idb, _ := protocol.Take('I', body)
			id := vlc.IDFromZipBytes(idb)
			if !seen[id] {
				seen[id] = true
				ret = append(ret, rest[:len(rest)-len(r)]...)
			}
			rest = r
		}
	}
	return
}
