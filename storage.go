package chronos

import (
	"bytes"
	"encoding/binary"
	"errors"

	"github.com/cespare/xxhash"
	"github.com/cockroachdb/pebble"

	"github.com/NagaraTech/chronos/protocol"
	"github.com/NagaraTech/chronos/vlc"
)

// Keyspaces, one prefix byte each:
//
//	'K' xxhash(key) key  -> version set, E records merged by the CRDT operator
//	'E' id               -> the original M packet, for retransmission
//	'V'                  -> this node's clock
//	'A' src              -> verifier acceptance for the issuer
//	'N' addr             -> peer book entry ('L'isten or 'C'onnect)
var (
	ErrBadERecord = errors.New("bad version record")
	ErrClosed     = errors.New("no replica open")
)

var pebbleWriteOptions = pebble.WriteOptions{Sync: false}

func KKey(key []byte) []byte {
	ret := make([]byte, 0, 9+len(key))
	ret = append(ret, 'K')
	ret = binary.BigEndian.AppendUint64(ret, xxhash.Sum64(key))
	return append(ret, key...)
}

func EKey(id vlc.ID) []byte {
	ret := make([]byte, 0, 17)
	ret = append(ret, 'E')
	return append(ret, id.Bytes()...)
}

var VKey = []byte{'V'}

func AKey(src vlc.NodeID) []byte {
	var ret [9]byte
	ret[0] = 'A'
	binary.BigEndian.PutUint64(ret[1:], uint64(src))
	return ret[:]
}

func NKey(addr string) []byte {
	return append([]byte{'N'}, addr...)
}

// Backend is the capability a storage engine must offer the causal
// core. PebbleStore is the stock implementation; the consistency
// logic never depends on anything beyond this surface.
type Backend interface {
	Persist(v *VersionedValue) error
	Scan(key []byte) ([]*VersionedValue, error)
	Close() error
}

// PebbleStore holds committed versions in a pebble database with a
// CRDT merge operator, so version-set unions stay correct at any
// compaction depth.
type PebbleStore struct {
	db  *pebble.DB
	dir string
}

func OpenStore(dir string) (*PebbleStore, error) {
	opts := pebble.Options{
		Merger: &pebble.Merger{
			Name:  "chronos",
			Merge: merger,
		},
	}
	db, err := pebble.Open(dir, &opts)
	if err != nil {
		return nil, err
	}
	return &PebbleStore{db: db, dir: dir}, nil
}

func (st *PebbleStore) Close() error {
	if st.db == nil {
		return ErrClosed
	}
	err := st.db.Close()
	st.db = nil
	return err
}

func (st *PebbleStore) DB() *pebble.DB {
	return st.db
}

// versionTLV encodes a committed version as an E record.
func versionTLV(v *VersionedValue) []byte {
	return protocol.Record('E',
		protocol.Record('I', v.ID().ZipBytes()),
		protocol.Record('D', v.Value),
		protocol.Record('C', v.Context.TLV()),
		protocol.Record('P', v.Proof.TLV()),
	)
}

func versionFromTLV(key, body []byte) (*VersionedValue, error) {
	idb, rest := protocol.Take('I', body)
	if idb == nil {
		return nil, ErrBadERecord
	}
	id := vlc.IDFromZipBytes(idb)
	value, rest := protocol.Take('D', rest)
	ctxb, rest := protocol.Take('C', rest)
	ctx, err := vlc.ClockFromTLV(ctxb)
	if err != nil {
		return nil, errors.Join(ErrBadERecord, err)
	}
	proofb, _ := protocol.Take('P', rest)
	proof, err := vlc.ProofFromTLV(id.Src, proofb)
	if err != nil {
		return nil, errors.Join(ErrBadERecord, err)
	}
	k := make([]byte, len(key))
	copy(k, key)
	return &VersionedValue{
		Key:     k,
		Value:   value,
		Context: ctx,
		Issuer:  id.Src,
		Seq:     id.Seq,
		Proof:   proof,
	}, nil
}

// MergeVersion stages a version into its key's set and the packet
// into the retransmission log.
func (st *PebbleStore) MergeVersion(b *pebble.Batch, v *VersionedValue) error {
	if err := b.Merge(KKey(v.Key), versionTLV(v), &pebbleWriteOptions); err != nil {
		return err
	}
	return b.Set(EKey(v.ID()), v.Packet(), &pebbleWriteOptions)
}

// MergeClock stages clock entries into the node clock record.
func (st *PebbleStore) MergeClock(b *pebble.Batch, cs vlc.ClockState) error {
	return b.Merge(VKey, cs.TLV(), &pebbleWriteOptions)
}

// SetAcceptance stages the verifier's per-issuer acceptance record.
func (st *PebbleStore) SetAcceptance(b *pebble.Batch, src vlc.NodeID, acc vlc.Acceptance) error {
	rec := protocol.Join(
		protocol.Record('H', acc.Tip[:]),
		protocol.Record('V', acc.State.TLV()),
	)
	return b.Set(AKey(src), rec, &pebbleWriteOptions)
}

func (st *PebbleStore) Apply(b *pebble.Batch) error {
	return st.db.Apply(b, &pebbleWriteOptions)
}

// LoadClock reads the node clock; a missing record is the genesis
// clock.
func (st *PebbleStore) LoadClock() (vlc.ClockState, error) {
	cs := vlc.NewClockState()
	val, clo, err := st.db.Get(VKey)
	if errors.Is(err, pebble.ErrNotFound) {
		return cs, nil
	}
	if err != nil {
		return nil, err
	}
	err = cs.PutTLV(val)
	_ = clo.Close()
	return cs, err
}

// LoadAcceptances replays persisted verifier state.
func (st *PebbleStore) LoadAcceptances(fn func(src vlc.NodeID, acc vlc.Acceptance)) error {
	it, err := st.db.NewIter(&pebble.IterOptions{
		LowerBound: []byte{'A'},
		UpperBound: []byte{'B'},
	})
	if err != nil {
		return err
	}
	defer it.Close()
	for it.First(); it.Valid(); it.Next() {
		key := it.Key()
		if len(key) != 9 {
			continue
		}
		src := vlc.NodeID(binary.BigEndian.Uint64(key[1:]))
		tipb, rest := protocol.Take('H', it.Value())
		if len(tipb) != vlc.DigestSize {
			continue
		}
		var acc vlc.Acceptance
		copy(acc.Tip[:], tipb)
		stateb, _ := protocol.Take('V', rest)
		state, err := vlc.ClockFromTLV(stateb)
		if err != nil {
			continue
		}
		acc.State = state
		fn(src, acc)
	}
	return it.Error()
}

// Versions returns every committed version of the key.
func (st *PebbleStore) Versions(key []byte) ([]*VersionedValue, error) {
	val, clo, err := st.db.Get(KKey(key))
	if errors.Is(err, pebble.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	defer clo.Close()
	return parseVersionSet(key, val)
}

func parseVersionSet(key, val []byte) (ret []*VersionedValue, err error) {
	rest := val
	for len(rest) > 0 {
		var body []byte
		body, rest = protocol.Take('E', rest)
		if body == nil {
			return ret, ErrBadERecord
		}
		v, err := versionFromTLV(key, body)
		if err != nil {
			return ret, err
		}
		ret = append(ret, v)
	}
	return
}

// Packet returns the stored original packet for an event, nil when
// unknown.
func (st *PebbleStore) Packet(id vlc.ID) ([]byte, error) {
	val, clo, err := st.db.Get(EKey(id))
	if errors.Is(err, pebble.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	ret := make([]byte, len(val))
	copy(ret, val)
	_ = clo.Close()
	return ret, nil
}

// MissingSince collects packets for every event the given clock has
// not seen. Used to catch a peer up after a handshake; the receiver's
// dependency gate re-orders whatever arrives.
func (st *PebbleStore) MissingSince(peer vlc.ClockState, limit int) (protocol.Records, error) {
	it, err := st.db.NewIter(&pebble.IterOptions{
		LowerBound: []byte{'E'},
		UpperBound: []byte{'F'},
	})
	if err != nil {
		return nil, err
	}
	defer it.Close()

	var recs protocol.Records
	for it.First(); it.Valid() && len(recs) < limit; it.Next() {
		if len(it.Key()) != 17 {
			continue
		}
		id := vlc.IDFromBytes(it.Key()[1:])
		if peer.Get(id.Src) >= id.Seq {
			continue
		}
		packet := make([]byte, len(it.Value()))
		copy(packet, it.Value())
		recs = append(recs, packet)
	}
	return recs, it.Error()
}

// CompactKey removes versions that are causally dominated by a newer
// committed version of the same key, unless still referenced by a
// pending value. Returns how many versions were dropped.
func (st *PebbleStore) CompactKey(key []byte, referenced func(vlc.ID) bool) (int, error) {
	versions, err := st.Versions(key)
	if err != nil || len(versions) < 2 {
		return 0, err
	}

	var keep []*VersionedValue
	var dropped []vlc.ID
	for _, v := range versions {
		if isDominated(v, versions) && (referenced == nil || !referenced(v.ID())) {
			dropped = append(dropped, v.ID())
		} else {
			keep = append(keep, v)
		}
	}
	if len(dropped) == 0 {
		return 0, nil
	}

	var set []byte
	for _, v := range keep {
		set = append(set, versionTLV(v)...)
	}
	b := st.db.NewBatch()
	if err := b.Set(KKey(key), set, &pebbleWriteOptions); err != nil {
		return 0, err
	}
	for _, id := range dropped {
		if err := b.Delete(EKey(id), &pebbleWriteOptions); err != nil {
			return 0, err
		}
	}
	if err := st.Apply(b); err != nil {
		return 0, err
	}
	return len(dropped), nil
}

// isDominated reports whether some other version's context already
// covers v's coordinate.
func isDominated(v *VersionedValue, versions []*VersionedValue) bool {
	for _, w := range versions {
		if w == v {
			continue
		}
		if w.Context.Get(v.Issuer) >= v.Seq {
			return true
		}
	}
	return false
}

// ScanPrefix visits every key with the given prefix along with its
// committed versions. 'K' records are ordered by key hash, not by key,
// so the scan walks the whole keyspace and filters.
func (st *PebbleStore) ScanPrefix(prefix []byte, fn func(key []byte, versions []*VersionedValue) error) error {
	it, err := st.db.NewIter(&pebble.IterOptions{
		LowerBound: []byte{'K'},
		UpperBound: []byte{'L'},
	})
	if err != nil {
		return err
	}
	defer it.Close()
	for it.First(); it.Valid(); it.Next() {
		if len(it.Key()) < 9 {
			continue
		}
		key := it.Key()[9:]
		if !bytes.HasPrefix(key, prefix) {
			continue
		}
		versions, err := parseVersionSet(key, it.Value())
		if err != nil {
			return err
		}
		if len(versions) == 0 {
			continue
		}
		if err := fn(versions[0].Key, versions); err != nil {
			return err
		}
	}
	return it.Error()
}

// Persist implements Backend for standalone use; the node itself
// batches through MergeVersion.
func (st *PebbleStore) Persist(v *VersionedValue) error {
	b := st.db.NewBatch()
	if err := st.MergeVersion(b, v); err != nil {
		return err
	}
	return st.Apply(b)
}

// Scan implements Backend.
func (st *PebbleStore) Scan(key []byte) ([]*VersionedValue, error) {
	return st.Versions(key)
}

// PeerBook ops: remembered listen/connect addresses, replayed at
// startup.
func (st *PebbleStore) RememberPeer(addr string, mode byte) error {
	return st.db.Set(NKey(addr), []byte{mode}, &pebbleWriteOptions)
}

func (st *PebbleStore) ForgetPeer(addr string) error {
	return st.db.Delete(NKey(addr), &pebbleWriteOptions)
}

func (st *PebbleStore) Peers() (listens, connects []string, err error) {
	it, err := st.db.NewIter(&pebble.IterOptions{
		LowerBound: []byte{'N'},
		UpperBound: []byte{'O'},
	})
	if err != nil {
		return nil, nil, err
	}
	defer it.Close()
	for it.First(); it.Valid(); it.Next() {
		addr := string(it.Key()[1:])
		if len(it.Value()) != 1 {
			continue
		}
		switch it.Value()[0] {
		case 'L':
			listens = append(listens, addr)
		case 'C':
			connects = append(connects, addr)
		}
	}
	return listens, connects, it.Error()
}
