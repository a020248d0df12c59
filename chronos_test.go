package chronos

import (
	"fmt"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/NagaraTech/chronos/protocol"
	"github.com/NagaraTech/chronos/vlc"
)

func testdirs(names ...string) ([]string, func()) {
	dirs := make([]string, len(names))
	for i, name := range names {
		dirs[i] = fmt.Sprintf("chronos-test-%s", name)
		os.RemoveAll(dirs[i])
	}
	return dirs, func() {
		for _, dir := range dirs {
			os.RemoveAll(dir)
		}
	}
}

func testIdentities(t *testing.T, n int) ([]*vlc.Identity, [][]byte) {
	t.Helper()
	ids := make([]*vlc.Identity, n)
	keys := make([][]byte, n)
	for i := range ids {
		id, err := vlc.NewIdentity()
		require.Nil(t, err)
		ids[i] = id
		keys[i] = id.PubKey()
	}
	return ids, keys
}

func openReplica(t *testing.T, dir string, id *vlc.Identity, keys [][]byte) *Chronos {
	t.Helper()
	c, err := Open(dir, Options{Identity: id, Keys: keys})
	require.Nil(t, err)
	return c
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	require.Eventually(t, cond, time.Second, 5*time.Millisecond)
}

func TestPutGet(t *testing.T) {
	dirs, clear := testdirs("a")
	defer clear()
	ids, keys := testIdentities(t, 1)

	a := openReplica(t, dirs[0], ids[0], keys)
	defer a.Close()

	v, err := a.Put([]byte("k1"), []byte("x"))
	require.Nil(t, err)
	assert.Equal(t, ids[0].Node, v.Issuer)
	assert.Equal(t, uint64(1), v.Seq)
	assert.True(t, v.Context.IsGenesis())

	value, found, err := a.Get([]byte("k1"))
	require.Nil(t, err)
	assert.True(t, found)
	assert.Equal(t, []byte("x"), value)

	assert.Equal(t, uint64(1), a.Clock().Get(ids[0].Node))

	_, found, err = a.Get([]byte("nope"))
	require.Nil(t, err)
	assert.False(t, found)
}

func TestScanPrefix(t *testing.T) {
	dirs, clear := testdirs("sp")
	defer clear()
	ids, keys := testIdentities(t, 1)

	a := openReplica(t, dirs[0], ids[0], keys)
	defer a.Close()

	for _, kv := range [][2]string{
		{"user/alice", "1"}, {"user/bob", "2"}, {"group/ops", "3"},
	} {
		_, err := a.Put([]byte(kv[0]), []byte(kv[1]))
		require.Nil(t, err)
	}

	found := map[string]int{}
	err := a.Scan([]byte("user/"), func(key []byte, versions []*VersionedValue) error {
		found[string(key)] = len(versions)
		return nil
	})
	require.Nil(t, err)
	assert.Equal(t, map[string]int{"user/alice": 1, "user/bob": 1}, found)
}

func TestCreateRefusesExisting(t *testing.T) {
	dirs, clear := testdirs("cr")
	defer clear()
	ids, keys := testIdentities(t, 1)

	a, err := Create(dirs[0], Options{Identity: ids[0], Keys: keys})
	require.Nil(t, err)
	require.Nil(t, a.Close())

	_, err = Create(dirs[0], Options{Identity: ids[0], Keys: keys})
	assert.ErrorIs(t, err, ErrAlreadyExists)
}

func TestReplicate(t *testing.T) {
	dirs, clear := testdirs("ra", "rb")
	defer clear()
	ids, keys := testIdentities(t, 2)

	a := openReplica(t, dirs[0], ids[0], keys)
	defer a.Close()
	b := openReplica(t, dirs[1], ids[1], keys)
	defer b.Close()

	v, err := a.Put([]byte("k1"), []byte("x"))
	require.Nil(t, err)

	require.Nil(t, b.OnReceive(v.Packet()))
	value, found, err := b.Get([]byte("k1"))
	require.Nil(t, err)
	assert.True(t, found)
	assert.Equal(t, []byte("x"), value)
	assert.Equal(t, uint64(1), b.Clock().Get(ids[0].Node))
}

// A writes, B reads A's write and overwrites, C gets B's version
// first: it must wait for A's, then promote B's, and read B's value.
func TestCausalDelivery(t *testing.T) {
	dirs, clear := testdirs("ca", "cb", "cc")
	defer clear()
	ids, keys := testIdentities(t, 3)

	a := openReplica(t, dirs[0], ids[0], keys)
	defer a.Close()
	b := openReplica(t, dirs[1], ids[1], keys)
	defer b.Close()
	c := openReplica(t, dirs[2], ids[2], keys)
	defer c.Close()

	va, err := a.Put([]byte("k1"), []byte("x"))
	require.Nil(t, err)
	require.Nil(t, b.OnReceive(va.Packet()))
	vb, err := b.Put([]byte("k1"), []byte("y"))
	require.Nil(t, err)
	assert.Equal(t, uint64(1), vb.Context.Get(ids[0].Node))

	// effect before cause: C buffers B's write
	require.Nil(t, c.OnReceive(vb.Packet()))
	_, found, err := c.Get([]byte("k1"))
	require.Nil(t, err)
	assert.False(t, found)
	assert.Equal(t, uint64(0), c.Clock().Get(ids[1].Node))

	// the cause arrives, the effect promotes asynchronously
	require.Nil(t, c.OnReceive(va.Packet()))
	waitFor(t, func() bool {
		return c.Clock().Get(ids[1].Node) == 1
	})
	value, found, err := c.Get([]byte("k1"))
	require.Nil(t, err)
	assert.True(t, found)
	assert.Equal(t, []byte("y"), value)

	// both versions are visible, A's causally precedes B's
	versions, err := c.Versions([]byte("k1"))
	require.Nil(t, err)
	assert.Equal(t, 2, len(versions))
}

// A value and the dependency it waits on may arrive on different
// goroutines in any interleaving; the value must always commit, never
// sit in the pending buffer waiting on something already in the clock.
func TestConcurrentDependencyDelivery(t *testing.T) {
	dirs, clear := testdirs("ia", "ib", "ic")
	defer clear()
	ids, keys := testIdentities(t, 3)

	a := openReplica(t, dirs[0], ids[0], keys)
	defer a.Close()
	b := openReplica(t, dirs[1], ids[1], keys)
	defer b.Close()
	c := openReplica(t, dirs[2], ids[2], keys)
	defer c.Close()

	for round := 0; round < 32; round++ {
		key := []byte(fmt.Sprintf("k%d", round))
		va, err := a.Put(key, []byte("x"))
		require.Nil(t, err)
		require.Nil(t, b.OnReceive(va.Packet()))
		vb, err := b.Put(key, []byte("y"))
		require.Nil(t, err)

		var wg sync.WaitGroup
		wg.Add(2)
		go func() { defer wg.Done(); _ = c.OnReceive(vb.Packet()) }()
		go func() { defer wg.Done(); _ = c.OnReceive(va.Packet()) }()
		wg.Wait()

		// redelivery is a no-op whatever state the race left behind
		require.Nil(t, c.OnReceive(va.Packet()))
		require.Nil(t, c.OnReceive(vb.Packet()))

		want := uint64(round + 1)
		waitFor(t, func() bool {
			return c.Clock().Get(ids[1].Node) == want
		})
		value, found, err := c.Get(key)
		require.Nil(t, err)
		require.True(t, found)
		require.Equal(t, []byte("y"), value)
	}
	assert.Equal(t, 0, c.pending.Len())
}

func TestDeduplication(t *testing.T) {
	dirs, clear := testdirs("da", "db")
	defer clear()
	ids, keys := testIdentities(t, 2)

	a := openReplica(t, dirs[0], ids[0], keys)
	defer a.Close()
	b := openReplica(t, dirs[1], ids[1], keys)
	defer b.Close()

	v, err := a.Put([]byte("k1"), []byte("x"))
	require.Nil(t, err)

	require.Nil(t, b.OnReceive(v.Packet()))
	require.Nil(t, b.OnReceive(v.Packet()))
	require.Nil(t, b.OnReceive(v.Packet()))

	versions, err := b.Versions([]byte("k1"))
	require.Nil(t, err)
	assert.Equal(t, 1, len(versions))
	assert.Equal(t, uint64(1), b.Clock().Get(ids[0].Node))
}

func TestRejectForgedProof(t *testing.T) {
	dirs, clear := testdirs("fa", "fb")
	defer clear()
	ids, keys := testIdentities(t, 2)

	a := openReplica(t, dirs[0], ids[0], keys)
	defer a.Close()
	b := openReplica(t, dirs[1], ids[1], keys)
	defer b.Close()

	v, err := a.Put([]byte("k1"), []byte("x"))
	require.Nil(t, err)

	// single corrupted bit in the signature
	forged := *v
	forged.Proof = &vlc.Proof{Issuer: v.Issuer, Steps: []vlc.ProofStep{v.Proof.Steps[0]}}
	forged.Proof.Steps[0].Sig = append([]byte(nil), v.Proof.Steps[0].Sig...)
	forged.Proof.Steps[0].Sig[3] ^= 1

	require.Nil(t, b.OnReceive(forged.Packet()))
	_, found, err := b.Get([]byte("k1"))
	require.Nil(t, err)
	assert.False(t, found)
	assert.Equal(t, uint64(0), b.Clock().Get(ids[0].Node))

	// the intact original still gets through
	require.Nil(t, b.OnReceive(v.Packet()))
	_, found, err = b.Get([]byte("k1"))
	require.Nil(t, err)
	assert.True(t, found)
}

// A write the verifier refuses to advance past must surface the error
// instead of reporting the value as committed.
func TestPutReportsVerifierRefusal(t *testing.T) {
	dirs, clear := testdirs("pv")
	defer clear()
	ids, keys := testIdentities(t, 1)

	a := openReplica(t, dirs[0], ids[0], keys)
	defer a.Close()

	_, err := a.Put([]byte("k1"), []byte("x"))
	require.Nil(t, err)

	// an acceptance record ahead of the clock makes the next chain
	// step a counter skip
	a.verifier.Restore(a.src, vlc.Acceptance{State: vlc.ClockState{a.src: 5}})
	_, err = a.Put([]byte("k1"), []byte("y"))
	assert.ErrorIs(t, err, vlc.ErrProofInvalid)

	// the refused write left no trace
	value, _, err := a.Get([]byte("k1"))
	require.Nil(t, err)
	assert.Equal(t, []byte("x"), value)
	assert.Equal(t, uint64(1), a.Clock().Get(ids[0].Node))
}

// Unknown packet types from newer peers are skipped, not treated as a
// connection-fatal error.
func TestUnknownPacketTolerated(t *testing.T) {
	dirs, clear := testdirs("za", "zb")
	defer clear()
	ids, keys := testIdentities(t, 2)

	a := openReplica(t, dirs[0], ids[0], keys)
	defer a.Close()
	b := openReplica(t, dirs[1], ids[1], keys)
	defer b.Close()

	require.Nil(t, b.OnReceive(protocol.Record('Z', []byte("from the future"))))

	// the stream keeps working after the unknown packet
	v, err := a.Put([]byte("k1"), []byte("x"))
	require.Nil(t, err)
	require.Nil(t, b.OnReceive(v.Packet()))
	value, found, err := b.Get([]byte("k1"))
	require.Nil(t, err)
	assert.True(t, found)
	assert.Equal(t, []byte("x"), value)
}

func TestRejectUnknownIssuer(t *testing.T) {
	dirs, clear := testdirs("ua", "ub")
	defer clear()
	ids, _ := testIdentities(t, 2)

	a := openReplica(t, dirs[0], ids[0], [][]byte{ids[0].PubKey()})
	defer a.Close()
	// B does not know A's key
	b := openReplica(t, dirs[1], ids[1], [][]byte{ids[1].PubKey()})
	defer b.Close()

	v, err := a.Put([]byte("k1"), []byte("x"))
	require.Nil(t, err)
	require.Nil(t, b.OnReceive(v.Packet()))
	_, found, err := b.Get([]byte("k1"))
	require.Nil(t, err)
	assert.False(t, found)
}

// Concurrent writes to one key: every delivery order converges on the
// same winner.
func TestConvergence(t *testing.T) {
	dirs, clear := testdirs("va", "vb", "vc", "vd")
	defer clear()
	ids, keys := testIdentities(t, 4)

	a := openReplica(t, dirs[0], ids[0], keys)
	defer a.Close()
	b := openReplica(t, dirs[1], ids[1], keys)
	defer b.Close()
	c := openReplica(t, dirs[2], ids[2], keys)
	defer c.Close()
	d := openReplica(t, dirs[3], ids[3], keys)
	defer d.Close()

	va, err := a.Put([]byte("k1"), []byte("from-a"))
	require.Nil(t, err)
	vb, err := b.Put([]byte("k1"), []byte("from-b"))
	require.Nil(t, err)

	require.Nil(t, c.OnReceive(va.Packet()))
	require.Nil(t, c.OnReceive(vb.Packet()))
	require.Nil(t, d.OnReceive(vb.Packet()))
	require.Nil(t, d.OnReceive(va.Packet()))

	cv, found, err := c.Get([]byte("k1"))
	require.Nil(t, err)
	require.True(t, found)
	dv, found, err := d.Get([]byte("k1"))
	require.Nil(t, err)
	require.True(t, found)
	assert.Equal(t, cv, dv)

	cvs, err := c.Versions([]byte("k1"))
	require.Nil(t, err)
	assert.Equal(t, 2, len(cvs))
}

func TestWinnerTiebreak(t *testing.T) {
	heavy := &VersionedValue{
		Value: []byte("heavy"), Issuer: 0x1, Seq: 1,
		Context: vlc.ClockState{0x5: 7},
	}
	light := &VersionedValue{
		Value: []byte("light"), Issuer: 0x9, Seq: 1,
		Context: vlc.ClockState{},
	}
	// higher causal weight wins over higher issuer id
	assert.Equal(t, heavy, Winner([]*VersionedValue{light, heavy}))
	assert.Equal(t, heavy, Winner([]*VersionedValue{heavy, light}))

	// equal weight: higher issuer id wins
	l2 := &VersionedValue{
		Value: []byte("l2"), Issuer: 0x9, Seq: 1,
		Context: vlc.ClockState{0x5: 7},
	}
	assert.Equal(t, l2, Winner([]*VersionedValue{heavy, l2}))

	// a dominating version beats everything concurrent with its past
	newer := &VersionedValue{
		Value: []byte("newer"), Issuer: 0x2, Seq: 1,
		Context: vlc.ClockState{0x1: 1, 0x9: 1, 0x5: 7},
	}
	assert.Equal(t, newer, Winner([]*VersionedValue{heavy, l2, newer}))

	assert.Nil(t, Winner(nil))
}

func TestRestart(t *testing.T) {
	dirs, clear := testdirs("sa", "sb")
	defer clear()
	ids, keys := testIdentities(t, 2)

	a := openReplica(t, dirs[0], ids[0], keys)
	v1, err := a.Put([]byte("k1"), []byte("one"))
	require.Nil(t, err)
	v2, err := a.Put([]byte("k1"), []byte("two"))
	require.Nil(t, err)
	require.Nil(t, a.Close())

	// the clock and the proof chain tip survive the restart
	a = openReplica(t, dirs[0], ids[0], keys)
	defer a.Close()
	assert.Equal(t, uint64(2), a.Clock().Get(ids[0].Node))
	v3, err := a.Put([]byte("k1"), []byte("three"))
	require.Nil(t, err)
	assert.Equal(t, uint64(3), v3.Seq)

	// the whole history replicates, including the post-restart write
	b := openReplica(t, dirs[1], ids[1], keys)
	defer b.Close()
	require.Nil(t, b.OnReceive(v1.Packet()))
	require.Nil(t, b.OnReceive(v2.Packet()))
	require.Nil(t, b.OnReceive(v3.Packet()))
	value, found, err := b.Get([]byte("k1"))
	require.Nil(t, err)
	assert.True(t, found)
	assert.Equal(t, []byte("three"), value)
}

func TestCompact(t *testing.T) {
	dirs, clear := testdirs("ga")
	defer clear()
	ids, keys := testIdentities(t, 1)

	a := openReplica(t, dirs[0], ids[0], keys)
	defer a.Close()

	_, err := a.Put([]byte("k1"), []byte("old"))
	require.Nil(t, err)
	_, err = a.Put([]byte("k1"), []byte("new"))
	require.Nil(t, err)

	versions, err := a.Versions([]byte("k1"))
	require.Nil(t, err)
	require.Equal(t, 2, len(versions))

	dropped, err := a.Compact([]byte("k1"))
	require.Nil(t, err)
	assert.Equal(t, 1, dropped)

	versions, err = a.Versions([]byte("k1"))
	require.Nil(t, err)
	require.Equal(t, 1, len(versions))
	assert.Equal(t, []byte("new"), versions[0].Value)
}

func TestReadOnlyReplica(t *testing.T) {
	dirs, clear := testdirs("roa", "rob")
	defer clear()
	ids, keys := testIdentities(t, 1)

	a := openReplica(t, dirs[0], ids[0], keys)
	defer a.Close()
	ro, err := Open(dirs[1], Options{Keys: keys})
	require.Nil(t, err)
	defer ro.Close()

	_, err = ro.Put([]byte("k1"), []byte("x"))
	assert.ErrorIs(t, err, ErrReadOnly)

	v, err := a.Put([]byte("k1"), []byte("x"))
	require.Nil(t, err)
	require.Nil(t, ro.OnReceive(v.Packet()))
	value, found, err := ro.Get([]byte("k1"))
	require.Nil(t, err)
	assert.True(t, found)
	assert.Equal(t, []byte("x"), value)
}
