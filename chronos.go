// Package chronos is a causally consistent replicated key-value store
// built on a verifiable logical clock. Every write carries the clock
// snapshot it depended on and a signed proof chain for the issuer's
// clock history; a receiving replica verifies the proof, then delays
// the write until everything it depends on is visible locally.
package chronos

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/puzpuzpuz/xsync/v3"

	"github.com/NagaraTech/chronos/protocol"
	"github.com/NagaraTech/chronos/utils"
	"github.com/NagaraTech/chronos/vlc"
)

var (
	ErrReadOnly      = errors.New("replica has no signing identity")
	ErrAlreadyExists = errors.New("replica already exists")
)

type Options struct {
	Identity *vlc.Identity // nil for read-only replicas
	Logger   utils.Logger

	MaxPending    int           // pending buffer entry cap
	PendingTTL    time.Duration // how long before re-requesting causes
	HoseLimit     int           // per-peer outbound queue, bytes
	HoseTimeLimit time.Duration // outbound batching window
	CatchupLimit  int           // max packets per handshake reply

	Keys [][]byte // pre-known compressed public keys
}

func (o *Options) SetDefaults() {
	if o.Logger == nil {
		o.Logger = utils.NewDefaultLogger(slog.LevelInfo)
	}
	if o.MaxPending == 0 {
		o.MaxPending = 1 << 12
	}
	if o.PendingTTL == 0 {
		o.PendingTTL = 30 * time.Second
	}
	if o.HoseLimit == 0 {
		o.HoseLimit = 1 << 22
	}
	if o.HoseTimeLimit == 0 {
		o.HoseTimeLimit = 5 * time.Millisecond
	}
	if o.CatchupLimit == 0 {
		o.CatchupLimit = 1 << 16
	}
}

// Chronos is one replica: a clock, a verifier, a version store and a
// pending buffer, glued to any number of peer hoses.
type Chronos struct {
	opts Options
	log  utils.Logger

	src      vlc.NodeID
	identity *vlc.Identity

	store    *PebbleStore
	keys     *vlc.Keyring
	verifier *vlc.Verifier
	pending  *PendingBuffer

	// the single writer section: the clock may never advance past a
	// version that is not also committed, so both mutate under lock
	lock  sync.Mutex
	clock vlc.ClockState

	outq    *xsync.MapOf[string, *utils.FDQueue[protocol.Records]]
	commits *utils.FDQueue[protocol.Records]

	metrics *nodeMetrics
	wg      sync.WaitGroup
	closed  atomic.Bool
	done    chan struct{}
}

// Create initializes a brand new replica; it refuses a directory that
// already holds one. Open both creates and reopens.
func Create(dir string, opts Options) (*Chronos, error) {
	if _, err := os.Stat(filepath.Join(dir, "CURRENT")); err == nil {
		return nil, ErrAlreadyExists
	}
	return Open(dir, opts)
}

func Open(dir string, opts Options) (*Chronos, error) {
	opts.SetDefaults()

	store, err := OpenStore(dir)
	if err != nil {
		return nil, err
	}

	keys := vlc.NewKeyring()
	for _, pub := range opts.Keys {
		if _, err := keys.Register(pub); err != nil {
			_ = store.Close()
			return nil, err
		}
	}
	var src vlc.NodeID
	if opts.Identity != nil {
		if src, err = keys.Register(opts.Identity.PubKey()); err != nil {
			_ = store.Close()
			return nil, err
		}
	}

	c := &Chronos{
		opts:     opts,
		log:      opts.Logger,
		src:      src,
		identity: opts.Identity,
		store:    store,
		keys:     keys,
		verifier: vlc.NewVerifier(keys, nil),
		pending:  NewPendingBuffer(opts.MaxPending, opts.PendingTTL),
		outq:     xsync.NewMapOf[string, *utils.FDQueue[protocol.Records]](),
		commits:  utils.NewFDQueue[protocol.Records](0, 0, 0),
		metrics:  newNodeMetrics(),
		done:     make(chan struct{}),
	}

	if c.clock, err = store.LoadClock(); err != nil {
		_ = store.Close()
		return nil, err
	}
	if err = store.LoadAcceptances(c.verifier.Restore); err != nil {
		_ = store.Close()
		return nil, err
	}

	c.wg.Add(2)
	go c.keepPromoting()
	go c.keepAsking()

	return c, nil
}

func (c *Chronos) Close() error {
	if !c.closed.CompareAndSwap(false, true) {
		return ErrClosed
	}
	close(c.done)
	_ = c.commits.Close()
	c.outq.Range(func(name string, q *utils.FDQueue[protocol.Records]) bool {
		_ = q.Close()
		return true
	})
	c.outq.Clear()
	c.wg.Wait()
	return c.store.Close()
}

func (c *Chronos) Source() vlc.NodeID { return c.src }

func (c *Chronos) Keyring() *vlc.Keyring { return c.keys }

func (c *Chronos) Store() *PebbleStore { return c.store }

// Clock returns a snapshot of the node's clock.
func (c *Chronos) Clock() vlc.ClockState {
	c.lock.Lock()
	defer c.lock.Unlock()
	return c.clock.Clone()
}

// Put issues a local write: snapshot the clock as the causal context,
// tick, sign a new proof step and commit, all in one writer section.
// The returned value is already broadcast to every hose.
func (c *Chronos) Put(key, value []byte) (*VersionedValue, error) {
	if c.identity == nil {
		return nil, ErrReadOnly
	}
	c.lock.Lock()
	defer c.lock.Unlock()

	ctx := c.clock.Clone()
	next := ctx.Clone()
	seq, err := next.Tick(c.src)
	if err != nil {
		return nil, err
	}
	step, err := vlc.NewStep(c.verifier.Accepted(c.src).Tip, next, c.identity)
	if err != nil {
		return nil, err
	}
	v := &VersionedValue{
		Key:     key,
		Value:   value,
		Context: ctx,
		Issuer:  c.src,
		Seq:     seq,
		Proof:   &vlc.Proof{Issuer: c.src, Steps: []vlc.ProofStep{step}},
	}
	if err := c.commitLocked(v, ""); err != nil {
		return nil, err
	}
	return v, nil
}

// Get returns the causally-latest visible value of the key. With
// concurrent versions present the winner is picked by the documented
// deterministic tiebreak (see Winner), the same on every replica.
func (c *Chronos) Get(key []byte) ([]byte, bool, error) {
	v, err := c.GetVersion(key)
	if v == nil || err != nil {
		return nil, false, err
	}
	return v.Value, true, nil
}

func (c *Chronos) GetVersion(key []byte) (*VersionedValue, error) {
	versions, err := c.store.Versions(key)
	if err != nil {
		return nil, err
	}
	return Winner(versions), nil
}

// Versions returns the whole visible set for the key.
func (c *Chronos) Versions(key []byte) ([]*VersionedValue, error) {
	return c.store.Versions(key)
}

// Scan visits every key with the given prefix and its committed
// versions, in hash order rather than key order.
func (c *Chronos) Scan(prefix []byte, fn func(key []byte, versions []*VersionedValue) error) error {
	return c.store.ScanPrefix(prefix, fn)
}

// Compact garbage-collects versions of the key that are causally
// dominated by a newer committed version and referenced by no pending
// value.
func (c *Chronos) Compact(key []byte) (int, error) {
	return c.store.CompactKey(key, c.pending.References)
}

// Winner is the conflict resolution policy. Among versions not
// causally dominated by another, the one with the highest causal
// weight (the Lamport reduction of its effective clock) wins; ties
// break by issuer id, then by sequence, both descending. Replicas
// holding the same version set therefore always agree.
func Winner(versions []*VersionedValue) *VersionedValue {
	var best *VersionedValue
	var bestWeight uint64
	for _, v := range versions {
		if isDominated(v, versions) {
			continue
		}
		w := v.Effective().Reduce()
		if best == nil || w > bestWeight ||
			(w == bestWeight && (v.Issuer > best.Issuer ||
				(v.Issuer == best.Issuer && v.Seq > best.Seq))) {
			best, bestWeight = v, w
		}
	}
	return best
}

// AddPacketHose opens a named outbound queue that receives every
// committed packet. The returned feeder is what a transport pumps to
// the peer.
func (c *Chronos) AddPacketHose(name string) protocol.FeedCloser {
	queue := utils.NewFDQueue[protocol.Records](c.opts.HoseLimit, c.opts.HoseTimeLimit, 0)
	if old, ok := c.outq.LoadAndStore(name, queue); ok && old != nil {
		c.log.Warn("closing the old hose", "name", name)
		_ = old.Close()
	}
	return queue
}

func (c *Chronos) RemovePacketHose(name string) error {
	q, ok := c.outq.LoadAndDelete(name)
	if !ok {
		return ErrClosed
	}
	return q.Close()
}

// Boundary is the node's transport-facing surface: committed packets
// go out through Broadcast, peer packets come in through OnReceive.
// Delivery may be at-least-once, duplicated and reordered; the
// admission path tolerates all of that.
type Boundary interface {
	Broadcast(recs protocol.Records, except string)
	OnReceive(packet []byte) error
}

var _ Boundary = (*Chronos)(nil)

// Broadcast fans records out to every hose but one (usually the
// sender's).
func (c *Chronos) Broadcast(recs protocol.Records, except string) {
	c.outq.Range(func(name string, q *utils.FDQueue[protocol.Records]) bool {
		if name == except {
			return true
		}
		if err := q.Drain(context.Background(), recs); err != nil {
			c.log.Warn("dropping the hose", "name", name, "err", err)
			c.outq.Delete(name)
			_ = q.Close()
		}
		return true
	})
}

func (c *Chronos) drainTo(name string, recs protocol.Records) {
	if q, ok := c.outq.Load(name); ok {
		if err := q.Drain(context.Background(), recs); err != nil {
			c.log.Warn("reply hose failed", "name", name, "err", err)
		}
	}
}

// Handshake builds this node's H packet.
func (c *Chronos) Handshake() []byte {
	return HandshakePacket(c.src, c.Clock(), c.keys)
}
