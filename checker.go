package chronos

import (
	"context"
	"errors"
	"time"

	"github.com/NagaraTech/chronos/protocol"
	"github.com/NagaraTech/chronos/vlc"
)

// CheckState tracks a received value through admission.
type CheckState byte

const (
	Received CheckState = iota
	Verifying
	Rejected
	WaitingOnDeps
	Committed
)

func (s CheckState) String() string {
	switch s {
	case Received:
		return "received"
	case Verifying:
		return "verifying"
	case Rejected:
		return "rejected"
	case WaitingOnDeps:
		return "waiting-on-deps"
	case Committed:
		return "committed"
	default:
		return "unknown"
	}
}

// Drain lets a transport inject raw packets; network peers feed here.
func (c *Chronos) Drain(ctx context.Context, recs protocol.Records) error {
	return c.receive("", recs)
}

// OnReceive admits one packet from an unnamed source.
func (c *Chronos) OnReceive(packet []byte) error {
	return c.receive("", protocol.Records{packet})
}

func (c *Chronos) receive(from string, recs protocol.Records) error {
	if c.closed.Load() {
		return ErrClosed
	}
	for _, packet := range recs {
		lit, body, rest, err := protocol.TakeAnyWary(packet)
		if err != nil || len(rest) > 0 {
			return protocol.ErrBadRecord
		}
		switch lit {
		case 'M':
			err = c.receiveMessage(from, body)
		case 'H':
			err = c.receiveHandshake(from, body)
		case 'Q':
			err = c.receiveWant(from, body)
		default:
			// tolerate packet types this version does not know
			c.log.Warn("unsupported packet, skipping", "lit", string(lit), "from", from)
		}
		if err != nil {
			return err
		}
	}
	return nil
}

func (c *Chronos) receiveMessage(from string, body []byte) error {
	v, err := ParseMessage(body)
	if err != nil {
		c.log.Warn("malformed message", "from", from, "err", err)
		return err
	}
	id := v.ID()
	c.log.Debug("message", "id", id.String(), "key", string(v.Key), "state", Received.String())

	if c.seen(id) {
		c.metrics.duplicates.Inc()
		c.log.Debug("message", "id", id.String(), "state", "duplicate")
		return nil
	}

	// stateless proof check first: a value whose history does not
	// verify never enters the pending buffer
	if err := c.verifier.Check(v.Proof, v.Effective()); err != nil {
		c.reject(id, err)
		return nil
	}

	// the unmet set is computed and the value buffered under the lock
	// commits take, so a dependency committing concurrently either
	// already shows in the clock here or finds this entry buffered
	// when its Satisfy pass runs
	c.lock.Lock()
	unmet := c.unmetDepsLocked(v)
	if len(unmet) > 0 {
		evicted, added := c.pending.Add(v, unmet)
		c.lock.Unlock()
		if !added {
			c.metrics.duplicates.Inc()
			return nil
		}
		c.log.Debug("message", "id", id.String(), "state", WaitingOnDeps.String(),
			"unmet", len(unmet))
		c.metrics.buffered.Inc()
		if len(evicted) > 0 {
			// evicted values are lost; ask the network to resend them
			lost := make([]vlc.ID, 0, len(evicted))
			for _, e := range evicted {
				c.metrics.evictions.Inc()
				c.log.Warn("pending buffer full, evicting", "id", e.ID().String())
				lost = append(lost, e.ID())
			}
			c.Broadcast(protocol.Records{WantPacket(lost)}, "")
		}
		return nil
	}

	defer c.lock.Unlock()
	if c.clock.Get(id.Src) >= id.Seq { // lost a race with the promoter
		c.metrics.duplicates.Inc()
		return nil
	}
	if err := c.commitLocked(v, from); err != nil {
		if errors.Is(err, vlc.ErrProofInvalid) {
			c.reject(id, err)
			return nil
		}
		return err
	}
	return nil
}

// seen reports whether the value is already committed or pending.
// Commits advance the clock one step at a time per issuer, so clock
// coverage and "committed" coincide exactly. Rejection is stateless
// on purpose: remembering a rejected id would let one corrupted copy
// censor a later intact packet with the same id.
func (c *Chronos) seen(id vlc.ID) bool {
	if c.pending.Has(id) {
		return true
	}
	c.lock.Lock()
	defer c.lock.Unlock()
	return c.clock.Get(id.Src) >= id.Seq
}

func (c *Chronos) reject(id vlc.ID, err error) {
	c.metrics.rejections.Inc()
	c.log.Warn("message", "id", id.String(), "state", Rejected.String(), "err", err)
}

// unmetDepsLocked lists the causal coordinates the local clock does
// not cover yet. The issuer's own predecessor counts even when the
// context omits it. Caller holds c.lock.
func (c *Chronos) unmetDepsLocked(v *VersionedValue) []vlc.ID {
	var unmet []vlc.ID
	for _, dep := range v.Context.IDs() {
		if dep.Seq > 0 && c.clock.Get(dep.Src) < dep.Seq {
			unmet = append(unmet, dep)
		}
	}
	if v.Seq > 1 && v.Context.Get(v.Issuer) < v.Seq-1 && c.clock.Get(v.Issuer) < v.Seq-1 {
		unmet = append(unmet, vlc.ID{Src: v.Issuer, Seq: v.Seq - 1})
	}
	return unmet
}

// commitLocked makes a verified, causally ready value durable: one
// batch merges the version in, advances the node clock and records
// the issuer's new accepted tip. Held under c.lock so the clock and
// the acceptance state move together.
func (c *Chronos) commitLocked(v *VersionedValue, from string) error {
	effective := v.Effective()
	if err := c.verifier.Advance(v.Proof, effective); err != nil {
		return err
	}

	batch := c.store.DB().NewBatch()
	defer batch.Close()
	if err := c.store.MergeVersion(batch, v); err != nil {
		return err
	}
	if err := c.store.MergeClock(batch, effective); err != nil {
		return err
	}
	if err := c.store.SetAcceptance(batch, v.Issuer, c.verifier.Accepted(v.Issuer)); err != nil {
		return err
	}
	if err := c.store.Apply(batch); err != nil {
		return err
	}

	c.clock.Absorb(effective)
	c.metrics.commits.Inc()
	id := v.ID()
	c.log.Debug("message", "id", id.String(), "state", Committed.String())

	c.Broadcast(protocol.Records{v.Packet()}, from)
	return c.commits.Drain(context.Background(), protocol.Records{id.ZipBytes()})
}

// keepPromoting re-examines the pending buffer after every commit:
// each newly available coordinate may make buffered values ready,
// and their commits cascade in turn.
func (c *Chronos) keepPromoting() {
	defer c.wg.Done()
	for {
		recs, err := c.commits.Feed(context.Background())
		if err != nil {
			return
		}
		for _, rec := range recs {
			id := vlc.IDFromZipBytes(rec)
			for _, v := range c.pending.Satisfy(id) {
				c.promote(v)
			}
		}
	}
}

func (c *Chronos) promote(v *VersionedValue) {
	c.lock.Lock()
	defer c.lock.Unlock()
	if c.clock.Get(v.Issuer) >= v.Seq {
		c.metrics.duplicates.Inc()
		return
	}
	if err := c.commitLocked(v, ""); err != nil {
		if errors.Is(err, vlc.ErrProofInvalid) {
			c.reject(v.ID(), err)
			return
		}
		c.log.Error("promotion failed", "id", v.ID().String(), "err", err)
		return
	}
	c.metrics.promotions.Inc()
}

// keepAsking periodically requests retransmission of causes that
// pending values have been waiting on for too long.
func (c *Chronos) keepAsking() {
	defer c.wg.Done()
	period := c.opts.PendingTTL / 2
	if period <= 0 {
		period = time.Second
	}
	ticker := time.NewTicker(period)
	defer ticker.Stop()
	for {
		select {
		case <-c.done:
			return
		case now := <-ticker.C:
			overdue := c.pending.Overdue(now)
			if len(overdue) == 0 {
				continue
			}
			c.log.Debug("requesting retransmission", "ids", len(overdue))
			c.Broadcast(protocol.Records{WantPacket(overdue)}, "")
		}
	}
}

func (c *Chronos) receiveHandshake(from string, body []byte) error {
	src, clock, err := ParseHandshake(body, c.keys)
	if err != nil {
		c.log.Warn("malformed handshake", "from", from, "err", err)
		return err
	}
	c.log.Info("handshake", "from", from, "src", src.String(), "clock", clock.String())
	missing, err := c.store.MissingSince(clock, c.opts.CatchupLimit)
	if err != nil {
		return err
	}
	if len(missing) > 0 {
		c.log.Info("catching the peer up", "from", from, "packets", len(missing))
		c.drainTo(from, missing)
	}
	return nil
}

func (c *Chronos) receiveWant(from string, body []byte) error {
	ids, err := ParseWant(body)
	if err != nil {
		c.log.Warn("malformed want", "from", from, "err", err)
		return err
	}
	var found protocol.Records
	for _, id := range ids {
		packet, err := c.store.Packet(id)
		if err != nil {
			continue
		}
		found = append(found, packet)
	}
	if len(found) > 0 {
		c.drainTo(from, found)
	}
	return nil
}
