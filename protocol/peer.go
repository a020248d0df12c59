package protocol

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net"
	"sync"
	"sync/atomic"
)

// Peer pumps records between one net.Conn and the node core.
// Reading and writing run on their own goroutines; whichever fails
// first takes the connection down.
type Peer struct {
	closed atomic.Bool
	wg     sync.WaitGroup

	conn  net.Conn
	inout FeedDrainCloserTraced
}

func (p *Peer) GetTraceId() string {
	return p.inout.GetTraceId()
}

func (p *Peer) keepRead(ctx context.Context) error {
	var buf bytes.Buffer
	for !p.closed.Load() {
		if buf.Available() < TypicalMTU {
			buf.Grow(TypicalMTU)
		}
		idle := buf.AvailableBuffer()[:buf.Available()]
		n, err := p.conn.Read(idle)
		if err != nil {
			if errors.Is(err, io.EOF) {
				// the remote closed cleanly; the peer is done
				return nil
			}
			return err
		}
		buf.Write(idle[:n])

		recs, err := Split(&buf)
		if err != nil && !errors.Is(err, ErrIncomplete) {
			return err
		}
		if len(recs) == 0 {
			continue
		}
		if err := p.inout.Drain(ctx, recs); err != nil {
			return err
		}
	}
	return nil
}

func (p *Peer) keepWrite(ctx context.Context) error {
	for !p.closed.Load() {
		recs, err := p.inout.Feed(ctx)
		if err != nil {
			return err
		}
		b := net.Buffers(recs)
		for len(b) > 0 {
			if _, err = b.WriteTo(p.conn); err != nil {
				return err
			}
		}
	}
	return nil
}

// Keep runs the peer until either direction fails or the context ends.
func (p *Peer) Keep(ctx context.Context) (rerr, werr, cerr error) {
	p.wg.Add(2) // read & write
	defer p.wg.Add(-2)

	if p.closed.Load() {
		return nil, nil, nil
	}

	readErrCh, writeErrCh := make(chan error, 1), make(chan error, 1)
	go func() { readErrCh <- p.keepRead(ctx) }()
	go func() { writeErrCh <- p.keepWrite(ctx) }()

	for i := 0; i < 2; i++ {
		select {
		case rerr = <-readErrCh:
			if errors.Is(rerr, net.ErrClosed) {
				// we probably closed it ourselves
				rerr = nil
			}
			// the writer may be parked in Feed; closing the queue
			// wakes it
			_ = p.inout.Close()
		case werr = <-writeErrCh:
			// closing the conn cancels the blocked reader
			cerr = p.conn.Close()
		}
		p.closed.Store(true)
	}
	return
}

// Close unblocks both pumps before waiting for them, otherwise a
// reader parked in conn.Read or a writer parked in Feed would keep
// Keep from ever returning.
func (p *Peer) Close() {
	if p.closed.CompareAndSwap(false, true) {
		if p.conn != nil {
			p.conn.Close()
		}
		_ = p.inout.Close()
	}
	p.wg.Wait()
}
