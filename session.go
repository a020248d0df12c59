package chronos

import (
	"context"
	"crypto/tls"

	"github.com/google/uuid"

	"github.com/NagaraTech/chronos/protocol"
)

// peerSession ties one network peer to the node: Feed pulls commits
// from the peer's hose, Drain pushes the peer's packets through
// admission.
type peerSession struct {
	node  *Chronos
	name  string
	trace string
	feed  protocol.FeedCloser
}

var _ protocol.FeedDrainCloserTraced = (*peerSession)(nil)

func (s *peerSession) Feed(ctx context.Context) (protocol.Records, error) {
	return s.feed.Feed(ctx)
}

func (s *peerSession) Drain(ctx context.Context, recs protocol.Records) error {
	return s.node.receive(s.name, recs)
}

func (s *peerSession) Close() error {
	return s.node.RemovePacketHose(s.name)
}

func (s *peerSession) GetTraceId() string {
	return s.trace
}

// NewSession opens a hose for the named peer, primes it with our
// handshake and returns the session for the transport to pump. Used
// as the protocol.Net install callback.
func (c *Chronos) NewSession(name string) protocol.FeedDrainCloserTraced {
	feed := c.AddPacketHose(name)
	c.drainTo(name, protocol.Records{c.Handshake()})
	return &peerSession{
		node:  c,
		name:  name,
		trace: uuid.NewString(),
		feed:  feed,
	}
}

// Network wires the node to a TCP/TLS transport. Peer addresses are
// remembered in the store, so ReOpen restores them after a restart.
type Network struct {
	node *Chronos
	net  *protocol.Net
}

func (c *Chronos) OpenNetwork(tlsConfig *tls.Config) *Network {
	n := protocol.NewNet(c.log, tlsConfig,
		func(name string) protocol.FeedDrainCloserTraced {
			return c.NewSession(name)
		},
		func(name string, p protocol.Traced) {
			c.log.Info("peer gone", "name", name, "trace", p.GetTraceId())
		})
	return &Network{node: c, net: n}
}

func (nw *Network) Listen(ctx context.Context, addr string) error {
	if err := nw.net.Listen(ctx, addr); err != nil {
		return err
	}
	return nw.node.store.RememberPeer(addr, 'L')
}

func (nw *Network) Connect(ctx context.Context, addr string) error {
	if err := nw.net.Connect(ctx, addr); err != nil {
		return err
	}
	return nw.node.store.RememberPeer(addr, 'C')
}

func (nw *Network) Unlisten(addr string) error {
	if err := nw.node.store.ForgetPeer(addr); err != nil {
		return err
	}
	return nw.net.Unlisten(addr)
}

func (nw *Network) Disconnect(addr string) error {
	if err := nw.node.store.ForgetPeer(addr); err != nil {
		return err
	}
	return nw.net.Disconnect(addr)
}

// ReOpen resumes every listen and connect address remembered in the
// store.
func (nw *Network) ReOpen(ctx context.Context) error {
	listens, connects, err := nw.node.store.Peers()
	if err != nil {
		return err
	}
	for _, addr := range listens {
		if err := nw.net.Listen(ctx, addr); err != nil {
			nw.node.log.Error("cannot listen", "addr", addr, "err", err)
		}
	}
	for _, addr := range connects {
		if err := nw.net.Connect(ctx, addr); err != nil {
			nw.node.log.Error("cannot connect", "addr", addr, "err", err)
		}
	}
	return nil
}

func (nw *Network) Close() error {
	return nw.net.Close()
}
