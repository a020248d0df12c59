package protocol

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/NagaraTech/chronos/utils"
	"github.com/google/uuid"
	"github.com/puzpuzpuz/xsync/v3"
)

const (
	TypicalMTU = 1500

	MaxRetryPeriod = time.Minute
	MinRetryPeriod = time.Second / 2
)

var (
	ErrAddressInvalid    = errors.New("the address invalid")
	ErrAddressDuplicated = errors.New("the address already used")
	ErrAddressUnknown    = errors.New("address unknown")
	ErrDisconnected      = errors.New("disconnected by user")
)

type InstallCallback func(name string) FeedDrainCloserTraced
type DestroyCallback func(name string, p Traced)

// Net keeps long-lived TCP/TLS connections for real-time record
// exchange. Unlike a request-response server it constantly fans tiny
// packets both ways, so a slow receiver must never delay the others;
// every peer gets its own queue pair through the install callback.
type Net struct {
	closed atomic.Bool

	wg        sync.WaitGroup
	log       utils.Logger
	onInstall InstallCallback
	onDestroy DestroyCallback

	conns   *xsync.MapOf[string, *Peer]
	listens *xsync.MapOf[string, net.Listener]

	TlsConfig *tls.Config
}

func NewNet(log utils.Logger, tlsConfig *tls.Config, install InstallCallback, destroy DestroyCallback) *Net {
	return &Net{
		log:       log,
		conns:     xsync.NewMapOf[string, *Peer](),
		listens:   xsync.NewMapOf[string, net.Listener](),
		onInstall: install,
		onDestroy: destroy,
		TlsConfig: tlsConfig,
	}
}

func (n *Net) Close() error {
	n.closed.Store(true)

	n.listens.Range(func(_ string, v net.Listener) bool {
		if v != nil {
			v.Close()
		}
		return true
	})
	n.listens.Clear()

	n.conns.Range(func(_ string, p *Peer) bool {
		// can be nil while a connect attempt is still in flight
		if p != nil {
			p.Close()
		}
		return true
	})
	n.conns.Clear()

	n.wg.Wait()
	return nil
}

func (n *Net) Connect(ctx context.Context, addr string) (err error) {
	// the nil placeholder keeps Connect from racing itself
	if _, ok := n.conns.LoadOrStore(addr, nil); ok {
		return ErrAddressDuplicated
	}

	n.wg.Add(1)
	go func() {
		n.keepConnecting(ctx, addr)
		n.wg.Done()
	}()

	return nil
}

func (n *Net) Disconnect(addr string) (err error) {
	conn, ok := n.conns.LoadAndDelete(addr)
	if !ok {
		return ErrAddressUnknown
	}
	if conn != nil {
		conn.Close()
	}
	return nil
}

func (n *Net) Listen(ctx context.Context, addr string) error {
	if _, ok := n.listens.LoadOrStore(addr, nil); ok {
		return ErrAddressDuplicated
	}

	listener, err := n.createListener(addr)
	if err != nil {
		n.listens.Delete(addr)
		return err
	}
	n.listens.Store(addr, listener)
	n.log.Info("net: listening", "addr", addr)

	n.wg.Add(1)
	go func() {
		n.keepListening(ctx, addr)
		n.wg.Done()
	}()

	return nil
}

func (n *Net) Unlisten(addr string) error {
	listener, ok := n.listens.LoadAndDelete(addr)
	if !ok {
		return ErrAddressUnknown
	}
	return listener.Close()
}

func (n *Net) keepConnecting(ctx context.Context, addr string) {
	period := MinRetryPeriod

	for !n.closed.Load() {
		conn, err := n.createConn(ctx, addr)
		if err == nil {
			period = MinRetryPeriod
			n.keepPeer(ctx, addr, conn)
		} else {
			n.log.Debug("net: connect failed", "addr", addr, "err", err)
		}

		if _, ok := n.conns.Load(addr); !ok {
			return // explicitly disconnected
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(period):
		}
		period = min(period*2, MaxRetryPeriod)
	}
}

func (n *Net) keepListening(ctx context.Context, addr string) {
	for !n.closed.Load() {
		listener, ok := n.listens.Load(addr)
		if !ok || listener == nil {
			break
		}

		conn, err := listener.Accept()
		if err != nil {
			if !errors.Is(err, net.ErrClosed) {
				n.log.Error("net: accept failed", "addr", addr, "err", err)
			}
			break
		}

		remote := conn.RemoteAddr().String()
		if _, ok := n.conns.LoadOrStore(remote, nil); ok {
			conn.Close()
			continue
		}

		n.wg.Add(1)
		go func() {
			n.keepPeer(ctx, remote, conn)
			n.conns.Delete(remote)
			n.wg.Done()
		}()
	}

	if l, ok := n.listens.LoadAndDelete(addr); ok && l != nil {
		l.Close()
	}
}

func (n *Net) keepPeer(ctx context.Context, name string, conn net.Conn) {
	trace := uuid.New().String()
	inout := n.onInstall(name)
	peer := &Peer{conn: conn, inout: inout}
	n.conns.Store(name, peer)

	n.log.Info("net: peer up", "name", name, "trace", trace)
	rerr, werr, cerr := peer.Keep(ctx)
	if rerr != nil || werr != nil || cerr != nil {
		n.log.Debug("net: peer down", "name", name, "trace", trace,
			"rerr", rerr, "werr", werr, "cerr", cerr)
	}
	peer.Close()
	n.onDestroy(name, peer)
}

func (n *Net) createListener(addr string) (net.Listener, error) {
	scheme, hostport, ok := strings.Cut(addr, "://")
	if !ok {
		scheme, hostport = "tcp", addr
	}
	switch scheme {
	case "tcp":
		return net.Listen("tcp", hostport)
	case "tls":
		if n.TlsConfig == nil {
			return nil, fmt.Errorf("%w: no TLS config", ErrAddressInvalid)
		}
		return tls.Listen("tcp", hostport, n.TlsConfig)
	default:
		return nil, fmt.Errorf("%w: scheme %q", ErrAddressInvalid, scheme)
	}
}

func (n *Net) createConn(ctx context.Context, addr string) (net.Conn, error) {
	scheme, hostport, ok := strings.Cut(addr, "://")
	if !ok {
		scheme, hostport = "tcp", addr
	}
	d := net.Dialer{Timeout: MaxRetryPeriod}
	switch scheme {
	case "tcp":
		return d.DialContext(ctx, "tcp", hostport)
	case "tls":
		td := tls.Dialer{NetDialer: &d, Config: n.TlsConfig}
		return td.DialContext(ctx, "tcp", hostport)
	default:
		return nil, fmt.Errorf("%w: scheme %q", ErrAddressInvalid, scheme)
	}
}
