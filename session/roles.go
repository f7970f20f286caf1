package session

import (
	"context"
	"errors"
	"fmt"
	"net/netip"

	"github.com/rocketbitz/nd2-go/nd"
)

// Listener is the passive side of the handshake.
type Listener interface {
	// CreateListener creates the listener object on the session adapter.
	CreateListener() error
	// Listen binds addr, an "ip:port" pair, and starts listening with a
	// backlog of one.
	Listen(ctx context.Context, addr string) error
	// GetConnectionRequest waits for an inbound request and hands it to the
	// session connector.
	GetConnectionRequest(ctx context.Context) error
	// Accept accepts the pending request on the session queue pair.
	Accept(ctx context.Context, inboundReadLimit, outboundReadLimit uint32, privateData []byte) error
	// Reject refuses the pending request, passing privateData to the peer.
	Reject(ctx context.Context, privateData []byte) error
	// ListenAddress returns the bound address, with the assigned port when
	// port 0 was requested.
	ListenAddress() netip.AddrPort
}

// Connector is the active side of the handshake.
type Connector interface {
	// Connect binds localAddr and connects to remoteAddr, an "ip:port" pair.
	Connect(ctx context.Context, localAddr, remoteAddr string, inboundReadLimit, outboundReadLimit uint32, privateData []byte) error
	// CompleteConnect finishes a connection once the peer accepted it.
	CompleteConnect(ctx context.Context) error
}

const listenBacklog = 1

type listenerRole struct{ s *Session }

type connectorRole struct{ s *Session }

var (
	_ Listener  = listenerRole{}
	_ Connector = connectorRole{}
)

// Listener returns the listening operations when the session plays
// RoleListener.
func (s *Session) Listener() (Listener, bool) {
	if s.role != RoleListener {
		return nil, false
	}
	return listenerRole{s: s}, true
}

// Connector returns the connecting operations when the session plays
// RoleConnector.
func (s *Session) Connector() (Connector, bool) {
	if s.role != RoleConnector {
		return nil, false
	}
	return connectorRole{s: s}, true
}

func (l listenerRole) CreateListener() error {
	s := l.s
	if err := s.ready(); err != nil {
		return err
	}
	ln, err := s.adapter.CreateListener()
	if err != nil {
		return fmt.Errorf("create listener: %w", err)
	}
	s.listener = ln
	return nil
}

func (l listenerRole) Listen(ctx context.Context, addr string) error {
	s := l.s
	if err := s.ready(); err != nil {
		return err
	}
	if s.listener == nil {
		return fmt.Errorf("listen: %w", nd.ErrInvalidHandle{Resource: "listener"})
	}
	if err := ensureContext(ctx).Err(); err != nil {
		return err
	}
	ap, err := netip.ParseAddrPort(addr)
	if err != nil {
		return fmt.Errorf("parse address %q: %w", addr, nd.StatusInvalidAddress)
	}
	if err := s.listener.Bind(ap); err != nil {
		return fmt.Errorf("bind listener: %w", err)
	}
	if err := s.listener.Listen(listenBacklog); err != nil {
		return fmt.Errorf("listen: %w", err)
	}
	s.record("listening", logKV(labelAddress, l.ListenAddress().String()))
	return nil
}

func (l listenerRole) ListenAddress() netip.AddrPort {
	if l.s.listener == nil {
		return netip.AddrPort{}
	}
	ap, err := l.s.listener.GetLocalAddress()
	if err != nil {
		return netip.AddrPort{}
	}
	return ap
}

func (l listenerRole) GetConnectionRequest(ctx context.Context) error {
	s := l.s
	if err := s.ready(); err != nil {
		return err
	}
	if s.listener == nil || s.connector == nil {
		return fmt.Errorf("get connection request: %w", nd.ErrInvalidHandle{Resource: "listener"})
	}
	if err := s.listener.GetConnectionRequest(s.connector, s.ov); err != nil {
		return fmt.Errorf("get connection request: %w", err)
	}
	if err := s.waitAsync(ctx); err != nil {
		return fmt.Errorf("get connection request: %w", err)
	}
	peer, _ := s.connector.GetPeerAddress()
	s.record("connection_request", logKV("peer", peer.String()))
	return nil
}

func (l listenerRole) Accept(ctx context.Context, inboundReadLimit, outboundReadLimit uint32, privateData []byte) error {
	s := l.s
	if err := s.usable(); err != nil {
		return err
	}
	if s.connector == nil {
		return fmt.Errorf("accept: %w", nd.ErrInvalidHandle{Resource: "connector"})
	}
	if err := s.connector.Accept(s.qp, inboundReadLimit, outboundReadLimit, privateData, s.ov); err != nil {
		return fmt.Errorf("accept: %w", err)
	}
	if err := s.waitAsync(ctx); err != nil {
		s.recordFailure("accept_failed", err)
		return fmt.Errorf("accept: %w", err)
	}
	s.connected()
	return nil
}

func (l listenerRole) Reject(ctx context.Context, privateData []byte) error {
	s := l.s
	if err := s.ready(); err != nil {
		return err
	}
	if err := ensureContext(ctx).Err(); err != nil {
		return err
	}
	if s.connector == nil {
		return fmt.Errorf("reject: %w", nd.ErrInvalidHandle{Resource: "connector"})
	}
	if err := s.connector.Reject(privateData); err != nil {
		return fmt.Errorf("reject: %w", err)
	}
	s.record("rejected")
	return nil
}

func (c connectorRole) Connect(ctx context.Context, localAddr, remoteAddr string, inboundReadLimit, outboundReadLimit uint32, privateData []byte) error {
	s := c.s
	if err := s.usable(); err != nil {
		return err
	}
	if s.connector == nil {
		return fmt.Errorf("connect: %w", nd.ErrInvalidHandle{Resource: "connector"})
	}
	local, err := netip.ParseAddr(localAddr)
	if err != nil {
		return fmt.Errorf("parse address %q: %w", localAddr, nd.StatusInvalidAddress)
	}
	remote, err := netip.ParseAddrPort(remoteAddr)
	if err != nil {
		return fmt.Errorf("parse address %q: %w", remoteAddr, nd.StatusInvalidAddress)
	}
	if err := s.connector.Bind(netip.AddrPortFrom(local, s.cfg.LocalPort)); err != nil {
		return fmt.Errorf("bind connector: %w", err)
	}
	if err := s.connector.Connect(s.qp, remote, inboundReadLimit, outboundReadLimit, privateData, s.ov); err != nil {
		return fmt.Errorf("connect: %w", err)
	}
	if err := s.waitAsync(ctx); err != nil {
		s.recordFailure("connect_failed", err, logKV("remote", remote.String()))
		return fmt.Errorf("connect: %w", err)
	}
	s.record("connect_replied", logKV("remote", remote.String()))
	return nil
}

func (c connectorRole) CompleteConnect(ctx context.Context) error {
	s := c.s
	if err := s.usable(); err != nil {
		return err
	}
	if s.connector == nil {
		return fmt.Errorf("complete connect: %w", nd.ErrInvalidHandle{Resource: "connector"})
	}
	if err := s.connector.CompleteConnect(s.ov); err != nil {
		return fmt.Errorf("complete connect: %w", err)
	}
	if err := s.waitAsync(ctx); err != nil {
		s.recordFailure("connect_failed", err)
		return fmt.Errorf("complete connect: %w", err)
	}
	s.connected()
	return nil
}

// Disconnect tears the connection down and waits for the disconnect to be
// delivered. Outstanding requests complete with StatusCanceled.
func (s *Session) Disconnect(ctx context.Context) error {
	if err := s.ready(); err != nil {
		return err
	}
	if s.connector == nil {
		return fmt.Errorf("disconnect: %w", nd.StatusConnectionInvalid)
	}
	if err := s.connector.Disconnect(s.ov); err != nil {
		return fmt.Errorf("disconnect: %w", err)
	}
	if err := s.waitAsync(ctx); err != nil {
		return fmt.Errorf("disconnect: %w", err)
	}
	s.record("disconnected")
	return nil
}

// PeerAddress returns the address of the connected peer.
func (s *Session) PeerAddress() (netip.AddrPort, error) {
	if s.connector == nil {
		return netip.AddrPort{}, nd.ErrInvalidHandle{Resource: "connector"}
	}
	return s.connector.GetPeerAddress()
}

// PrivateData returns the private data the peer sent during the handshake.
func (s *Session) PrivateData() []byte {
	if s.connector == nil {
		return nil
	}
	return s.connector.GetPrivateData()
}

func (s *Session) connected() {
	peer, _ := s.connector.GetPeerAddress()
	in, out, _ := s.connector.GetReadLimits()
	s.record("connected", logKV("peer", peer.String()), logKV("inbound_read_limit", in), logKV("outbound_read_limit", out))
	s.metricConnectionEstablished()
}

// waitAsync waits for the asynchronous call issued on the session overlapped.
// When ctx ends first the call is canceled and allowed to resolve.
func (s *Session) waitAsync(ctx context.Context) error {
	ctx = ensureContext(ctx)
	_, err := s.ov.Wait(ctx)
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		s.ov.Cancel()
		_, _ = s.ov.Wait(context.Background())
	}
	return err
}
