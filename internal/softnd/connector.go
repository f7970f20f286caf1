package softnd

import (
	"errors"
	"net"
	"net/netip"
	"os"
	"sync"
	"syscall"
	"time"
)

type connState uint8

const (
	connIdle connState = iota
	connConnecting
	connReplied
	connRequested
	connAccepting
	connActive
	connDisconnected
	connClosed
)

// Connector drives one connection from either side: outbound with Connect
// and CompleteConnect, or inbound with Accept after a listener hands it a
// request.
type Connector struct {
	adapter *Adapter

	mu         sync.Mutex
	state      connState
	local      netip.AddrPort
	peer       netip.AddrPort
	conn       net.Conn
	link       *link
	qp         *QueuePair
	peerParams connParams
	disconnOv  *Overlapped
}

// CreateConnector creates an idle connector.
func (a *Adapter) CreateConnector() (*Connector, Status) {
	if st := a.usable(); st != StatusSuccess {
		return nil, st
	}
	return &Connector{adapter: a}, StatusSuccess
}

// Bind fixes the local address used by Connect. The address must be the
// adapter's; port zero selects an ephemeral port.
func (c *Connector) Bind(addr netip.AddrPort) Status {
	if addr.Addr() != c.adapter.addr {
		return StatusInvalidAddress
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != connIdle {
		return StatusInvalidDeviceState
	}
	c.local = addr
	return StatusSuccess
}

// Connect starts an outbound connection for qp. ov completes once the peer
// accepts or rejects; a rejection completes with StatusConnectionRefused.
func (c *Connector) Connect(qp *QueuePair, remote netip.AddrPort, inboundReadLimit, outboundReadLimit uint32, privateData []byte, ov *Overlapped) Status {
	if qp == nil || qp.adapter != c.adapter {
		return StatusInvalidParameter
	}
	if !remote.IsValid() || !remote.Addr().Is4() || remote.Port() == 0 {
		return StatusInvalidAddress
	}
	if uint32(len(privateData)) > c.adapter.info.MaxCallerData {
		return StatusInvalidBufferSize
	}
	if inboundReadLimit > c.adapter.info.MaxInboundReadLimit || outboundReadLimit > c.adapter.info.MaxOutboundReadLimit {
		return StatusInvalidParameter
	}
	c.mu.Lock()
	if c.state != connIdle {
		c.mu.Unlock()
		return StatusConnectionActive
	}
	if st := ov.begin(c.cancelPending); st != StatusPending {
		c.mu.Unlock()
		return st
	}
	local := c.local
	if !local.IsValid() {
		local = netip.AddrPortFrom(c.adapter.addr, 0)
	}
	c.state = connConnecting
	c.qp = qp
	c.mu.Unlock()

	params := connParams{inboundReadLimit: inboundReadLimit, outboundReadLimit: outboundReadLimit, privateData: privateData}
	ov.completeAsync(func() (Status, uint64) {
		st := c.dial(local, remote, params)
		c.mu.Lock()
		if st != StatusSuccess && c.state == connConnecting {
			c.state = connIdle
			c.qp = nil
		}
		c.mu.Unlock()
		return st, 0
	})
	return StatusPending
}

func (c *Connector) dial(local, remote netip.AddrPort, params connParams) Status {
	dialer := net.Dialer{
		LocalAddr: net.TCPAddrFromAddrPort(local),
		Timeout:   c.adapter.opts.DialTimeout,
	}
	conn, err := dialer.Dial("tcp4", remote.String())
	if err != nil {
		return dialStatus(err)
	}
	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()

	_ = conn.SetDeadline(time.Now().Add(c.adapter.opts.DialTimeout))
	if err := writeFrame(conn, &frame{op: opConnRequest, payload: params.encode()}); err != nil {
		_ = conn.Close()
		return dialStatus(err)
	}
	reply, err := readFrame(conn, c.adapter.info.MaxCalleeData+8)
	if err != nil {
		_ = conn.Close()
		return dialStatus(err)
	}
	_ = conn.SetDeadline(time.Time{})

	switch reply.op {
	case opConnReply:
		peerParams, err := decodeConnParams(reply.payload)
		if err != nil {
			_ = conn.Close()
			return StatusConnectionInvalid
		}
		c.mu.Lock()
		defer c.mu.Unlock()
		if c.state != connConnecting {
			_ = conn.Close()
			return StatusCanceled
		}
		c.peerParams = peerParams
		c.peer = addrPortOf(conn.RemoteAddr())
		c.local = addrPortOf(conn.LocalAddr())
		c.state = connReplied
		return StatusSuccess
	case opReject:
		_ = conn.Close()
		c.mu.Lock()
		c.peerParams = connParams{privateData: append([]byte(nil), reply.payload...)}
		c.conn = nil
		c.mu.Unlock()
		return StatusConnectionRefused
	default:
		_ = conn.Close()
		return StatusConnectionInvalid
	}
}

// CompleteConnect finishes an outbound connection after Connect succeeded.
func (c *Connector) CompleteConnect(ov *Overlapped) Status {
	c.mu.Lock()
	if c.state != connReplied {
		c.mu.Unlock()
		return StatusConnectionInvalid
	}
	if st := ov.begin(nil); st != StatusPending {
		c.mu.Unlock()
		return st
	}
	conn := c.conn
	qp := c.qp
	c.mu.Unlock()

	ov.completeAsync(func() (Status, uint64) {
		if err := writeFrame(conn, &frame{op: opReadyToUse}); err != nil {
			_ = conn.Close()
			c.fail()
			return StatusConnectionInvalid, 0
		}
		return c.activate(conn, qp), 0
	})
	return StatusPending
}

// Accept accepts the request handed over by Listener.GetConnectionRequest.
// ov completes once the initiator confirms.
func (c *Connector) Accept(qp *QueuePair, inboundReadLimit, outboundReadLimit uint32, privateData []byte, ov *Overlapped) Status {
	if qp == nil || qp.adapter != c.adapter {
		return StatusInvalidParameter
	}
	if uint32(len(privateData)) > c.adapter.info.MaxCalleeData {
		return StatusInvalidBufferSize
	}
	c.mu.Lock()
	if c.state != connRequested {
		c.mu.Unlock()
		return StatusConnectionInvalid
	}
	if st := ov.begin(c.cancelPending); st != StatusPending {
		c.mu.Unlock()
		return st
	}
	c.state = connAccepting
	c.qp = qp
	conn := c.conn
	c.mu.Unlock()

	params := connParams{inboundReadLimit: inboundReadLimit, outboundReadLimit: outboundReadLimit, privateData: privateData}
	ov.completeAsync(func() (Status, uint64) {
		_ = conn.SetDeadline(time.Now().Add(c.adapter.opts.DialTimeout))
		if err := writeFrame(conn, &frame{op: opConnReply, payload: params.encode()}); err != nil {
			_ = conn.Close()
			c.fail()
			return StatusConnectionInvalid, 0
		}
		rtu, err := readFrame(conn, 0)
		if err != nil || rtu.op != opReadyToUse {
			_ = conn.Close()
			c.fail()
			return StatusConnectionInvalid, 0
		}
		_ = conn.SetDeadline(time.Time{})
		return c.activate(conn, qp), 0
	})
	return StatusPending
}

// Reject refuses the pending inbound request, passing privateData to the
// initiator.
func (c *Connector) Reject(privateData []byte) Status {
	if uint32(len(privateData)) > c.adapter.info.MaxCalleeData {
		return StatusInvalidBufferSize
	}
	c.mu.Lock()
	if c.state != connRequested {
		c.mu.Unlock()
		return StatusConnectionInvalid
	}
	conn := c.conn
	c.conn = nil
	c.state = connIdle
	c.mu.Unlock()

	_ = conn.SetDeadline(time.Now().Add(c.adapter.opts.DialTimeout))
	err := writeFrame(conn, &frame{op: opReject, payload: privateData})
	_ = conn.Close()
	if err != nil {
		return StatusConnectionInvalid
	}
	return StatusSuccess
}

func (c *Connector) activate(conn net.Conn, qp *QueuePair) Status {
	l := newLink(conn, c.adapter.info.MaxTransferLength)
	if st := qp.attach(l); st != StatusSuccess {
		l.abort()
		c.fail()
		return st
	}
	c.mu.Lock()
	if c.state == connClosed {
		c.mu.Unlock()
		qp.detach(l)
		l.abort()
		return StatusCanceled
	}
	c.link = l
	c.state = connActive
	c.mu.Unlock()
	go l.readLoop(func(f *frame) bool { return qp.handle(l, f) }, func() { c.peerGone(l) })
	return StatusSuccess
}

func (c *Connector) fail() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == connClosed {
		return
	}
	c.state = connDisconnected
	c.conn = nil
}

func (c *Connector) cancelPending() {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn != nil {
		_ = conn.Close()
	}
}

// peerGone runs when the reader stops: the peer disconnected or the socket
// failed.
func (c *Connector) peerGone(l *link) {
	c.mu.Lock()
	qp := c.qp
	var notify *Overlapped
	if c.link == l && c.state == connActive {
		c.state = connDisconnected
		notify = c.disconnOv
		c.disconnOv = nil
	}
	c.mu.Unlock()
	if qp != nil {
		qp.detach(l)
	}
	l.abort()
	if notify != nil {
		notify.complete(StatusSuccess, 0)
	}
}

// Disconnect tears the connection down gracefully. Outstanding requests on
// the queue pair complete with StatusCanceled.
func (c *Connector) Disconnect(ov *Overlapped) Status {
	c.mu.Lock()
	if c.state != connActive {
		c.mu.Unlock()
		return StatusConnectionInvalid
	}
	if st := ov.begin(nil); st != StatusPending {
		c.mu.Unlock()
		return st
	}
	l := c.link
	qp := c.qp
	notify := c.disconnOv
	c.disconnOv = nil
	c.state = connDisconnected
	c.mu.Unlock()

	qp.detach(l)
	written := l.shutdown()
	if notify != nil {
		notify.complete(StatusCanceled, 0)
	}
	ov.completeAsync(func() (Status, uint64) {
		<-written
		return StatusSuccess, 0
	})
	return StatusPending
}

// NotifyDisconnect completes ov when the peer disconnects.
func (c *Connector) NotifyDisconnect(ov *Overlapped) Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != connActive {
		return StatusConnectionInvalid
	}
	if c.disconnOv != nil {
		return StatusDeviceBusy
	}
	if st := ov.begin(func() {
		c.mu.Lock()
		armed := c.disconnOv
		c.disconnOv = nil
		c.mu.Unlock()
		if armed != nil {
			armed.complete(StatusCanceled, 0)
		}
	}); st != StatusPending {
		return st
	}
	c.disconnOv = ov
	return StatusPending
}

// GetReadLimits returns the peer's inbound and outbound read limits.
func (c *Connector) GetReadLimits() (inbound, outbound uint32, st Status) {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch c.state {
	case connReplied, connRequested, connAccepting, connActive:
		return c.peerParams.inboundReadLimit, c.peerParams.outboundReadLimit, StatusSuccess
	}
	return 0, 0, StatusConnectionInvalid
}

// GetPrivateData returns the private data the peer sent with its request,
// reply or rejection.
func (c *Connector) GetPrivateData() []byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]byte(nil), c.peerParams.privateData...)
}

// GetLocalAddress returns the local endpoint of the connection.
func (c *Connector) GetLocalAddress() (netip.AddrPort, Status) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.local.IsValid() {
		return netip.AddrPort{}, StatusInvalidDeviceState
	}
	return c.local, StatusSuccess
}

// GetPeerAddress returns the remote endpoint of the connection.
func (c *Connector) GetPeerAddress() (netip.AddrPort, Status) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.peer.IsValid() {
		return netip.AddrPort{}, StatusConnectionInvalid
	}
	return c.peer, StatusSuccess
}

// Close aborts any connection and releases the connector.
func (c *Connector) Close() Status {
	c.mu.Lock()
	if c.state == connClosed {
		c.mu.Unlock()
		return StatusSuccess
	}
	prev := c.state
	c.state = connClosed
	l := c.link
	conn := c.conn
	qp := c.qp
	notify := c.disconnOv
	c.disconnOv = nil
	c.link = nil
	c.conn = nil
	c.mu.Unlock()

	if l != nil {
		if qp != nil {
			qp.detach(l)
		}
		if prev == connActive {
			select {
			case <-l.shutdown():
			case <-time.After(c.adapter.opts.DialTimeout):
				l.abort()
			}
		} else {
			l.abort()
		}
	} else if conn != nil {
		_ = conn.Close()
	}
	if notify != nil {
		notify.complete(StatusCanceled, 0)
	}
	return StatusSuccess
}

func (c *Connector) acceptRequest(conn net.Conn, params connParams) Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != connIdle {
		_ = conn.Close()
		return StatusCanceled
	}
	c.conn = conn
	c.peerParams = params
	c.peer = addrPortOf(conn.RemoteAddr())
	c.local = addrPortOf(conn.LocalAddr())
	c.state = connRequested
	return StatusSuccess
}

// Listener accepts inbound connection requests on one address.
type Listener struct {
	adapter *Adapter

	mu        sync.Mutex
	ln        net.Listener
	requests  chan inboundRequest
	done      chan struct{}
	listening bool
	closed    bool
}

type inboundRequest struct {
	conn   net.Conn
	params connParams
}

// CreateListener creates an unbound listener.
func (a *Adapter) CreateListener() (*Listener, Status) {
	if st := a.usable(); st != StatusSuccess {
		return nil, st
	}
	return &Listener{adapter: a, done: make(chan struct{})}, StatusSuccess
}

// Bind binds the listener to addr, which must use the adapter's IP.
func (l *Listener) Bind(addr netip.AddrPort) Status {
	if addr.Addr() != l.adapter.addr {
		return StatusInvalidAddress
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed || l.ln != nil {
		return StatusInvalidDeviceState
	}
	ln, err := net.Listen("tcp4", addr.String())
	if err != nil {
		if errors.Is(err, syscall.EADDRINUSE) {
			return StatusConnectionActive
		}
		return StatusInvalidAddress
	}
	l.ln = ln
	return StatusSuccess
}

// Listen starts accepting requests. Up to backlog requests wait for
// GetConnectionRequest; further ones are refused. A zero backlog admits one.
func (l *Listener) Listen(backlog uint32) Status {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.ln == nil || l.closed {
		return StatusInvalidDeviceState
	}
	if l.listening {
		return StatusSuccess
	}
	l.requests = make(chan inboundRequest, max(backlog, 1))
	l.listening = true
	go l.acceptLoop(l.ln)
	return StatusSuccess
}

func (l *Listener) acceptLoop(ln net.Listener) {
	for {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		go l.admit(conn)
	}
}

// admit reads the connection request on conn and queues it, or refuses it
// when the backlog is full.
func (l *Listener) admit(conn net.Conn) {
	_ = conn.SetDeadline(time.Now().Add(l.adapter.opts.DialTimeout))
	req, err := readFrame(conn, l.adapter.info.MaxCallerData+8)
	if err != nil || req.op != opConnRequest {
		_ = conn.Close()
		return
	}
	params, err := decodeConnParams(req.payload)
	if err != nil {
		_ = conn.Close()
		return
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.closed {
		select {
		case l.requests <- inboundRequest{conn: conn, params: params}:
			_ = conn.SetDeadline(time.Time{})
			return
		default:
		}
	}
	_ = writeFrame(conn, &frame{op: opReject})
	_ = conn.Close()
}

// queued returns the number of requests waiting for GetConnectionRequest.
func (l *Listener) queued() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.requests)
}

// GetLocalAddress returns the bound address, including an assigned port.
func (l *Listener) GetLocalAddress() (netip.AddrPort, Status) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.ln == nil {
		return netip.AddrPort{}, StatusInvalidDeviceState
	}
	return addrPortOf(l.ln.Addr()), StatusSuccess
}

// GetConnectionRequest hands the next queued request to connector. ov
// completes with StatusCanceled if the listener closes or the call is
// canceled first.
func (l *Listener) GetConnectionRequest(connector *Connector, ov *Overlapped) Status {
	if connector == nil || connector.adapter != l.adapter {
		return StatusInvalidParameter
	}
	l.mu.Lock()
	if !l.listening || l.closed {
		l.mu.Unlock()
		return StatusInvalidDeviceState
	}
	requests := l.requests
	l.mu.Unlock()

	connector.mu.Lock()
	if connector.state != connIdle {
		connector.mu.Unlock()
		return StatusConnectionActive
	}
	connector.mu.Unlock()

	canceled := make(chan struct{})
	var once sync.Once
	if st := ov.begin(func() { once.Do(func() { close(canceled) }) }); st != StatusPending {
		return st
	}
	ov.completeAsync(func() (Status, uint64) {
		select {
		case req := <-requests:
			return connector.acceptRequest(req.conn, req.params), 0
		case <-canceled:
			return StatusCanceled, 0
		case <-l.done:
			return StatusCanceled, 0
		}
	})
	return StatusPending
}

// Close stops listening and closes queued requests. A pending
// GetConnectionRequest completes with StatusCanceled.
func (l *Listener) Close() Status {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return StatusSuccess
	}
	l.closed = true
	l.listening = false
	close(l.done)
	if l.ln != nil {
		_ = l.ln.Close()
	}
	for {
		select {
		case req := <-l.requests:
			_ = req.conn.Close()
		default:
			return StatusSuccess
		}
	}
}

func addrPortOf(addr net.Addr) netip.AddrPort {
	if tcp, ok := addr.(*net.TCPAddr); ok {
		ap := tcp.AddrPort()
		return netip.AddrPortFrom(ap.Addr().Unmap(), ap.Port())
	}
	return netip.AddrPort{}
}

func dialStatus(err error) Status {
	var ne net.Error
	switch {
	case errors.Is(err, syscall.ECONNREFUSED):
		return StatusConnectionRefused
	case errors.Is(err, syscall.ENETUNREACH), errors.Is(err, syscall.EHOSTUNREACH):
		return StatusNetworkUnreachable
	case errors.Is(err, os.ErrDeadlineExceeded):
		return StatusIOTimeout
	case errors.As(err, &ne) && ne.Timeout():
		return StatusIOTimeout
	case errors.Is(err, net.ErrClosed):
		return StatusCanceled
	default:
		return StatusUnsuccessful
	}
}
