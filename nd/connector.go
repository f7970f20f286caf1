package nd

import (
	"net/netip"

	"github.com/rocketbitz/nd2-go/internal/softnd"
)

// Connector establishes one connection, outbound through Connect and
// CompleteConnect or inbound through Accept.
type Connector struct {
	handle *softnd.Connector
}

// Bind fixes the local address for a later Connect.
func (c *Connector) Bind(addr netip.AddrPort) error {
	if c == nil || c.handle == nil {
		return ErrInvalidHandle{"connector"}
	}
	return c.handle.Bind(addr).Err()
}

// Connect starts connecting qp to remote. The reply or rejection resolves
// through ov; a rejection resolves with StatusConnectionRefused.
func (c *Connector) Connect(qp *QueuePair, remote netip.AddrPort, inboundReadLimit, outboundReadLimit uint32, privateData []byte, ov *Overlapped) error {
	if c == nil || c.handle == nil {
		return ErrInvalidHandle{"connector"}
	}
	if qp == nil || qp.handle == nil {
		return ErrInvalidHandle{"queue pair"}
	}
	return posted(c.handle.Connect(qp.handle, remote, inboundReadLimit, outboundReadLimit, privateData, ov.raw()))
}

// CompleteConnect confirms an accepted outbound connection.
func (c *Connector) CompleteConnect(ov *Overlapped) error {
	if c == nil || c.handle == nil {
		return ErrInvalidHandle{"connector"}
	}
	return posted(c.handle.CompleteConnect(ov.raw()))
}

// Accept accepts the request delivered by Listener.GetConnectionRequest.
func (c *Connector) Accept(qp *QueuePair, inboundReadLimit, outboundReadLimit uint32, privateData []byte, ov *Overlapped) error {
	if c == nil || c.handle == nil {
		return ErrInvalidHandle{"connector"}
	}
	if qp == nil || qp.handle == nil {
		return ErrInvalidHandle{"queue pair"}
	}
	return posted(c.handle.Accept(qp.handle, inboundReadLimit, outboundReadLimit, privateData, ov.raw()))
}

// Reject refuses the delivered request.
func (c *Connector) Reject(privateData []byte) error {
	if c == nil || c.handle == nil {
		return ErrInvalidHandle{"connector"}
	}
	return c.handle.Reject(privateData).Err()
}

// Disconnect tears the connection down. Outstanding requests are flushed.
func (c *Connector) Disconnect(ov *Overlapped) error {
	if c == nil || c.handle == nil {
		return ErrInvalidHandle{"connector"}
	}
	return posted(c.handle.Disconnect(ov.raw()))
}

// NotifyDisconnect resolves ov when the peer disconnects.
func (c *Connector) NotifyDisconnect(ov *Overlapped) error {
	if c == nil || c.handle == nil {
		return ErrInvalidHandle{"connector"}
	}
	return posted(c.handle.NotifyDisconnect(ov.raw()))
}

// GetReadLimits returns the read limits the peer announced.
func (c *Connector) GetReadLimits() (inbound, outbound uint32, err error) {
	if c == nil || c.handle == nil {
		return 0, 0, ErrInvalidHandle{"connector"}
	}
	inbound, outbound, st := c.handle.GetReadLimits()
	return inbound, outbound, st.Err()
}

// GetPrivateData returns the private data the peer sent.
func (c *Connector) GetPrivateData() []byte {
	if c == nil || c.handle == nil {
		return nil
	}
	return c.handle.GetPrivateData()
}

// GetLocalAddress returns the local endpoint.
func (c *Connector) GetLocalAddress() (netip.AddrPort, error) {
	if c == nil || c.handle == nil {
		return netip.AddrPort{}, ErrInvalidHandle{"connector"}
	}
	addr, st := c.handle.GetLocalAddress()
	return addr, st.Err()
}

// GetPeerAddress returns the remote endpoint.
func (c *Connector) GetPeerAddress() (netip.AddrPort, error) {
	if c == nil || c.handle == nil {
		return netip.AddrPort{}, ErrInvalidHandle{"connector"}
	}
	addr, st := c.handle.GetPeerAddress()
	return addr, st.Err()
}

// Close aborts any connection and releases the connector.
func (c *Connector) Close() error {
	if c == nil || c.handle == nil {
		return nil
	}
	err := c.handle.Close().Err()
	c.handle = nil
	return err
}

// Listener accepts inbound connection requests.
type Listener struct {
	handle *softnd.Listener
}

// Bind binds the listener to addr. Port zero picks an ephemeral port.
func (l *Listener) Bind(addr netip.AddrPort) error {
	if l == nil || l.handle == nil {
		return ErrInvalidHandle{"listener"}
	}
	return l.handle.Bind(addr).Err()
}

// Listen starts accepting connection requests.
func (l *Listener) Listen(backlog uint32) error {
	if l == nil || l.handle == nil {
		return ErrInvalidHandle{"listener"}
	}
	return l.handle.Listen(backlog).Err()
}

// GetLocalAddress returns the bound address including the assigned port.
func (l *Listener) GetLocalAddress() (netip.AddrPort, error) {
	if l == nil || l.handle == nil {
		return netip.AddrPort{}, ErrInvalidHandle{"listener"}
	}
	addr, st := l.handle.GetLocalAddress()
	return addr, st.Err()
}

// GetConnectionRequest hands the next inbound request to connector. The
// arrival resolves through ov.
func (l *Listener) GetConnectionRequest(connector *Connector, ov *Overlapped) error {
	if l == nil || l.handle == nil {
		return ErrInvalidHandle{"listener"}
	}
	if connector == nil || connector.handle == nil {
		return ErrInvalidHandle{"connector"}
	}
	return posted(l.handle.GetConnectionRequest(connector.handle, ov.raw()))
}

// Close stops listening.
func (l *Listener) Close() error {
	if l == nil || l.handle == nil {
		return nil
	}
	err := l.handle.Close().Err()
	l.handle = nil
	return err
}
