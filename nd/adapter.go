package nd

import (
	"net/netip"

	"github.com/rocketbitz/nd2-go/internal/softnd"
)

// AdapterInfo describes the limits of an open adapter.
type AdapterInfo = softnd.AdapterInfo

// AdapterOptions tunes provider limits and quirks. Zero values select the
// provider defaults.
type AdapterOptions = softnd.Options

// Adapter is an open ND2 adapter bound to one local IPv4 address.
type Adapter struct {
	handle *softnd.Adapter
}

// OpenAdapter opens the adapter that owns addr. Addresses that are not local
// IPv4 addresses fail with StatusInvalidAddress.
func OpenAdapter(addr netip.Addr, opts AdapterOptions) (*Adapter, error) {
	h, st := softnd.OpenAdapter(addr, opts)
	if err := st.Err(); err != nil {
		return nil, err
	}
	return &Adapter{handle: h}, nil
}

// QueryAddressList returns the local IPv4 addresses an adapter can open on.
func QueryAddressList() []netip.Addr {
	return softnd.QueryAddressList()
}

// Address returns the address the adapter is bound to.
func (a *Adapter) Address() netip.Addr {
	if a == nil || a.handle == nil {
		return netip.Addr{}
	}
	return a.handle.Address()
}

// Query returns the adapter limits.
func (a *Adapter) Query() (AdapterInfo, error) {
	if a == nil || a.handle == nil {
		return AdapterInfo{}, ErrInvalidHandle{"adapter"}
	}
	info, st := a.handle.Query()
	return info, st.Err()
}

// CreateCompletionQueue creates a completion queue of the given depth.
func (a *Adapter) CreateCompletionQueue(depth uint32) (*CompletionQueue, error) {
	if a == nil || a.handle == nil {
		return nil, ErrInvalidHandle{"adapter"}
	}
	h, st := a.handle.CreateCompletionQueue(depth)
	if err := st.Err(); err != nil {
		return nil, err
	}
	return &CompletionQueue{handle: h}, nil
}

// QueuePairAttr sizes a queue pair. Both sub-queues report to CompletionQueue.
type QueuePairAttr struct {
	CompletionQueue *CompletionQueue
	Context         uintptr
	ReceiveDepth    uint32
	InitiatorDepth  uint32
	ReceiveSge      uint32
	InitiatorSge    uint32
	InlineThreshold uint32
}

// CreateQueuePair creates a queue pair from attr.
func (a *Adapter) CreateQueuePair(attr QueuePairAttr) (*QueuePair, error) {
	if a == nil || a.handle == nil {
		return nil, ErrInvalidHandle{"adapter"}
	}
	if attr.CompletionQueue == nil || attr.CompletionQueue.handle == nil {
		return nil, ErrInvalidHandle{"completion queue"}
	}
	h, st := a.handle.CreateQueuePair(attr.CompletionQueue.handle, attr.Context,
		attr.ReceiveDepth, attr.InitiatorDepth, attr.ReceiveSge, attr.InitiatorSge, attr.InlineThreshold)
	if err := st.Err(); err != nil {
		return nil, err
	}
	return &QueuePair{handle: h}, nil
}

// CreateMemoryRegion creates an unregistered memory region.
func (a *Adapter) CreateMemoryRegion() (*MemoryRegion, error) {
	if a == nil || a.handle == nil {
		return nil, ErrInvalidHandle{"adapter"}
	}
	h, st := a.handle.CreateMemoryRegion()
	if err := st.Err(); err != nil {
		return nil, err
	}
	return &MemoryRegion{handle: h}, nil
}

// CreateMemoryWindow creates an unbound memory window.
func (a *Adapter) CreateMemoryWindow() (*MemoryWindow, error) {
	if a == nil || a.handle == nil {
		return nil, ErrInvalidHandle{"adapter"}
	}
	h, st := a.handle.CreateMemoryWindow()
	if err := st.Err(); err != nil {
		return nil, err
	}
	return &MemoryWindow{handle: h}, nil
}

// CreateConnector creates an idle connector.
func (a *Adapter) CreateConnector() (*Connector, error) {
	if a == nil || a.handle == nil {
		return nil, ErrInvalidHandle{"adapter"}
	}
	h, st := a.handle.CreateConnector()
	if err := st.Err(); err != nil {
		return nil, err
	}
	return &Connector{handle: h}, nil
}

// CreateListener creates an unbound listener.
func (a *Adapter) CreateListener() (*Listener, error) {
	if a == nil || a.handle == nil {
		return nil, ErrInvalidHandle{"adapter"}
	}
	h, st := a.handle.CreateListener()
	if err := st.Err(); err != nil {
		return nil, err
	}
	return &Listener{handle: h}, nil
}

// Close releases the adapter handle.
func (a *Adapter) Close() error {
	if a == nil || a.handle == nil {
		return nil
	}
	err := a.handle.Close().Err()
	a.handle = nil
	return err
}
