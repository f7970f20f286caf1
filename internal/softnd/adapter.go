package softnd

import (
	"net"
	"net/netip"
	"sync"
	"sync/atomic"
	"time"
	"unsafe"

	"github.com/cespare/xxhash/v2"
)

// Default adapter limits reported by Query when Options leaves them unset.
const (
	DefaultMaxCompletionQueueDepth = 4096
	DefaultMaxQueueDepth           = 1024
	DefaultMaxSge                  = 16
	DefaultMaxInlineDataSize       = 256
	DefaultMaxTransferLength       = 16 << 20
	DefaultMaxReadLimit            = 16
	DefaultMaxCallerData           = 56
	DefaultMaxCalleeData           = 148
	DefaultLargeRequestThreshold   = 64 << 10
	DefaultDialTimeout             = 10 * time.Second
)

// AdapterInfo mirrors ND2_ADAPTER_INFO.
type AdapterInfo struct {
	InfoVersion                uint32
	VendorID                   uint16
	DeviceID                   uint16
	AdapterID                  uint64
	MaxRegistrationSize        uint64
	MaxWindowSize              uint64
	MaxInitiatorSge            uint32
	MaxReceiveSge              uint32
	MaxReadSge                 uint32
	MaxTransferLength          uint32
	MaxInlineDataSize          uint32
	MaxInboundReadLimit        uint32
	MaxOutboundReadLimit       uint32
	MaxReceiveQueueDepth       uint32
	MaxInitiatorQueueDepth     uint32
	MaxSharedReceiveQueueDepth uint32
	MaxCompletionQueueDepth    uint32
	InlineRequestThreshold     uint32
	LargeRequestThreshold      uint32
	MaxCallerData              uint32
	MaxCalleeData              uint32
	AdapterFlags               uint32
}

// Options tunes the limits and quirks of an opened adapter.
type Options struct {
	MaxCompletionQueueDepth uint32
	MaxQueueDepth           uint32
	MaxSge                  uint32
	MaxInlineDataSize       uint32
	MaxTransferLength       uint32
	// RegionWriteImpliesRead lets remote reads through a region token that
	// was registered with remote write access only.
	RegionWriteImpliesRead bool
	DialTimeout            time.Duration
}

// Adapter is an open provider instance bound to one local IPv4 address.
type Adapter struct {
	addr   netip.Addr
	info   AdapterInfo
	opts   Options
	closed atomic.Bool

	nextToken atomic.Uint32

	mu      sync.RWMutex
	targets map[uint32]*target
}

type accessMask uint8

const (
	accessRemoteRead accessMask = 1 << iota
	accessRemoteWrite
)

// target is a token's view of registered memory.
type target struct {
	region *MemoryRegion
	window *MemoryWindow
	buf    []byte
	access accessMask
}

// OpenAdapter opens the adapter bound to addr. Only local IPv4 addresses are
// accepted.
func OpenAdapter(addr netip.Addr, opts Options) (*Adapter, Status) {
	if !addr.Is4() || addr.IsUnspecified() {
		return nil, StatusInvalidAddress
	}
	if !isLocalAddress(addr) {
		return nil, StatusInvalidAddress
	}
	if opts.DialTimeout <= 0 {
		opts.DialTimeout = DefaultDialTimeout
	}
	a := &Adapter{
		addr:    addr,
		opts:    opts,
		targets: make(map[uint32]*target),
	}
	a.info = buildInfo(addr, opts)
	// Tokens start away from zero so an unset token never resolves.
	a.nextToken.Store(0x100)
	return a, StatusSuccess
}

func buildInfo(addr netip.Addr, opts Options) AdapterInfo {
	cqDepth := orDefault(opts.MaxCompletionQueueDepth, DefaultMaxCompletionQueueDepth)
	qDepth := orDefault(opts.MaxQueueDepth, DefaultMaxQueueDepth)
	sge := orDefault(opts.MaxSge, DefaultMaxSge)
	inline := orDefault(opts.MaxInlineDataSize, DefaultMaxInlineDataSize)
	transfer := orDefault(opts.MaxTransferLength, DefaultMaxTransferLength)
	return AdapterInfo{
		InfoVersion:                2,
		VendorID:                   0x1af4,
		DeviceID:                   0x0002,
		AdapterID:                  xxhash.Sum64String(addr.String()) | 1,
		MaxRegistrationSize:        1 << 40,
		MaxWindowSize:              1 << 40,
		MaxInitiatorSge:            sge,
		MaxReceiveSge:              sge,
		MaxReadSge:                 sge,
		MaxTransferLength:          transfer,
		MaxInlineDataSize:          inline,
		MaxInboundReadLimit:        DefaultMaxReadLimit,
		MaxOutboundReadLimit:       DefaultMaxReadLimit,
		MaxReceiveQueueDepth:       qDepth,
		MaxInitiatorQueueDepth:     qDepth,
		MaxSharedReceiveQueueDepth: 0,
		MaxCompletionQueueDepth:    cqDepth,
		InlineRequestThreshold:     inline,
		LargeRequestThreshold:      DefaultLargeRequestThreshold,
		MaxCallerData:              DefaultMaxCallerData,
		MaxCalleeData:              DefaultMaxCalleeData,
	}
}

func orDefault(v, def uint32) uint32 {
	if v == 0 {
		return def
	}
	return v
}

func isLocalAddress(addr netip.Addr) bool {
	if addr.IsLoopback() {
		return true
	}
	for _, local := range QueryAddressList() {
		if local == addr {
			return true
		}
	}
	return false
}

// QueryAddressList returns the local IPv4 addresses an adapter can be opened on.
func QueryAddressList() []netip.Addr {
	ifaceAddrs, err := net.InterfaceAddrs()
	if err != nil {
		return nil
	}
	out := make([]netip.Addr, 0, len(ifaceAddrs))
	for _, ia := range ifaceAddrs {
		ipnet, ok := ia.(*net.IPNet)
		if !ok {
			continue
		}
		addr, ok := netip.AddrFromSlice(ipnet.IP)
		if !ok {
			continue
		}
		addr = addr.Unmap()
		if addr.Is4() {
			out = append(out, addr)
		}
	}
	return out
}

// Address returns the local address the adapter is bound to.
func (a *Adapter) Address() netip.Addr {
	return a.addr
}

// Query returns the adapter limits.
func (a *Adapter) Query() (AdapterInfo, Status) {
	if a.closed.Load() {
		return AdapterInfo{}, StatusInvalidDeviceState
	}
	return a.info, StatusSuccess
}

// Close releases the adapter. Objects created from it stop accepting new work.
func (a *Adapter) Close() Status {
	if !a.closed.CompareAndSwap(false, true) {
		return StatusSuccess
	}
	a.mu.Lock()
	a.targets = make(map[uint32]*target)
	a.mu.Unlock()
	return StatusSuccess
}

func (a *Adapter) usable() Status {
	if a == nil || a.closed.Load() {
		return StatusInvalidDeviceState
	}
	return StatusSuccess
}

func (a *Adapter) allocToken() uint32 {
	return a.nextToken.Add(1)
}

func (a *Adapter) publish(token uint32, t *target) {
	a.mu.Lock()
	a.targets[token] = t
	a.mu.Unlock()
}

func (a *Adapter) revoke(token uint32) {
	a.mu.Lock()
	delete(a.targets, token)
	a.mu.Unlock()
}

func (a *Adapter) lookup(token uint32) *target {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.targets[token]
}

// resolveRemote maps a remote address and token onto a slice of registered
// memory, checking the requested access.
func (a *Adapter) resolveRemote(token uint32, addr uint64, length int, want accessMask) (*target, []byte, Status) {
	t := a.lookup(token)
	if t == nil {
		return nil, nil, StatusAccessViolation
	}
	granted := t.access
	if t.window == nil && a.opts.RegionWriteImpliesRead && granted&accessRemoteWrite != 0 {
		granted |= accessRemoteRead
	}
	if granted&want != want {
		return nil, nil, StatusAccessViolation
	}
	if length == 0 {
		return t, nil, StatusSuccess
	}
	base := uint64(bufferAddress(t.buf))
	if addr < base || addr+uint64(length) > base+uint64(len(t.buf)) || addr+uint64(length) < addr {
		return nil, nil, StatusAccessViolation
	}
	off := int(addr - base)
	return t, t.buf[off : off+length], StatusSuccess
}

// resolveLocal checks that buf lies inside the region identified by a local
// token.
func (a *Adapter) resolveLocal(token uint32, buf []byte) (*MemoryRegion, Status) {
	t := a.lookup(token)
	if t == nil || t.window != nil {
		return nil, StatusAccessViolation
	}
	if len(buf) == 0 {
		return t.region, StatusSuccess
	}
	if !within(t.buf, buf) {
		return nil, StatusAccessViolation
	}
	return t.region, StatusSuccess
}

func bufferAddress(buf []byte) uintptr {
	if len(buf) == 0 {
		return 0
	}
	return uintptr(unsafe.Pointer(unsafe.SliceData(buf)))
}

func within(outer, inner []byte) bool {
	if len(inner) == 0 {
		return true
	}
	ob := bufferAddress(outer)
	ib := bufferAddress(inner)
	return ib >= ob && ib+uintptr(len(inner)) <= ob+uintptr(len(outer))
}
