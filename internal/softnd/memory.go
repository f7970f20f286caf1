package softnd

import "sync"

// MRFlag mirrors the ND_MR_FLAG_* registration flags.
type MRFlag uint32

const (
	MRAllowLocalWrite  MRFlag = 0x00000001
	MRAllowRemoteRead  MRFlag = 0x00000002
	MRAllowRemoteWrite MRFlag = 0x00000005
	MRReadSink         MRFlag = 0x00000008
)

// OpFlag mirrors the ND_OP_FLAG_* request flags.
type OpFlag uint32

const (
	OpSilentSuccess       OpFlag = 0x00000001
	OpReadFence           OpFlag = 0x00000002
	OpSendAndSolicitEvent OpFlag = 0x00000004
	OpAllowRead           OpFlag = 0x00000008
	OpAllowWrite          OpFlag = 0x00000010
	OpInline              OpFlag = 0x00000020
)

type mrState uint8

const (
	mrIdle mrState = iota
	mrRegistering
	mrRegistered
	mrDeregistering
)

// MemoryRegion is a registration of a Go-owned buffer with the adapter.
// Remote and provider access to the buffer holds mu for reading; deregistration
// takes it for writing, so it drains in-flight transfers before completing.
type MemoryRegion struct {
	adapter *Adapter

	mu      sync.RWMutex
	state   mrState
	buf     []byte
	flags   MRFlag
	token   uint32
	windows int
}

// CreateMemoryRegion creates an unregistered region.
func (a *Adapter) CreateMemoryRegion() (*MemoryRegion, Status) {
	if st := a.usable(); st != StatusSuccess {
		return nil, st
	}
	return &MemoryRegion{adapter: a}, StatusSuccess
}

// Register registers buf. It always completes through ov and returns
// StatusPending unless the request is rejected up front.
func (mr *MemoryRegion) Register(buf []byte, flags MRFlag, ov *Overlapped) Status {
	if st := mr.adapter.usable(); st != StatusSuccess {
		return st
	}
	if len(buf) == 0 || uint64(len(buf)) > mr.adapter.info.MaxRegistrationSize {
		return StatusInvalidBufferSize
	}
	mr.mu.Lock()
	if mr.state != mrIdle {
		mr.mu.Unlock()
		return StatusInvalidDeviceState
	}
	if st := ov.begin(nil); st != StatusPending {
		mr.mu.Unlock()
		return st
	}
	mr.state = mrRegistering
	mr.mu.Unlock()

	ov.completeAsync(func() (Status, uint64) {
		token := mr.adapter.allocToken()
		var access accessMask
		if flags&MRAllowRemoteRead == MRAllowRemoteRead {
			access |= accessRemoteRead
		}
		if flags&MRAllowRemoteWrite == MRAllowRemoteWrite {
			access |= accessRemoteWrite
		}
		mr.mu.Lock()
		mr.buf = buf
		mr.flags = flags
		mr.token = token
		mr.state = mrRegistered
		mr.mu.Unlock()
		mr.adapter.publish(token, &target{region: mr, buf: buf, access: access})
		return StatusSuccess, 0
	})
	return StatusPending
}

// Deregister revokes the region's token and releases the buffer once
// in-flight transfers drain. Regions with bound windows are refused.
func (mr *MemoryRegion) Deregister(ov *Overlapped) Status {
	mr.mu.Lock()
	if mr.state != mrRegistered {
		mr.mu.Unlock()
		return StatusInvalidDeviceState
	}
	if mr.windows > 0 {
		mr.mu.Unlock()
		return StatusDeviceBusy
	}
	if st := ov.begin(nil); st != StatusPending {
		mr.mu.Unlock()
		return st
	}
	mr.state = mrDeregistering
	token := mr.token
	mr.mu.Unlock()
	mr.adapter.revoke(token)

	ov.completeAsync(func() (Status, uint64) {
		mr.mu.Lock()
		mr.buf = nil
		mr.flags = 0
		mr.token = 0
		mr.state = mrIdle
		mr.mu.Unlock()
		return StatusSuccess, 0
	})
	return StatusPending
}

// Registered reports whether the region currently holds a registration.
func (mr *MemoryRegion) Registered() bool {
	mr.mu.RLock()
	defer mr.mu.RUnlock()
	return mr.state == mrRegistered
}

// LocalToken returns the token used in local SGEs.
func (mr *MemoryRegion) LocalToken() uint32 {
	mr.mu.RLock()
	defer mr.mu.RUnlock()
	return mr.token
}

// RemoteToken returns the token a peer presents for remote access.
func (mr *MemoryRegion) RemoteToken() uint32 {
	return mr.LocalToken()
}

// Buffer returns the registered buffer.
func (mr *MemoryRegion) Buffer() []byte {
	mr.mu.RLock()
	defer mr.mu.RUnlock()
	return mr.buf
}

// Flags returns the flags the region was registered with.
func (mr *MemoryRegion) Flags() MRFlag {
	mr.mu.RLock()
	defer mr.mu.RUnlock()
	return mr.flags
}

// ReadAt copies region contents at off into p while holding the region lock,
// so the copy never interleaves with a transfer applied by the provider.
func (mr *MemoryRegion) ReadAt(p []byte, off int) int {
	mr.mu.RLock()
	defer mr.mu.RUnlock()
	if off < 0 || off >= len(mr.buf) {
		return 0
	}
	return copy(p, mr.buf[off:])
}

// access runs fn while the region is registered and cannot drain.
func (mr *MemoryRegion) access(fn func()) Status {
	mr.mu.RLock()
	defer mr.mu.RUnlock()
	if mr.state != mrRegistered && mr.state != mrDeregistering {
		return StatusAccessViolation
	}
	fn()
	return StatusSuccess
}

// MemoryWindow grants remote access to a sub-range of a region under its own
// token. Each bind issues a new token.
type MemoryWindow struct {
	adapter *Adapter

	mu     sync.Mutex
	bound  bool
	region *MemoryRegion
	buf    []byte
	token  uint32
}

// CreateMemoryWindow creates an unbound window.
func (a *Adapter) CreateMemoryWindow() (*MemoryWindow, Status) {
	if st := a.usable(); st != StatusSuccess {
		return nil, st
	}
	return &MemoryWindow{adapter: a}, StatusSuccess
}

// RemoteToken returns the token of the current binding, or zero when unbound.
func (mw *MemoryWindow) RemoteToken() uint32 {
	mw.mu.Lock()
	defer mw.mu.Unlock()
	if !mw.bound {
		return 0
	}
	return mw.token
}

// Bound reports whether the window is bound.
func (mw *MemoryWindow) Bound() bool {
	mw.mu.Lock()
	defer mw.mu.Unlock()
	return mw.bound
}

func (mw *MemoryWindow) bind(mr *MemoryRegion, buf []byte, flags OpFlag) Status {
	if mw.adapter != mr.adapter {
		return StatusInvalidParameter
	}
	mw.mu.Lock()
	defer mw.mu.Unlock()
	if mw.bound {
		return StatusInvalidDeviceState
	}
	mr.mu.Lock()
	defer mr.mu.Unlock()
	if mr.state != mrRegistered {
		return StatusInvalidDeviceState
	}
	if len(buf) == 0 || !within(mr.buf, buf) {
		return StatusAccessViolation
	}
	var access accessMask
	if flags&OpAllowRead != 0 {
		access |= accessRemoteRead
	}
	if flags&OpAllowWrite != 0 {
		access |= accessRemoteWrite
	}
	token := mw.adapter.allocToken()
	mr.windows++
	mw.bound = true
	mw.region = mr
	mw.buf = buf
	mw.token = token
	mw.adapter.publish(token, &target{region: mr, window: mw, buf: buf, access: access})
	return StatusSuccess
}

func (mw *MemoryWindow) invalidate() Status {
	mw.mu.Lock()
	defer mw.mu.Unlock()
	if !mw.bound {
		return StatusInvalidDeviceState
	}
	mw.adapter.revoke(mw.token)
	mw.region.mu.Lock()
	mw.region.windows--
	mw.region.mu.Unlock()
	mw.bound = false
	mw.region = nil
	mw.buf = nil
	return StatusSuccess
}
