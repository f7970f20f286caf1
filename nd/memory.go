package nd

import (
	"context"
	"unsafe"

	"github.com/rocketbitz/nd2-go/internal/softnd"
)

// MRFlag controls the access granted by a memory registration.
type MRFlag = softnd.MRFlag

const (
	// MRAllowLocalWrite lets the provider write into the region, as receive and read sinks do.
	MRAllowLocalWrite = softnd.MRAllowLocalWrite
	// MRAllowRemoteRead lets peers read the region through its remote token.
	MRAllowRemoteRead = softnd.MRAllowRemoteRead
	// MRAllowRemoteWrite lets peers write the region through its remote token. It includes local write.
	MRAllowRemoteWrite = softnd.MRAllowRemoteWrite
	// MRReadSink marks a region as the local target of RDMA reads.
	MRReadSink = softnd.MRReadSink
)

// OpFlag modifies a posted request.
type OpFlag = softnd.OpFlag

const (
	// OpSilentSuccess suppresses the completion of a request that succeeds.
	OpSilentSuccess = softnd.OpSilentSuccess
	// OpReadFence holds the request until earlier reads on the queue pair
	// complete.
	OpReadFence = softnd.OpReadFence
	// OpSendAndSolicitEvent wakes a peer armed for solicited notifications.
	OpSendAndSolicitEvent = softnd.OpSendAndSolicitEvent
	// OpAllowRead grants remote read through a bound window.
	OpAllowRead = softnd.OpAllowRead
	// OpAllowWrite grants remote write through a bound window.
	OpAllowWrite = softnd.OpAllowWrite
	// OpInline sends small payloads without validating local tokens.
	OpInline = softnd.OpInline
)

// AddressOf returns the virtual address peers use to target buf.
func AddressOf(buf []byte) uint64 {
	if len(buf) == 0 {
		return 0
	}
	return uint64(uintptr(unsafe.Pointer(unsafe.SliceData(buf))))
}

// MemoryRegion wraps a provider memory region.
type MemoryRegion struct {
	handle *softnd.MemoryRegion
}

// Register registers buf with flags. A nil error means the registration was
// accepted; its outcome resolves through ov.
func (m *MemoryRegion) Register(buf []byte, flags MRFlag, ov *Overlapped) error {
	if m == nil || m.handle == nil {
		return ErrInvalidHandle{"memory region"}
	}
	return posted(m.handle.Register(buf, flags, ov.raw()))
}

// Deregister releases the registration once in-flight transfers drain. The
// outcome resolves through ov.
func (m *MemoryRegion) Deregister(ov *Overlapped) error {
	if m == nil || m.handle == nil {
		return ErrInvalidHandle{"memory region"}
	}
	return posted(m.handle.Deregister(ov.raw()))
}

// Registered reports whether the region holds a live registration.
func (m *MemoryRegion) Registered() bool {
	if m == nil || m.handle == nil {
		return false
	}
	return m.handle.Registered()
}

// LocalToken returns the token for local SGEs.
func (m *MemoryRegion) LocalToken() uint32 {
	if m == nil || m.handle == nil {
		return 0
	}
	return m.handle.LocalToken()
}

// RemoteToken returns the token peers present for remote access.
func (m *MemoryRegion) RemoteToken() uint32 {
	if m == nil || m.handle == nil {
		return 0
	}
	return m.handle.RemoteToken()
}

// Buffer returns the registered buffer.
func (m *MemoryRegion) Buffer() []byte {
	if m == nil || m.handle == nil {
		return nil
	}
	return m.handle.Buffer()
}

// Flags returns the registration flags.
func (m *MemoryRegion) Flags() MRFlag {
	if m == nil || m.handle == nil {
		return 0
	}
	return m.handle.Flags()
}

// ReadAt copies region contents at off into p. Use it to observe memory a
// peer writes with RDMA while the transfer may still be in flight.
func (m *MemoryRegion) ReadAt(p []byte, off int) int {
	if m == nil || m.handle == nil {
		return 0
	}
	return m.handle.ReadAt(p, off)
}

// Close deregisters a live registration and releases the handle.
func (m *MemoryRegion) Close() error {
	if m == nil || m.handle == nil {
		return nil
	}
	if m.handle.Registered() {
		ov := NewOverlapped()
		if err := posted(m.handle.Deregister(ov.raw())); err != nil {
			return err
		}
		if _, err := ov.Wait(context.Background()); err != nil {
			return err
		}
	}
	m.handle = nil
	return nil
}

// MemoryWindow wraps a provider memory window.
type MemoryWindow struct {
	handle *softnd.MemoryWindow
}

// RemoteToken returns the token of the current binding, or zero when unbound.
func (w *MemoryWindow) RemoteToken() uint32 {
	if w == nil || w.handle == nil {
		return 0
	}
	return w.handle.RemoteToken()
}

// Bound reports whether the window is bound.
func (w *MemoryWindow) Bound() bool {
	if w == nil || w.handle == nil {
		return false
	}
	return w.handle.Bound()
}

// Close releases the window. A bound window must be invalidated first.
func (w *MemoryWindow) Close() error {
	if w == nil || w.handle == nil {
		return nil
	}
	if w.handle.Bound() {
		return StatusDeviceBusy
	}
	w.handle = nil
	return nil
}
