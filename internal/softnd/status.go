package softnd

import "fmt"

// Status represents an ND2 status code. Values follow the NTSTATUS layout used
// by ndstatus.h: zero is success, 0x4... and 0x8... are informational or
// warning codes, and 0xC... are failures.
type Status uint32

const (
	StatusSuccess               Status = 0x00000000
	StatusTimeout               Status = 0x00000102
	StatusPending               Status = 0x00000103
	StatusBufferOverflow        Status = 0x80000005
	StatusNoMoreEntries         Status = 0x8000001A
	StatusUnsuccessful          Status = 0xC0000001
	StatusAccessViolation       Status = 0xC0000005
	StatusInvalidHandle         Status = 0xC0000008
	StatusInvalidParameter      Status = 0xC000000D
	StatusNoMemory              Status = 0xC0000017
	StatusDataOverrun           Status = 0xC000003C
	StatusInsufficientResources Status = 0xC000009A
	StatusDeviceBusy            Status = 0xC00000AE
	StatusIOTimeout             Status = 0xC00000B5
	StatusNotSupported          Status = 0xC00000BB
	StatusRemoteError           Status = 0xC000013D
	StatusInvalidAddress        Status = 0xC0000141
	StatusInvalidDeviceState    Status = 0xC0000184
	StatusInvalidBufferSize     Status = 0xC0000206
	StatusDisconnected          Status = 0xC000020C
	StatusConnectionRefused     Status = 0xC0000236
	StatusConnectionInvalid     Status = 0xC000023A
	StatusConnectionActive      Status = 0xC000023B
	StatusNetworkUnreachable    Status = 0xC000023C
	StatusCanceled              Status = 0xC0000120
)

var statusNames = map[Status]string{
	StatusSuccess:               "success",
	StatusTimeout:               "timeout",
	StatusPending:               "pending",
	StatusBufferOverflow:        "buffer overflow",
	StatusNoMoreEntries:         "no more entries",
	StatusUnsuccessful:          "unsuccessful",
	StatusAccessViolation:       "access violation",
	StatusInvalidHandle:         "invalid handle",
	StatusInvalidParameter:      "invalid parameter",
	StatusNoMemory:              "no memory",
	StatusDataOverrun:           "data overrun",
	StatusInsufficientResources: "insufficient resources",
	StatusDeviceBusy:            "device busy",
	StatusIOTimeout:             "i/o timeout",
	StatusNotSupported:          "not supported",
	StatusRemoteError:           "remote error",
	StatusInvalidAddress:        "invalid address",
	StatusInvalidDeviceState:    "invalid device state",
	StatusInvalidBufferSize:     "invalid buffer size",
	StatusDisconnected:          "disconnected",
	StatusConnectionRefused:     "connection refused",
	StatusConnectionInvalid:     "connection invalid",
	StatusConnectionActive:      "connection active",
	StatusNetworkUnreachable:    "network unreachable",
	StatusCanceled:              "canceled",
}

// Error implements the error interface.
func (s Status) Error() string {
	return s.String()
}

// String returns the symbolic description followed by the raw code.
func (s Status) String() string {
	if name, ok := statusNames[s]; ok {
		return fmt.Sprintf("%s (0x%08x)", name, uint32(s))
	}
	return fmt.Sprintf("status 0x%08x", uint32(s))
}

// Failed reports whether the status is an error-severity code.
func (s Status) Failed() bool {
	return s&0xC0000000 == 0xC0000000
}

// Succeeded reports whether the status is neither a warning nor an error.
// Pending and timeout are informational and count as success here.
func (s Status) Succeeded() bool {
	return s&0x80000000 == 0
}

// WithOp adds operation context to the status.
func (s Status) WithOp(op string) error {
	if op == "" {
		return s
	}
	return fmt.Errorf("%s: %w", op, s)
}

// Err converts the status into an error, returning nil for StatusSuccess.
func (s Status) Err() error {
	if s == StatusSuccess {
		return nil
	}
	return s
}
