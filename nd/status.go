package nd

import (
	"errors"

	"github.com/rocketbitz/nd2-go/internal/softnd"
)

// Status re-exports the provider status type. It implements error.
type Status = softnd.Status

// Provider status codes.
const (
	StatusSuccess               = softnd.StatusSuccess
	StatusTimeout               = softnd.StatusTimeout
	StatusPending               = softnd.StatusPending
	StatusBufferOverflow        = softnd.StatusBufferOverflow
	StatusNoMoreEntries         = softnd.StatusNoMoreEntries
	StatusUnsuccessful          = softnd.StatusUnsuccessful
	StatusAccessViolation       = softnd.StatusAccessViolation
	StatusInvalidHandle         = softnd.StatusInvalidHandle
	StatusInvalidParameter      = softnd.StatusInvalidParameter
	StatusNoMemory              = softnd.StatusNoMemory
	StatusDataOverrun           = softnd.StatusDataOverrun
	StatusInsufficientResources = softnd.StatusInsufficientResources
	StatusDeviceBusy            = softnd.StatusDeviceBusy
	StatusIOTimeout             = softnd.StatusIOTimeout
	StatusNotSupported          = softnd.StatusNotSupported
	StatusRemoteError           = softnd.StatusRemoteError
	StatusInvalidAddress        = softnd.StatusInvalidAddress
	StatusInvalidDeviceState    = softnd.StatusInvalidDeviceState
	StatusInvalidBufferSize     = softnd.StatusInvalidBufferSize
	StatusDisconnected          = softnd.StatusDisconnected
	StatusConnectionRefused     = softnd.StatusConnectionRefused
	StatusConnectionInvalid     = softnd.StatusConnectionInvalid
	StatusConnectionActive      = softnd.StatusConnectionActive
	StatusNetworkUnreachable    = softnd.StatusNetworkUnreachable
	StatusCanceled              = softnd.StatusCanceled
)

// ErrInvalidHandle reports a nil or closed object handle.
type ErrInvalidHandle struct {
	Resource string
}

func (e ErrInvalidHandle) Error() string {
	return "nd: invalid or closed " + e.Resource + " handle"
}

// StatusOf extracts the provider status carried by err. A nil error is
// StatusSuccess, an invalid handle is StatusInvalidHandle and anything else
// without a status is StatusUnsuccessful.
func StatusOf(err error) Status {
	if err == nil {
		return StatusSuccess
	}
	var st Status
	if errors.As(err, &st) {
		return st
	}
	var ih ErrInvalidHandle
	if errors.As(err, &ih) {
		return StatusInvalidHandle
	}
	return StatusUnsuccessful
}

// posted converts the immediate return of an overlapped request. Pending means
// the request was accepted and its outcome arrives through the overlapped.
func posted(st Status) error {
	if st == StatusPending {
		return nil
	}
	return st.Err()
}
