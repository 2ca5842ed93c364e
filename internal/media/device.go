package media

import (
	"errors"
	"io/fs"
	"strings"
	"syscall"
)

// DeviceErrorKind classifies a failure to open a capture device.
type DeviceErrorKind int

const (
	DeviceErrorUnknown DeviceErrorKind = iota
	DeviceErrorPermissionDenied
	DeviceErrorNotFound
	DeviceErrorBusy
)

func (k DeviceErrorKind) String() string {
	switch k {
	case DeviceErrorPermissionDenied:
		return "permission-denied"
	case DeviceErrorNotFound:
		return "not-found"
	case DeviceErrorBusy:
		return "busy"
	default:
		return "unknown"
	}
}

// ClassifyDeviceError maps a capture error to a kind and a message the user
// can act on. Both OS errors and the error names reported by browser media
// APIs are recognised.
func ClassifyDeviceError(err error) (DeviceErrorKind, string) {
	if err == nil {
		return DeviceErrorUnknown, ""
	}

	switch {
	case errors.Is(err, fs.ErrPermission), hasName(err, "NotAllowedError", "SecurityError", "PermissionDeniedError"):
		return DeviceErrorPermissionDenied, "Access to the camera or microphone was denied. Allow it in your system or browser settings and try again."
	case errors.Is(err, fs.ErrNotExist), hasName(err, "NotFoundError", "OverconstrainedError", "DevicesNotFoundError"):
		return DeviceErrorNotFound, "No camera or microphone was found. Connect a device and try again."
	case errors.Is(err, syscall.EBUSY), hasName(err, "NotReadableError", "TrackStartError", "AbortError"):
		return DeviceErrorBusy, "The camera or microphone is in use by another application. Close it and try again."
	}
	return DeviceErrorUnknown, "Could not access the camera or microphone: " + err.Error()
}

func hasName(err error, names ...string) bool {
	msg := err.Error()
	for _, n := range names {
		if strings.Contains(msg, n) {
			return true
		}
	}
	return false
}
