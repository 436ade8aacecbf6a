package target

import (
	"errors"
	"fmt"
	"strings"
)

// Checks reported by CheckError.
const (
	CheckNotAbsolute  = "not-absolute"
	CheckNotAllowed   = "not-allowed"
	CheckNonExistent  = "non-existent"
	CheckNotDirectory = "not-a-directory"
	CheckWriteTest    = "write-test-failed"
	CheckNotMounted   = "not-mounted"
)

var (
	// ErrInvalidDestination is wrapped by Validate for malformed destinations.
	ErrInvalidDestination = errors.New("invalid destination")

	// ErrDeviceNotFound is returned when a device or mountpoint is unknown.
	ErrDeviceNotFound = errors.New("device not found")

	// ErrUnsafeDevice is wrapped by UnsafeDeviceError.
	ErrUnsafeDevice = errors.New("refusing to operate on device")
)

// CheckError reports which check on a target directory failed.
type CheckError struct {
	Path  string
	Check string
	Err   error
	Hints []string
}

func (e *CheckError) Error() string {
	return fmt.Sprintf("%s: %s: %v", e.Path, e.Check, e.Err)
}

func (e *CheckError) Unwrap() error {
	return e.Err
}

// ConfirmationError rejects a destructive operation whose confirmation phrase did not match.
type ConfirmationError struct {
	Want string
}

func (e *ConfirmationError) Error() string {
	return fmt.Sprintf("confirmation mismatch: type %q to format the device", e.Want)
}

// UnsafeDeviceError refuses mount, format or eject of a fixed disk or of a
// device backing a system mount.
type UnsafeDeviceError struct {
	Device string
	Reason string
}

func (e *UnsafeDeviceError) Error() string {
	return fmt.Sprintf("%v %s: %s", ErrUnsafeDevice, e.Device, e.Reason)
}

func (e *UnsafeDeviceError) Unwrap() error {
	return ErrUnsafeDevice
}

// MountConflictError reports mountpoints still present after an eject.
type MountConflictError struct {
	Device string
	Mounts []string
	Err    error
}

func (e *MountConflictError) Error() string {
	msg := fmt.Sprintf("%s is still mounted at %s", e.Device, strings.Join(e.Mounts, ", "))
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *MountConflictError) Unwrap() error {
	return e.Err
}
