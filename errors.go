// Package fat32fs implements a buffer-cached FAT32 filesystem driver backed
// by a virtio-mmio block transport.
package fat32fs

import (
	"fmt"
	"syscall"
)

// DriverError is a wrapper around a system errno code with a customizable
// message, used for every user-facing (non-fatal) error this module returns.
type DriverError struct {
	ErrnoCode syscall.Errno
	message   string
}

// Error implements the error interface.
func (e *DriverError) Error() string {
	if e.message != "" {
		return e.message
	}
	return e.ErrnoCode.Error()
}

// Unwrap lets callers use errors.Is(err, syscall.ENOENT) and friends.
func (e *DriverError) Unwrap() error {
	return e.ErrnoCode
}

// NewDriverError creates a DriverError with a default message derived from
// the errno code.
func NewDriverError(errnoCode syscall.Errno) *DriverError {
	return &DriverError{ErrnoCode: errnoCode, message: errnoCode.Error()}
}

// NewDriverErrorWithMessage creates a DriverError from an errno code with a
// custom message appended.
func NewDriverErrorWithMessage(errnoCode syscall.Errno, message string) *DriverError {
	return &DriverError{
		ErrnoCode: errnoCode,
		message:   fmt.Sprintf("%s: %s", errnoCode.Error(), message),
	}
}

// Sentinel errors returned by the fat32 and driver packages. They all wrap a
// syscall.Errno so callers can match with errors.Is against the standard
// syscall constants as well as against these specific values.
var (
	ErrNotFound      = NewDriverError(syscall.ENOENT)
	ErrNotADirectory = NewDriverError(syscall.ENOTDIR)
	ErrIsADirectory  = NewDriverError(syscall.EISDIR)
	ErrReadOnly      = NewDriverError(syscall.EROFS)
	ErrNameTooLong   = NewDriverError(syscall.ENAMETOOLONG)
	ErrInvalidName   = NewDriverError(syscall.EINVAL)
	ErrNoSpace       = NewDriverError(syscall.ENOSPC)
	ErrExists        = NewDriverError(syscall.EEXIST)
	ErrNotEmpty      = NewDriverError(syscall.ENOTEMPTY)
	ErrBusy          = NewDriverError(syscall.EBUSY)
	ErrIO            = NewDriverError(syscall.EIO)

	// ErrShortTransfer reports a destination buffer smaller than the range a
	// caller asked to transfer. No function in this module returns it:
	// Dirent.ReadAt and Dirent.WriteAt take the transfer length from the
	// slice itself. There is no directly analogous POSIX errno, so this wraps
	// EINVAL.
	ErrShortTransfer = NewDriverErrorWithMessage(syscall.EINVAL, "short transfer: destination buffer too small")
)

// CastToDriverError converts a generic error into a *DriverError, wrapping it
// in EIO if it isn't one already. A nil error passes through unchanged.
func CastToDriverError(err error) *DriverError {
	if err == nil {
		return nil
	}
	if de, ok := err.(*DriverError); ok {
		return de
	}
	return NewDriverErrorWithMessage(syscall.EIO, err.Error())
}
