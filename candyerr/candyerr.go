// Package candyerr centralises the errno-flavored sentinel errors used
// throughout the storage engine, so that layers never build raw
// fmt.Errorf("... %d", errno) strings and callers can always recover the
// underlying errno with errors.Is against golang.org/x/sys/unix constants.
package candyerr

import (
	"errors"
	"fmt"

	"golang.org/x/sys/unix"
)

// errnoError wraps a unix.Errno so that errors.Is(err, unix.ENOENT) works
// after the error has picked up additional context via fmt.Errorf("%w").
type errnoError struct {
	errno unix.Errno
	msg   string
}

func (e *errnoError) Error() string { return e.msg }

func (e *errnoError) Is(target error) bool {
	errno, ok := target.(unix.Errno)
	return ok && errno == e.errno
}

func newErr(errno unix.Errno, msg string) error {
	return &errnoError{errno: errno, msg: msg}
}

var (
	ErrNotFound    = newErr(unix.ENOENT, "no such file or directory")
	ErrIsDir       = newErr(unix.EISDIR, "is a directory")
	ErrNotDir      = newErr(unix.ENOTDIR, "not a directory")
	ErrNotEmpty    = newErr(unix.ENOTEMPTY, "directory not empty")
	ErrExist       = newErr(unix.EEXIST, "file exists")
	ErrPerm        = newErr(unix.EPERM, "operation not permitted")
	ErrAccess      = newErr(unix.EACCES, "permission denied")
	ErrNameTooLong = newErr(unix.ENAMETOOLONG, "name too long")
	ErrLoop        = newErr(unix.ELOOP, "too many levels of symbolic links")
	ErrNoSpace     = newErr(unix.ENOSPC, "no space left on device")
	ErrNoMem       = newErr(unix.ENOMEM, "out of open-path table slots")
	ErrWouldBlock  = newErr(unix.EWOULDBLOCK, "resource temporarily unavailable")
	ErrInvalid     = newErr(unix.EINVAL, "invalid argument")
	ErrBadMagic    = newErr(unix.EIO, "bad magic number")
	ErrBadBlock    = newErr(unix.EIO, "block number out of range")
)

// Errno recovers the unix.Errno backing err, walking the error chain. It
// returns unix.EIO for any error not produced by this package, so that the
// FUSE bridge always has something sensible to hand jacobsa/fuse.
func Errno(err error) unix.Errno {
	if err == nil {
		return 0
	}
	var ee *errnoError
	if errors.As(err, &ee) {
		return ee.errno
	}
	return unix.EIO
}

// WouldBlock is raised by the open-path table when a caller asks for a
// conflicting (parent, basename) pair with noblock semantics in play.
func WouldBlock() error {
	return fmt.Errorf("path: %w", ErrWouldBlock)
}

// ConflictingOpenPath panics. The engine is single-threaded, so a second
// live open of the same (parent, basename) that is prepared to wait can
// only mean a driver bug: there is no other goroutine that will ever close
// the conflicting handle. A multi-threaded build would wait on the slot
// instead.
func ConflictingOpenPath(parent int64, name string) {
	panic(fmt.Sprintf("candyfs: blocking open of (parent=%d, name=%q) in single-threaded program", parent, name))
}
