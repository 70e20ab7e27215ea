// Package file implements the plain-regular-file kind: an inode stamped
// S_IFREG, with reads, writes, and truncation all refusing to operate on
// anything else.
package file

import (
	"fmt"

	"github.com/rhelmot/candyfs/candyerr"
	"github.com/rhelmot/candyfs/inode"
	"golang.org/x/sys/unix"
)

func isReg(mode uint32) bool {
	return mode&unix.S_IFMT == unix.S_IFREG
}

// kindErr is the error for a non-regular inode: EISDIR for a directory,
// EINVAL for anything else.
func kindErr(mode uint32) error {
	if mode&unix.S_IFMT == unix.S_IFDIR {
		return candyerr.ErrIsDir
	}
	return candyerr.ErrInvalid
}

// Create allocates a new, empty regular file inode.
func Create(s *inode.Store) (int64, error) {
	f, err := s.Allocate()
	if err != nil {
		return 0, err
	}
	if err := s.Chmod(f, unix.S_IFREG|0777); err != nil {
		return 0, err
	}
	return f, nil
}

// Read reads from a regular file, refusing anything else.
func Read(s *inode.Store, f int64, pos int64, data []byte) (int64, error) {
	info, err := s.GetInfo(f)
	if err != nil {
		return 0, err
	}
	if !isReg(info.Mode) {
		return 0, fmt.Errorf("file: read %d: %w", f, kindErr(info.Mode))
	}
	return s.Read(f, pos, data)
}

// Write writes to a regular file, refusing anything else.
func Write(s *inode.Store, f int64, pos int64, size int64, data []byte) (int64, error) {
	info, err := s.GetInfo(f)
	if err != nil {
		return 0, err
	}
	if !isReg(info.Mode) {
		return 0, fmt.Errorf("file: write %d: %w", f, kindErr(info.Mode))
	}
	return s.Write(f, pos, size, data)
}

// Truncate resizes a regular file, refusing anything else.
func Truncate(s *inode.Store, f int64, size int64) (int64, error) {
	info, err := s.GetInfo(f)
	if err != nil {
		return 0, err
	}
	if !isReg(info.Mode) {
		return 0, fmt.Errorf("file: truncate %d: %w", f, kindErr(info.Mode))
	}
	return s.Truncate(f, size)
}
