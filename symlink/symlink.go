// Package symlink implements the symlink kind: an inode stamped S_IFLNK
// whose entire content is its target path, stored without a trailing NUL.
package symlink

import (
	"fmt"

	"github.com/rhelmot/candyfs/candyerr"
	"github.com/rhelmot/candyfs/inode"
	"golang.org/x/sys/unix"
)

// maxPathLen mirrors PATH_MAX - 1 on Linux.
const maxPathLen = 4095

func isLnk(mode uint32) bool {
	return mode&unix.S_IFMT == unix.S_IFLNK
}

// Create allocates a new symlink inode whose content is target.
func Create(s *inode.Store, target string) (int64, error) {
	if len(target) == 0 || len(target) > maxPathLen {
		return 0, fmt.Errorf("symlink: create: %w", candyerr.ErrNameTooLong)
	}

	link, err := s.Allocate()
	if err != nil {
		return 0, err
	}
	if err := s.Chmod(link, unix.S_IFLNK|0777); err != nil {
		return 0, err
	}

	n, err := s.Write(link, 0, int64(len(target)), []byte(target))
	if err != nil {
		return 0, err
	}
	if n < int64(len(target)) {
		_ = s.Free(link)
		return 0, fmt.Errorf("symlink: create: %w", candyerr.ErrNoSpace)
	}

	return link, nil
}

// Read is readlink(2): it returns up to maxsize bytes of the symlink's
// target.
func Read(s *inode.Store, link int64, maxsize int) (string, error) {
	info, err := s.GetInfo(link)
	if err != nil {
		return "", err
	}
	if !isLnk(info.Mode) {
		return "", fmt.Errorf("symlink: read %d: %w", link, candyerr.ErrInvalid)
	}

	buf := make([]byte, maxsize)
	n, err := s.Read(link, 0, buf)
	if err != nil {
		return "", err
	}
	return string(buf[:n]), nil
}
