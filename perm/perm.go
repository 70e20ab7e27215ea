// Package perm implements the UNIX permission model sitting on top of the
// inode layer: root bypasses every check, chmod requires root or
// ownership, chown requires root outright. Chmod touches only the 07777
// bits; the S_IFMT kind bits are owned by whichever layer created the
// inode and survive every later chmod.
package perm

import (
	"fmt"

	"github.com/rhelmot/candyfs/candyerr"
	"github.com/rhelmot/candyfs/inode"
)

const (
	Read  = 4
	Write = 2
	Exec  = 1
)

// Check reports whether user/group has perms access to inumber, following
// the usual owner/group/other precedence. Root (uid 0) always passes.
func Check(s *inode.Store, inum int64, perms int, user, group uint32) (bool, error) {
	info, err := s.GetInfo(inum)
	if err != nil {
		return false, err
	}

	if user == 0 {
		return true, nil
	}

	if user == info.Owner {
		return perms&(int(info.Mode>>6))&7 == perms, nil
	}
	if group == info.Group {
		return perms&(int(info.Mode>>3))&7 == perms, nil
	}
	return perms&int(info.Mode)&7 == perms, nil
}

// CheckUtime reports whether user/group may set inumber's timestamps:
// the owner (and root) always may, anyone else needs write access.
func CheckUtime(s *inode.Store, inum int64, user, group uint32) (bool, error) {
	info, err := s.GetInfo(inum)
	if err != nil {
		return false, err
	}
	if user == 0 || user == info.Owner {
		return true, nil
	}
	return Check(s, inum, Write, user, group)
}

// Chmod sets inumber's permission bits, requiring the caller be root or
// the file's owner.
func Chmod(s *inode.Store, inum int64, mode uint32, user uint32) error {
	info, err := s.GetInfo(inum)
	if err != nil {
		return err
	}

	if mode&07777 != mode {
		return fmt.Errorf("perm: chmod: mode %#o has bits outside 07777: %w", mode, candyerr.ErrInvalid)
	}
	if user != 0 && user != info.Owner {
		return fmt.Errorf("perm: chmod: %w", candyerr.ErrPerm)
	}

	return s.Chmod(inum, info.Mode&^uint32(07777)|mode)
}

// Chown sets inumber's owner and/or group, requiring the caller be root.
// Even an owning non-root user cannot change the group of their own
// files.
func Chown(s *inode.Store, inum int64, user uint32, newOwner, newGroup uint32) error {
	if user != 0 {
		return fmt.Errorf("perm: chown: %w", candyerr.ErrPerm)
	}
	return s.Chown(inum, newOwner, newGroup)
}
