// Package perms resolves the invoking process's own uid/gid, used by
// mkfscandyfs's --user flag and mountcandyfs's default ownership when no
// override is configured.
package perms

import (
	"os/user"
	"strconv"
)

// MyUserAndGroup returns the uid of the user running the process and that
// user's primary gid.
func MyUserAndGroup() (uid uint32, gid uint32, err error) {
	u, err := user.Current()
	if err != nil {
		return 0, 0, err
	}

	parsedUID, err := strconv.ParseUint(u.Uid, 10, 32)
	if err != nil {
		return 0, 0, err
	}
	parsedGID, err := strconv.ParseUint(u.Gid, 10, 32)
	if err != nil {
		return 0, 0, err
	}
	return uint32(parsedUID), uint32(parsedGID), nil
}
