//go:build unix

package persist

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// isProtected reports whether a key directory satisfies the scope's policy.
// Both scopes allow no group or other access. User stores must be owned by
// the effective user, machine stores by root or the effective user.
func isProtected(path string, machine bool) (bool, error) {
	var st unix.Stat_t
	if err := unix.Stat(path, &st); err != nil {
		return false, err
	}
	if uint32(st.Mode)&unix.S_IFMT != unix.S_IFDIR {
		return false, fmt.Errorf("%s is not a directory", path)
	}

	perm := uint32(st.Mode) & 0o777
	euid := uint32(unix.Geteuid())

	if machine {
		return (st.Uid == 0 || st.Uid == euid) && perm&0o077 == 0, nil
	}
	return st.Uid == euid && perm&0o077 == 0, nil
}

// protect restricts the directory to its owner. Only the owner may chmod,
// so a directory owned by someone else stays unprotected.
func protect(path string) error {
	var st unix.Stat_t
	if err := unix.Stat(path, &st); err != nil {
		return err
	}
	if st.Uid != uint32(unix.Geteuid()) {
		return fmt.Errorf("directory is owned by uid %d", st.Uid)
	}
	return unix.Chmod(path, 0o700)
}
