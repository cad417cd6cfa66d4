//go:build unix

package identity

import (
	"strconv"

	"golang.org/x/sys/unix"
)

func fileOwner(path string) (string, bool) {
	var st unix.Stat_t
	if err := unix.Stat(path, &st); err != nil {
		return "", false
	}
	return strconv.FormatUint(uint64(st.Uid), 10), true
}
