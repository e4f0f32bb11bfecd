//go:build unix

package metastore

import (
	"os"
	"syscall"
)

func inoOf(info os.FileInfo) (uint64, bool) {
	st, ok := info.Sys().(*syscall.Stat_t)
	if !ok {
		return 0, false
	}
	return st.Ino, true
}
