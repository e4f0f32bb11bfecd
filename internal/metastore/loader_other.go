//go:build !unix

package metastore

import "os"

func inoOf(info os.FileInfo) (uint64, bool) {
	return 0, false
}
