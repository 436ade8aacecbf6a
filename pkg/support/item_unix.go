//go:build linux

package support

import (
	"io/fs"
	"syscall"
	"time"
)

// ItemStat returns the change time and owner of fi when the platform exposes them.
func ItemStat(fi fs.FileInfo) (ctime time.Time, uid, gid uint32, ok bool) {
	stat, ok := fi.Sys().(*syscall.Stat_t)
	if !ok {
		return time.Time{}, 0, 0, false
	}
	return time.Unix(stat.Ctim.Unix()).UTC(), stat.Uid, stat.Gid, true
}
