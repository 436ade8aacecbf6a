package support

import (
	"io/fs"
	"syscall"
	"time"
)

// ItemStat returns the last write time as change time. Windows has no uid or gid.
func ItemStat(fi fs.FileInfo) (ctime time.Time, uid, gid uint32, ok bool) {
	stat, ok := fi.Sys().(*syscall.Win32FileAttributeData)
	if !ok {
		return time.Time{}, 0, 0, false
	}
	return time.Unix(0, stat.LastWriteTime.Nanoseconds()).UTC(), 0, 0, true
}
