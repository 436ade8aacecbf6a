//go:build linux || darwin

package support

import "path/filepath"

var systemPaths = Paths{
	StateDir: "/var/lib/backupd",
	LogFile:  "/var/log/backupd/backupd.log",
	Addr:     "unix:///var/run/backupd.sock",
}

const userStateDir = ".local/state/backupd"

func userAddr(state string) string {
	return "unix://" + filepath.Join(state, "backupd.sock")
}
