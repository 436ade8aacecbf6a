// Package support holds per-OS defaults and the agent's file logger.
package support

import (
	"os/user"
	"path/filepath"
)

// Paths are the default locations of the agent's files.
type Paths struct {
	StateDir string
	LogFile  string
	// Addr is the default listen address: a unix socket, or TCP where
	// sockets are not available.
	Addr string
}

// DefaultPaths returns system paths for root and per-user paths otherwise.
func DefaultPaths() (Paths, error) {
	u, err := user.Current()
	if err != nil {
		return Paths{}, err
	}
	if u.Uid == "0" || u.Username == "root" {
		return systemPaths, nil
	}
	state := filepath.Join(u.HomeDir, userStateDir)
	return Paths{
		StateDir: state,
		LogFile:  filepath.Join(state, "backupd.log"),
		Addr:     userAddr(state),
	}, nil
}
