package agentversion

import (
	"fmt"
	"runtime"
)

// Set at build time with -ldflags "-X github.com/bizflycloud/backupd/pkg/agentversion.version=...".
var (
	version   string
	commit    string
	buildTime string
)

// Info is the build metadata served on /version.
type Info struct {
	Version   string `json:"version"`
	Commit    string `json:"commit,omitempty"`
	BuildTime string `json:"build_time,omitempty"`
	GoVersion string `json:"go_version"`
	Platform  string `json:"platform"`
}

// Version returns agent version.
func Version() string {
	if version == "" {
		return "dev"
	}
	return version
}

// Get returns the build metadata of the running binary.
func Get() Info {
	return Info{
		Version:   Version(),
		Commit:    commit,
		BuildTime: buildTime,
		GoVersion: runtime.Version(),
		Platform:  runtime.GOOS + "/" + runtime.GOARCH,
	}
}

func (i Info) String() string {
	return fmt.Sprintf("version: %s, commit: %s, build time: %s, %s %s", i.Version, i.Commit, i.BuildTime, i.GoVersion, i.Platform)
}
