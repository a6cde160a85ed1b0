// Package version carries the build identity stamped in by the linker.
//
//	go build -ldflags "-X github.com/bdobrica/Kanri/common/version.Version=v1.2.0 \
//	  -X github.com/bdobrica/Kanri/common/version.GitCommit=$(git rev-parse --short HEAD)"
package version

import (
	"fmt"
	"runtime/debug"
)

var (
	Version   = "v0.0.0-dev"
	GitCommit = "unknown"
	BuildTime = "unknown"
)

// Build is the identity reported by the CLI and the health server.
type Build struct {
	Version   string `json:"version"`
	Commit    string `json:"commit"`
	BuildTime string `json:"buildTime"`
}

// Current returns the stamped identity. When the linker did not set a
// commit, the VCS revision recorded by the go tool is used instead.
func Current() Build {
	b := Build{Version: Version, Commit: GitCommit, BuildTime: BuildTime}
	if b.Commit != "unknown" {
		return b
	}
	if info, ok := debug.ReadBuildInfo(); ok {
		for _, s := range info.Settings {
			switch s.Key {
			case "vcs.revision":
				if len(s.Value) > 12 {
					s.Value = s.Value[:12]
				}
				b.Commit = s.Value
			case "vcs.time":
				if b.BuildTime == "unknown" {
					b.BuildTime = s.Value
				}
			}
		}
	}
	return b
}

func (b Build) String() string {
	return fmt.Sprintf("%s (commit: %s, built: %s)", b.Version, b.Commit, b.BuildTime)
}

// Info is Current().String().
func Info() string { return Current().String() }
