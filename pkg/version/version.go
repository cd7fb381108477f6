// Package version carries build metadata injected with -ldflags.
package version

import (
	"fmt"
	"runtime"
	"runtime/debug"
)

// Build metadata. Overridden at link time, e.g.
// -X github.com/Sumatoshi-tech/archgen/pkg/version.Version=v1.2.0.
var (
	Version = "dev"
	Commit  = "<unknown>"
	Date    = ""
)

// Info is the build metadata of the running binary.
type Info struct {
	Version   string `json:"version" yaml:"version"`
	Commit    string `json:"commit" yaml:"commit"`
	Date      string `json:"date,omitempty" yaml:"date,omitempty"`
	GoVersion string `json:"go_version" yaml:"go_version"`
	Platform  string `json:"platform" yaml:"platform"`
}

// Get returns the build metadata. A binary built without ldflags falls back
// to the VCS revision recorded by the Go toolchain.
func Get() Info {
	info := Info{
		Version:   Version,
		Commit:    Commit,
		Date:      Date,
		GoVersion: runtime.Version(),
		Platform:  runtime.GOOS + "/" + runtime.GOARCH,
	}

	if info.Commit != "<unknown>" {
		return info
	}

	build, ok := debug.ReadBuildInfo()
	if !ok {
		return info
	}

	for _, s := range build.Settings {
		switch s.Key {
		case "vcs.revision":
			info.Commit = s.Value
		case "vcs.time":
			if info.Date == "" {
				info.Date = s.Value
			}
		}
	}

	return info
}

func (i Info) String() string {
	s := fmt.Sprintf("archgen %s (%s, %s, %s)", i.Version, shortCommit(i.Commit), i.GoVersion, i.Platform)
	if i.Date != "" {
		s += " built " + i.Date
	}

	return s
}

func shortCommit(c string) string {
	const short = 12

	if len(c) > short {
		return c[:short]
	}

	return c
}
