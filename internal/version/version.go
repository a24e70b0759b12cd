/*
Package version holds build-time version information for allowgated.

Variables are injected at build time via ldflags:

	go build -ldflags "-X .../version.Version=0.1.0 -X .../version.Commit=abc1234 -X .../version.Date=2026-02-16T00:00:00Z"

When they are not, module and VCS data embedded by the Go toolchain is
used instead.
*/
package version

import (
	"fmt"
	"runtime"
	"runtime/debug"
	"sync"
)

// These variables are set at build time via -ldflags.
var (
	// Version is the semantic version (e.g., "0.1.0").
	Version = "dev"
	// Commit is the git commit hash.
	Commit = "unknown"
	// Date is the build timestamp in ISO 8601 format.
	Date = "unknown"
)

var fillOnce sync.Once

// fill replaces unset values with build info recorded by the toolchain.
func fill() {
	fillOnce.Do(func() {
		info, ok := debug.ReadBuildInfo()
		if !ok {
			return
		}
		if Version == "dev" && info.Main.Version != "" && info.Main.Version != "(devel)" {
			Version = info.Main.Version
		}
		for _, s := range info.Settings {
			switch s.Key {
			case "vcs.revision":
				if Commit == "unknown" {
					Commit = s.Value
				}
			case "vcs.time":
				if Date == "unknown" {
					Date = s.Value
				}
			}
		}
	})
}

// Full returns a human-readable version string.
func Full() string {
	fill()
	return fmt.Sprintf("allowgated %s (commit: %s, built: %s, %s/%s)",
		Version, short(Commit), Date, runtime.GOOS, runtime.GOARCH)
}

// Short returns just the version number.
func Short() string {
	fill()
	return Version
}

func short(s string) string {
	if len(s) > 7 {
		return s[:7]
	}
	return s
}
