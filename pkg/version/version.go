// Package version reports the Jericho release and build metadata.
package version

import (
	"fmt"
	"runtime"
)

// Semantic version components.
const (
	// Major is the major version (breaking changes).
	Major = 0
	// Minor is the minor version (new features).
	Minor = 1
	// Patch is the patch version (bug fixes).
	Patch = 0
	// Label is the optional pre-release label.
	Label = ""
)

// Build metadata, set at link time:
//
//	go build -ldflags "-X github.com/pzverkov/jericho/pkg/version.Commit=$(git rev-parse --short HEAD)"
var (
	Commit    = "unknown"
	BuildDate = "unknown"
)

// String returns the semantic version string.
func String() string {
	v := fmt.Sprintf("v%d.%d.%d", Major, Minor, Patch)
	if Label != "" {
		v += "-" + Label
	}
	return v
}

// Full returns a descriptive version string.
func Full() string {
	return fmt.Sprintf("Jericho %s (commit %s, built %s, %s %s/%s)",
		String(), Commit, BuildDate, runtime.Version(), runtime.GOOS, runtime.GOARCH)
}
