package meta

import (
	"fmt"
	"os"
	"runtime"
)

// UnknownVersion is reported when no version was linked in or configured
const UnknownVersion = "Unknown"

// Info is the build information of a hiqbridge binary. Most of it is set by
// the Go linker, see the vars below.
type Info struct {
	Version   string
	Build     string
	Branch    string
	BuildTime string
	Platform  string
	GoVersion string
}

// Filled in with the linker -X flag
var (
	// Version is the release, e.g. "1.4.0"
	Version string

	// Build is the Git sha being built
	Build string

	// Branch is the Git branch being built
	Branch string

	// BuildTimeUTC is the build time in UTC (year/month/day hour:min:sec)
	BuildTimeUTC string

	platform = fmt.Sprintf("%s %s", runtime.GOOS, runtime.GOARCH)
)

// ReleaseVersion returns the linked in version, falling back to
// HIQNET_VERSION and then UnknownVersion.
func ReleaseVersion() string {
	if Version != "" {
		return Version
	}
	if v := os.Getenv("HIQNET_VERSION"); v != "" {
		return v
	}
	return UnknownVersion
}

// GetInfo returns an Info struct populated with the build information.
func GetInfo() Info {
	return Info{
		GoVersion: runtime.Version(),
		Version:   ReleaseVersion(),
		Build:     Build,
		Branch:    Branch,
		BuildTime: BuildTimeUTC,
		Platform:  platform,
	}
}
