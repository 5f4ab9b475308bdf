package build

import "fmt"

var (
	// Commit stores the current commit hash of this build. This should be
	// set using -ldflags during compilation.
	Commit string

	// Date stores the build date. This should be set using -ldflags during
	// compilation.
	Date string
)

const (
	appMajor uint = 0
	appMinor uint = 3
	appPatch uint = 0

	// AppPreRelease is the pre-release part of the version string.
	AppPreRelease = "beta"
)

// Version returns the application version as a semantic version string,
// see http://semver.org/.
func Version() string {
	version := fmt.Sprintf("%d.%d.%d", appMajor, appMinor, appPatch)
	if AppPreRelease != "" {
		version = fmt.Sprintf("%s-%s", version, AppPreRelease)
	}

	return version
}
