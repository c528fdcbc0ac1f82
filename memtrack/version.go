package memtrack

// Version information for the allocation tracker runtime.
const (
	// Version is the current version of the tracker runtime.
	Version = "0.1.0"

	// VersionMajor is the major version number.
	VersionMajor = 0

	// VersionMinor is the minor version number.
	VersionMinor = 1

	// VersionPatch is the patch version number.
	VersionPatch = 0
)

// Info provides runtime information about the tracker.
type Info struct {
	// Version is the runtime version string.
	Version string

	// Attribution names the attribution mechanism in use.
	Attribution string

	// Enabled indicates whether tracking is currently active.
	Enabled bool
}

// GetInfo returns information about the tracker runtime.
//
// Example:
//
//	info := memtrack.GetInfo()
//	fmt.Printf("memtracker %s (%s)\n", info.Version, info.Attribution)
func GetInfo() Info {
	return Info{
		Version:     Version,
		Attribution: "explicit scopes + stack-pattern fallback",
		Enabled:     Enabled(),
	}
}
