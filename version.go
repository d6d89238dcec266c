package fleetconn

// Version information for the fleet connection coordinator.
const (
	// Version is the current module version.
	Version = "development"

	// APIVersion is the current public API version.
	APIVersion = "v1alpha1"

	// BuildDate is set during build time.
	BuildDate = "development"

	// GitCommit is set during build time.
	GitCommit = "unknown"
)
