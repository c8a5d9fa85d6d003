package bindfixture

// Version is the current version of the go-bindfixture library
const Version = "1.0.0"

// VersionInfo contains detailed version information
type VersionInfo struct {
	// Version is the semantic version
	Version string
	// Daemon is the daemon family the generated configuration targets
	Daemon string
	// ControlAlgorithm is the HMAC algorithm of generated rndc keys
	ControlAlgorithm string
}

// GetVersion returns the current version information
func GetVersion() VersionInfo {
	return VersionInfo{
		Version:          Version,
		Daemon:           "bind9",
		ControlAlgorithm: RndcAlgorithm,
	}
}
