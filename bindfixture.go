package bindfixture

import (
	"time"
)

// Install locations and their environment overrides
const (
	// DefaultNamedPath is where the bind9 package installs named
	DefaultNamedPath = "/usr/sbin/named"

	// DefaultRndcPath is where the bind9utils package installs rndc
	DefaultRndcPath = "/usr/sbin/rndc"

	// DefaultNamedCheckconfPath is where the bind9utils package installs named-checkconf
	DefaultNamedCheckconfPath = "/usr/sbin/named-checkconf"
)

// Workspace file names
const (
	// ConfFileName is the generated named configuration file
	ConfFileName = "named.conf"

	// RndcConfFileName is the generated rndc client configuration file
	RndcConfFileName = "rndc.conf"

	// LogFileName is the default log file for the daemon
	LogFileName = "named.log"

	// PIDFileName is the pid-file named writes on start-up
	PIDFileName = "named.pid"

	// SessionKeyFileName is the session-keyfile named generates
	SessionKeyFileName = "session.key"
)

// Lifecycle timing defaults
const (
	// DefaultPollInterval is the pause between two readiness probes
	DefaultPollInterval = 300 * time.Millisecond

	// DefaultReadyTimeout bounds the readiness wait, measured from spawn
	DefaultReadyTimeout = 15 * time.Second

	// DefaultKillGrace is how long ForceStop waits after SIGTERM before SIGKILL
	DefaultKillGrace = 5 * time.Second

	// DefaultStopTimeout bounds the wait for exit after "rndc stop" in
	// Server.Stop before falling back to signals
	DefaultStopTimeout = 30 * time.Second

	// DefaultStartAttempts is the number of spawn attempts made by Server.Start
	DefaultStartAttempts = 1

	// DefaultRetryDelay is the pause between two Server.Start attempts
	DefaultRetryDelay = 100 * time.Millisecond
)

// Control protocol constants
const (
	// RndcKeyName is the name of the shared key granted over the control port
	RndcKeyName = "dnsfixture-rndc-key"

	// RndcAlgorithm is the HMAC algorithm of generated keys
	RndcAlgorithm = "hmac-sha256"

	// RndcSecretSize is the size in bytes of generated secrets
	RndcSecretSize = 32

	// DefaultRndcPort is the well-known rndc port, only used when default
	// controls are requested
	DefaultRndcPort = 953

	// RunningIndicator is the phrase "rndc status" prints for a healthy server
	RunningIndicator = "server is up and running"
)

// Loopback addresses the daemon listens on
const (
	LoopbackV4 = "127.0.0.1"
	LoopbackV6 = "::1"
)

// File modes
const (
	// DirMode is the default mode for created directories
	DirMode = 0o755

	// FileMode is the default mode for generated configuration files
	FileMode = 0o644

	// SecretMode is the mode for files holding key material
	SecretMode = 0o600

	// ExecMode is the mode for the copied daemon executable
	ExecMode = 0o755
)

// Operation identifies the lifecycle step an error came from
type Operation int

const (
	// OpUnknown represents an unknown operation
	OpUnknown Operation = iota
	// OpAllocate allocates free ports
	OpAllocate
	// OpWorkspace creates the instance directory
	OpWorkspace
	// OpMaterialize renders configuration and copies the executable
	OpMaterialize
	// OpSpawn launches the daemon process
	OpSpawn
	// OpWaitReady polls the daemon until it reports ready
	OpWaitReady
	// OpControl runs an rndc command
	OpControl
	// OpStop shuts the daemon down
	OpStop
	// OpCleanup removes instance resources
	OpCleanup
)

// Operation string constants
const (
	opUnknownStr     = "unknown"
	opAllocateStr    = "allocate"
	opWorkspaceStr   = "workspace"
	opMaterializeStr = "materialize"
	opSpawnStr       = "spawn"
	opWaitReadyStr   = "wait-ready"
	opControlStr     = "control"
	opStopStr        = "stop"
	opCleanupStr     = "cleanup"
)

// String returns the string representation of an Operation
func (op Operation) String() string {
	switch op {
	case OpAllocate:
		return opAllocateStr
	case OpWorkspace:
		return opWorkspaceStr
	case OpMaterialize:
		return opMaterializeStr
	case OpSpawn:
		return opSpawnStr
	case OpWaitReady:
		return opWaitReadyStr
	case OpControl:
		return opControlStr
	case OpStop:
		return opStopStr
	case OpCleanup:
		return opCleanupStr
	default:
		return opUnknownStr
	}
}
