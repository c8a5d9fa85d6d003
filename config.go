package bindfixture

import (
	"fmt"
	"path/filepath"
	"strings"

	securejoin "github.com/cyphar/filepath-securejoin"
)

// maxPortAttempts bounds how often Resolve re-allocates a port that
// collides with a caller-supplied one
const maxPortAttempts = 5

// Resources describes what a caller wants from an instance. Zero fields
// are filled in by Resolve: free ports are allocated, a temporary home
// directory is created and the log goes to named.log inside it.
type Resources struct {
	// Port is the DNS listen port on 127.0.0.1 and ::1
	Port int
	// RndcPort is the control port on 127.0.0.1
	RndcPort int
	// HomeDir holds every generated file; a fresh temp dir when empty
	HomeDir string
	// LogFile receives the daemon's log; relative paths are taken
	// relative to HomeDir
	LogFile string
	// IncludeInOptions names a file under HomeDir whose statements are
	// included inside the options block
	IncludeInOptions string
	// Extra is appended verbatim to named.conf
	Extra string
	// IncludeDefaultControls also opens rndc on the well-known port 953,
	// which is what init scripts expect; off by default
	IncludeDefaultControls bool
}

// InstanceConfig is the fully resolved configuration of one instance.
// It is not modified after Resolve returns.
type InstanceConfig struct {
	Port                   int
	RndcPort               int
	HomeDir                string
	LogFile                string
	IncludeInOptions       string
	Extra                  string
	IncludeDefaultControls bool

	// Derived paths, all under HomeDir
	NamedFile      string
	ConfFile       string
	RndcConfFile   string
	PIDFile        string
	SessionKeyFile string
}

// Resolve fills in missing resources and returns the resulting config
// along with its workspace. namedPath is the install location of the
// daemon; its base name is used for the copy inside the workspace. A nil
// alloc uses AllocatePorts.
//
// When Resolve fails after creating a temporary workspace it removes it.
func (r Resources) Resolve(namedPath string, alloc PortAllocator) (*InstanceConfig, *Workspace, error) {
	if alloc == nil {
		alloc = AllocatePorts
	}

	port, rndcPort, err := r.resolvePorts(alloc)
	if err != nil {
		return nil, nil, err
	}

	ws, err := BuildWorkspace(r.HomeDir)
	if err != nil {
		return nil, nil, err
	}

	cfg := &InstanceConfig{
		Port:                   port,
		RndcPort:               rndcPort,
		HomeDir:                ws.Dir,
		Extra:                  r.Extra,
		IncludeDefaultControls: r.IncludeDefaultControls,
		NamedFile:              ws.ExecutableFile(namedPath),
		ConfFile:               ws.ConfFile(),
		RndcConfFile:           ws.RndcConfFile(),
		PIDFile:                ws.PIDFile(),
		SessionKeyFile:         ws.SessionKeyFile(),
	}

	fail := func(err error) (*InstanceConfig, *Workspace, error) {
		_ = ws.Remove()
		return nil, nil, err
	}

	switch {
	case r.LogFile == "":
		cfg.LogFile = ws.LogFile()
	case filepath.IsAbs(r.LogFile):
		cfg.LogFile = filepath.Clean(r.LogFile)
	default:
		if cfg.LogFile, err = securejoin.SecureJoin(ws.Dir, r.LogFile); err != nil {
			return fail(&Error{Kind: KindConfig, Op: OpWorkspace, Path: r.LogFile, Err: err})
		}
	}

	if r.IncludeInOptions != "" {
		if cfg.IncludeInOptions, err = securejoin.SecureJoin(ws.Dir, r.IncludeInOptions); err != nil {
			return fail(&Error{Kind: KindConfig, Op: OpWorkspace, Path: r.IncludeInOptions, Err: err})
		}
	}

	if err := cfg.Validate(); err != nil {
		return fail(err)
	}

	return cfg, ws, nil
}

// resolvePorts allocates whichever of the two ports is missing. Both are
// taken from one allocation when both are missing so they are distinct.
func (r Resources) resolvePorts(alloc PortAllocator) (int, int, error) {
	port, rndcPort := r.Port, r.RndcPort

	switch {
	case port == 0 && rndcPort == 0:
		ports, err := alloc(2)
		if err != nil {
			return 0, 0, err
		}
		return ports[0], ports[1], nil
	case port != 0 && rndcPort != 0:
		return port, rndcPort, nil
	}

	for attempt := 0; attempt < maxPortAttempts; attempt++ {
		ports, err := alloc(1)
		if err != nil {
			return 0, 0, err
		}
		if port == 0 && ports[0] != rndcPort {
			return ports[0], rndcPort, nil
		}
		if rndcPort == 0 && ports[0] != port {
			return port, ports[0], nil
		}
	}
	return 0, 0, &Error{
		Kind: KindEnvironment,
		Op:   OpAllocate,
		Path: LoopbackV4,
		Err:  fmt.Errorf("%w: allocated port keeps colliding with the supplied one", ErrNoFreePorts),
	}
}

// Validate checks the invariants of a resolved config
func (c *InstanceConfig) Validate() error {
	invalid := func(format string, args ...any) error {
		return &Error{
			Kind: KindConfig,
			Op:   OpWorkspace,
			Path: c.HomeDir,
			Err:  fmt.Errorf("%w: %s", ErrInvalidConfig, fmt.Sprintf(format, args...)),
		}
	}

	if !validPort(c.Port) {
		return invalid("port %d out of range", c.Port)
	}
	if !validPort(c.RndcPort) {
		return invalid("rndc port %d out of range", c.RndcPort)
	}
	if c.Port == c.RndcPort {
		return invalid("port and rndc port are both %d", c.Port)
	}
	if !filepath.IsAbs(c.HomeDir) {
		return invalid("home dir %q is not absolute", c.HomeDir)
	}

	derived := []string{c.NamedFile, c.ConfFile, c.RndcConfFile, c.PIDFile, c.SessionKeyFile}
	if c.IncludeInOptions != "" {
		derived = append(derived, c.IncludeInOptions)
	}
	for _, p := range derived {
		if !within(c.HomeDir, p) {
			return invalid("%q is outside the home dir", p)
		}
	}
	return nil
}

// ListenAddr returns the IPv4 address the daemon serves DNS on
func (c *InstanceConfig) ListenAddr() string {
	return fmt.Sprintf("%s:%d", LoopbackV4, c.Port)
}

func validPort(p int) bool {
	return p > 0 && p <= 65535
}

func within(dir, path string) bool {
	rel, err := filepath.Rel(dir, path)
	if err != nil {
		return false
	}
	return rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator)) && !filepath.IsAbs(rel)
}
