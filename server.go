package bindfixture

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/hashicorp/go-multierror"
	"github.com/miekg/dns"
	log "github.com/sirupsen/logrus"
)

// Detail keys recorded by a Server
const (
	// DetailLog holds the daemon's log captured during shutdown
	DetailLog = "named.log"
	// DetailStopOut holds what "rndc stop" printed on stdout
	DetailStopOut = "stop-out"
	// DetailStopErr holds what "rndc stop" printed on stderr
	DetailStopErr = "stop-err"
)

// Server is one ephemeral BIND instance. Start acquires everything the
// instance needs and Stop releases it again:
//
//	srv, err := bindfixture.NewServer(bindfixture.WithExtraConfig(zones))
//	if err != nil {
//	    return err
//	}
//	if err := srv.Start(ctx); err != nil {
//	    return err
//	}
//	defer srv.Stop(ctx)
//
// A Server can be started once. It is safe for concurrent use.
type Server struct {
	id        string
	resources Resources
	paths     Paths

	allocator     PortAllocator
	supervisor    *Supervisor
	probe         ReadinessProbe
	logger        *log.Entry
	overwrite     bool
	keepWorkspace bool
	followLog     bool
	startAttempts int
	retryDelay    time.Duration
	stopTimeout   time.Duration

	mu       sync.Mutex
	started  bool
	cfg      *InstanceConfig
	handle   *ProcessHandle
	ctl      *ControlClient
	cleanups []cleanup
	details  map[string]string
	outcome  Outcome
}

// cleanup is one release step pushed by Start
type cleanup struct {
	name string
	fn   func(ctx context.Context) error
}

// Option configures a Server
type Option func(*Server)

// WithPort sets the DNS port instead of allocating a free one
func WithPort(port int) Option {
	return func(s *Server) {
		s.resources.Port = port
	}
}

// WithRndcPort sets the control port instead of allocating a free one
func WithRndcPort(port int) Option {
	return func(s *Server) {
		s.resources.RndcPort = port
	}
}

// WithHomeDir uses dir as the workspace. The directory is created if
// needed and is never removed by Stop.
func WithHomeDir(dir string) Option {
	return func(s *Server) {
		s.resources.HomeDir = dir
	}
}

// WithLogFile sends the daemon's log to path. Relative paths are taken
// relative to the home directory.
func WithLogFile(path string) Option {
	return func(s *Server) {
		s.resources.LogFile = path
	}
}

// WithIncludeInOptions includes a file from the home directory inside
// the options block of named.conf
func WithIncludeInOptions(path string) Option {
	return func(s *Server) {
		s.resources.IncludeInOptions = path
	}
}

// WithExtraConfig appends text, typically zone statements, to named.conf
func WithExtraConfig(text string) Option {
	return func(s *Server) {
		s.resources.Extra = text
	}
}

// WithDefaultControls also opens rndc on port 953
func WithDefaultControls(enabled bool) Option {
	return func(s *Server) {
		s.resources.IncludeDefaultControls = enabled
	}
}

// WithPaths sets the install locations of named, rndc and named-checkconf
func WithPaths(paths Paths) Option {
	return func(s *Server) {
		s.paths = paths
	}
}

// WithOverwriteConfig rewrites configuration files that already exist
func WithOverwriteConfig(overwrite bool) Option {
	return func(s *Server) {
		s.overwrite = overwrite
	}
}

// WithPollInterval sets the pause between readiness probes
func WithPollInterval(d time.Duration) Option {
	return func(s *Server) {
		s.supervisor.PollInterval = d
	}
}

// WithReadyTimeout bounds the readiness wait
func WithReadyTimeout(d time.Duration) Option {
	return func(s *Server) {
		s.supervisor.ReadyTimeout = d
	}
}

// WithKillGrace sets the pause between SIGTERM and SIGKILL
func WithKillGrace(d time.Duration) Option {
	return func(s *Server) {
		s.supervisor.KillGrace = d
	}
}

// WithStopTimeout bounds the wait for exit after "rndc stop"
func WithStopTimeout(d time.Duration) Option {
	return func(s *Server) {
		s.stopTimeout = d
	}
}

// WithProbe replaces the default "rndc status" readiness probe
func WithProbe(p ReadinessProbe) Option {
	return func(s *Server) {
		s.probe = p
	}
}

// WithLogger sets the logger for lifecycle messages
func WithLogger(l *log.Entry) Option {
	return func(s *Server) {
		s.logger = l
	}
}

// WithStartAttempts lets Start retry a daemon that exits before becoming
// ready, which is how a port taken between allocation and bind shows up.
// Retries only happen when both ports and the home directory are
// allocated by the Server.
func WithStartAttempts(n int) Option {
	return func(s *Server) {
		s.startAttempts = n
	}
}

// WithRetryDelay sets the pause between two start attempts
func WithRetryDelay(d time.Duration) Option {
	return func(s *Server) {
		s.retryDelay = d
	}
}

// WithLogFollow streams the daemon's log lines to the logger at debug level
func WithLogFollow(enabled bool) Option {
	return func(s *Server) {
		s.followLog = enabled
	}
}

// WithKeepWorkspace leaves a temporary home directory in place on Stop
func WithKeepWorkspace(keep bool) Option {
	return func(s *Server) {
		s.keepWorkspace = keep
	}
}

// WithEnv adds an environment variable for the daemon
func WithEnv(key, value string) Option {
	return func(s *Server) {
		s.supervisor.Env[key] = value
	}
}

// WithPortAllocator replaces AllocatePorts
func WithPortAllocator(alloc PortAllocator) Option {
	return func(s *Server) {
		s.allocator = alloc
	}
}

// NewServer creates a Server. Install paths come from the environment
// (see LoadPaths) unless WithPaths is given.
func NewServer(opts ...Option) (*Server, error) {
	paths, err := LoadPaths()
	if err != nil {
		return nil, err
	}

	s := &Server{
		id:            uuid.NewString(),
		paths:         paths,
		allocator:     AllocatePorts,
		supervisor:    NewSupervisor(),
		startAttempts: DefaultStartAttempts,
		retryDelay:    DefaultRetryDelay,
		stopTimeout:   DefaultStopTimeout,
		details:       make(map[string]string),
	}

	for _, opt := range opts {
		opt(s)
	}

	if s.logger == nil {
		s.logger = log.NewEntry(log.StandardLogger())
	}
	s.logger = s.logger.WithField("instance", s.id)

	invalid := func(format string, args ...any) error {
		return &Error{Kind: KindConfig, Op: OpUnknown, Path: s.resources.HomeDir,
			Err: fmt.Errorf("%w: %s", ErrInvalidConfig, fmt.Sprintf(format, args...))}
	}
	if s.resources.Port != 0 && !validPort(s.resources.Port) {
		return nil, invalid("port %d out of range", s.resources.Port)
	}
	if s.resources.RndcPort != 0 && !validPort(s.resources.RndcPort) {
		return nil, invalid("rndc port %d out of range", s.resources.RndcPort)
	}
	if s.startAttempts < 1 {
		return nil, invalid("start attempts must be at least 1, got %d", s.startAttempts)
	}
	if s.supervisor.PollInterval <= 0 {
		return nil, invalid("poll interval must be positive, got %v", s.supervisor.PollInterval)
	}

	return s, nil
}

// ID returns the instance id used in log fields
func (s *Server) ID() string {
	return s.id
}

// Start allocates ports and a workspace, writes the configuration, spawns
// named and waits until it is ready. When any step fails, everything
// acquired so far is released again before Start returns; Details still
// holds the captured log afterwards.
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.started {
		return ErrAlreadyStarted
	}
	s.started = true

	attempt := 0
	op := func() error {
		attempt++
		err := s.start(ctx)
		if err == nil {
			return nil
		}

		if rerr := s.release(context.WithoutCancel(ctx)); rerr != nil {
			s.logger.WithError(rerr).Warn("release after failed start")
		}
		if !s.retryable(err) {
			return backoff.Permanent(err)
		}
		s.logger.WithError(err).WithField("attempt", attempt).Warn("named exited during start, retrying")
		return err
	}

	b := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewConstantBackOff(s.retryDelay), uint64(s.startAttempts-1)),
		ctx)
	return backoff.Retry(op, b)
}

// retryable reports whether a failed start may be attempted again. Only
// a premature exit qualifies, and only when a new attempt gets new ports.
func (s *Server) retryable(err error) bool {
	return KindOf(err) == KindPrematureExit &&
		s.resources.Port == 0 && s.resources.RndcPort == 0 && s.resources.HomeDir == ""
}

// start runs one acquisition, pushing a cleanup for every resource
func (s *Server) start(ctx context.Context) error {
	cfg, ws, err := s.resources.Resolve(s.paths.Named, s.allocator)
	if err != nil {
		return err
	}
	s.push("workspace", func(context.Context) error {
		if s.keepWorkspace {
			s.logger.WithField("homedir", ws.Dir).Info("keeping workspace")
			return nil
		}
		return ws.Remove()
	})

	logger := s.logger.WithFields(log.Fields{
		"port":      cfg.Port,
		"rndc_port": cfg.RndcPort,
		"homedir":   cfg.HomeDir,
	})
	s.cfg = cfg

	m := NewMaterializer(s.paths)
	m.Logger = logger
	if err := m.Write(cfg, s.overwrite); err != nil {
		return err
	}
	logger = logger.WithFields(log.Fields{"port": cfg.Port, "rndc_port": cfg.RndcPort})

	s.ctl = NewControlClient(s.paths.Rndc, cfg.RndcConfFile)

	sup := *s.supervisor
	sup.Logger = logger
	h, err := sup.Spawn(ctx, cfg)
	if err != nil {
		return err
	}
	s.handle = h

	var follower *LogFollower
	s.push("named", func(ctx context.Context) error {
		err := s.shutdown(ctx, &sup, h)
		if follower != nil {
			err = multierror.Append(err, follower.Stop()).ErrorOrNil()
		}
		return err
	})

	if s.followLog {
		follower, err = FollowLog(context.WithoutCancel(ctx), cfg.LogFile, func(line string) {
			logger.WithField("source", "named").Debug(line)
		})
		if err != nil {
			return err
		}
	}

	probe := s.probe
	if probe == nil {
		probe = &ControlProbe{Client: s.ctl}
	}
	if err := sup.WaitReady(ctx, h, probe); err != nil {
		return err
	}

	logger.Info("named is up")
	return nil
}

// shutdown stops the daemon, falling back to signals when the control
// channel fails, and captures its log into the details
func (s *Server) shutdown(ctx context.Context, sup *Supervisor, h *ProcessHandle) error {
	var result *multierror.Error

	gctx := ctx
	if s.stopTimeout > 0 {
		var cancel context.CancelFunc
		gctx, cancel = context.WithTimeout(ctx, s.stopTimeout)
		defer cancel()
	}

	res, err := sup.StopGracefully(gctx, h, s.ctl)
	s.details[DetailStopOut] = res.Stdout
	s.details[DetailStopErr] = res.Stderr
	if err != nil {
		sup.logger().WithError(err).Warn("graceful stop failed")
		res, err = sup.ForceStop(ctx, h)
		if err != nil {
			result = multierror.Append(result, err)
		}
	}
	s.outcome = res.Outcome

	if data, err := h.Log(); err != nil {
		result = multierror.Append(result, &Error{Op: OpCleanup, Path: h.LogPath(), Err: err})
	} else {
		s.details[DetailLog] = string(data)
	}

	if !h.IsRunning() {
		if err := h.Close(); err != nil {
			result = multierror.Append(result, &Error{Op: OpCleanup, Path: h.LogPath(), Err: err})
		}
	}

	return result.ErrorOrNil()
}

func (s *Server) push(name string, fn func(ctx context.Context) error) {
	s.cleanups = append(s.cleanups, cleanup{name: name, fn: fn})
}

// release runs every pushed cleanup in reverse order. A failing cleanup
// does not keep the ones before it from running.
func (s *Server) release(ctx context.Context) error {
	var result *multierror.Error
	for i := len(s.cleanups) - 1; i >= 0; i-- {
		c := s.cleanups[i]
		if err := c.fn(ctx); err != nil {
			s.logger.WithError(err).WithField("step", c.name).Warn("cleanup failed")
			result = multierror.Append(result, fmt.Errorf("%s: %w", c.name, err))
		}
	}
	s.cleanups = nil
	return result.ErrorOrNil()
}

// Stop shuts the daemon down and removes a temporary workspace. It is safe
// to call after a failed Start and more than once.
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.cleanups) == 0 {
		return nil
	}
	err := s.release(ctx)
	if err == nil {
		s.logger.WithField("outcome", s.outcome).Info("server stopped")
	}
	return err
}

// Config returns the resolved configuration, nil before Start
func (s *Server) Config() *InstanceConfig {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg
}

// Addr returns the host:port the server answers DNS on
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cfg == nil {
		return ""
	}
	return s.cfg.ListenAddr()
}

// Handle returns the process handle of the daemon, nil before Start
func (s *Server) Handle() *ProcessHandle {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.handle
}

// Outcome reports how the daemon was stopped
func (s *Server) Outcome() Outcome {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.outcome
}

// Details returns a copy of the recorded details: the daemon log and
// what "rndc stop" printed. They are filled in by Stop and by a failed
// Start.
func (s *Server) Details() map[string]string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return maps.Clone(s.details)
}

// Rndc runs an rndc command against the server and returns its stdout
func (s *Server) Rndc(ctx context.Context, command string, args ...string) (string, error) {
	ctl, err := s.running()
	if err != nil {
		return "", err
	}
	stdout, stderr, err := ctl.Execute(ctx, command, args...)
	if err != nil && stderr != "" {
		return stdout, fmt.Errorf("%w: %s", err, stderr)
	}
	return stdout, err
}

// Status runs "rndc status" against the server
func (s *Server) Status(ctx context.Context) (ServerStatus, error) {
	ctl, err := s.running()
	if err != nil {
		return ServerStatus{}, err
	}
	return ctl.ServerStatus(ctx)
}

// Exchange sends a DNS query to the server over UDP
func (s *Server) Exchange(ctx context.Context, m *dns.Msg) (*dns.Msg, error) {
	if _, err := s.running(); err != nil {
		return nil, err
	}
	c := new(dns.Client)
	r, _, err := c.ExchangeContext(ctx, m, s.Addr())
	return r, err
}

func (s *Server) running() (*ControlClient, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.handle == nil || !s.handle.IsRunning() || s.ctl == nil {
		return nil, ErrNotStarted
	}
	return s.ctl, nil
}

// IsEnvironmentError reports whether err means the host is missing
// something the fixture needs, such as the named executable. Test
// helpers use it to skip instead of fail.
func IsEnvironmentError(err error) bool {
	return KindOf(err) == KindEnvironment || errors.Is(err, ErrExecutableNotFound)
}
