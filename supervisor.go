package bindfixture

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"sort"
	"syscall"
	"time"

	"github.com/cenkalti/backoff/v4"
	log "github.com/sirupsen/logrus"

	"github.com/axondata/go-bindfixture/internal/unix"
)

// spawnRetries bounds retries of a spawn that failed with ETXTBSY. A fork
// elsewhere in the test binary can briefly hold the freshly copied
// executable open for writing.
const spawnRetries = 5

// inheritedEnv lists the variables passed through to the daemon
var inheritedEnv = []string{"PATH", "LANG", "LC_ALL", "TZ"}

// Outcome tells which path a shutdown took
type Outcome int

const (
	// OutcomeUnknown means no shutdown has happened
	OutcomeUnknown Outcome = iota
	// OutcomeGracefulExit means the daemon exited after "rndc stop"
	OutcomeGracefulExit
	// OutcomeForcedExit means the daemon was signalled
	OutcomeForcedExit
	// OutcomeAlreadyExited means the daemon was gone before shutdown began
	OutcomeAlreadyExited
)

// String returns the string representation of an Outcome
func (o Outcome) String() string {
	switch o {
	case OutcomeGracefulExit:
		return "graceful-exit"
	case OutcomeForcedExit:
		return "forced-exit"
	case OutcomeAlreadyExited:
		return "already-exited"
	default:
		return "unknown"
	}
}

// ShutdownResult describes how a daemon was stopped
type ShutdownResult struct {
	// Outcome is the path the shutdown took
	Outcome Outcome
	// ExitCode is the reaped exit code, -1 when killed by a signal
	ExitCode int
	// Stdout and Stderr are what "rndc stop" printed, if it ran
	Stdout string
	Stderr string
}

// Supervisor spawns the daemon and owns its lifecycle
type Supervisor struct {
	// PollInterval is the pause between readiness probes
	PollInterval time.Duration

	// ReadyTimeout bounds the readiness wait, measured from spawn
	ReadyTimeout time.Duration

	// KillGrace is how long ForceStop waits after SIGTERM before SIGKILL
	KillGrace time.Duration

	// Env holds extra environment variables for the daemon
	Env map[string]string

	// Logger receives lifecycle messages; the standard logger when nil
	Logger *log.Entry
}

// NewSupervisor creates a Supervisor with default timings
func NewSupervisor() *Supervisor {
	return &Supervisor{
		PollInterval: DefaultPollInterval,
		ReadyTimeout: DefaultReadyTimeout,
		KillGrace:    DefaultKillGrace,
		Env:          make(map[string]string),
	}
}

func (s *Supervisor) logger() *log.Entry {
	if s.Logger != nil {
		return s.Logger
	}
	return log.NewEntry(log.StandardLogger())
}

// Spawn starts the workspace copy of named in the foreground on
// cfg.ConfFile. Its output goes to cfg.LogFile, its stdin is the null
// device and its environment is reduced to a few inherited variables
// with HOME pointing into the workspace.
func (s *Supervisor) Spawn(ctx context.Context, cfg *InstanceConfig) (*ProcessHandle, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	fail := func(err error) (*ProcessHandle, error) {
		return nil, &Error{Kind: KindEnvironment, Op: OpSpawn, Path: cfg.NamedFile, Err: err}
	}

	logWriter, err := os.OpenFile(cfg.LogFile, os.O_WRONLY|os.O_CREATE|os.O_TRUNC|os.O_APPEND, FileMode)
	if err != nil {
		return fail(fmt.Errorf("open log: %w", err))
	}

	devNull, err := os.Open(os.DevNull)
	if err != nil {
		_ = logWriter.Close()
		return fail(err)
	}
	defer func() { _ = devNull.Close() }()

	var cmd *exec.Cmd
	start := func() error {
		cmd = exec.Command(cfg.NamedFile, "-f", "-c", cfg.ConfFile)
		cmd.Dir = cfg.HomeDir
		cmd.Env = s.environ(cfg.HomeDir)
		cmd.Stdin = devNull
		cmd.Stdout = logWriter
		cmd.Stderr = logWriter
		cmd.SysProcAttr = unix.SysProcAttr()

		err := unix.WithDefaultSIGPIPE(cmd.Start)
		if err != nil && !errors.Is(err, syscall.ETXTBSY) {
			return backoff.Permanent(err)
		}
		return err
	}
	b := backoff.WithContext(backoff.WithMaxRetries(backoff.NewConstantBackOff(50*time.Millisecond), spawnRetries), ctx)
	if err := backoff.Retry(start, b); err != nil {
		_ = logWriter.Close()
		return fail(err)
	}

	logReader, err := os.Open(cfg.LogFile)
	if err != nil {
		_ = cmd.Process.Kill()
		_ = cmd.Wait()
		_ = logWriter.Close()
		return fail(fmt.Errorf("open log for reading: %w", err))
	}

	h := newProcessHandle(cmd, cfg.LogFile, logWriter, logReader)
	s.logger().WithFields(log.Fields{
		"pid":  h.PID(),
		"conf": cfg.ConfFile,
		"log":  cfg.LogFile,
	}).Info("spawned named")
	return h, nil
}

// environ builds the daemon's environment
func (s *Supervisor) environ(home string) []string {
	env := []string{"HOME=" + home}
	for _, key := range inheritedEnv {
		if v, ok := os.LookupEnv(key); ok {
			env = append(env, key+"="+v)
		}
	}

	keys := make([]string, 0, len(s.Env))
	for k := range s.Env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		env = append(env, k+"="+s.Env[k])
	}
	return env
}

// WaitReady polls probe every PollInterval until it reports ready.
//
// It fails with KindPrematureExit as soon as the process is seen to have
// exited, and with KindTimeout when ReadyTimeout has elapsed since spawn
// while the process is still alive. Both errors carry the log path.
func (s *Supervisor) WaitReady(ctx context.Context, h *ProcessHandle, probe ReadinessProbe) error {
	deadline := h.StartedAt().Add(s.ReadyTimeout)
	pctx, cancel := context.WithDeadline(ctx, deadline)
	defer cancel()

	ticker := time.NewTicker(s.PollInterval)
	defer ticker.Stop()

	logger := s.logger().WithField("pid", h.PID())
	for attempt := 1; ; attempt++ {
		if !h.IsRunning() {
			return &Error{
				Kind: KindPrematureExit,
				Op:   OpWaitReady,
				Path: h.LogPath(),
				Err:  fmt.Errorf("%w: exit code %d", ErrPrematureExit, h.ExitCode()),
			}
		}
		if !time.Now().Before(deadline) {
			return &Error{
				Kind: KindTimeout,
				Op:   OpWaitReady,
				Path: h.LogPath(),
				Err:  fmt.Errorf("%w after %v", ErrTimeout, s.ReadyTimeout),
			}
		}

		ready, err := probe.Ready(pctx)
		if ready {
			logger.WithField("attempts", attempt).Info("named is ready")
			return nil
		}
		if err != nil {
			logger.WithError(err).WithField("attempt", attempt).Debug("named not ready")
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-h.Done():
		case <-ticker.C:
		}
	}
}

// StopGracefully asks the daemon to stop over the control channel and
// waits for it to exit. The wait is bounded only by ctx. When the stop
// command cannot be delivered a KindControl error is returned and the
// caller is expected to fall back to ForceStop.
func (s *Supervisor) StopGracefully(ctx context.Context, h *ProcessHandle, ctl *ControlClient) (ShutdownResult, error) {
	if !h.IsRunning() {
		return ShutdownResult{Outcome: OutcomeAlreadyExited, ExitCode: h.ExitCode()}, nil
	}

	stdout, stderr, err := ctl.Execute(ctx, "stop")
	res := ShutdownResult{Stdout: stdout, Stderr: stderr}
	if err != nil {
		return res, err
	}

	if err := h.Wait(ctx); err != nil {
		return res, &Error{Op: OpStop, Path: h.LogPath(), Err: fmt.Errorf("waiting for pid %d: %w", h.PID(), err)}
	}

	res.Outcome = OutcomeGracefulExit
	res.ExitCode = h.ExitCode()
	s.logger().WithFields(log.Fields{"pid": h.PID(), "exit_code": res.ExitCode}).Info("named stopped")
	return res, nil
}

// ForceStop sends SIGTERM and waits for the process to exit, escalating
// to SIGKILL after KillGrace or when ctx is done first.
func (s *Supervisor) ForceStop(ctx context.Context, h *ProcessHandle) (ShutdownResult, error) {
	if !h.IsRunning() {
		return ShutdownResult{Outcome: OutcomeAlreadyExited, ExitCode: h.ExitCode()}, nil
	}

	logger := s.logger().WithField("pid", h.PID())
	logger.Warn("terminating named")
	if err := h.Signal(syscall.SIGTERM); err != nil {
		return ShutdownResult{}, &Error{Op: OpStop, Path: h.LogPath(), Err: err}
	}

	grace := time.NewTimer(s.KillGrace)
	defer grace.Stop()

	select {
	case <-h.Done():
	case <-grace.C:
		logger.Warn("named ignored SIGTERM, killing")
		if err := h.Signal(syscall.SIGKILL); err != nil {
			return ShutdownResult{}, &Error{Op: OpStop, Path: h.LogPath(), Err: err}
		}
		if err := h.Wait(ctx); err != nil {
			return ShutdownResult{}, &Error{Op: OpStop, Path: h.LogPath(), Err: err}
		}
	case <-ctx.Done():
		_ = h.Signal(syscall.SIGKILL)
		return ShutdownResult{}, &Error{Op: OpStop, Path: h.LogPath(), Err: ctx.Err()}
	}

	return ShutdownResult{Outcome: OutcomeForcedExit, ExitCode: h.ExitCode()}, nil
}
