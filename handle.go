package bindfixture

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"time"

	"vawter.tech/stopper"
)

// ProcessState is the lifecycle state of a supervised process
type ProcessState int

const (
	// StateNotStarted means no process has been spawned
	StateNotStarted ProcessState = iota
	// StateRunning means the process has been spawned and not yet reaped
	StateRunning
	// StateExited means the process has been reaped
	StateExited
)

// String returns the string representation of a ProcessState
func (s ProcessState) String() string {
	switch s {
	case StateNotStarted:
		return "not-started"
	case StateRunning:
		return "running"
	case StateExited:
		return "exited"
	default:
		return "unknown"
	}
}

// ProcessHandle owns one spawned daemon: its process, its log file and
// the goroutine that reaps it.
type ProcessHandle struct {
	cmd       *exec.Cmd
	startedAt time.Time
	logPath   string

	// logWriter is the daemon's stdout/stderr; closed once reaped
	logWriter *os.File
	// logReader stays open so the log can be read after it is unlinked
	logReader *os.File

	reaper *stopper.Context
	done   chan struct{}

	mu       sync.Mutex
	state    ProcessState
	exitCode int
	waitErr  error
	closed   bool
}

func newProcessHandle(cmd *exec.Cmd, logPath string, logWriter, logReader *os.File) *ProcessHandle {
	h := &ProcessHandle{
		cmd:       cmd,
		startedAt: time.Now(),
		logPath:   logPath,
		logWriter: logWriter,
		logReader: logReader,
		done:      make(chan struct{}),
		state:     StateRunning,
		exitCode:  -1,
	}

	h.reaper = stopper.WithContext(context.Background())
	h.reaper.Go(func(*stopper.Context) error {
		err := cmd.Wait()

		h.mu.Lock()
		h.state = StateExited
		h.waitErr = err
		if cmd.ProcessState != nil {
			h.exitCode = cmd.ProcessState.ExitCode()
		}
		h.mu.Unlock()

		_ = logWriter.Close()
		close(h.done)
		return nil
	})

	return h
}

// PID returns the operating system process id
func (h *ProcessHandle) PID() int {
	return h.cmd.Process.Pid
}

// StartedAt returns when the process was spawned
func (h *ProcessHandle) StartedAt() time.Time {
	return h.startedAt
}

// LogPath returns the file the daemon's output goes to
func (h *ProcessHandle) LogPath() string {
	return h.logPath
}

// State returns the current lifecycle state
func (h *ProcessHandle) State() ProcessState {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.state
}

// IsRunning reports whether the process has not been reaped yet
func (h *ProcessHandle) IsRunning() bool {
	select {
	case <-h.done:
		return false
	default:
		return true
	}
}

// Done is closed once the process has been reaped
func (h *ProcessHandle) Done() <-chan struct{} {
	return h.done
}

// ExitCode returns the exit code of a reaped process, -1 while it is
// running or when it was killed by a signal
func (h *ProcessHandle) ExitCode() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.exitCode
}

// Wait blocks until the process has been reaped or ctx is done
func (h *ProcessHandle) Wait(ctx context.Context) error {
	select {
	case <-h.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Signal sends sig to the process. Signalling a reaped process is a no-op.
func (h *ProcessHandle) Signal(sig os.Signal) error {
	if !h.IsRunning() {
		return nil
	}
	if err := h.cmd.Process.Signal(sig); err != nil && h.IsRunning() {
		return fmt.Errorf("signal %v to pid %d: %w", sig, h.PID(), err)
	}
	return nil
}

// Log returns everything the daemon has logged so far. It keeps working
// after the log file has been removed from the workspace.
func (h *ProcessHandle) Log() ([]byte, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return nil, os.ErrClosed
	}

	info, err := h.logReader.Stat()
	if err != nil {
		return nil, fmt.Errorf("stat log: %w", err)
	}
	return io.ReadAll(io.NewSectionReader(h.logReader, 0, info.Size()))
}

// Close releases the log descriptors. The process must have been reaped.
func (h *ProcessHandle) Close() error {
	if h.IsRunning() {
		return fmt.Errorf("closing handle of running pid %d", h.PID())
	}

	h.reaper.Stop(0)
	if err := h.reaper.Wait(); err != nil {
		return err
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return nil
	}
	h.closed = true
	return h.logReader.Close()
}
