package bindfixture

import (
	"fmt"
	"os"
	"path/filepath"
)

// Workspace is the directory tree holding one instance's configuration,
// log, key material and copied executable.
type Workspace struct {
	// Dir is the absolute path of the instance directory
	Dir string

	// Owned reports whether the directory was created by BuildWorkspace
	// and may therefore be removed by Remove
	Owned bool
}

// BuildWorkspace prepares an instance directory.
//
// With an empty dir it creates a fresh, uniquely named directory under
// os.TempDir; every call yields a new one. With a non-empty dir the
// directory is created if missing and reused as is; Remove leaves it in
// place.
func BuildWorkspace(dir string) (*Workspace, error) {
	if dir == "" {
		tmp, err := os.MkdirTemp("", "bindfixture-")
		if err != nil {
			return nil, &Error{Kind: KindEnvironment, Op: OpWorkspace, Path: os.TempDir(), Err: err}
		}
		// MkdirTemp may return a relative path when TMPDIR is relative
		abs, err := filepath.Abs(tmp)
		if err != nil {
			_ = os.RemoveAll(tmp)
			return nil, &Error{Kind: KindEnvironment, Op: OpWorkspace, Path: tmp, Err: err}
		}
		return &Workspace{Dir: abs, Owned: true}, nil
	}

	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, &Error{Kind: KindConfig, Op: OpWorkspace, Path: dir, Err: fmt.Errorf("resolving home dir: %w", err)}
	}
	if err := os.MkdirAll(abs, DirMode); err != nil {
		return nil, &Error{Kind: KindEnvironment, Op: OpWorkspace, Path: abs, Err: err}
	}
	return &Workspace{Dir: abs}, nil
}

// ConfFile returns the path of the generated named.conf
func (w *Workspace) ConfFile() string {
	return filepath.Join(w.Dir, ConfFileName)
}

// RndcConfFile returns the path of the generated rndc.conf
func (w *Workspace) RndcConfFile() string {
	return filepath.Join(w.Dir, RndcConfFileName)
}

// LogFile returns the default log file path
func (w *Workspace) LogFile() string {
	return filepath.Join(w.Dir, LogFileName)
}

// PIDFile returns the path named writes its pid to
func (w *Workspace) PIDFile() string {
	return filepath.Join(w.Dir, PIDFileName)
}

// SessionKeyFile returns the path of named's session key
func (w *Workspace) SessionKeyFile() string {
	return filepath.Join(w.Dir, SessionKeyFileName)
}

// ExecutableFile returns where the executable at src is copied to
func (w *Workspace) ExecutableFile(src string) string {
	return filepath.Join(w.Dir, filepath.Base(src))
}

// Remove deletes an owned workspace recursively. It is a no-op for
// caller-supplied directories and for a workspace that is already gone.
func (w *Workspace) Remove() error {
	if w == nil || !w.Owned {
		return nil
	}
	if err := os.RemoveAll(w.Dir); err != nil {
		return &Error{Op: OpCleanup, Path: w.Dir, Err: err}
	}
	return nil
}
