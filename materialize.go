package bindfixture

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"os/exec"

	"github.com/google/renameio/v2"
	log "github.com/sirupsen/logrus"
)

// Materializer writes an instance's configuration files and copies the
// daemon executable into its workspace.
//
// Every file is skipped when it already exists unless overwrite is set,
// so a prepared home directory can be reused across runs without losing
// manual edits. All writes go through a temporary file and a rename.
type Materializer struct {
	// NamedPath is the installed daemon copied into the workspace
	NamedPath string

	// CheckconfPath is named-checkconf, used by Validate
	CheckconfPath string

	// KeyName names the generated rndc key
	KeyName string

	// Logger receives debug output; the standard logger when nil
	Logger *log.Entry
}

// NewMaterializer creates a Materializer for the given install paths
func NewMaterializer(paths Paths) *Materializer {
	return &Materializer{
		NamedPath:     paths.Named,
		CheckconfPath: paths.NamedCheckconf,
		KeyName:       RndcKeyName,
	}
}

func (m *Materializer) logger() *log.Entry {
	if m.Logger != nil {
		return m.Logger
	}
	return log.NewEntry(log.StandardLogger())
}

// Write materializes named.conf, rndc.conf and the daemon executable
// for cfg.
//
// The executable is checked first: when it has to be copied and the
// source does not exist, Write fails with a KindEnvironment error before
// touching anything.
//
// When named.conf is kept, cfg's ports are replaced by the ones it
// configures.
func (m *Materializer) Write(cfg *InstanceConfig, overwrite bool) error {
	copyNamed := shouldWrite(cfg.NamedFile, overwrite)
	if copyNamed {
		if _, err := os.Stat(m.NamedPath); err != nil {
			return &Error{
				Kind: KindEnvironment,
				Op:   OpMaterialize,
				Path: m.NamedPath,
				Err: fmt.Errorf("%w: %q not found. Install the package 'bind9' or "+
					"define an environment variable named NAMED_PATH with the path "+
					"where the 'named' executable can be found: %v",
					ErrExecutableNotFound, m.NamedPath, err),
			}
		}
	}

	writeConf := shouldWrite(cfg.ConfFile, overwrite)
	if !writeConf {
		if err := m.adoptPorts(cfg); err != nil {
			return err
		}
	}

	cred, keepRndc, err := m.credential(cfg, overwrite)
	if err != nil {
		return err
	}

	if writeConf {
		conf, err := m.RenderNamedConf(cfg, cred)
		if err != nil {
			return err
		}
		if err := writeGenerated(cfg.ConfFile, conf, SecretMode); err != nil {
			return err
		}
		m.logger().WithField("path", cfg.ConfFile).Debug("wrote named config")
	}

	if !keepRndc {
		conf, err := cred.ClientConfig(cfg.RndcPort)
		if err != nil {
			return &Error{Kind: KindConfig, Op: OpMaterialize, Path: cfg.RndcConfFile, Err: err}
		}
		if err := writeGenerated(cfg.RndcConfFile, GeneratedHeader+conf, SecretMode); err != nil {
			return err
		}
		m.logger().WithField("path", cfg.RndcConfFile).Debug("wrote rndc config")
	}

	// named's AppArmor profile only lets it read configuration from a
	// fixed set of directories, none of them writable by an ordinary user.
	// A copy outside /usr/sbin runs unconfined.
	if copyNamed {
		if err := copyExecutable(m.NamedPath, cfg.NamedFile); err != nil {
			return err
		}
		m.logger().WithField("path", cfg.NamedFile).Debug("copied named executable")
	}

	return nil
}

// credential returns the key the instance uses and whether the existing
// rndc.conf is kept. An existing rndc.conf is never replaced unless
// overwrite is set; its key, or failing that the key of a kept named.conf,
// is used so both files keep agreeing.
func (m *Materializer) credential(cfg *InstanceConfig, overwrite bool) (*ControlCredential, bool, error) {
	keepRndc := !shouldWrite(cfg.RndcConfFile, overwrite)
	if keepRndc {
		cred, err := m.readCredential(cfg.RndcConfFile)
		if err != nil {
			return nil, false, err
		}
		if cred != nil {
			return cred, true, nil
		}
	}

	if !shouldWrite(cfg.ConfFile, overwrite) {
		cred, err := m.readCredential(cfg.ConfFile)
		if err != nil {
			return nil, false, err
		}
		if cred != nil {
			return cred, keepRndc, nil
		}
	}

	cred, err := GenerateCredential(m.KeyName)
	if err != nil {
		return nil, false, &Error{Kind: KindEnvironment, Op: OpMaterialize, Path: cfg.RndcConfFile, Err: err}
	}
	if keepRndc && shouldWrite(cfg.ConfFile, overwrite) {
		m.logger().WithField("path", cfg.RndcConfFile).
			Warn("keeping rndc.conf without an inline key, named.conf gets a new key it may not match")
	}
	return cred, keepRndc, nil
}

// adoptPorts makes cfg use the ports of a kept named.conf, since those
// are the ones named will listen on
func (m *Materializer) adoptPorts(cfg *InstanceConfig) error {
	data, err := os.ReadFile(cfg.ConfFile)
	if err != nil {
		return &Error{Kind: KindConfig, Op: OpMaterialize, Path: cfg.ConfFile, Err: err}
	}
	port, rndcPort := ParseConfPorts(string(data))

	logger := m.logger().WithField("path", cfg.ConfFile)
	if port != 0 && port != cfg.Port {
		logger.WithFields(log.Fields{"port": port, "resolved": cfg.Port}).Warn("using the DNS port of the kept named.conf")
		cfg.Port = port
	}
	if rndcPort != 0 && rndcPort != cfg.RndcPort {
		logger.WithFields(log.Fields{"rndc_port": rndcPort, "resolved": cfg.RndcPort}).Warn("using the rndc port of the kept named.conf")
		cfg.RndcPort = rndcPort
	}
	return nil
}

// readCredential returns the key in an existing file, or nil when the
// file has none
func (m *Materializer) readCredential(path string) (*ControlCredential, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, &Error{Kind: KindConfig, Op: OpMaterialize, Path: path, Err: err}
	}
	cred, err := ParseCredential(string(data))
	if err != nil {
		m.logger().WithError(err).WithField("path", path).Warn("existing config has no usable rndc key")
		return nil, nil
	}
	return cred, nil
}

// RenderNamedConf returns the complete named.conf text for cfg, header
// included
func (m *Materializer) RenderNamedConf(cfg *InstanceConfig, cred *ControlCredential) (string, error) {
	controls, err := cred.ServerConfig(cfg.RndcPort, cfg.IncludeDefaultControls)
	if err != nil {
		return "", &Error{Kind: KindConfig, Op: OpMaterialize, Path: cfg.ConfFile, Err: err}
	}
	conf, err := render(namedConfTemplate, namedConfData{
		InstanceConfig: cfg,
		LoopbackV4:     LoopbackV4,
		LoopbackV6:     LoopbackV6,
		Controls:       controls,
	})
	if err != nil {
		return "", &Error{Kind: KindConfig, Op: OpMaterialize, Path: cfg.ConfFile, Err: err}
	}
	return GeneratedHeader + conf, nil
}

// Validate runs named-checkconf on the generated named.conf. It returns
// ErrCheckconfUnavailable when named-checkconf is not installed.
func (m *Materializer) Validate(ctx context.Context, cfg *InstanceConfig) error {
	path, err := exec.LookPath(m.CheckconfPath)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrCheckconfUnavailable, err)
	}

	var out bytes.Buffer
	cmd := exec.CommandContext(ctx, path, cfg.ConfFile)
	cmd.Stdout = &out
	cmd.Stderr = &out
	if err := cmd.Run(); err != nil {
		return &Error{
			Kind: KindConfig,
			Op:   OpMaterialize,
			Path: cfg.ConfFile,
			Err:  fmt.Errorf("%w: named-checkconf: %v: %s", ErrInvalidConfig, err, bytes.TrimSpace(out.Bytes())),
		}
	}
	return nil
}

// shouldWrite reports whether the file at path needs writing
func shouldWrite(path string, overwrite bool) bool {
	if overwrite {
		return true
	}
	_, err := os.Stat(path)
	return errors.Is(err, fs.ErrNotExist)
}

func writeGenerated(path, content string, perm fs.FileMode) error {
	if err := renameio.WriteFile(path, []byte(content), perm); err != nil {
		return &Error{Kind: KindEnvironment, Op: OpMaterialize, Path: path, Err: err}
	}
	return nil
}

// copyExecutable copies src to dst atomically, keeping src's mode
func copyExecutable(src, dst string) (err error) {
	fail := func(err error) error {
		return &Error{Kind: KindEnvironment, Op: OpMaterialize, Path: dst, Err: err}
	}

	in, err := os.Open(src)
	if err != nil {
		return fail(err)
	}
	defer func() { _ = in.Close() }()

	info, err := in.Stat()
	if err != nil {
		return fail(err)
	}
	mode := info.Mode().Perm()
	if mode&0o111 == 0 {
		mode = ExecMode
	}

	pf, err := renameio.NewPendingFile(dst, renameio.WithPermissions(mode))
	if err != nil {
		return fail(err)
	}
	defer func() { _ = pf.Cleanup() }()

	if _, err := io.Copy(pf, in); err != nil {
		return fail(err)
	}
	if err := pf.CloseAtomicallyReplace(); err != nil {
		return fail(err)
	}
	return nil
}
