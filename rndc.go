package bindfixture

import (
	"bytes"
	"context"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"os/exec"
	"regexp"
	"strconv"
	"strings"

	"github.com/axondata/go-bindfixture/internal/unix"
)

// ControlCredential is the shared secret granting rndc access to one
// instance. It renders both halves of the control configuration: the
// rndc.conf used by the client and the key/controls statements embedded
// in named.conf.
type ControlCredential struct {
	// Name is the key name
	Name string
	// Algorithm is the HMAC algorithm, e.g. hmac-sha256
	Algorithm string
	// Secret is the base64 encoded key material
	Secret string
}

// GenerateCredential creates a credential with a fresh random secret
func GenerateCredential(name string) (*ControlCredential, error) {
	b := make([]byte, RndcSecretSize)
	if _, err := rand.Read(b); err != nil {
		return nil, fmt.Errorf("generate rndc secret: %w", err)
	}
	return &ControlCredential{
		Name:      name,
		Algorithm: RndcAlgorithm,
		Secret:    base64.StdEncoding.EncodeToString(b),
	}, nil
}

var (
	keyStatementRe = regexp.MustCompile(
		`key\s+"((?:[^"\\]|\\.)+)"\s*\{[^}]*?algorithm\s+([A-Za-z0-9-]+)\s*;[^}]*?secret\s+"([^"]+)"\s*;`)
	confEscapeRe = regexp.MustCompile(`\\(.)`)
)

// ParseCredential extracts the first key statement from rndc.conf or
// named.conf text
func ParseCredential(text string) (*ControlCredential, error) {
	m := keyStatementRe.FindStringSubmatch(text)
	if m == nil {
		return nil, fmt.Errorf("%w: no key statement found", ErrInvalidConfig)
	}
	if _, err := base64.StdEncoding.DecodeString(m[3]); err != nil {
		return nil, fmt.Errorf("%w: key %q has a malformed secret: %v", ErrInvalidConfig, m[1], err)
	}
	name := confEscapeRe.ReplaceAllString(m[1], "$1")
	return &ControlCredential{Name: name, Algorithm: m[2], Secret: m[3]}, nil
}

func (c *ControlCredential) keyStatement() (string, error) {
	return render(rndcKeyTemplate, c)
}

// ClientConfig renders rndc.conf pointing at 127.0.0.1 on port
func (c *ControlCredential) ClientConfig(port int) (string, error) {
	key, err := c.keyStatement()
	if err != nil {
		return "", err
	}
	return render(rndcClientTemplate, map[string]any{
		"Key":    key,
		"Name":   c.Name,
		"Server": LoopbackV4,
		"Port":   port,
	})
}

// ServerConfig renders the key and controls statements for named.conf.
// Only the allocated port is opened unless includeDefaultControls also
// asks for the well-known rndc port.
func (c *ControlCredential) ServerConfig(port int, includeDefaultControls bool) (string, error) {
	key, err := c.keyStatement()
	if err != nil {
		return "", err
	}
	return render(rndcServerTemplate, map[string]any{
		"Key":                    key,
		"Name":                   c.Name,
		"Server":                 LoopbackV4,
		"Port":                   port,
		"IncludeDefaultControls": includeDefaultControls,
		"DefaultPort":            DefaultRndcPort,
	})
}

// ControlClient runs rndc against one instance
type ControlClient struct {
	// RndcPath is the rndc executable
	RndcPath string
	// ConfFile is the instance's rndc.conf
	ConfFile string
}

// NewControlClient creates a ControlClient
func NewControlClient(rndcPath, confFile string) *ControlClient {
	return &ControlClient{RndcPath: rndcPath, ConfFile: confFile}
}

// Execute runs "rndc -c ConfFile command args..." and returns what it
// printed. A non-zero exit is reported as a KindControl error; the
// output is returned either way since rndc explains failures on stderr.
func (c *ControlClient) Execute(ctx context.Context, command string, args ...string) (string, string, error) {
	argv := append([]string{"-c", c.ConfFile, command}, args...)
	cmd := exec.CommandContext(ctx, c.RndcPath, argv...)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := unix.WithDefaultSIGPIPE(cmd.Start)
	if err == nil {
		err = cmd.Wait()
	}
	if err != nil {
		return stdout.String(), stderr.String(), &Error{
			Kind: KindControl,
			Op:   OpControl,
			Path: c.ConfFile,
			Err:  fmt.Errorf("%w: rndc %s: %v", ErrControl, command, err),
		}
	}
	return stdout.String(), stderr.String(), nil
}

// Status runs "rndc status" and reports whether the server says it is up
func (c *ControlClient) Status(ctx context.Context) (bool, error) {
	stdout, _, err := c.Execute(ctx, "status")
	if err != nil {
		return false, err
	}
	return StatusIndicatesRunning(stdout), nil
}

var (
	listenPortRe   = regexp.MustCompile(`(?m)^\s*listen-on\s+port\s+(\d+)`)
	controlsPortRe = regexp.MustCompile(`controls\s*\{\s*inet\s+\S+\s+port\s+(\d+)`)
)

// ParseConfPorts returns the DNS port of the first listen-on statement
// and the first control channel port in a named.conf. A port that is not
// found is returned as zero.
func ParseConfPorts(conf string) (port, rndcPort int) {
	atoi := func(re *regexp.Regexp) int {
		m := re.FindStringSubmatch(conf)
		if m == nil {
			return 0
		}
		n, err := strconv.Atoi(m[1])
		if err != nil || !validPort(n) {
			return 0
		}
		return n
	}
	return atoi(listenPortRe), atoi(controlsPortRe)
}

// StatusIndicatesRunning reports whether rndc status output contains
// RunningIndicator. The status text is not a versioned format, so this is
// a plain substring match.
func StatusIndicatesRunning(stdout string) bool {
	return containsIndicator(stdout, RunningIndicator)
}

func containsIndicator(stdout, indicator string) bool {
	return strings.Contains(stdout, indicator)
}
