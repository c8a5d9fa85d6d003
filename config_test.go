package bindfixture

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResolveDefaults(t *testing.T) {
	t.Setenv("TMPDIR", t.TempDir())

	cfg, ws, err := Resources{}.Resolve(DefaultNamedPath, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = ws.Remove() })

	assert.True(t, ws.Owned)
	assert.Equal(t, ws.Dir, cfg.HomeDir)
	assert.NotZero(t, cfg.Port)
	assert.NotZero(t, cfg.RndcPort)
	assert.NotEqual(t, cfg.Port, cfg.RndcPort)
	assert.Equal(t, filepath.Join(cfg.HomeDir, "named.log"), cfg.LogFile)
	assert.Equal(t, filepath.Join(cfg.HomeDir, "named"), cfg.NamedFile)
	assert.Equal(t, filepath.Join(cfg.HomeDir, "named.conf"), cfg.ConfFile)
	assert.Equal(t, filepath.Join(cfg.HomeDir, "rndc.conf"), cfg.RndcConfFile)
	assert.NoError(t, cfg.Validate())
}

func TestResolveKeepsSuppliedValues(t *testing.T) {
	home := t.TempDir()
	alloc := func(int) ([]int, error) {
		t.Fatal("allocator called although both ports were supplied")
		return nil, nil
	}

	cfg, ws, err := Resources{
		Port:     5353,
		RndcPort: 5354,
		HomeDir:  home,
		LogFile:  "logs/named.log",
		Extra:    `zone "example.test" { type primary; file "db"; };`,
	}.Resolve("/opt/bind/sbin/named", alloc)
	require.NoError(t, err)

	assert.False(t, ws.Owned)
	assert.Equal(t, 5353, cfg.Port)
	assert.Equal(t, 5354, cfg.RndcPort)
	assert.Equal(t, filepath.Join(home, "logs", "named.log"), cfg.LogFile)
	assert.Equal(t, "127.0.0.1:5353", cfg.ListenAddr())
	assert.Contains(t, cfg.Extra, "example.test")
}

func TestResolveAbsoluteLogFile(t *testing.T) {
	logFile := filepath.Join(t.TempDir(), "elsewhere.log")

	cfg, _, err := Resources{HomeDir: t.TempDir(), LogFile: logFile}.Resolve(DefaultNamedPath, nil)
	require.NoError(t, err)
	assert.Equal(t, logFile, cfg.LogFile)
}

func TestResolveConfinesRelativePaths(t *testing.T) {
	home := t.TempDir()

	cfg, _, err := Resources{
		HomeDir:          home,
		LogFile:          "../../escape.log",
		IncludeInOptions: "../../../etc/extra.conf",
	}.Resolve(DefaultNamedPath, nil)
	require.NoError(t, err)

	assert.True(t, within(home, cfg.LogFile), "log file %q escaped %q", cfg.LogFile, home)
	assert.True(t, within(home, cfg.IncludeInOptions), "include %q escaped %q", cfg.IncludeInOptions, home)
}

func TestResolveAllocatorFailure(t *testing.T) {
	t.Setenv("TMPDIR", t.TempDir())
	boom := &Error{Kind: KindEnvironment, Op: OpAllocate, Err: ErrNoFreePorts}

	_, _, err := Resources{}.Resolve(DefaultNamedPath, func(int) ([]int, error) { return nil, boom })
	require.ErrorIs(t, err, ErrNoFreePorts)

	entries, err := os.ReadDir(os.Getenv("TMPDIR"))
	require.NoError(t, err)
	assert.Empty(t, entries, "no workspace should be created when allocation fails")
}

func TestResolveInvalidRemovesWorkspace(t *testing.T) {
	t.Setenv("TMPDIR", t.TempDir())

	_, _, err := Resources{Port: 5353, RndcPort: 5353}.Resolve(DefaultNamedPath, nil)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrInvalidConfig))
	assert.Equal(t, KindConfig, KindOf(err))

	entries, err := os.ReadDir(os.Getenv("TMPDIR"))
	require.NoError(t, err)
	assert.Empty(t, entries, "temporary workspace left behind")
}

func TestInstanceConfigValidate(t *testing.T) {
	valid := func() *InstanceConfig {
		ws := &Workspace{Dir: "/srv/dns"}
		return &InstanceConfig{
			Port:           5353,
			RndcPort:       5354,
			HomeDir:        ws.Dir,
			LogFile:        ws.LogFile(),
			NamedFile:      ws.ExecutableFile("named"),
			ConfFile:       ws.ConfFile(),
			RndcConfFile:   ws.RndcConfFile(),
			PIDFile:        ws.PIDFile(),
			SessionKeyFile: ws.SessionKeyFile(),
		}
	}

	tests := []struct {
		name    string
		mutate  func(*InstanceConfig)
		wantErr bool
	}{
		{"valid", func(*InstanceConfig) {}, false},
		{"port zero", func(c *InstanceConfig) { c.Port = 0 }, true},
		{"port too large", func(c *InstanceConfig) { c.Port = 70000 }, true},
		{"rndc port negative", func(c *InstanceConfig) { c.RndcPort = -1 }, true},
		{"same ports", func(c *InstanceConfig) { c.RndcPort = c.Port }, true},
		{"relative home", func(c *InstanceConfig) { c.HomeDir = "srv/dns" }, true},
		{"conf outside home", func(c *InstanceConfig) { c.ConfFile = "/etc/bind/named.conf" }, true},
		{"pid file in parent", func(c *InstanceConfig) { c.PIDFile = "/srv/named.pid" }, true},
		{"log outside home", func(c *InstanceConfig) { c.LogFile = "/var/log/named.log" }, false},
		{"include outside home", func(c *InstanceConfig) { c.IncludeInOptions = "/etc/passwd" }, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := valid()
			tt.mutate(c)
			err := c.Validate()
			if (err != nil) != tt.wantErr {
				t.Fatalf("Validate() = %v, wantErr %v", err, tt.wantErr)
			}
			if err != nil && !errors.Is(err, ErrInvalidConfig) {
				t.Errorf("Validate() = %v, want ErrInvalidConfig", err)
			}
		})
	}
}

func TestLoadPaths(t *testing.T) {
	t.Run("defaults", func(t *testing.T) {
		t.Setenv("NAMED_PATH", "")
		t.Setenv("RNDC_PATH", "")
		t.Setenv("NAMED_CHECKCONF_PATH", "")
		os.Unsetenv("NAMED_PATH")
		os.Unsetenv("RNDC_PATH")
		os.Unsetenv("NAMED_CHECKCONF_PATH")

		p, err := LoadPaths()
		require.NoError(t, err)
		assert.Equal(t, DefaultPaths(), p)
	})

	t.Run("environment", func(t *testing.T) {
		t.Setenv("NAMED_PATH", "/opt/bind/sbin/named")
		t.Setenv("RNDC_PATH", "/opt/bind/sbin/rndc")
		t.Setenv("NAMED_CHECKCONF_PATH", "/opt/bind/bin/named-checkconf")

		p, err := LoadPaths()
		require.NoError(t, err)
		assert.Equal(t, Paths{
			Named:          "/opt/bind/sbin/named",
			Rndc:           "/opt/bind/sbin/rndc",
			NamedCheckconf: "/opt/bind/bin/named-checkconf",
		}, p)
	})
}
