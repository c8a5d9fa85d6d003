package bindfixture

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

// fakeNamed records its pid where the fake rndc looks for it and then
// becomes a long sleep, so the recorded pid stays the daemon's pid
const fakeNamed = `#!/bin/sh
echo "fake named starting: $*"
echo $$ > "$HOME/named.pid"
exec sleep 600
`

// fakeNamedExit exits straight away, like named rejecting its config
const fakeNamedExit = `#!/bin/sh
echo "fake named: bad configuration" >&2
exit 1
`

// fakeNamedHang never reports ready
const fakeNamedHang = `#!/bin/sh
exec sleep 600
`

// fakeRndc answers status and stop for the fake named whose workspace
// holds the rndc.conf passed with -c
const fakeRndc = `#!/bin/sh
conf="$2"
cmd="$3"
dir=$(dirname "$conf")
pid=$(cat "$dir/named.pid" 2>/dev/null)
case "$cmd" in
status)
	if [ -n "$pid" ] && kill -0 "$pid" 2>/dev/null; then
		echo "version: fake"
		echo "server is up and running"
		exit 0
	fi
	echo "rndc: connect failed: 127.0.0.1: connection refused" >&2
	exit 1
	;;
stop)
	if [ -n "$pid" ] && kill "$pid" 2>/dev/null; then
		exit 0
	fi
	echo "rndc: connect failed: 127.0.0.1: connection refused" >&2
	exit 1
	;;
*)
	echo "rndc: unknown command '$cmd'" >&2
	exit 1
	;;
esac
`

// fakeRndcBroken fails every command
const fakeRndcBroken = `#!/bin/sh
echo "rndc: connection to remote host closed" >&2
exit 1
`

func writeScript(t testing.TB, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(content), 0o755); err != nil {
		t.Fatalf("writing %s: %v", name, err)
	}
	return path
}

// fakePaths installs stand-ins for named and rndc in a temp dir. The
// named-checkconf path never exists.
func fakePaths(t testing.TB, named, rndc string) Paths {
	t.Helper()
	bin := t.TempDir()
	return Paths{
		Named:          writeScript(t, bin, "named", named),
		Rndc:           writeScript(t, bin, "rndc", rndc),
		NamedCheckconf: filepath.Join(bin, "named-checkconf"),
	}
}

// fakeInstance resolves and materializes an instance that runs named
func fakeInstance(t testing.TB, named string) (*InstanceConfig, Paths) {
	t.Helper()
	paths := fakePaths(t, named, fakeRndc)
	cfg, _, err := Resources{HomeDir: t.TempDir()}.Resolve(paths.Named, nil)
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	if err := NewMaterializer(paths).Write(cfg, false); err != nil {
		t.Fatalf("Write failed: %v", err)
	}
	return cfg, paths
}

// fastSupervisor polls quickly so failures show up fast
func fastSupervisor() *Supervisor {
	s := NewSupervisor()
	s.PollInterval = 20 * time.Millisecond
	s.ReadyTimeout = 5 * time.Second
	s.KillGrace = 500 * time.Millisecond
	return s
}
