//go:build unix

package unix

import (
	"os/signal"
	"syscall"

	sysunix "golang.org/x/sys/unix"
)

// Exec replaces the current process image with argv0. It only returns on
// failure, in which case the SIGPIPE disposition is left as it was.
func Exec(argv0 string, argv []string, envv []string) error {
	ignored := signal.Ignored(syscall.SIGPIPE)
	if ignored {
		signal.Reset(syscall.SIGPIPE)
	}

	err := sysunix.Exec(argv0, argv, envv)

	if ignored {
		signal.Ignore(syscall.SIGPIPE)
	}
	return err
}
