package bindfixture

import (
	"fmt"

	"github.com/kelseyhightower/envconfig"
)

// Paths holds the install locations of the BIND executables the fixture
// needs. They are resolved once, when a Server or Materializer is built,
// and never looked up again.
type Paths struct {
	// Named is the daemon executable copied into every workspace
	Named string `envconfig:"NAMED_PATH" default:"/usr/sbin/named"`

	// Rndc is the control client used for status and stop commands
	Rndc string `envconfig:"RNDC_PATH" default:"/usr/sbin/rndc"`

	// NamedCheckconf validates generated configuration, optional
	NamedCheckconf string `envconfig:"NAMED_CHECKCONF_PATH" default:"/usr/sbin/named-checkconf"`
}

// DefaultPaths returns the Debian/Ubuntu install locations without
// consulting the environment
func DefaultPaths() Paths {
	return Paths{
		Named:          DefaultNamedPath,
		Rndc:           DefaultRndcPath,
		NamedCheckconf: DefaultNamedCheckconfPath,
	}
}

// LoadPaths returns DefaultPaths with NAMED_PATH, RNDC_PATH and
// NAMED_CHECKCONF_PATH applied from the environment
func LoadPaths() (Paths, error) {
	var p Paths
	if err := envconfig.Process("", &p); err != nil {
		return Paths{}, fmt.Errorf("loading install paths: %w", err)
	}
	return p, nil
}
