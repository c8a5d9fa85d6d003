// Command bindfixture prepares a BIND home directory and runs named in it.
//
//	bindfixture --homedir /tmp/dns --port 5353 --rndc-port 5354
//
// With --create-config-only it stops after writing the configuration;
// otherwise it replaces itself with "named -g -c <homedir>/named.conf".
package main

import (
	"fmt"
	"io"
	"os"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/axondata/go-bindfixture"
	"github.com/axondata/go-bindfixture/internal/unix"
)

type options struct {
	homeDir          string
	logFile          string
	port             int
	rndcPort         int
	overwriteConfig  bool
	createConfigOnly bool
	logLevel         string
}

// execNamed replaces the process with named; swapped out in tests
var execNamed = func(cfg *bindfixture.InstanceConfig) error {
	argv := []string{cfg.NamedFile, "-g", "-c", cfg.ConfFile}
	return unix.Exec(cfg.NamedFile, argv, os.Environ())
}

func newRootCmd() *cobra.Command {
	opts := &options{}

	cmd := &cobra.Command{
		Use:   "bindfixture",
		Short: "Run a BIND server",
		Long: `bindfixture writes everything a BIND server needs into a home directory
(named.conf, rndc.conf with a fresh key, and a copy of the named executable)
and then runs named in the foreground on that configuration.

Existing files are kept unless --overwrite-config is given, so a home
directory can be prepared once and edited by hand.

The named, rndc and named-checkconf executables are looked up at their
Debian install locations unless NAMED_PATH, RNDC_PATH or
NAMED_CHECKCONF_PATH are set.`,
		Version:       bindfixture.Version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			level, err := log.ParseLevel(opts.logLevel)
			if err != nil {
				return err
			}
			log.SetLevel(level)
			log.SetOutput(cmd.ErrOrStderr())
			return nil
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.OutOrStdout(), opts)
		},
	}

	flags := cmd.Flags()
	flags.StringVar(&opts.homeDir, "homedir", "", "directory for all the files the server needs (configuration files and executable)")
	flags.StringVar(&opts.logFile, "log-file", "", "log file for the server (default <homedir>/named.log)")
	flags.IntVar(&opts.port, "port", 0, "DNS port (default: a free port)")
	flags.IntVar(&opts.rndcPort, "rndc-port", 0, "rndc port (default: a free port)")
	flags.BoolVar(&opts.overwriteConfig, "overwrite-config", false, "overwrite configuration files that already exist")
	flags.BoolVar(&opts.createConfigOnly, "create-config-only", false, "only create the configuration files, do not run the server")
	cmd.PersistentFlags().StringVar(&opts.logLevel, "log-level", "info", "log level (debug, info, warn, error)")
	_ = cmd.MarkFlagRequired("homedir")

	return cmd
}

func run(out io.Writer, opts *options) error {
	paths, err := bindfixture.LoadPaths()
	if err != nil {
		return err
	}

	res := bindfixture.Resources{
		Port:     opts.port,
		RndcPort: opts.rndcPort,
		HomeDir:  opts.homeDir,
		LogFile:  opts.logFile,
	}
	cfg, _, err := res.Resolve(paths.Named, nil)
	if err != nil {
		return err
	}

	if err := bindfixture.NewMaterializer(paths).Write(cfg, opts.overwriteConfig); err != nil {
		return err
	}

	log.WithFields(log.Fields{
		"homedir":   cfg.HomeDir,
		"port":      cfg.Port,
		"rndc_port": cfg.RndcPort,
	}).Info("configuration ready")

	if opts.createConfigOnly {
		fmt.Fprintf(out, "homedir=%s\nport=%d\nrndc_port=%d\nconf=%s\nrndc_conf=%s\n",
			cfg.HomeDir, cfg.Port, cfg.RndcPort, cfg.ConfFile, cfg.RndcConfFile)
		return nil
	}

	return execNamed(cfg)
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "bindfixture: %v\n", err)
		os.Exit(1)
	}
}
