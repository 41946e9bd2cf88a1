package main

import (
	"fmt"
	"path/filepath"
	"time"

	"github.com/ZebulonRouseFrantzich/keg/internal/config"
	"github.com/ZebulonRouseFrantzich/keg/internal/install"
	"github.com/ZebulonRouseFrantzich/keg/internal/platform"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

// app is the state shared by every subcommand once flags are parsed
type app struct {
	configPath string
	prefix     string
	verbose    bool
	timeout    time.Duration

	cfg  *config.Config
	info *platform.Info
	log  *zap.SugaredLogger
}

// newRootCommand creates the keg command tree
func newRootCommand() *cobra.Command {
	a := &app{}

	root := &cobra.Command{
		Use:   "keg",
		Short: "Install packages from verified formula records",
		Long: `keg downloads release artifacts described by formula files, verifies
their digests, unpacks them and installs the selected files under a prefix.
An install either completes or leaves the prefix as it was.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.PersistentFlags().StringVar(&a.configPath, "config", "",
		"Path to keg.lua (default: "+config.DefaultPath()+")")
	root.PersistentFlags().StringVar(&a.prefix, "prefix", "",
		"Install prefix, overriding the config file")
	root.PersistentFlags().BoolVarP(&a.verbose, "verbose", "v", false,
		"Enable debug logging")
	root.PersistentFlags().DurationVar(&a.timeout, "timeout", 0,
		"Time limit for each package install (e.g. 10m)")

	root.AddCommand(
		createInstallCommand(a),
		createUninstallCommand(a),
		createListCommand(a),
		createRecoverCommand(a),
		createConfigCommand(a),
		createVersionCommand(),
	)
	return root
}

// setup loads logging, platform and configuration. Commands call it first.
func (a *app) setup(cmd *cobra.Command) error {
	a.log = newLogger(cmd.ErrOrStderr(), a.verbose)

	info, err := platform.NewDetector().Detect(cmd.Context())
	if err != nil {
		return fmt.Errorf("detect platform: %w", err)
	}
	a.info = info

	path := a.configPath
	if path == "" {
		path = config.DefaultPath()
	}
	cfg, err := config.Load(cmd.Context(), path, platform.StaticDetector{Info: *info})
	if err != nil {
		return fmt.Errorf("%s", config.FormatError(err, a.verbose))
	}

	if a.prefix != "" {
		if !filepath.IsAbs(a.prefix) {
			return fmt.Errorf("--prefix must be an absolute path: %s", a.prefix)
		}
		cfg.Prefix = a.prefix
	}
	if a.timeout > 0 {
		cfg.Timeout = a.timeout
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	a.cfg = cfg

	a.log.Debugw("configuration loaded",
		"config", path,
		"prefix", cfg.Prefix,
		"state_dir", cfg.StateDir,
		"platform", info.OS+"/"+info.Arch)
	return nil
}

// installer builds an installer from the loaded configuration
func (a *app) installer(mutate func(*install.Config)) (*install.Installer, error) {
	icfg := install.Config{
		Prefix:          a.cfg.Prefix,
		StateDir:        a.cfg.StateDir,
		CacheDir:        a.cfg.CacheDir,
		Retries:         a.cfg.Fetch.Retries,
		UserAgent:       a.cfg.Fetch.UserAgent,
		FetchTimeout:    a.cfg.Fetch.Timeout,
		Timeout:         a.cfg.Timeout,
		AllowUnverified: a.cfg.Insecure,
		Logger:          a.log,
	}
	if mutate != nil {
		mutate(&icfg)
	}
	return install.New(icfg)
}

// createVersionCommand creates the version subcommand
func createVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "keg %s\n", Version)
		},
	}
}
