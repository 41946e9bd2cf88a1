package main

import (
	"errors"
	"fmt"
	"time"

	"github.com/ZebulonRouseFrantzich/keg/internal/formula"
	"github.com/ZebulonRouseFrantzich/keg/internal/install"
	"github.com/spf13/cobra"
)

// createInstallCommand creates the install subcommand
func createInstallCommand(a *app) *cobra.Command {
	var (
		insecure bool
		force    bool
		jobs     int
	)

	cmd := &cobra.Command{
		Use:   "install [flags] FORMULA_FILE...",
		Short: "Install the packages described by formula files",
		Long: `Install reads one or more YAML formula files, each holding one or more
formula documents, and installs every package they describe. Packages are
installed concurrently; a failure in one does not stop the others.

A formula whose digest is a placeholder such as TODO is refused unless
--insecure is given.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := a.setup(cmd); err != nil {
				return err
			}
			if !cmd.Flags().Changed("jobs") {
				jobs = a.cfg.Jobs
			}

			var records []*formula.Record
			for _, path := range args {
				recs, err := formula.LoadFile(path, a.info.TemplateVars())
				if err != nil {
					return err
				}
				records = append(records, recs...)
			}

			inst, err := a.installer(func(c *install.Config) {
				c.AllowUnverified = c.AllowUnverified || insecure
				c.Force = force
				if jobs == 1 {
					c.Progress = cmd.ErrOrStderr()
				}
			})
			if err != nil {
				return err
			}

			results, err := inst.InstallAll(cmd.Context(), records, jobs)
			printResults(cmd, results)
			if err != nil {
				for _, e := range unwrapJoined(err) {
					fmt.Fprintln(cmd.ErrOrStderr(), e)
				}
				return errReported
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&insecure, "insecure", false,
		"Install formulas with placeholder digests without verification")
	cmd.Flags().BoolVar(&force, "force", false,
		"Replace existing files not owned by the package")
	cmd.Flags().IntVarP(&jobs, "jobs", "j", 0,
		"Packages to install concurrently (default from config)")
	return cmd
}

func printResults(cmd *cobra.Command, results []*install.Result) {
	for _, res := range results {
		if res == nil || res.FinalStage() != install.StageCommitted {
			continue
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s %s: %s (verified: %s, %s)\n",
			res.Package, res.Version, res.Status, res.Verified, res.Duration.Round(time.Millisecond))
	}
}

// unwrapJoined splits an errors.Join result into its parts
func unwrapJoined(err error) []error {
	if joined, ok := err.(interface{ Unwrap() []error }); ok {
		return joined.Unwrap()
	}
	return []error{err}
}

// createUninstallCommand creates the uninstall subcommand
func createUninstallCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "uninstall NAME...",
		Short: "Remove installed packages",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := a.setup(cmd); err != nil {
				return err
			}
			inst, err := a.installer(nil)
			if err != nil {
				return err
			}

			failed := false
			for _, name := range args {
				m, err := inst.Uninstall(cmd.Context(), name)
				if err != nil {
					if errors.Is(err, install.ErrNotInstalled) {
						err = fmt.Errorf("%s is not installed", name)
					}
					fmt.Fprintf(cmd.ErrOrStderr(), "%s: %v\n", name, err)
					failed = true
					continue
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s %s: removed %d files\n", m.Name, m.Version, len(m.Files))
			}
			if failed {
				return errReported
			}
			return nil
		},
	}
}
