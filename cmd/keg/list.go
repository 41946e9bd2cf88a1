package main

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

// createListCommand creates the list subcommand
func createListCommand(a *app) *cobra.Command {
	var showFiles bool

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List installed packages",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := a.setup(cmd); err != nil {
				return err
			}
			inst, err := a.installer(nil)
			if err != nil {
				return err
			}

			manifests, err := inst.List()
			if err != nil {
				return err
			}
			if len(manifests) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "No packages installed")
				return nil
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "NAME\tVERSION\tVERIFIED\tFILES\tINSTALLED")
			for _, m := range manifests {
				fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%s\n",
					m.Name, m.Version, m.Verified, len(m.Files), m.InstalledAt.Format("2006-01-02 15:04"))
			}
			if err := w.Flush(); err != nil {
				return err
			}

			if showFiles {
				for _, m := range manifests {
					fmt.Fprintf(cmd.OutOrStdout(), "\n%s:\n", m.Name)
					for _, p := range m.Paths() {
						fmt.Fprintf(cmd.OutOrStdout(), "  %s\n", p)
					}
				}
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&showFiles, "files", false, "Also list every installed path")
	return cmd
}

// createRecoverCommand creates the recover subcommand
func createRecoverCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "recover",
		Short: "Finish or roll back installs interrupted by a crash",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := a.setup(cmd); err != nil {
				return err
			}
			inst, err := a.installer(nil)
			if err != nil {
				return err
			}

			recovered, err := inst.Recover(cmd.Context())
			for _, name := range recovered {
				fmt.Fprintf(cmd.OutOrStdout(), "%s: recovered\n", name)
			}
			if err != nil {
				return err
			}
			if len(recovered) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "Nothing to recover")
			}
			return nil
		},
	}
}
