package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/dcshock/contentpipe/config"
	"github.com/dcshock/contentpipe/internal/report"
)

func newStagesCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "stages",
		Short: "List the registered stage implementations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg := a.cfg
			cfg.Store.Driver = config.DriverNone
			rt, err := config.Build(cmd.Context(), cfg, nil)
			if err != nil {
				return err
			}
			defer rt.Close()
			for _, name := range rt.Registry.Names() {
				fmt.Fprintln(cmd.OutOrStdout(), name)
			}
			return nil
		},
	}
}

func newInspectCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "inspect <run-id>",
		Short: "Show a recorded run and its stage invocations",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			store, err := config.OpenStore(ctx, a.cfg.Store)
			if err != nil {
				return err
			}
			if store == nil {
				return fmt.Errorf("inspect needs a store; store.driver is %q", a.cfg.Store.Driver)
			}
			defer store.Close()
			rec, err := store.Run(ctx, args[0])
			if err != nil {
				return err
			}
			stages, err := store.StageRuns(ctx, args[0])
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if err := report.Run(out, a.mode, rec); err != nil {
				return err
			}
			return report.StageRuns(out, a.mode, stages)
		},
	}
}

func newConfigCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Inspect the application configuration",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Print the effective configuration with secrets redacted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.cfg.Redacted().WriteYAML(cmd.OutOrStdout())
		},
	})
	return cmd
}
