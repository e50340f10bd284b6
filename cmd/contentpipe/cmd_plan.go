package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/dcshock/contentpipe/config"
	"github.com/dcshock/contentpipe/internal/report"
)

func newPlanCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "plan",
		Short: "Inspect stage plans",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "validate <plan.yaml>",
		Short: "Check a plan's structure, stage names and parameters",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			plan, err := config.LoadPlan(args[0])
			if err != nil {
				return err
			}
			// Validation resolves every stage, including persist, against a
			// throwaway in-memory store so no database is touched.
			cfg := a.cfg
			cfg.Store = config.StoreConfig{Driver: config.DriverSQLite, DSN: ":memory:"}
			rt, err := config.Build(cmd.Context(), cfg, nil)
			if err != nil {
				return err
			}
			defer rt.Close()
			if _, err := rt.Scheduler(plan); err != nil {
				return err
			}
			if err := report.Plan(cmd.OutOrStdout(), a.mode, plan); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "plan %s is valid (%d stages)\n", plan.Name, len(plan.Stages))
			return nil
		},
	})
	return cmd
}
