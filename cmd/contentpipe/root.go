package main

import (
	"github.com/spf13/cobra"

	"github.com/dcshock/contentpipe/config"
	"github.com/dcshock/contentpipe/internal/logging"
	"github.com/dcshock/contentpipe/internal/report"
)

// app carries the global flags and the loaded configuration.
type app struct {
	configPath string
	logLevel   string
	logFormat  string
	format     string

	cfg  config.AppConfig
	mode report.Mode
}

func newRootCmd() *cobra.Command {
	a := &app{}
	root := &cobra.Command{
		Use:           "contentpipe",
		Short:         "Run staged LLM content plans with refinement loops",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
		CompletionOptions: cobra.CompletionOptions{
			HiddenDefaultCmd: true,
		},
		PersistentPreRunE: a.setup,
	}
	f := root.PersistentFlags()
	f.StringVarP(&a.configPath, "config", "c", "", "application config file (YAML)")
	f.StringVar(&a.logLevel, "log-level", "", "override log.level (debug, info, warn, error)")
	f.StringVar(&a.logFormat, "log-format", "", "override log.format (text, json)")
	f.StringVar(&a.format, "format", "table", "table output format (table, markdown)")

	root.AddCommand(newRunCmd(a), newPlanCmd(a), newStagesCmd(a), newInspectCmd(a), newConfigCmd(a))
	return root
}

func (a *app) setup(cmd *cobra.Command, _ []string) error {
	cfg, err := config.LoadApp(a.configPath)
	if err != nil {
		return err
	}
	if a.logLevel != "" {
		cfg.Log.Level = a.logLevel
	}
	if a.logFormat != "" {
		cfg.Log.Format = a.logFormat
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	level, err := logging.ParseLevel(cfg.Log.Level)
	if err != nil {
		return err
	}
	logging.Init(level, cfg.Log.Format, cmd.ErrOrStderr())
	mode, err := report.ParseMode(a.format)
	if err != nil {
		return err
	}
	a.cfg, a.mode = cfg, mode
	return nil
}
