package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/Guliveer/vitalis/monitor/internal/config"
	"github.com/Guliveer/vitalis/monitor/internal/service"
)

// globalFlags are shared by every subcommand.
type globalFlags struct {
	configPath string
	overrides  config.CLIOverrides
}

func newRootCmd() *cobra.Command {
	flags := &globalFlags{}

	root := &cobra.Command{
		Use:   "vitalis-monitor",
		Short: "Collects host metrics through pluggable collectors and exports them",
		Long: `vitalis-monitor runs built-in and dynamically loaded collectors on a
schedule, guards them with circuit breakers and resource limits, and
exports the results to Prometheus, StatsD, OTLP or an HTTP ingest API.`,
		SilenceUsage: true,
		// Without a subcommand the monitor runs, which is how the service
		// manager starts it.
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runMonitor(cmd.Context(), flags)
		},
	}

	pf := root.PersistentFlags()
	pf.StringVarP(&flags.configPath, "config", "c", "", "Path to configuration file (default: search standard locations)")
	pf.StringVar(&flags.overrides.PluginDir, "plugin-dir", "", "Directory with plugin libraries")
	pf.StringVar(&flags.overrides.LogLevel, "log-level", "", "Log level: debug, info, warn or error")
	pf.StringVar(&flags.overrides.Listen, "listen", "", "Address of the metrics and health endpoint")
	pf.StringVar(&flags.overrides.URL, "url", "", "Ingest API base URL (enables the HTTP exporter)")
	pf.StringVar(&flags.overrides.Token, "token", "", "Ingest API token")

	root.AddCommand(
		&cobra.Command{
			Use:   "run",
			Short: "Run the monitor in the foreground",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				return runMonitor(cmd.Context(), flags)
			},
		},
		newPluginsCmd(flags),
		newConfigCmd(flags),
		newServiceCmd(flags),
		&cobra.Command{
			Use:   "version",
			Short: "Show version and exit",
			Args:  cobra.NoArgs,
			Run: func(cmd *cobra.Command, _ []string) {
				fmt.Fprintf(cmd.OutOrStdout(), "vitalis-monitor %s\n", version)
			},
		},
	)
	return root
}

// loadConfig resolves the configuration from flags, environment, the
// config file and the embedded defaults.
func loadConfig(flags *globalFlags) (*config.Config, error) {
	var (
		cfg *config.Config
		err error
	)
	if flags.configPath != "" {
		cfg, err = config.LoadLayered(flags.overrides, embeddedConfig, flags.configPath)
	} else {
		cfg, err = config.LoadLayered(flags.overrides, embeddedConfig)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func newConfigCmd(flags *globalFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Inspect or write the effective configuration",
	}
	cmd.AddCommand(
		&cobra.Command{
			Use:   "show",
			Short: "Print the effective configuration as YAML",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				cfg, err := loadConfig(flags)
				if err != nil {
					return err
				}
				cfg.Exporters.HTTP.Token = redact(cfg.Exporters.HTTP.Token)
				enc := yaml.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent(2)
				if err := enc.Encode(cfg); err != nil {
					return err
				}
				return enc.Close()
			},
		},
		&cobra.Command{
			Use:   "init <path>",
			Short: "Write the effective configuration to a file",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				if _, err := os.Stat(args[0]); err == nil {
					return fmt.Errorf("%s already exists", args[0])
				}
				cfg, err := loadConfig(flags)
				if err != nil {
					return err
				}
				if err := config.WriteConfig(cfg, args[0]); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Configuration written to %s\n", args[0])
				return nil
			},
		},
	)
	return cmd
}

func newServiceCmd(flags *globalFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "service",
		Short: "Register the monitor with the host service manager",
	}
	cmd.AddCommand(
		&cobra.Command{
			Use:   "install",
			Short: "Register the monitor as an automatically started service",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				exe, err := os.Executable()
				if err != nil {
					return err
				}
				var args []string
				if flags.configPath != "" {
					abs, err := filepath.Abs(flags.configPath)
					if err != nil {
						return err
					}
					args = append(args, "--config", abs)
				}
				if err := service.Install(exe, args...); err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), "Service installed")
				return nil
			},
		},
		&cobra.Command{
			Use:   "uninstall",
			Short: "Remove the service registration",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				if err := service.Uninstall(); err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), "Service removed")
				return nil
			},
		},
	)
	return cmd
}

func redact(s string) string {
	if s == "" {
		return ""
	}
	return "********"
}
