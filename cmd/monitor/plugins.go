package main

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/Guliveer/vitalis/monitor/internal/loader"
	"github.com/Guliveer/vitalis/monitor/internal/monitor"
)

func newPluginsCmd(flags *globalFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "plugins",
		Short: "Inspect collectors and plugin libraries",
	}
	cmd.AddCommand(
		&cobra.Command{
			Use:   "list",
			Short: "List the built-in collectors and the configured plugins",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				cfg, err := loadConfig(flags)
				if err != nil {
					return err
				}
				m, err := monitor.New(cfg, zap.NewNop(), monitor.WithVersion(version))
				if err != nil {
					return err
				}
				defer m.Release()

				m.LoadConfigured(cmd.Context())
				m.Registry().InitializeAll(nil)

				w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
				fmt.Fprintln(w, "NAME\tCATEGORY\tVERSION\tSOURCE")
				for _, p := range m.Plugins() {
					source := "built-in"
					if p.Dynamic {
						source = p.Path
					}
					fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", p.Name, p.Category, p.Version, source)
				}
				return w.Flush()
			},
		},
		&cobra.Command{
			Use:   "check <path>",
			Short: "Load a plugin library, print its metadata and unload it",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				l := loader.New(zap.NewNop())
				defer l.Close()

				p, err := l.Load(args[0])
				if err != nil {
					return err
				}
				info, _ := l.Info(p.Name())
				metrics := p.MetricTypes()
				l.Destroy(p.Name(), p)

				out := cmd.OutOrStdout()
				fmt.Fprintf(out, "Name:        %s\n", info.Name)
				fmt.Fprintf(out, "Version:     %s\n", info.Version)
				fmt.Fprintf(out, "API version: %d\n", info.APIVersion)
				fmt.Fprintf(out, "Category:    %s\n", info.Category)
				if info.Description != "" {
					fmt.Fprintf(out, "Description: %s\n", info.Description)
				}
				if info.Author != "" {
					fmt.Fprintf(out, "Author:      %s\n", info.Author)
				}
				fmt.Fprintf(out, "Metrics:     %v\n", metrics)
				return l.Unload(p.Name())
			},
		},
	)
	return cmd
}
