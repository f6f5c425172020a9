package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"microreg/internal/config"
)

func newConfigCmd(root *Root) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Manage configuration settings",
		Long:  "Show, validate, or write microreg configuration",
	}

	showCmd := &cobra.Command{
		Use:   "show",
		Short: "Show current configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			return root.configShow(cmd)
		},
	}

	validateCmd := &cobra.Command{
		Use:   "validate",
		Short: "Validate configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := root.cfg.Validate(); err != nil {
				return fmt.Errorf("invalid configuration: %w", err)
			}
			root.log.Info("configuration validation", "status", "valid")
			fmt.Fprintln(cmd.OutOrStdout(), "Configuration is valid")
			return nil
		},
	}

	var force bool
	initCmd := &cobra.Command{
		Use:   "init [path]",
		Short: "Write the default configuration",
		Long: `Write the built-in defaults to path, or to the configured location when no
path is given. A .yaml or .yml extension selects YAML, anything else JSON.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := config.Path()
			if len(args) == 1 {
				path = args[0]
			}
			if !force && config.Exists(path) {
				return fmt.Errorf("%s already exists (use --force to overwrite)", path)
			}
			if err := config.Save(config.Default(), path); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Wrote %s\n", path)
			return nil
		},
	}
	initCmd.Flags().BoolVar(&force, "force", false, "overwrite an existing file")

	cmd.AddCommand(showCmd, validateCmd, initCmd)
	return cmd
}

func (r *Root) configShow(cmd *cobra.Command) error {
	out := cmd.OutOrStdout()
	c := r.cfg
	fmt.Fprintf(out, "Configuration:\n\n")
	fmt.Fprintf(out, "Config file: %s\n", config.Path())
	fmt.Fprintf(out, "Database Path: %s\n", c.Paths.DatabasePath)
	fmt.Fprintf(out, "Data Directory: %s\n", c.Paths.DataDir)
	fmt.Fprintf(out, "Default Output: %s\n", c.Paths.DefaultOutput)
	fmt.Fprintf(out, "Parallel Jobs: %d (queue %d)\n", c.Processing.ParallelJobs, c.Processing.QueueSize)
	fmt.Fprintf(out, "Log Level: %s\n", c.Logging.Level)
	fmt.Fprintf(out, "Log Format: %s\n", c.Logging.Format)
	fmt.Fprintf(out, "Log Directory: %s\n", c.Logging.LogDir)
	fmt.Fprintf(out, "\nViewer:\n")
	fmt.Fprintf(out, "  Default spacing: %d µm\n", c.Viewer.DefaultSpacing)
	fmt.Fprintf(out, "  Mode: %s, orientation: %s\n", c.Viewer.Mode, c.Viewer.Orientation)
	fmt.Fprintf(out, "  Window: %g-%g\n", c.Viewer.WindowLow, c.Viewer.WindowHigh)
	fmt.Fprintf(out, "\nRegistration:\n")
	fmt.Fprintf(out, "  Engine: %s, transform: %s, timeout: %s\n", c.Registration.DefaultEngine, c.Registration.DefaultTransform, c.Registration.Timeout)
	if c.Registration.External.Enabled {
		fmt.Fprintf(out, "  - external (%s)\n", c.Registration.External.Binary)
	}
	if c.Registration.Centroid.Enabled {
		fmt.Fprintf(out, "  - centroid\n")
	}
	fmt.Fprintf(out, "\nServer: http %s, grpc %s\n", c.Server.Addr, c.Server.RPCAddr)
	return nil
}
