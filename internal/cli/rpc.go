package cli

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"microreg/internal/pipeline"
	"microreg/internal/registration"
	"microreg/internal/rpcserver"
)

func newRPCCmd(root *Root) *cobra.Command {
	var addr string

	cmd := &cobra.Command{
		Use:   "rpc",
		Short: "Talk to a running microreg server over gRPC",
	}
	cmd.PersistentFlags().StringVar(&addr, "addr", root.cfg.Server.RPCAddr, "gRPC server address")

	dial := func() (*rpcserver.Client, error) {
		c, err := rpcserver.Dial(addr)
		if err != nil {
			return nil, fmt.Errorf("failed to connect to %s: %w", addr, err)
		}
		return c, nil
	}

	var (
		job  registration.Job
		wait bool
		poll time.Duration
	)
	submitCmd := &cobra.Command{
		Use:   "submit",
		Short: "Submit a registration to the server",
		Long: `Submit a registration to the server. Paths are resolved on the server host.

Examples:
  microreg rpc submit --addr host:9090 --fixed /data/atlas.tif --fixed-spacing 25 \
    --moving /data/brain.tif --moving-spacing 10 --wait`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := dial()
			if err != nil {
				return err
			}
			defer c.Close()

			ctx := cmd.Context()
			id, err := c.Submit(ctx, pipeline.Request{Type: pipeline.JobRegister, Job: job})
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Submitted %s\n", id)
			if !wait {
				return nil
			}
			st, err := c.Wait(ctx, id, poll)
			if err != nil {
				return err
			}
			printStatus(cmd, st)
			if st.Status != "completed" {
				return fmt.Errorf("job %s %s: %s", id, st.Status, st.Error)
			}
			return nil
		},
	}
	registerFlags(submitCmd, root.cfg, &job)
	submitCmd.Flags().BoolVar(&wait, "wait", false, "wait for the job to finish")
	submitCmd.Flags().DurationVar(&poll, "poll", time.Second, "status polling interval while waiting")

	statusCmd := &cobra.Command{
		Use:   "status <job-id>",
		Short: "Show a job's status",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := dial()
			if err != nil {
				return err
			}
			defer c.Close()
			st, err := c.Status(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			printStatus(cmd, st)
			return nil
		},
	}

	enginesCmd := &cobra.Command{
		Use:   "engines",
		Short: "List the server's registration engines",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := dial()
			if err != nil {
				return err
			}
			defer c.Close()
			engines, err := c.Engines(cmd.Context())
			if err != nil {
				return err
			}
			printEngines(cmd.OutOrStdout(), engines)
			return nil
		},
	}

	cmd.AddCommand(submitCmd, statusCmd, enginesCmd)
	return cmd
}

func printStatus(cmd *cobra.Command, st rpcserver.JobStatus) {
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Job:    %s (%s)\n", st.ID, st.JobType)
	fmt.Fprintf(out, "Status: %s\n", st.Status)
	if st.Error != "" {
		fmt.Fprintf(out, "Error:  %s\n", st.Error)
	}
	printMeta(out, st.Meta)
}
