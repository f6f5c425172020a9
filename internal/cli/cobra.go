package cli

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"runtime"
	"sort"
	"strings"
	"time"

	"microreg/internal/config"
	"microreg/internal/pipeline"
	"microreg/internal/registration"
	"microreg/internal/render"
	"microreg/internal/slicing"
	"microreg/internal/storage"
	"microreg/internal/tiffstack"
	"microreg/internal/volume"

	"github.com/spf13/cobra"
)

// Version is reported by the version command.
var Version = "v0.3.0-dev"

// NewRootCmd creates the root Cobra command
func NewRootCmd(cfg *config.Config, log *slog.Logger, store *storage.Store, pipe *pipeline.Pipeline) *cobra.Command {
	return newRootCmd(NewRoot(pipe, cfg, log, store))
}

func newRootCmd(root *Root) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "microreg",
		Short: "microreg registers and views 3-D microscopy volumes",
		Long: `microreg loads uint16 TIFF stacks, renders them as volumes or resliced planes,
and registers a moving stack onto a fixed one with a pluggable engine.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.AddCommand(newRegisterCmd(root))
	rootCmd.AddCommand(newInspectCmd(root))
	rootCmd.AddCommand(newSliceCmd(root))
	rootCmd.AddCommand(newServeCmd(root))
	rootCmd.AddCommand(newRPCCmd(root))
	rootCmd.AddCommand(newEnginesCmd(root))
	rootCmd.AddCommand(newConfigCmd(root))
	rootCmd.AddCommand(newVersionCmd(root))

	return rootCmd
}

// registerFlags binds the flags shared by register and rpc submit.
func registerFlags(cmd *cobra.Command, cfg *config.Config, job *registration.Job) {
	cmd.Flags().StringVar(&job.FixedPath, "fixed", "", "fixed (reference) TIFF stack")
	cmd.Flags().StringVar(&job.MovingPath, "moving", "", "moving TIFF stack")
	cmd.Flags().IntVar(&job.FixedSpacing, "fixed-spacing", 0, "fixed voxel spacing in µm")
	cmd.Flags().IntVar(&job.MovingSpacing, "moving-spacing", 0, "moving voxel spacing in µm")
	cmd.Flags().StringVarP((*string)(&job.Transform), "transform", "t", cfg.Registration.DefaultTransform,
		"transform ("+strings.Join(transformNames(), "|")+")")
	cmd.Flags().StringVarP(&job.OutputDir, "output", "o", cfg.Paths.DefaultOutput, "output directory")
}

func transformNames() []string {
	var names []string
	for _, t := range registration.Transforms() {
		names = append(names, string(t))
	}
	return names
}

func newRegisterCmd(root *Root) *cobra.Command {
	var job registration.Job

	cmd := &cobra.Command{
		Use:   "register",
		Short: "Register a moving stack onto a fixed stack",
		Long: `Register a moving stack onto a fixed stack and write both warped volumes.

Examples:
  microreg register --fixed atlas.tif --fixed-spacing 25 --moving brain.tif --moving-spacing 10
  microreg register --fixed a.tif --fixed-spacing 20 --moving b.tif --moving-spacing 20 -t Translation -o out/`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			req := pipeline.Request{Type: pipeline.JobRegister, Job: job}
			pj, err := req.Build(newID("reg"), root.cfg.Paths.DefaultOutput)
			if err != nil {
				return err
			}

			root.log.Info("register command parsed",
				"fixed", job.FixedPath,
				"moving", job.MovingPath,
				"fixed_spacing", job.FixedSpacing,
				"moving_spacing", job.MovingSpacing,
				"transform", string(job.Transform),
				"output", pj.Output,
			)

			res, err := root.enqueueAndWait(cmd.Context(), pj)
			if err != nil {
				return fmt.Errorf("registration failed: %w", err)
			}
			out := cmd.OutOrStdout()
			if o, ok := pipeline.RegistrationOutput(res); ok {
				fmt.Fprintf(out, "Engine:    %s (%s)\n", o.Engine, o.Transform)
				fmt.Fprintf(out, "Moving:    %s\n", o.MovingPath)
				fmt.Fprintf(out, "Fixed:     %s\n", o.FixedPath)
				fmt.Fprintf(out, "Duration:  %s\n", o.Duration.Round(time.Millisecond))
				if o.Metrics.Compared {
					fmt.Fprintf(out, "Mean |diff|: %.3f -> %.3f (r=%.3f)\n",
						o.Metrics.MeanAbsDiffBefore, o.Metrics.MeanAbsDiffAfter, o.Metrics.CorrelationAfter)
				}
				return nil
			}
			printMeta(out, res.Meta)
			return nil
		},
	}

	registerFlags(cmd, root.cfg, &job)
	return cmd
}

func newInspectCmd(root *Root) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "inspect <path>",
		Short: "Describe a TIFF stack or catalog a directory of stacks",
		Long: `Describe a TIFF stack (pages, size, bit depth) or, for a directory, catalog every
stack beneath it into the volume database.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := args[0]
			req := pipeline.Request{Type: pipeline.JobInspect, Path: path}
			if st, err := os.Stat(path); err == nil && st.IsDir() {
				req.Type = pipeline.JobCatalog
			}
			job, err := req.Build(newID(string(req.Type)), "")
			if err != nil {
				return err
			}
			res, err := root.enqueueAndWait(cmd.Context(), job)
			printMeta(cmd.OutOrStdout(), res.Meta)
			return err
		},
	}
	return cmd
}

func newSliceCmd(root *Root) *cobra.Command {
	var (
		spacing     int
		mode        string
		orientation string
		width       int
		windowLow   float64
		windowHigh  float64
		output      string
	)

	cmd := &cobra.Command{
		Use:   "slice <stack.tif>",
		Short: "Render a stack to a PNG or TIFF image",
		Long: `Render a stack the way the viewer shows it and write the picture to disk.

Examples:
  # Coronal plane through the centre of the stack
  microreg slice brain.tif --mode slice --orientation coronal -o coronal.png

  # Projection preview, 256 pixels wide
  microreg slice brain.tif --width 256 -o preview.tif`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if output == "" {
				return fmt.Errorf("--output is required")
			}
			if _, err := render.FormatFor(output); err != nil {
				return err
			}
			if spacing <= 0 {
				return fmt.Errorf("%w: spacing must be positive, got %d", registration.ErrInvalidInput, spacing)
			}
			m, err := render.ParseMode(mode)
			if err != nil {
				return err
			}

			img, err := tiffstack.Read(args[0])
			if err != nil {
				return fmt.Errorf("%w: %v", registration.ErrFileFormat, err)
			}
			img = img.WithSpacing(volume.Broadcast(float64(spacing)))

			var p render.Pipeline
			switch m {
			case render.ModeSlice:
				o, err := slicing.ParseOrientation(orientation)
				if err != nil {
					return err
				}
				p, err = slicing.NewSlicePipeline(img, o, slicing.LookupTable{Lo: windowLow, Hi: windowHigh})
				if err != nil {
					return err
				}
			default:
				p, err = render.NewVolumePipeline(img, render.NewTransferFunctionWindow(windowLow, windowHigh))
				if err != nil {
					return err
				}
			}

			pic, err := p.Render()
			if err != nil {
				return err
			}
			pic = render.ScaleToWidth(pic, width)
			if err := render.Export(output, pic); err != nil {
				return err
			}
			b := pic.Bounds()
			root.log.Info("slice exported", "input", args[0], "output", output, "mode", m.String(), "width", b.Dx(), "height", b.Dy())
			fmt.Fprintf(cmd.OutOrStdout(), "Wrote %s (%dx%d, %s)\n", output, b.Dx(), b.Dy(), m)
			return nil
		},
	}

	cfg := root.cfg.Viewer
	cmd.Flags().IntVar(&spacing, "spacing", cfg.DefaultSpacing, "voxel spacing in µm")
	cmd.Flags().StringVar(&mode, "mode", cfg.Mode, "render mode (volume|slice)")
	cmd.Flags().StringVar(&orientation, "orientation", cfg.Orientation, "slice orientation (coronal|sagittal)")
	cmd.Flags().IntVar(&width, "width", 0, "scale the picture to this width (0 keeps the native size)")
	cmd.Flags().Float64Var(&windowLow, "window-low", cfg.WindowLow, "intensity mapped to black")
	cmd.Flags().Float64Var(&windowHigh, "window-high", cfg.WindowHigh, "intensity mapped to full brightness")
	cmd.Flags().StringVarP(&output, "output", "o", "", "output image (.png, .tif)")

	return cmd
}

func newServeCmd(root *Root) *cobra.Command {
	var opts serveOptions

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the viewer, HTTP API and gRPC service",
		Long: `Start the interactive viewer with its HTTP and websocket API, the gRPC
registration service, and an optional watcher over data directories.

Examples:
  microreg serve --addr :8080
  microreg serve --addr :8080 --rpc-addr :9090 --watch /data/stacks`,
		RunE: func(cmd *cobra.Command, args []string) error {
			root.log.Info("starting server",
				"addr", opts.addr,
				"rpc_addr", opts.rpcAddr,
				"watch_paths", opts.watch,
			)
			return root.serveFn(cmd.Context(), root, opts)
		},
	}

	var watch []string
	if root.cfg.Server.WatchData && root.cfg.Paths.DataDir != "" {
		watch = []string{root.cfg.Paths.DataDir}
	}
	cmd.Flags().StringVar(&opts.addr, "addr", root.cfg.Server.Addr, "HTTP address (host:port)")
	cmd.Flags().StringVar(&opts.rpcAddr, "rpc-addr", root.cfg.Server.RPCAddr, "gRPC address, empty disables it")
	cmd.Flags().StringSliceVar(&opts.watch, "watch", watch, "directories to catalog and watch for stacks")

	return cmd
}

func newEnginesCmd(root *Root) *cobra.Command {
	return &cobra.Command{
		Use:   "engines",
		Short: "List registration engines and their availability",
		RunE: func(cmd *cobra.Command, args []string) error {
			printEngines(cmd.OutOrStdout(), root.engines().Status())
			return nil
		},
	}
}

func newVersionCmd(root *Root) *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Run: func(cmd *cobra.Command, args []string) {
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "microreg %s\n", Version)
			fmt.Fprintf(out, "Built with Go %s\n", runtime.Version())
		},
	}
}

func printEngines(w io.Writer, engines []registration.EngineStatus) {
	fmt.Fprintf(w, "Registration engines:\n")
	for _, e := range engines {
		status := "unavailable"
		if e.Available {
			status = "available"
		}
		var ts []string
		for _, t := range e.Transforms {
			ts = append(ts, string(t))
		}
		fmt.Fprintf(w, "  %-10s %-12s %s\n", e.Name, status, strings.Join(ts, ", "))
	}
}

func printMeta(w io.Writer, meta map[string]any) {
	keys := make([]string, 0, len(meta))
	for k := range meta {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(w, "%s: %v\n", k, meta[k])
	}
}
