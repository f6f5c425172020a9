package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"microreg/internal/rpcserver"
	"microreg/internal/server"
	"microreg/internal/viewer"
)

type serveOptions struct {
	addr    string
	rpcAddr string
	watch   []string
}

// defaultServe runs the viewer loop, the HTTP server and, when an address is
// set, the gRPC service until interrupted.
func defaultServe(ctx context.Context, r *Root, opts serveOptions) error {
	if r.pipeline == nil {
		return fmt.Errorf("pipeline unavailable for server startup")
	}
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	hub := server.NewHub(r.log)
	v := viewer.New(r.cfg, r.pipeline, hub, r.log)
	go v.Run(ctx)

	engines := r.engines()
	srv, err := server.NewServer(server.Options{
		Addr:          opts.addr,
		Store:         r.store,
		Pipeline:      r.pipeline,
		Viewer:        v,
		Hub:           hub,
		Engines:       engines,
		WatchPaths:    opts.watch,
		DefaultOutput: r.cfg.Paths.DefaultOutput,
		PreviewWidth:  r.cfg.Viewer.PreviewWidth,
		Logger:        r.log,
	})
	if err != nil {
		return fmt.Errorf("failed to create server: %w", err)
	}

	rpcErr := make(chan error, 1)
	if opts.rpcAddr != "" {
		rpc := rpcserver.NewServer(r.pipeline, r.store, engines, r.cfg.Paths.DefaultOutput, r.log)
		go func() {
			rpcErr <- rpc.Serve(ctx, opts.rpcAddr)
		}()
	} else {
		rpcErr <- nil
	}

	r.log.Info("server ready",
		"addr", opts.addr,
		"endpoints", []string{"/healthz", "/jobs", "/stream", "/ws", "/api/state", "/api/events", "/api/volumes"},
	)

	httpErr := srv.Start(ctx)
	stop()
	if err := <-rpcErr; err != nil && httpErr == nil {
		return err
	}
	return httpErr
}
