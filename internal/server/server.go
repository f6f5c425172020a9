package server

import (
	"context"
	"errors"
	"image"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"microreg/internal/fsutil"
	"microreg/internal/pipeline"
	"microreg/internal/registration"
	"microreg/internal/storage"
	"microreg/internal/viewer"
	"microreg/internal/volume"
)

// JobQueue is the part of the pipeline the server uses.
type JobQueue interface {
	Submit(job pipeline.Job) error
	Subscribe() (<-chan pipeline.Result, func())
}

// Viewer is the part of the viewer the server uses.
type Viewer interface {
	Post(ctx context.Context, ev viewer.Event) error
	Snapshot(ctx context.Context) (viewer.Snapshot, error)
	Render(ctx context.Context, role volume.Role) (image.Image, error)
}

// EngineLister reports registration engine availability.
type EngineLister interface {
	Status() []registration.EngineStatus
}

// Options wires a Server.
type Options struct {
	Addr          string
	Store         *storage.Store
	Pipeline      JobQueue
	Viewer        Viewer
	Hub           *Hub
	Engines       EngineLister
	WatchPaths    []string
	DefaultOutput string
	PreviewWidth  int
	Logger        *slog.Logger
}

// Server exposes the viewer, the job queue and the volume catalog over HTTP
// and websocket.
type Server struct {
	addr          string
	store         *storage.Store
	pipeline      JobQueue
	viewer        Viewer
	hub           *Hub
	engines       EngineLister
	watcher       *fsutil.VolumeWatcher
	watchPaths    []string
	defaultOutput string
	previewWidth  int
	log           *slog.Logger
	server        *http.Server
}

// NewServer creates a server. A data watcher is set up when watch paths are
// given; failing to create one is logged, not fatal.
func NewServer(opts Options) (*Server, error) {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Hub == nil {
		opts.Hub = NewHub(opts.Logger)
	}
	if opts.Pipeline == nil || opts.Viewer == nil {
		return nil, errors.New("server needs a pipeline and a viewer")
	}
	s := &Server{
		addr:          opts.Addr,
		store:         opts.Store,
		pipeline:      opts.Pipeline,
		viewer:        opts.Viewer,
		hub:           opts.Hub,
		engines:       opts.Engines,
		watchPaths:    opts.WatchPaths,
		defaultOutput: opts.DefaultOutput,
		previewWidth:  opts.PreviewWidth,
		log:           opts.Logger,
	}

	if len(opts.WatchPaths) > 0 {
		w, err := fsutil.NewVolumeWatcher(opts.WatchPaths, opts.Logger)
		if err != nil {
			opts.Logger.Warn("failed to set up data watcher", "error", err)
		} else {
			s.watcher = w
			opts.Logger.Info("data watcher initialized", "paths", opts.WatchPaths)
		}
	}
	return s, nil
}

// Handler returns the routed HTTP handler.
func (s *Server) Handler() http.Handler {
	r := mux.NewRouter()
	s.setupRoutes(r)
	return r
}

// Start runs the hub, the data watcher and the HTTP server until ctx ends.
func (s *Server) Start(ctx context.Context) error {
	go s.hub.Run(ctx)
	s.startWatcher(ctx)

	s.server = &http.Server{
		Addr:    s.addr,
		Handler: s.Handler(),
	}

	go func() {
		<-ctx.Done()
		s.log.Info("shutting down server")
		if s.watcher != nil {
			s.watcher.Stop()
		}
		ctxShutdown, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.server.Shutdown(ctxShutdown)
	}()

	s.log.Info("server starting", "addr", s.addr)
	err := s.server.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

func (s *Server) startWatcher(ctx context.Context) {
	if s.store != nil {
		for _, dir := range s.watchPaths {
			sum, err := fsutil.Catalog(dir, s.store, s.log)
			if err != nil {
				s.log.Warn("initial catalog failed", "dir", dir, "error", err)
				continue
			}
			s.log.Info("catalogued data directory", "dir", dir, "volumes", sum.Volumes, "invalid", sum.Invalid)
		}
	}
	if s.watcher == nil {
		return
	}
	if err := s.watcher.Start(); err != nil {
		s.log.Error("failed to start data watcher", "error", err)
		return
	}
	go s.watcher.Sync(ctx, s.store, func(ev fsutil.VolumeEvent) {
		s.hub.Broadcast("volume", ev)
	})
}

func (s *Server) setupRoutes(r *mux.Router) {
	r.HandleFunc("/", s.handleIndex).Methods("GET")
	r.HandleFunc("/healthz", s.handleHealth).Methods("GET")
	r.HandleFunc("/jobs", s.handleJobs).Methods("GET")
	r.HandleFunc("/jobs", s.handleSubmitJob).Methods("POST")
	r.HandleFunc("/jobs/{id}", s.handleJobMeta).Methods("GET")
	r.HandleFunc("/stream", s.handleJobStream).Methods("GET")
	r.HandleFunc("/ws", s.handleWebSocket).Methods("GET")

	api := r.PathPrefix("/api").Subrouter()
	api.HandleFunc("/state", s.handleState).Methods("GET")
	api.HandleFunc("/events", s.handleEvent).Methods("POST")
	api.HandleFunc("/slots/{role}/image.png", s.handleSlotImage).Methods("GET")
	api.HandleFunc("/volumes", s.handleVolumes).Methods("GET")
	api.HandleFunc("/engines", s.handleEngines).Methods("GET")
}
