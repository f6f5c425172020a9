package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"microreg/internal/config"
	"microreg/internal/fsutil"
	"microreg/internal/registration"
	"microreg/internal/storage"
)

// router implements Processor and routes jobs to their concrete handlers.
type router struct {
	log       *slog.Logger
	store     *storage.Store
	registrar registrar
	timeout   time.Duration
	describe  func(path string) storage.VolumeRecord
	catalog   func(root string, store *storage.Store, log *slog.Logger) (fsutil.CatalogSummary, error)
}

type registrar interface {
	Run(ctx context.Context, job registration.Job) (registration.Output, error)
}

func newRouter(logger *slog.Logger, store *storage.Store, regCfg *config.RegistrationConfig) Processor {
	engines := registration.NewEngineManager(regCfg, logger)
	return &router{
		log:       logger,
		store:     store,
		registrar: registration.NewCoordinator(engines, logger),
		timeout:   regCfg.TimeoutDuration(),
		describe:  fsutil.Describe,
		catalog:   fsutil.Catalog,
	}
}

func (r *router) Process(ctx context.Context, job Job) Result {
	switch job.Type {
	case JobRegister:
		return r.handleRegister(ctx, job)
	case JobInspect:
		return r.handleInspect(ctx, job)
	case JobCatalog:
		return r.handleCatalog(ctx, job)
	default:
		return Result{Job: job, Error: fmt.Errorf("unknown job type: %s", job.Type)}
	}
}

// NewRegisterJob packs a registration request into a pipeline job.
func NewRegisterJob(id string, rj registration.Job) Job {
	rj.ID = id
	return Job{
		ID:        id,
		Type:      JobRegister,
		InputPath: rj.FixedPath,
		Output:    rj.OutputDir,
		Options: map[string]any{
			"fixed":         rj.FixedPath,
			"moving":        rj.MovingPath,
			"fixedSpacing":  rj.FixedSpacing,
			"movingSpacing": rj.MovingSpacing,
			"transform":     string(rj.Transform),
		},
	}
}

// Request is a job submission from outside the process. Register requests
// use the embedded registration fields; inspect and catalog requests use Path.
type Request struct {
	Type JobType `json:"type,omitempty"`
	Path string  `json:"path,omitempty"`
	registration.Job
}

// Build validates r and turns it into a job with the given id. An empty type
// means register, and an empty output directory falls back to defaultOutput.
func (r Request) Build(id, defaultOutput string) (Job, error) {
	switch r.Type {
	case JobRegister, "":
		rj := r.Job
		if rj.OutputDir == "" {
			rj.OutputDir = defaultOutput
		}
		if err := rj.Validate(); err != nil {
			return Job{}, err
		}
		return NewRegisterJob(id, rj), nil
	case JobInspect, JobCatalog:
		if r.Path == "" {
			return Job{}, fmt.Errorf("%w: path required for %s", registration.ErrInvalidInput, r.Type)
		}
		return Job{ID: id, Type: r.Type, InputPath: r.Path}, nil
	}
	return Job{}, fmt.Errorf("%w: unknown job type %q", registration.ErrInvalidInput, r.Type)
}

// RegistrationJob unpacks the options written by NewRegisterJob.
func RegistrationJob(job Job) registration.Job {
	return registration.Job{
		ID:            job.ID,
		FixedPath:     getStringOption(job.Options, "fixed"),
		MovingPath:    getStringOption(job.Options, "moving"),
		FixedSpacing:  getIntOption(job.Options, "fixedSpacing"),
		MovingSpacing: getIntOption(job.Options, "movingSpacing"),
		Transform:     registration.Transform(getStringOption(job.Options, "transform")),
		OutputDir:     job.Output,
	}
}

// RegistrationOutput extracts the output of a finished register job.
func RegistrationOutput(res Result) (registration.Output, bool) {
	out, ok := res.Meta["output"].(registration.Output)
	return out, ok
}

func (r *router) handleRegister(ctx context.Context, job Job) Result {
	rj := RegistrationJob(job)
	if r.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.timeout)
		defer cancel()
	}

	out, err := r.registrar.Run(ctx, rj)
	if err != nil {
		meta := map[string]any{"transform": string(rj.Transform), "terminal": registration.IsTerminal(err)}
		if errors.Is(err, context.DeadlineExceeded) {
			meta["timeout"] = r.timeout.String()
		}
		return Result{Job: job, Error: err, Meta: meta}
	}
	return Result{Job: job, Meta: map[string]any{
		"output":     out,
		"engine":     out.Engine,
		"transform":  string(out.Transform),
		"movingPath": out.MovingPath,
		"fixedPath":  out.FixedPath,
		"metrics":    out.Metrics,
		"durationMs": out.Duration.Milliseconds(),
	}}
}

func (r *router) handleInspect(ctx context.Context, job Job) Result {
	rec := r.describe(job.InputPath)
	if r.store != nil {
		_ = r.store.UpsertVolume(rec)
	}
	meta := map[string]any{
		"path":          rec.Path,
		"pages":         rec.Pages,
		"width":         rec.Width,
		"height":        rec.Height,
		"bitsPerSample": rec.BitsPerSample,
		"sizeBytes":     rec.SizeBytes,
	}
	if rec.Error != "" {
		return Result{Job: job, Error: fmt.Errorf("%w: %s", registration.ErrFileFormat, rec.Error), Meta: meta}
	}
	return Result{Job: job, Meta: meta}
}

func (r *router) handleCatalog(ctx context.Context, job Job) Result {
	sum, err := r.catalog(job.InputPath, r.store, r.log)
	return Result{Job: job, Error: err, Meta: map[string]any{
		"volumes": sum.Volumes,
		"invalid": sum.Invalid,
		"paths":   sum.Paths,
	}}
}

func getStringOption(options map[string]any, key string) string {
	s, _ := options[key].(string)
	return s
}

func getIntOption(options map[string]any, key string) int {
	switch v := options[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	}
	return 0
}
