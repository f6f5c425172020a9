package registration

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gonum.org/v1/gonum/stat"

	"microreg/internal/logging"
	"microreg/internal/tiffstack"
	"microreg/internal/volume"
)

// Job is one registration request. Spacing is a single positive value per
// volume, applied to all three axes.
type Job struct {
	ID            string    `json:"id"`
	FixedPath     string    `json:"fixedPath"`
	MovingPath    string    `json:"movingPath"`
	FixedSpacing  int       `json:"fixedSpacing"`
	MovingSpacing int       `json:"movingSpacing"`
	Transform     Transform `json:"transform"`
	OutputDir     string    `json:"outputDir"`
}

// Validate checks the job without touching the filesystem.
func (j Job) Validate() error {
	var problems []string
	if !j.Transform.Valid() {
		problems = append(problems, fmt.Sprintf("unknown transform %q", j.Transform))
	}
	if j.FixedSpacing <= 0 {
		problems = append(problems, fmt.Sprintf("fixed spacing must be positive, got %d", j.FixedSpacing))
	}
	if j.MovingSpacing <= 0 {
		problems = append(problems, fmt.Sprintf("moving spacing must be positive, got %d", j.MovingSpacing))
	}
	if !IsTIFF(j.FixedPath) {
		problems = append(problems, fmt.Sprintf("fixed path %q is not a .tif/.tiff file", j.FixedPath))
	}
	if !IsTIFF(j.MovingPath) {
		problems = append(problems, fmt.Sprintf("moving path %q is not a .tif/.tiff file", j.MovingPath))
	}
	if j.OutputDir == "" {
		problems = append(problems, "output directory is empty")
	}
	if len(problems) > 0 {
		return fmt.Errorf("%w: %s", ErrInvalidInput, strings.Join(problems, "; "))
	}
	return nil
}

// IsTIFF reports whether path has a .tif or .tiff extension.
func IsTIFF(path string) bool {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".tif", ".tiff":
		return true
	}
	return false
}

// OutputNames returns the moving and fixed output file names for t.
func OutputNames(t Transform) (moving, fixed string) {
	return fmt.Sprintf("transformed_moving_%s.tif", t), fmt.Sprintf("transformed_fixed_%s.tif", t)
}

// Metrics compares the fixed volume with the moving volume before and after
// warping. They are only computed when the two share a grid.
type Metrics struct {
	Compared          bool    `json:"compared"`
	MeanAbsDiffBefore float64 `json:"meanAbsDiffBefore"`
	MeanAbsDiffAfter  float64 `json:"meanAbsDiffAfter"`
	CorrelationAfter  float64 `json:"correlationAfter"`
}

// Output describes a finished registration.
type Output struct {
	MovingPath   string         `json:"movingPath"`
	FixedPath    string         `json:"fixedPath"`
	Engine       string         `json:"engine"`
	Transform    Transform      `json:"transform"`
	Duration     time.Duration  `json:"duration"`
	Metrics      Metrics        `json:"metrics"`
	Parameters   map[string]any `json:"parameters,omitempty"`
	WarpedMoving *volume.Image  `json:"-"`
}

// Selector picks the engine for a transform.
type Selector interface {
	Select(t Transform) (Engine, error)
}

// Coordinator turns a Job into two output files or an error.
type Coordinator struct {
	engines Selector
	read    func(path string) (*volume.Image, error)
	write   func(path string, img *volume.Image) error
	log     *slog.Logger
}

// NewCoordinator reads and writes TIFF stacks and asks engines for an engine.
func NewCoordinator(engines Selector, log *slog.Logger) *Coordinator {
	if log == nil {
		log = slog.Default()
	}
	return &Coordinator{engines: engines, read: tiffstack.Read, write: tiffstack.Write, log: log}
}

// Run validates, loads, registers and persists. Validation failures never
// reach the engine, and engine failures leave no files behind.
func (c *Coordinator) Run(ctx context.Context, job Job) (Output, error) {
	start := time.Now()
	if err := job.Validate(); err != nil {
		return Output{}, err
	}
	logging.LogJobStart(c.log, "register", job.ID, job.FixedPath+","+job.MovingPath, job.OutputDir, map[string]any{
		"transform":      string(job.Transform),
		"fixed_spacing":  job.FixedSpacing,
		"moving_spacing": job.MovingSpacing,
	})

	fixed, err := c.load(job.FixedPath, job.FixedSpacing)
	if err != nil {
		return Output{}, err
	}
	moving, err := c.load(job.MovingPath, job.MovingSpacing)
	if err != nil {
		return Output{}, err
	}
	logging.LogProcessingStep(c.log, job.ID, "load", "done", map[string]any{
		"fixed_dims":  fixed.Dims,
		"moving_dims": moving.Dims,
	})

	engine, err := c.engines.Select(job.Transform)
	if err != nil {
		return Output{}, fmt.Errorf("%w: %w", ErrEngine, err)
	}
	res, err := engine.Register(ctx, fixed, moving, job.Transform)
	if err != nil {
		return Output{}, fmt.Errorf("%w: %s: %v", ErrEngine, engine.Name(), err)
	}
	if err := res.WarpedMoving.Validate(); err != nil {
		return Output{}, fmt.Errorf("%w: %s returned warped moving: %v", ErrEngine, engine.Name(), err)
	}
	if err := res.WarpedFixed.Validate(); err != nil {
		return Output{}, fmt.Errorf("%w: %s returned warped fixed: %v", ErrEngine, engine.Name(), err)
	}
	logging.LogProcessingStep(c.log, job.ID, "register", "done", map[string]any{"engine": engine.Name()})

	warpedMoving, err := volume.ToArray(res.WarpedMoving)
	if err != nil {
		return Output{}, fmt.Errorf("%w: %v", ErrEngine, err)
	}
	warpedFixed, err := volume.ToArray(res.WarpedFixed)
	if err != nil {
		return Output{}, fmt.Errorf("%w: %v", ErrEngine, err)
	}

	if err := ctx.Err(); err != nil {
		return Output{}, err
	}
	movingName, fixedName := OutputNames(job.Transform)
	out := Output{
		MovingPath:   filepath.Join(job.OutputDir, movingName),
		FixedPath:    filepath.Join(job.OutputDir, fixedName),
		Engine:       engine.Name(),
		Transform:    job.Transform,
		Metrics:      compare(fixed, moving, res.WarpedMoving),
		Parameters:   res.Parameters,
		WarpedMoving: warpedMoving,
	}
	if err := c.persist(job.OutputDir, map[string]*volume.Image{
		out.MovingPath: warpedMoving,
		out.FixedPath:  warpedFixed,
	}); err != nil {
		return Output{}, err
	}
	out.Duration = time.Since(start)
	return out, nil
}

func (c *Coordinator) load(path string, spacing int) (*volume.FloatImage, error) {
	img, err := c.read(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrFileFormat, path, err)
	}
	f, err := volume.ToSpatial(img)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrFileFormat, path, err)
	}
	return f.WithSpacing(volume.Broadcast(float64(spacing))), nil
}

// persist writes every image to a temp file in dir and renames them into
// place only after all writes succeed.
func (c *Coordinator) persist(dir string, files map[string]*volume.Image) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create output dir: %w", err)
	}

	temps := make(map[string]string, len(files))
	cleanup := func() {
		for _, tmp := range temps {
			os.Remove(tmp)
		}
	}
	for final, img := range files {
		f, err := os.CreateTemp(dir, "."+filepath.Base(final)+".*.tmp")
		if err != nil {
			cleanup()
			return fmt.Errorf("create temp output: %w", err)
		}
		tmp := f.Name()
		f.Close()
		temps[final] = tmp
		if err := c.write(tmp, img); err != nil {
			cleanup()
			return fmt.Errorf("write %s: %w", final, err)
		}
	}

	var renamed []string
	for final, tmp := range temps {
		if err := os.Rename(tmp, final); err != nil {
			for _, done := range renamed {
				os.Remove(done)
			}
			cleanup()
			return fmt.Errorf("rename %s: %w", final, err)
		}
		renamed = append(renamed, final)
	}
	return nil
}

func compare(fixed, moving, warped *volume.FloatImage) Metrics {
	if fixed.SpatialDims() != warped.SpatialDims() {
		return Metrics{}
	}
	m := Metrics{Compared: true}
	f := toFloat64(fixed)
	w := toFloat64(warped)
	m.MeanAbsDiffAfter = meanAbsDiff(f, w)
	if fixed.SpatialDims() == moving.SpatialDims() {
		m.MeanAbsDiffBefore = meanAbsDiff(f, toFloat64(moving))
	}
	if r := stat.Correlation(f, w, nil); !math.IsNaN(r) {
		m.CorrelationAfter = r
	}
	return m
}

// toFloat64 flattens f in spatial order.
func toFloat64(f *volume.FloatImage) []float64 {
	d := f.SpatialDims()
	out := make([]float64, 0, len(f.Voxels))
	for x := 0; x < d[0]; x++ {
		for y := 0; y < d[1]; y++ {
			for z := 0; z < d[2]; z++ {
				out = append(out, float64(f.At(x, y, z)))
			}
		}
	}
	return out
}

func meanAbsDiff(a, b []float64) float64 {
	diff := make([]float64, len(a))
	for i := range a {
		diff[i] = math.Abs(a[i] - b[i])
	}
	return stat.Mean(diff, nil)
}

// IsTerminal reports whether err ends a job without retry.
func IsTerminal(err error) bool {
	return errors.Is(err, ErrInvalidInput) || errors.Is(err, ErrFileFormat) || errors.Is(err, ErrEngine)
}
