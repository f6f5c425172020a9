package registration

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"

	"microreg/internal/config"
	"microreg/internal/logging"
	"microreg/internal/tiffstack"
	"microreg/internal/volume"
)

// Manifest is the contract with an external registration program. Volumes
// are stored as (depth,row,column) TIFF stacks; spacing is listed (x,y,z).
// The program must write WarpedMoving and WarpedFixed in the same layout
// before exiting zero.
type Manifest struct {
	Transform     Transform  `json:"transform"`
	Fixed         string     `json:"fixed"`
	Moving        string     `json:"moving"`
	FixedSpacing  [3]float64 `json:"fixed_spacing"`
	MovingSpacing [3]float64 `json:"moving_spacing"`
	WarpedMoving  string     `json:"warped_moving"`
	WarpedFixed   string     `json:"warped_fixed"`
}

// ExternalEngine runs "<binary> --manifest <path> [extra args]".
type ExternalEngine struct {
	binary     string
	extraArgs  []string
	scratchDir string
	log        *slog.Logger
	lookPath   func(string) (string, error)
}

// NewExternalEngine builds the bridge from config.
func NewExternalEngine(cfg config.ExternalEngineConfig, scratchDir string, log *slog.Logger) *ExternalEngine {
	if log == nil {
		log = slog.Default()
	}
	return &ExternalEngine{
		binary:     cfg.Binary,
		extraArgs:  cfg.ExtraArgs,
		scratchDir: scratchDir,
		log:        log,
		lookPath:   exec.LookPath,
	}
}

func (e *ExternalEngine) Name() string { return "external" }

// IsAvailable checks that the binary resolves on PATH.
func (e *ExternalEngine) IsAvailable() bool {
	if e.binary == "" {
		return false
	}
	path, err := e.lookPath(e.binary)
	logging.LogEngineStatus(e.log, e.Name(), err == nil, path, err)
	return err == nil
}

// Supports accepts every known transform; the program decides the details.
func (e *ExternalEngine) Supports(t Transform) bool { return t.Valid() }

func (e *ExternalEngine) Register(ctx context.Context, fixed, moving *volume.FloatImage, t Transform) (Result, error) {
	if e.scratchDir != "" {
		if err := os.MkdirAll(e.scratchDir, 0o755); err != nil {
			return Result{}, fmt.Errorf("scratch dir: %w", err)
		}
	}
	dir, err := os.MkdirTemp(e.scratchDir, "reg-")
	if err != nil {
		return Result{}, fmt.Errorf("scratch dir: %w", err)
	}
	defer os.RemoveAll(dir)

	m := Manifest{
		Transform:     t,
		Fixed:         filepath.Join(dir, "fixed.tif"),
		Moving:        filepath.Join(dir, "moving.tif"),
		FixedSpacing:  fixed.SpatialSpacing(),
		MovingSpacing: moving.SpatialSpacing(),
		WarpedMoving:  filepath.Join(dir, "warped_moving.tif"),
		WarpedFixed:   filepath.Join(dir, "warped_fixed.tif"),
	}
	if err := writeFloat(m.Fixed, fixed); err != nil {
		return Result{}, err
	}
	if err := writeFloat(m.Moving, moving); err != nil {
		return Result{}, err
	}

	manifestPath := filepath.Join(dir, "manifest.json")
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return Result{}, err
	}
	if err := os.WriteFile(manifestPath, data, 0o644); err != nil {
		return Result{}, fmt.Errorf("write manifest: %w", err)
	}

	args := append([]string{"--manifest", manifestPath}, e.extraArgs...)
	cmd := exec.CommandContext(ctx, e.binary, args...)
	out, err := cmd.CombinedOutput()
	if err != nil {
		return Result{}, fmt.Errorf("%s failed: %v\nOutput: %s", e.binary, err, string(out))
	}
	e.log.Debug("external engine finished", "binary", e.binary, "transform", t, "output_bytes", len(out))

	warpedMoving, err := readFloat(m.WarpedMoving, m.FixedSpacing)
	if err != nil {
		return Result{}, err
	}
	warpedFixed, err := readFloat(m.WarpedFixed, m.MovingSpacing)
	if err != nil {
		return Result{}, err
	}
	return Result{
		WarpedMoving: warpedMoving,
		WarpedFixed:  warpedFixed,
		Parameters:   map[string]any{"binary": e.binary},
	}, nil
}

func writeFloat(path string, f *volume.FloatImage) error {
	img, err := volume.ToArray(f)
	if err != nil {
		return err
	}
	return tiffstack.Write(path, img)
}

// readFloat loads an engine output and assigns spatial spacing sp.
func readFloat(path string, sp [3]float64) (*volume.FloatImage, error) {
	img, err := tiffstack.Read(path)
	if err != nil {
		return nil, fmt.Errorf("engine output: %w", err)
	}
	f, err := volume.ToSpatial(img)
	if err != nil {
		return nil, err
	}
	return f.WithSpacing(sp), nil
}
