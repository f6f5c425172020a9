package registration

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"testing"

	"microreg/internal/config"
	"microreg/internal/tiffstack"
	"microreg/internal/volume"
)

const helperEnv = "MICROREG_ENGINE_HELPER"

// TestMain lets the test binary stand in for an external registration program.
func TestMain(m *testing.M) {
	if mode := os.Getenv(helperEnv); mode != "" {
		os.Exit(runHelperEngine(mode, os.Args[1:]))
	}
	os.Exit(m.Run())
}

func runHelperEngine(mode string, args []string) int {
	if mode == "fail" {
		fmt.Println("optimizer diverged")
		return 3
	}
	var manifestPath string
	for i := 0; i < len(args)-1; i++ {
		if args[i] == "--manifest" {
			manifestPath = args[i+1]
		}
	}
	data, err := os.ReadFile(manifestPath)
	if err != nil {
		fmt.Println(err)
		return 2
	}
	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		fmt.Println(err)
		return 2
	}
	copies := map[string]string{m.Moving: m.WarpedMoving, m.Fixed: m.WarpedFixed}
	for src, dst := range copies {
		img, err := tiffstack.Read(src)
		if err != nil {
			fmt.Println(err)
			return 2
		}
		if err := tiffstack.Write(dst, img); err != nil {
			fmt.Println(err)
			return 2
		}
	}
	return 0
}

type stubEngine struct {
	name      string
	available bool
	supports  map[Transform]bool
	err       error
	calls     int
	last      Transform
	fixed     *volume.FloatImage
	moving    *volume.FloatImage
}

func newStubEngine(name string, ts ...Transform) *stubEngine {
	s := &stubEngine{name: name, available: true, supports: map[Transform]bool{}}
	for _, t := range ts {
		s.supports[t] = true
	}
	return s
}

func (s *stubEngine) Name() string              { return s.name }
func (s *stubEngine) IsAvailable() bool         { return s.available }
func (s *stubEngine) Supports(t Transform) bool { return s.supports[t] }

func (s *stubEngine) Register(ctx context.Context, fixed, moving *volume.FloatImage, t Transform) (Result, error) {
	s.calls++
	s.last = t
	s.fixed, s.moving = fixed, moving
	if s.err != nil {
		return Result{}, s.err
	}
	return Result{WarpedMoving: moving, WarpedFixed: fixed}, nil
}

type stubSelector struct{ engine Engine }

func (s stubSelector) Select(t Transform) (Engine, error) {
	if s.engine == nil {
		return nil, ErrNoEngine
	}
	return s.engine, nil
}

func writeStack(t *testing.T, path string, dims [3]int, fill func(i int) uint16) *volume.Image {
	t.Helper()
	img, err := volume.New(dims, volume.Broadcast(1), volume.ArrayOrder)
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	for i := range img.Voxels {
		img.Voxels[i] = fill(i)
	}
	if err := tiffstack.Write(path, img); err != nil {
		t.Fatalf("write stack: %v", err)
	}
	return img
}

func validJob(t *testing.T) Job {
	t.Helper()
	dir := t.TempDir()
	fixed := filepath.Join(dir, "fixed.tif")
	moving := filepath.Join(dir, "moving.tiff")
	writeStack(t, fixed, [3]int{2, 3, 4}, func(i int) uint16 { return uint16(i * 10) })
	writeStack(t, moving, [3]int{2, 3, 4}, func(i int) uint16 { return uint16(500 - i) })
	return Job{
		ID:            "reg-1",
		FixedPath:     fixed,
		MovingPath:    moving,
		FixedSpacing:  20,
		MovingSpacing: 7,
		Transform:     SyN,
		OutputDir:     filepath.Join(dir, "out"),
	}
}

func dirEntries(t *testing.T, dir string) []string {
	t.Helper()
	entries, err := os.ReadDir(dir)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		t.Fatalf("read dir: %v", err)
	}
	var names []string
	for _, e := range entries {
		names = append(names, e.Name())
	}
	return names
}

func TestParseTransform(t *testing.T) {
	if len(Transforms()) != 19 {
		t.Fatalf("expected 19 transforms, got %d", len(Transforms()))
	}
	for _, tr := range Transforms() {
		got, err := ParseTransform(string(tr))
		if err != nil || got != tr {
			t.Fatalf("expected %s, got %s (%v)", tr, got, err)
		}
	}
	for _, bad := range []string{"", "syn", "BSpline", "Translation2"} {
		if _, err := ParseTransform(bad); !errors.Is(err, ErrInvalidInput) {
			t.Fatalf("expected ErrInvalidInput for %q, got %v", bad, err)
		}
	}
}

func TestRunRejectsInvalidInputWithoutEngineCall(t *testing.T) {
	mutations := map[string]func(*Job){
		"fixed spacing":  func(j *Job) { j.FixedSpacing = 0 },
		"moving spacing": func(j *Job) { j.MovingSpacing = -4 },
		"fixed ext":      func(j *Job) { j.FixedPath = j.FixedPath[:len(j.FixedPath)-4] + ".png" },
		"moving ext":     func(j *Job) { j.MovingPath = "volume.nii" },
		"transform":      func(j *Job) { j.Transform = "Warp" },
		"output":         func(j *Job) { j.OutputDir = "" },
	}
	for name, mutate := range mutations {
		job := validJob(t)
		mutate(&job)
		engine := newStubEngine("stub", SyN)
		c := NewCoordinator(stubSelector{engine}, slog.Default())

		_, err := c.Run(context.Background(), job)
		if !errors.Is(err, ErrInvalidInput) {
			t.Fatalf("%s: expected ErrInvalidInput, got %v", name, err)
		}
		if engine.calls != 0 {
			t.Fatalf("%s: expected no engine call, got %d", name, engine.calls)
		}
		if got := dirEntries(t, job.OutputDir); len(got) != 0 {
			t.Fatalf("%s: expected no output files, got %v", name, got)
		}
	}
}

func TestRunReportsUnreadableFiles(t *testing.T) {
	job := validJob(t)
	if err := os.WriteFile(job.MovingPath, []byte("garbage"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	engine := newStubEngine("stub", SyN)
	c := NewCoordinator(stubSelector{engine}, slog.Default())

	_, err := c.Run(context.Background(), job)
	if !errors.Is(err, ErrFileFormat) {
		t.Fatalf("expected ErrFileFormat, got %v", err)
	}
	if engine.calls != 0 {
		t.Fatalf("expected no engine call, got %d", engine.calls)
	}
}

func TestRunEngineFailureLeavesNoFiles(t *testing.T) {
	job := validJob(t)
	engine := newStubEngine("stub", SyN)
	engine.err = errors.New("did not converge")
	c := NewCoordinator(stubSelector{engine}, slog.Default())

	_, err := c.Run(context.Background(), job)
	if !errors.Is(err, ErrEngine) {
		t.Fatalf("expected ErrEngine, got %v", err)
	}
	if !IsTerminal(err) {
		t.Fatalf("expected engine failure to be terminal")
	}
	if engine.calls != 1 {
		t.Fatalf("expected exactly one engine call, got %d", engine.calls)
	}
	if got := dirEntries(t, job.OutputDir); len(got) != 0 {
		t.Fatalf("expected no output files, got %v", got)
	}
}

func TestRunNoEngineIsEngineError(t *testing.T) {
	job := validJob(t)
	c := NewCoordinator(stubSelector{}, slog.Default())
	_, err := c.Run(context.Background(), job)
	if !errors.Is(err, ErrEngine) || !errors.Is(err, ErrNoEngine) {
		t.Fatalf("expected ErrEngine wrapping ErrNoEngine, got %v", err)
	}
}

func TestRunWritesBothOutputs(t *testing.T) {
	job := validJob(t)
	engine := newStubEngine("stub", SyN)
	c := NewCoordinator(stubSelector{engine}, slog.Default())

	out, err := c.Run(context.Background(), job)
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if engine.last != SyN {
		t.Fatalf("expected SyN passed to engine, got %s", engine.last)
	}
	if engine.fixed.Spacing != volume.Broadcast(20) || engine.moving.Spacing != volume.Broadcast(7) {
		t.Fatalf("expected broadcast spacing, got %v and %v", engine.fixed.Spacing, engine.moving.Spacing)
	}
	if engine.fixed.Order != volume.SpatialOrder || engine.fixed.Dims != [3]int{4, 3, 2} {
		t.Fatalf("expected spatial (4,3,2) input, got %v %v", engine.fixed.Order, engine.fixed.Dims)
	}

	wantMoving := filepath.Join(job.OutputDir, "transformed_moving_SyN.tif")
	wantFixed := filepath.Join(job.OutputDir, "transformed_fixed_SyN.tif")
	if out.MovingPath != wantMoving || out.FixedPath != wantFixed {
		t.Fatalf("unexpected output paths %s, %s", out.MovingPath, out.FixedPath)
	}
	if got := dirEntries(t, job.OutputDir); len(got) != 2 {
		t.Fatalf("expected exactly two files, got %v", got)
	}

	moving, err := tiffstack.Read(job.MovingPath)
	if err != nil {
		t.Fatalf("read input: %v", err)
	}
	written, err := tiffstack.Read(wantMoving)
	if err != nil {
		t.Fatalf("read output: %v", err)
	}
	if written.Dims != moving.Dims {
		t.Fatalf("expected dims %v, got %v", moving.Dims, written.Dims)
	}
	for i := range moving.Voxels {
		if written.Voxels[i] != moving.Voxels[i] {
			t.Fatalf("voxel %d expected %d, got %d", i, moving.Voxels[i], written.Voxels[i])
		}
	}
	if !out.Metrics.Compared || out.Metrics.MeanAbsDiffAfter != out.Metrics.MeanAbsDiffBefore {
		t.Fatalf("expected identity warp metrics to match, got %+v", out.Metrics)
	}
	if out.WarpedMoving == nil || out.WarpedMoving.Order != volume.ArrayOrder {
		t.Fatalf("expected array-order warped moving in output")
	}
}

func TestRigidOnIdenticalVolumesLeavesNoDifference(t *testing.T) {
	dir := t.TempDir()
	fill := func(i int) uint16 { return uint16(100 + (i*37)%900) }
	src := writeStack(t, filepath.Join(dir, "fixed.tif"), [3]int{3, 4, 5}, fill)
	writeStack(t, filepath.Join(dir, "moving.tif"), [3]int{3, 4, 5}, fill)
	job := Job{
		ID:            "reg-same",
		FixedPath:     filepath.Join(dir, "fixed.tif"),
		MovingPath:    filepath.Join(dir, "moving.tif"),
		FixedSpacing:  10,
		MovingSpacing: 10,
		Transform:     Rigid,
		OutputDir:     filepath.Join(dir, "out"),
	}

	engine := newStubEngine("stub", Rigid)
	out, err := NewCoordinator(stubSelector{engine}, slog.Default()).Run(context.Background(), job)
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if engine.last != Rigid {
		t.Fatalf("expected Rigid passed to engine, got %s", engine.last)
	}
	if !out.Metrics.Compared || math.Abs(out.Metrics.MeanAbsDiffAfter) > 1e-9 || math.Abs(out.Metrics.MeanAbsDiffBefore) > 1e-9 {
		t.Fatalf("expected no difference between identical volumes, got %+v", out.Metrics)
	}
	if math.Abs(out.Metrics.CorrelationAfter-1) > 1e-9 {
		t.Fatalf("expected correlation 1, got %v", out.Metrics.CorrelationAfter)
	}

	moving, err := tiffstack.Read(filepath.Join(job.OutputDir, "transformed_moving_Rigid.tif"))
	if err != nil {
		t.Fatalf("read moving output: %v", err)
	}
	fixed, err := tiffstack.Read(filepath.Join(job.OutputDir, "transformed_fixed_Rigid.tif"))
	if err != nil {
		t.Fatalf("read fixed output: %v", err)
	}
	if moving.Dims != src.Dims || fixed.Dims != src.Dims {
		t.Fatalf("expected dims %v, got %v and %v", src.Dims, moving.Dims, fixed.Dims)
	}
	var diff float64
	for i := range src.Voxels {
		diff += math.Abs(float64(moving.Voxels[i]) - float64(fixed.Voxels[i]))
		if moving.Voxels[i] != src.Voxels[i] {
			t.Fatalf("voxel %d expected %d, got %d", i, src.Voxels[i], moving.Voxels[i])
		}
	}
	if diff/float64(len(src.Voxels)) > 1e-9 {
		t.Fatalf("expected outputs to match, mean difference %v", diff/float64(len(src.Voxels)))
	}
}

func TestEngineManagerSelection(t *testing.T) {
	cfg := &config.RegistrationConfig{DefaultEngine: "auto"}
	mgr := NewEngineManager(&config.RegistrationConfig{}, nil)
	if len(mgr.Engines()) != 0 {
		t.Fatalf("expected no engines with everything disabled, got %d", len(mgr.Engines()))
	}

	mgr = &EngineManager{engines: map[string]Engine{}, config: cfg}
	offline := newStubEngine("offline", SyN, Translation)
	offline.available = false
	first := newStubEngine("first", Translation)
	second := newStubEngine("second", SyN, Translation)
	mgr.Register(offline)
	mgr.Register(first)
	mgr.Register(second)

	e, err := mgr.Select(SyN)
	if err != nil || e.Name() != "second" {
		t.Fatalf("expected second for SyN, got %v (%v)", e, err)
	}
	e, err = mgr.Select(Translation)
	if err != nil || e.Name() != "first" {
		t.Fatalf("expected first for Translation, got %v (%v)", e, err)
	}
	if _, err := mgr.Select(TVMSQ); !errors.Is(err, ErrNoEngine) {
		t.Fatalf("expected ErrNoEngine, got %v", err)
	}

	cfg.DefaultEngine = "second"
	e, _ = mgr.Select(Translation)
	if e.Name() != "second" {
		t.Fatalf("expected configured default to win, got %s", e.Name())
	}

	status := mgr.Status()
	if len(status) != 3 || status[0].Available || len(status[2].Transforms) != 2 {
		t.Fatalf("unexpected status %+v", status)
	}
}

func TestCentroidEngineAlignsShiftedVolume(t *testing.T) {
	fixed, _ := volume.NewFloat([3]int{8, 6, 5}, volume.Broadcast(2), volume.SpatialOrder)
	moving, _ := volume.NewFloat([3]int{8, 6, 5}, volume.Broadcast(2), volume.SpatialOrder)
	// a bright 2x2x1 block, shifted by two voxels along x in the moving volume
	for _, p := range [][2]int{{2, 2}, {3, 2}, {2, 3}, {3, 3}} {
		fixed.Set(p[0], p[1], 2, 1000)
		moving.Set(p[0]+2, p[1], 2, 1000)
	}

	e := NewCentroidEngine()
	if e.Supports(SyN) || !e.Supports(Translation) {
		t.Fatalf("expected translation-only support")
	}
	res, err := e.Register(context.Background(), fixed, moving, Translation)
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	shift := res.Parameters["shift"].([3]float64)
	if shift != [3]float64{4, 0, 0} {
		t.Fatalf("expected shift (4,0,0), got %v", shift)
	}
	for i := range fixed.Voxels {
		if res.WarpedMoving.Voxels[i] != fixed.Voxels[i] {
			t.Fatalf("voxel %d expected %v, got %v", i, fixed.Voxels[i], res.WarpedMoving.Voxels[i])
		}
		if res.WarpedFixed.Voxels[i] != moving.Voxels[i] {
			t.Fatalf("voxel %d expected %v, got %v", i, moving.Voxels[i], res.WarpedFixed.Voxels[i])
		}
	}

	if _, err := e.Register(context.Background(), fixed, moving, Affine); err == nil {
		t.Fatalf("expected unsupported transform error")
	}
}

func TestExternalEngineRunsProgram(t *testing.T) {
	job := validJob(t)
	t.Setenv(helperEnv, "copy")

	engine := NewExternalEngine(config.ExternalEngineConfig{Enabled: true, Binary: os.Args[0]}, t.TempDir(), slog.Default())
	if !engine.IsAvailable() {
		t.Fatalf("expected test binary to resolve")
	}
	c := NewCoordinator(stubSelector{engine}, slog.Default())
	out, err := c.Run(context.Background(), job)
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if out.Engine != "external" {
		t.Fatalf("expected external engine, got %s", out.Engine)
	}
	written, err := tiffstack.Read(out.FixedPath)
	if err != nil {
		t.Fatalf("read output: %v", err)
	}
	fixed, _ := tiffstack.Read(job.FixedPath)
	for i := range fixed.Voxels {
		if written.Voxels[i] != fixed.Voxels[i] {
			t.Fatalf("voxel %d expected %d, got %d", i, fixed.Voxels[i], written.Voxels[i])
		}
	}
}

func TestExternalEngineFailureIsEngineError(t *testing.T) {
	job := validJob(t)
	t.Setenv(helperEnv, "fail")

	engine := NewExternalEngine(config.ExternalEngineConfig{Enabled: true, Binary: os.Args[0]}, t.TempDir(), slog.Default())
	c := NewCoordinator(stubSelector{engine}, slog.Default())
	_, err := c.Run(context.Background(), job)
	if !errors.Is(err, ErrEngine) {
		t.Fatalf("expected ErrEngine, got %v", err)
	}
	if got := dirEntries(t, job.OutputDir); len(got) != 0 {
		t.Fatalf("expected no output files, got %v", got)
	}
}

func TestExternalEngineUnavailableWithoutBinary(t *testing.T) {
	engine := NewExternalEngine(config.ExternalEngineConfig{Binary: "microreg-definitely-missing"}, "", nil)
	if engine.IsAvailable() {
		t.Fatalf("expected missing binary to be unavailable")
	}
}
