package cli

import (
	"bytes"
	"context"
	"errors"
	"image/png"
	"io"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"golang.org/x/image/tiff"
	"google.golang.org/grpc"

	"microreg/internal/config"
	"microreg/internal/pipeline"
	"microreg/internal/registration"
	"microreg/internal/rpcserver"
	"microreg/internal/storage"
	"microreg/internal/tiffstack"
	"microreg/internal/volume"
)

func TestRegisterSubmitsJob(t *testing.T) {
	root, fakePipe := newTestRoot(t)
	out := filepath.Join(t.TempDir(), "out")

	stdout, err := execute(root, "register",
		"--fixed", "atlas.tif", "--fixed-spacing", "25",
		"--moving", "brain.tiff", "--moving-spacing", "10",
		"-t", "Rigid", "-o", out)
	if err != nil {
		t.Fatalf("register failed: %v", err)
	}
	if len(fakePipe.jobs) != 1 {
		t.Fatalf("expected one job, got %d", len(fakePipe.jobs))
	}
	job := fakePipe.jobs[0]
	if job.Type != pipeline.JobRegister || job.Output != out {
		t.Fatalf("unexpected job %+v", job)
	}
	rj := pipeline.RegistrationJob(job)
	if rj.FixedSpacing != 25 || rj.MovingSpacing != 10 || rj.Transform != registration.Rigid || rj.MovingPath != "brain.tiff" {
		t.Fatalf("unexpected registration job %+v", rj)
	}
	if !strings.Contains(stdout, "ok: true") {
		t.Fatalf("expected result meta in output, got %q", stdout)
	}
}

func TestRegisterValidatesBeforeQueueing(t *testing.T) {
	cases := []struct {
		name string
		args []string
	}{
		{"zero spacing", []string{"--fixed", "a.tif", "--moving", "b.tif", "--fixed-spacing", "0", "--moving-spacing", "10"}},
		{"not tiff", []string{"--fixed", "a.png", "--moving", "b.tif", "--fixed-spacing", "10", "--moving-spacing", "10"}},
		{"bad transform", []string{"--fixed", "a.tif", "--moving", "b.tif", "--fixed-spacing", "10", "--moving-spacing", "10", "-t", "Warp"}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			root, fakePipe := newTestRoot(t)
			_, err := execute(root, append([]string{"register"}, tc.args...)...)
			if !errors.Is(err, registration.ErrInvalidInput) {
				t.Fatalf("expected ErrInvalidInput, got %v", err)
			}
			if len(fakePipe.jobs) != 0 {
				t.Fatalf("expected nothing queued, got %d", len(fakePipe.jobs))
			}
		})
	}
}

func TestRegisterPropagatesEngineErrors(t *testing.T) {
	root, fakePipe := newTestRoot(t)
	fakePipe.jobErrors[string(pipeline.JobRegister)] = registration.ErrEngine

	_, err := execute(root, "register", "--fixed", "a.tif", "--moving", "b.tif", "--fixed-spacing", "10", "--moving-spacing", "10")
	if !errors.Is(err, registration.ErrEngine) {
		t.Fatalf("expected ErrEngine, got %v", err)
	}
}

func TestInspectDispatchesByPathKind(t *testing.T) {
	root, fakePipe := newTestRoot(t)
	dir := t.TempDir()
	file := filepath.Join(dir, "a.tif")
	touch(t, file)

	if _, err := execute(root, "inspect", file); err != nil {
		t.Fatalf("inspect file failed: %v", err)
	}
	if _, err := execute(root, "inspect", dir); err != nil {
		t.Fatalf("inspect dir failed: %v", err)
	}
	if len(fakePipe.jobs) != 2 {
		t.Fatalf("expected two jobs, got %d", len(fakePipe.jobs))
	}
	if fakePipe.jobs[0].Type != pipeline.JobInspect || fakePipe.jobs[0].InputPath != file {
		t.Fatalf("expected inspect of %s, got %+v", file, fakePipe.jobs[0])
	}
	if fakePipe.jobs[1].Type != pipeline.JobCatalog || fakePipe.jobs[1].InputPath != dir {
		t.Fatalf("expected catalog of %s, got %+v", dir, fakePipe.jobs[1])
	}
}

func TestSliceExportsImages(t *testing.T) {
	root, _ := newTestRoot(t)
	dir := t.TempDir()
	input := writeStack(t, dir)

	pngPath := filepath.Join(dir, "coronal.png")
	if _, err := execute(root, "slice", input, "--mode", "slice", "--width", "10", "-o", pngPath); err != nil {
		t.Fatalf("slice failed: %v", err)
	}
	f, err := os.Open(pngPath)
	if err != nil {
		t.Fatalf("expected output file: %v", err)
	}
	defer f.Close()
	pic, err := png.Decode(f)
	if err != nil {
		t.Fatalf("decode png: %v", err)
	}
	if pic.Bounds().Dx() != 10 {
		t.Fatalf("expected width 10, got %v", pic.Bounds())
	}

	tifPath := filepath.Join(dir, "projection.tif")
	if _, err := execute(root, "slice", input, "--mode", "volume", "--width", "12", "-o", tifPath); err != nil {
		t.Fatalf("slice failed: %v", err)
	}
	g, err := os.Open(tifPath)
	if err != nil {
		t.Fatalf("expected output file: %v", err)
	}
	defer g.Close()
	proj, err := tiff.Decode(g)
	if err != nil {
		t.Fatalf("decode tiff: %v", err)
	}
	if b := proj.Bounds(); b.Dx() != 12 || b.Dy() != 10 {
		t.Fatalf("expected 12x10 projection, got %v", b)
	}
}

func TestSliceRejectsBadArguments(t *testing.T) {
	root, _ := newTestRoot(t)
	dir := t.TempDir()
	input := writeStack(t, dir)

	if _, err := execute(root, "slice", input, "-o", filepath.Join(dir, "out.bmp")); err == nil {
		t.Fatalf("expected error for unsupported output format")
	}
	if _, err := execute(root, "slice", input, "--spacing", "0", "-o", filepath.Join(dir, "out.png")); !errors.Is(err, registration.ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput for zero spacing, got %v", err)
	}
	bogus := filepath.Join(dir, "bogus.tif")
	touch(t, bogus)
	if _, err := execute(root, "slice", bogus, "-o", filepath.Join(dir, "out.png")); !errors.Is(err, registration.ErrFileFormat) {
		t.Fatalf("expected ErrFileFormat for unreadable stack, got %v", err)
	}
}

func TestEnginesCommand(t *testing.T) {
	root, _ := newTestRoot(t)
	root.engines = func() engineLister { return stubEngines{} }

	out, err := execute(root, "engines")
	if err != nil {
		t.Fatalf("engines failed: %v", err)
	}
	if !strings.Contains(out, "centroid") || !strings.Contains(out, "Translation") {
		t.Fatalf("expected centroid engine listed, got %q", out)
	}
	if !strings.Contains(out, "external") || !strings.Contains(out, "unavailable") {
		t.Fatalf("expected unavailable external engine listed, got %q", out)
	}
}

func TestServeCommandUsesInjectedFunction(t *testing.T) {
	root, _ := newTestRoot(t)
	var got serveOptions
	root.serveFn = func(ctx context.Context, r *Root, opts serveOptions) error {
		got = opts
		return nil
	}
	if _, err := execute(root, "serve", "--addr", ":9999", "--rpc-addr", "", "--watch", "/data/a", "--watch", "/data/b"); err != nil {
		t.Fatalf("serve failed: %v", err)
	}
	if got.addr != ":9999" || got.rpcAddr != "" || len(got.watch) != 2 {
		t.Fatalf("unexpected serve options %+v", got)
	}
}

func TestConfigCommands(t *testing.T) {
	root, _ := newTestRoot(t)
	path := filepath.Join(t.TempDir(), "config.yaml")

	if _, err := execute(root, "config", "init", path); err != nil {
		t.Fatalf("config init failed: %v", err)
	}
	cfg, err := config.LoadFile(path)
	if err != nil {
		t.Fatalf("expected written config to load, got %v", err)
	}
	if cfg.Viewer.DefaultSpacing != 20 {
		t.Fatalf("expected default spacing 20, got %d", cfg.Viewer.DefaultSpacing)
	}
	if _, err := execute(root, "config", "init", path); err == nil {
		t.Fatalf("expected error when overwriting without --force")
	}
	if _, err := execute(root, "config", "init", "--force", path); err != nil {
		t.Fatalf("config init --force failed: %v", err)
	}

	out, err := execute(root, "config", "show")
	if err != nil {
		t.Fatalf("config show failed: %v", err)
	}
	if !strings.Contains(out, "Database Path") || !strings.Contains(out, "Default spacing: 20") {
		t.Fatalf("unexpected config show output %q", out)
	}
	if _, err := execute(root, "config", "validate"); err != nil {
		t.Fatalf("config validate failed: %v", err)
	}
	root.cfg.Processing.ParallelJobs = 0
	if _, err := execute(root, "config", "validate"); err == nil {
		t.Fatalf("expected validation error")
	}
}

func TestVersionCommand(t *testing.T) {
	root, _ := newTestRoot(t)
	out, err := execute(root, "version")
	if err != nil {
		t.Fatalf("version failed: %v", err)
	}
	if !strings.Contains(out, Version) {
		t.Fatalf("expected %s in %q", Version, out)
	}
}

func TestEnqueueAndWaitPropagatesErrors(t *testing.T) {
	root, fakePipe := newTestRoot(t)
	job := pipeline.Job{ID: "err-job", Type: pipeline.JobInspect}
	fakePipe.jobErrors["err-job"] = context.DeadlineExceeded
	if _, err := root.enqueueAndWait(context.Background(), job); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected error from pipeline result, got %v", err)
	}
}

func TestRPCSubmitAndStatus(t *testing.T) {
	root, _ := newTestRoot(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	store, err := storage.New(filepath.Join(t.TempDir(), "rpc.db"))
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	defer store.Close()
	pipe := pipeline.NewWithProcessor(ctx, 1, 4, root.log, store, echoProcessor{})
	defer pipe.Stop()

	lis, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	g := grpc.NewServer()
	rpcserver.NewServer(pipe, store, stubEngines{}, t.TempDir(), root.log).Register(g)
	go g.Serve(lis)
	defer g.Stop()
	addr := lis.Addr().String()

	out, err := execute(root, "rpc", "submit", "--addr", addr, "--wait", "--poll", "10ms",
		"--fixed", "a.tif", "--moving", "b.tif", "--fixed-spacing", "10", "--moving-spacing", "10")
	if err != nil {
		t.Fatalf("rpc submit failed: %v", err)
	}
	if !strings.Contains(out, "Submitted register-") || !strings.Contains(out, "Status: completed") {
		t.Fatalf("unexpected rpc submit output %q", out)
	}

	out, err = execute(root, "rpc", "engines", "--addr", addr)
	if err != nil {
		t.Fatalf("rpc engines failed: %v", err)
	}
	if !strings.Contains(out, "centroid") {
		t.Fatalf("expected centroid engine, got %q", out)
	}

	if _, err := execute(root, "rpc", "status", "--addr", addr, "missing"); err == nil {
		t.Fatalf("expected error for unknown job")
	}
}

// Test helpers

func newTestRoot(t *testing.T) (*Root, *fakePipeline) {
	t.Helper()

	cfg := config.Default()
	tmp := t.TempDir()
	cfg.Paths.DefaultOutput = filepath.Join(tmp, "output")
	cfg.Paths.DatabasePath = filepath.Join(tmp, "microreg.db")
	t.Setenv(config.EnvConfigPath, filepath.Join(tmp, "config.json"))

	logger := slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelDebug}))
	pipe := newFakePipeline()

	root := &Root{
		pipeline: pipe,
		cfg:      cfg,
		log:      logger,
		engines:  func() engineLister { return stubEngines{} },
		serveFn:  defaultServe,
	}
	return root, pipe
}

func execute(root *Root, args ...string) (string, error) {
	cmd := newRootCmd(root)
	var buf bytes.Buffer
	cmd.SetOut(&buf)
	cmd.SetErr(io.Discard)
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(context.Background())
	return buf.String(), err
}

type echoProcessor struct{}

func (echoProcessor) Process(ctx context.Context, job pipeline.Job) pipeline.Result {
	return pipeline.Result{Job: job, Meta: map[string]any{"path": job.InputPath}}
}

type stubEngines struct{}

func (stubEngines) Status() []registration.EngineStatus {
	return []registration.EngineStatus{
		{Name: "external", Available: false, Transforms: registration.Transforms()},
		{Name: "centroid", Available: true, Transforms: []registration.Transform{registration.Translation}},
	}
}

type fakePipeline struct {
	mu        sync.Mutex
	jobs      []pipeline.Job
	subs      map[int]chan pipeline.Result
	nextSubID int
	jobErrors map[string]error
}

func newFakePipeline() *fakePipeline {
	return &fakePipeline{
		subs:      make(map[int]chan pipeline.Result),
		jobErrors: make(map[string]error),
	}
}

func (f *fakePipeline) Submit(job pipeline.Job) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.jobs = append(f.jobs, job)
	res := pipeline.Result{Job: job, Error: f.errorFor(job), Meta: map[string]any{"ok": true}}
	for _, ch := range f.subs {
		ch <- res
	}
	return nil
}

func (f *fakePipeline) Subscribe() (<-chan pipeline.Result, func()) {
	f.mu.Lock()
	defer f.mu.Unlock()
	id := f.nextSubID
	f.nextSubID++
	ch := make(chan pipeline.Result, 2)
	f.subs[id] = ch
	unsub := func() {
		f.mu.Lock()
		defer f.mu.Unlock()
		if c, ok := f.subs[id]; ok {
			close(c)
			delete(f.subs, id)
		}
	}
	return ch, unsub
}

func (f *fakePipeline) errorFor(job pipeline.Job) error {
	if err, ok := f.jobErrors[job.ID]; ok {
		return err
	}
	if err, ok := f.jobErrors[string(job.Type)]; ok {
		return err
	}
	return nil
}

func writeStack(t *testing.T, dir string) string {
	t.Helper()
	img, err := volume.New([3]int{4, 5, 6}, volume.Broadcast(1), volume.ArrayOrder)
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	for i := range img.Voxels {
		img.Voxels[i] = uint16(500 + i*40)
	}
	path := filepath.Join(dir, "stack.tif")
	if err := tiffstack.Write(path, img); err != nil {
		t.Fatalf("write stack: %v", err)
	}
	return path
}

func touch(t *testing.T, path string) {
	t.Helper()
	_ = os.MkdirAll(filepath.Dir(path), 0o755)
	if err := os.WriteFile(path, []byte("data"), 0o644); err != nil {
		t.Fatalf("failed to touch %s: %v", path, err)
	}
}
