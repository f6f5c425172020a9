package rpcserver

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"

	"microreg/internal/pipeline"
	"microreg/internal/registration"
	"microreg/internal/storage"
)

type recordingQueue struct {
	mu    sync.Mutex
	jobs  []pipeline.Job
	store *storage.Store
	err   error
}

// Submit records the job and immediately completes it in the store.
func (q *recordingQueue) Submit(job pipeline.Job) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.err != nil {
		return q.err
	}
	q.jobs = append(q.jobs, job)
	_ = q.store.RecordJobQueued(storage.JobRecord{ID: job.ID, JobType: string(job.Type), Status: "queued", InputPath: job.InputPath})
	_ = q.store.RecordJobStart(job.ID)
	return q.store.RecordJobResult(job.ID, "completed", map[string]any{"engine": "centroid"}, "")
}

type stubEngines struct{}

func (stubEngines) Status() []registration.EngineStatus {
	return []registration.EngineStatus{{Name: "external", Available: false}, {Name: "centroid", Available: true}}
}

func startRPC(t *testing.T) (*Client, *recordingQueue) {
	t.Helper()
	store, err := storage.New(filepath.Join(t.TempDir(), "rpc.db"))
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	queue := &recordingQueue{store: store}

	lis := bufconn.Listen(1 << 20)
	g := grpc.NewServer()
	NewServer(queue, store, stubEngines{}, t.TempDir(), slog.Default()).Register(g)
	go g.Serve(lis)

	client, err := Dial("passthrough:///bufnet", grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
		return lis.DialContext(ctx)
	}))
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() {
		client.Close()
		g.Stop()
		store.Close()
	})
	return client, queue
}

func TestSubmitAndWait(t *testing.T) {
	client, queue := startRPC(t)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	id, err := client.Submit(ctx, pipeline.Request{Job: registration.Job{
		FixedPath:     "fixed.tif",
		MovingPath:    "moving.tif",
		FixedSpacing:  25,
		MovingSpacing: 25,
		Transform:     registration.Rigid,
	}})
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if len(queue.jobs) != 1 || queue.jobs[0].ID != id || queue.jobs[0].Type != pipeline.JobRegister {
		t.Fatalf("unexpected queued jobs %+v (id %s)", queue.jobs, id)
	}
	rj := pipeline.RegistrationJob(queue.jobs[0])
	if rj.FixedSpacing != 25 || rj.Transform != registration.Rigid || rj.OutputDir == "" {
		t.Fatalf("expected spacing, transform and default output to survive the wire, got %+v", rj)
	}

	st, err := client.Wait(ctx, id, 10*time.Millisecond)
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if st.Status != "completed" || st.Meta["engine"] != "centroid" {
		t.Fatalf("unexpected status %+v", st)
	}
}

func TestSubmitRejectsBadTransform(t *testing.T) {
	client, queue := startRPC(t)
	_, err := client.Submit(context.Background(), pipeline.Request{Job: registration.Job{
		FixedPath:     "fixed.tif",
		MovingPath:    "moving.tif",
		FixedSpacing:  25,
		MovingSpacing: 25,
		Transform:     "NotARealTransform",
	}})
	if status.Code(err) != codes.InvalidArgument {
		t.Fatalf("expected InvalidArgument, got %v", err)
	}
	if len(queue.jobs) != 0 {
		t.Fatalf("expected nothing queued, got %d", len(queue.jobs))
	}
}

func TestSubmitQueueFull(t *testing.T) {
	client, queue := startRPC(t)
	queue.err = pipeline.ErrQueueFull
	_, err := client.Submit(context.Background(), pipeline.Request{Type: pipeline.JobInspect, Path: "a.tif"})
	if status.Code(err) != codes.ResourceExhausted {
		t.Fatalf("expected ResourceExhausted, got %v", err)
	}
}

func TestStatusUnknownJob(t *testing.T) {
	client, _ := startRPC(t)
	_, err := client.Status(context.Background(), "nope")
	if status.Code(err) != codes.NotFound {
		t.Fatalf("expected NotFound, got %v", err)
	}
}

func TestEngines(t *testing.T) {
	client, _ := startRPC(t)
	engines, err := client.Engines(context.Background())
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if len(engines) != 2 || engines[1].Name != "centroid" || !engines[1].Available {
		t.Fatalf("unexpected engines %+v", engines)
	}
}

func TestStructRoundTrip(t *testing.T) {
	st, err := toStruct(pipeline.Request{Type: pipeline.JobCatalog, Path: "/data"})
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	var back pipeline.Request
	if err := fromStruct(st, &back); err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if back.Type != pipeline.JobCatalog || back.Path != "/data" {
		t.Fatalf("unexpected request %+v", back)
	}
	if _, err := back.Build("c-1", ""); err != nil && !errors.Is(err, registration.ErrInvalidInput) {
		t.Fatalf("unexpected error type %v", err)
	}
}
