package rpcserver

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"microreg/internal/pipeline"
	"microreg/internal/registration"
	"microreg/internal/storage"
)

// JobQueue accepts jobs for the worker pool.
type JobQueue interface {
	Submit(job pipeline.Job) error
}

// EngineLister reports registration engine availability.
type EngineLister interface {
	Status() []registration.EngineStatus
}

// JobStatus is the Status response.
type JobStatus struct {
	storage.JobRecord
	Meta map[string]any `json:"meta,omitempty"`
}

// Done reports whether the job reached a final state.
func (s JobStatus) Done() bool {
	switch s.Status {
	case "completed", "failed", "rejected":
		return true
	}
	return false
}

// Server lets remote clients submit registrations and follow them.
type Server struct {
	queue         JobQueue
	store         *storage.Store
	engines       EngineLister
	defaultOutput string
	log           *slog.Logger
}

// NewServer creates the service. engines may be nil.
func NewServer(queue JobQueue, store *storage.Store, engines EngineLister, defaultOutput string, log *slog.Logger) *Server {
	if log == nil {
		log = slog.Default()
	}
	return &Server{queue: queue, store: store, engines: engines, defaultOutput: defaultOutput, log: log}
}

// Register adds the service to g.
func (s *Server) Register(g *grpc.Server) {
	g.RegisterService(&serviceDesc, s)
}

// Serve listens on addr until ctx ends.
func (s *Server) Serve(ctx context.Context, addr string) error {
	listen, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %v", addr, err)
	}
	g := grpc.NewServer(
		grpc.MaxRecvMsgSize(4*1024*1024),
		grpc.MaxSendMsgSize(4*1024*1024),
	)
	s.Register(g)

	go func() {
		<-ctx.Done()
		g.GracefulStop()
	}()
	s.log.Info("rpc server starting", "addr", listen.Addr().String())
	if err := g.Serve(listen); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
		return err
	}
	return nil
}

// Submit queues a job described by a pipeline.Request.
func (s *Server) Submit(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var req pipeline.Request
	if err := fromStruct(in, &req); err != nil {
		return nil, status.Errorf(codes.InvalidArgument, "decode request: %v", err)
	}
	if req.Type == "" {
		req.Type = pipeline.JobRegister
	}
	id := fmt.Sprintf("%s-%d", req.Type, time.Now().UnixNano())
	job, err := req.Build(id, s.defaultOutput)
	if err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}
	if err := s.queue.Submit(job); err != nil {
		if errors.Is(err, pipeline.ErrQueueFull) {
			return nil, status.Error(codes.ResourceExhausted, err.Error())
		}
		return nil, status.Error(codes.Unavailable, err.Error())
	}
	s.log.Info("rpc job submitted", "job", id, "type", string(req.Type))
	return structpb.NewStruct(map[string]any{"id": id, "status": "queued"})
}

// Status returns the stored record of {"id": ...} and, once it finished,
// its result meta.
func (s *Server) Status(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	id := in.GetFields()["id"].GetStringValue()
	if id == "" {
		return nil, status.Error(codes.InvalidArgument, "id required")
	}
	rec, err := s.store.Job(id)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return nil, status.Errorf(codes.NotFound, "job %s not found", id)
	case err != nil:
		return nil, status.Error(codes.Internal, err.Error())
	}
	out := JobStatus{JobRecord: rec}
	if out.Done() {
		if meta, err := s.store.JobMeta(id); err == nil {
			out.Meta = meta
		}
	}
	return toStruct(out)
}

// Engines lists engine availability under "engines".
func (s *Server) Engines(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	list := []registration.EngineStatus{}
	if s.engines != nil {
		list = s.engines.Status()
	}
	return toStruct(map[string]any{"engines": list})
}
