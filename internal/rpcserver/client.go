package rpcserver

import (
	"context"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/keepalive"
	"google.golang.org/protobuf/types/known/structpb"

	"microreg/internal/pipeline"
	"microreg/internal/registration"
)

// Client talks to a remote Server.
type Client struct {
	conn *grpc.ClientConn
}

// Dial connects to addr without TLS. Extra options are appended.
func Dial(addr string, opts ...grpc.DialOption) (*Client, error) {
	base := []grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithKeepaliveParams(keepalive.ClientParameters{
			Time:                30 * time.Second,
			Timeout:             5 * time.Second,
			PermitWithoutStream: true,
		}),
	}
	conn, err := grpc.NewClient(addr, append(base, opts...)...)
	if err != nil {
		return nil, err
	}
	return &Client{conn: conn}, nil
}

// Close closes the connection.
func (c *Client) Close() error {
	return c.conn.Close()
}

func (c *Client) call(ctx context.Context, method string, in *structpb.Struct) (*structpb.Struct, error) {
	out := new(structpb.Struct)
	if err := c.conn.Invoke(ctx, fullMethod(method), in, out); err != nil {
		return nil, err
	}
	return out, nil
}

// Submit queues req and returns the job id.
func (c *Client) Submit(ctx context.Context, req pipeline.Request) (string, error) {
	in, err := toStruct(req)
	if err != nil {
		return "", err
	}
	out, err := c.call(ctx, "Submit", in)
	if err != nil {
		return "", err
	}
	return out.GetFields()["id"].GetStringValue(), nil
}

// Status fetches the job record for id.
func (c *Client) Status(ctx context.Context, id string) (JobStatus, error) {
	in, err := structpb.NewStruct(map[string]any{"id": id})
	if err != nil {
		return JobStatus{}, err
	}
	out, err := c.call(ctx, "Status", in)
	if err != nil {
		return JobStatus{}, err
	}
	var st JobStatus
	err = fromStruct(out, &st)
	return st, err
}

// Wait polls Status every interval until the job finishes or ctx ends.
func (c *Client) Wait(ctx context.Context, id string, interval time.Duration) (JobStatus, error) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		st, err := c.Status(ctx, id)
		if err != nil {
			return st, err
		}
		if st.Done() {
			return st, nil
		}
		select {
		case <-ctx.Done():
			return st, ctx.Err()
		case <-ticker.C:
		}
	}
}

// Engines lists the server's engines.
func (c *Client) Engines(ctx context.Context) ([]registration.EngineStatus, error) {
	out, err := c.call(ctx, "Engines", &structpb.Struct{})
	if err != nil {
		return nil, err
	}
	var resp struct {
		Engines []registration.EngineStatus `json:"engines"`
	}
	err = fromStruct(out, &resp)
	return resp.Engines, err
}
