package server

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/ChuLiYu/fabric-recovery/internal/engine"
	"github.com/ChuLiYu/fabric-recovery/internal/farm"
	"github.com/ChuLiYu/fabric-recovery/internal/jobmanager"
	"github.com/ChuLiYu/fabric-recovery/pkg/types"
)

// Client calls fabric.v1.JobService.
type Client struct {
	conn *grpc.ClientConn
}

// Dial connects to a daemon without transport security.
func Dial(addr string, opts ...grpc.DialOption) (*Client, error) {
	opts = append([]grpc.DialOption{grpc.WithTransportCredentials(insecure.NewCredentials())}, opts...)
	conn, err := grpc.NewClient(addr, opts...)
	if err != nil {
		return nil, fmt.Errorf("connect %s: %w", addr, err)
	}
	return &Client{conn: conn}, nil
}

// Close closes the connection.
func (c *Client) Close() error {
	return c.conn.Close()
}

// SubmitProcedure submits a registered procedure.
func (c *Client) SubmitProcedure(ctx context.Context, name string, args map[string]string) (types.JobID, error) {
	argv := make(map[string]any, len(args))
	for k, v := range args {
		argv[k] = v
	}
	resp, err := c.call(ctx, "SubmitProcedure", map[string]any{"procedure": name, "args": argv})
	if err != nil {
		return 0, err
	}
	id, err := strconv.ParseUint(stringField(resp, "job_id"), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("bad job_id in response: %w", err)
	}
	return types.JobID(id), nil
}

// WaitForJob blocks until the job is terminal or timeout elapses. On timeout
// the current snapshot is returned with engine.ErrWaitTimeout.
func (c *Client) WaitForJob(ctx context.Context, id types.JobID, timeout time.Duration) (*types.Job, error) {
	resp, err := c.call(ctx, "WaitForJob", map[string]any{"job_id": id.String(), "timeout_ms": float64(timeout.Milliseconds())})
	if err != nil {
		return nil, err
	}
	job, err := decodeJob(resp.GetFields()["job"])
	if err != nil {
		return nil, err
	}
	if resp.GetFields()["timed_out"].GetBoolValue() {
		return job, engine.ErrWaitTimeout
	}
	return job, nil
}

// GetJob returns the job with its actions.
func (c *Client) GetJob(ctx context.Context, id types.JobID) (*types.Job, error) {
	resp, err := c.call(ctx, "GetJob", map[string]any{"job_id": id.String()})
	if err != nil {
		return nil, err
	}
	return decodeJob(resp.GetFields()["job"])
}

// Cancel requests cancellation.
func (c *Client) Cancel(ctx context.Context, id types.JobID) error {
	_, err := c.call(ctx, "CancelJob", map[string]any{"job_id": id.String()})
	return err
}

// PublishEvent injects a server event and returns its id.
func (c *Client) PublishEvent(ctx context.Context, name types.EventName, payload map[string]string) (string, error) {
	body := make(map[string]any, len(payload))
	for k, v := range payload {
		body[k] = v
	}
	resp, err := c.call(ctx, "PublishEvent", map[string]any{"name": string(name), "payload": body})
	if err != nil {
		return "", err
	}
	return stringField(resp, "event_id"), nil
}

// LookupServers returns a group's master and members, filtered by status
// when status is non-empty.
func (c *Client) LookupServers(ctx context.Context, group, status string) (*engine.GroupView, error) {
	resp, err := c.call(ctx, "LookupServers", map[string]any{"group": group, "status": status})
	if err != nil {
		return nil, err
	}
	data, err := resp.MarshalJSON()
	if err != nil {
		return nil, err
	}
	var view engine.GroupView
	if err := json.Unmarshal(data, &view); err != nil {
		return nil, fmt.Errorf("decode group view: %w", err)
	}
	return &view, nil
}

func (c *Client) call(ctx context.Context, method string, body map[string]any) (*structpb.Struct, error) {
	req, err := structpb.NewStruct(body)
	if err != nil {
		return nil, err
	}
	resp := new(structpb.Struct)
	if err := c.conn.Invoke(ctx, "/"+ServiceName+"/"+method, req, resp); err != nil {
		return nil, fromStatus(err)
	}
	return resp, nil
}

// fromStatus maps status codes back to the error taxonomy so callers can use errors.Is.
func fromStatus(err error) error {
	st, ok := status.FromError(err)
	if !ok {
		return err
	}
	var sentinel error
	switch st.Code() {
	case codes.InvalidArgument:
		sentinel = types.ErrInvalidProcedure
		if strings.HasPrefix(st.Message(), farm.ErrBadStatus.Error()) {
			sentinel = farm.ErrBadStatus
		}
	case codes.NotFound:
		sentinel = types.ErrJobNotFound
		if strings.HasPrefix(st.Message(), farm.ErrGroupNotFound.Error()) {
			sentinel = farm.ErrGroupNotFound
		}
	case codes.FailedPrecondition:
		sentinel = jobmanager.ErrJobFinished
	case codes.Unavailable:
		sentinel = engine.ErrStopped
	case codes.DeadlineExceeded:
		sentinel = context.DeadlineExceeded
	default:
		return err
	}
	return fmt.Errorf("%w: %s", sentinel, st.Message())
}
