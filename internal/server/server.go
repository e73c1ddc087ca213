// Package server exposes the engine over gRPC as fabric.v1.JobService.
//
// Messages are google.protobuf.Struct values, so the service needs no
// generated code: the descriptor below is declared by hand the same way
// protoc-gen-go-grpc would emit it.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/ChuLiYu/fabric-recovery/internal/engine"
	"github.com/ChuLiYu/fabric-recovery/internal/events"
	"github.com/ChuLiYu/fabric-recovery/internal/farm"
	"github.com/ChuLiYu/fabric-recovery/internal/jobmanager"
	"github.com/ChuLiYu/fabric-recovery/pkg/types"
)

// ServiceName is the fully qualified gRPC service name.
const ServiceName = "fabric.v1.JobService"

// Engine is the part of the engine the service needs.
type Engine interface {
	SubmitProcedure(ctx context.Context, name string, args map[string]string) (types.JobID, error)
	WaitForJob(ctx context.Context, id types.JobID, timeout time.Duration) (*types.Job, error)
	GetJob(ctx context.Context, id types.JobID) (*types.Job, error)
	Cancel(ctx context.Context, id types.JobID) error
	Bus() *events.Bus
	LookupServers(ctx context.Context, group, status string) (*engine.GroupView, error)
}

// Server implements fabric.v1.JobService.
type Server struct {
	engine Engine
	log    *slog.Logger
}

// NewServer creates a new gRPC service instance.
func NewServer(e Engine) *Server {
	return &Server{engine: e, log: slog.With("component", "grpc")}
}

// Register adds the service to a gRPC server.
func Register(gs *grpc.Server, s *Server) {
	gs.RegisterService(&serviceDesc, s)
}

// SubmitProcedure handles {procedure, args} and returns {job_id}.
func (s *Server) SubmitProcedure(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	name := stringField(req, "procedure")
	if name == "" {
		return nil, status.Error(codes.InvalidArgument, "procedure is required")
	}
	args, err := stringMap(req, "args")
	if err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}
	id, err := s.engine.SubmitProcedure(ctx, name, args)
	if err != nil {
		return nil, toStatus(err)
	}
	return structpb.NewStruct(map[string]any{"job_id": id.String()})
}

// WaitForJob handles {job_id, timeout_ms} and returns {job, timed_out}.
func (s *Server) WaitForJob(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	id, err := jobID(req)
	if err != nil {
		return nil, err
	}
	timeout := time.Duration(numberField(req, "timeout_ms")) * time.Millisecond

	job, err := s.engine.WaitForJob(ctx, id, timeout)
	timedOut := errors.Is(err, engine.ErrWaitTimeout)
	if err != nil && !timedOut {
		return nil, toStatus(err)
	}
	body, err := jobValue(job)
	if err != nil {
		return nil, status.Error(codes.Internal, err.Error())
	}
	return structpb.NewStruct(map[string]any{"job": body, "timed_out": timedOut})
}

// GetJob handles {job_id} and returns {job}.
func (s *Server) GetJob(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	id, err := jobID(req)
	if err != nil {
		return nil, err
	}
	job, err := s.engine.GetJob(ctx, id)
	if err != nil {
		return nil, toStatus(err)
	}
	body, err := jobValue(job)
	if err != nil {
		return nil, status.Error(codes.Internal, err.Error())
	}
	return structpb.NewStruct(map[string]any{"job": body})
}

// CancelJob handles {job_id}.
func (s *Server) CancelJob(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	id, err := jobID(req)
	if err != nil {
		return nil, err
	}
	if err := s.engine.Cancel(ctx, id); err != nil {
		return nil, toStatus(err)
	}
	return structpb.NewStruct(map[string]any{"job_id": id.String()})
}

// PublishEvent handles {name, payload} and returns {event_id}. Only server
// events may be injected; job events come from the engine.
func (s *Server) PublishEvent(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	name := types.EventName(stringField(req, "name"))
	if !types.IsKnownEvent(name) || !strings.HasPrefix(string(name), "SERVER_") {
		return nil, status.Errorf(codes.InvalidArgument, "unknown server event %q", name)
	}
	payload, err := stringMap(req, "payload")
	if err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}
	ev, err := s.engine.Bus().Publish(name, payload)
	if err != nil {
		return nil, status.Error(codes.Unavailable, err.Error())
	}
	s.log.Info("event injected", "event", name, "event_id", ev.ID)
	return structpb.NewStruct(map[string]any{"event_id": ev.ID})
}

// LookupServers handles {group, status} and returns {group, master, servers}.
func (s *Server) LookupServers(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	group := stringField(req, "group")
	if group == "" {
		return nil, status.Error(codes.InvalidArgument, "group is required")
	}
	view, err := s.engine.LookupServers(ctx, group, stringField(req, "status"))
	if err != nil {
		return nil, toStatus(err)
	}
	body, err := toMap(view)
	if err != nil {
		return nil, status.Error(codes.Internal, err.Error())
	}
	return structpb.NewStruct(body)
}

// LoggingInterceptor logs every unary call with its duration and code.
func LoggingInterceptor(log *slog.Logger) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		start := time.Now()
		resp, err := handler(ctx, req)
		code := status.Code(err)
		if code == codes.OK {
			log.Debug("rpc", "method", info.FullMethod, "duration", time.Since(start))
		} else {
			log.Warn("rpc failed", "method", info.FullMethod, "code", code, "duration", time.Since(start), "error", err)
		}
		return resp, err
	}
}

// toStatus maps engine errors to gRPC status codes.
func toStatus(err error) error {
	var code codes.Code
	switch {
	case errors.Is(err, types.ErrInvalidProcedure), errors.Is(err, types.ErrUnknownAction), errors.Is(err, farm.ErrBadStatus):
		code = codes.InvalidArgument
	case errors.Is(err, types.ErrJobNotFound), errors.Is(err, farm.ErrGroupNotFound):
		code = codes.NotFound
	case errors.Is(err, jobmanager.ErrJobFinished):
		code = codes.FailedPrecondition
	case errors.Is(err, engine.ErrNotStarted), errors.Is(err, engine.ErrStopped):
		code = codes.Unavailable
	case errors.Is(err, context.DeadlineExceeded):
		code = codes.DeadlineExceeded
	case errors.Is(err, context.Canceled):
		code = codes.Canceled
	default:
		code = codes.Internal
	}
	return status.Error(code, err.Error())
}

// ============================================================================
// Struct helpers
// ============================================================================

func stringField(s *structpb.Struct, key string) string {
	if v, ok := s.GetFields()[key]; ok {
		return v.GetStringValue()
	}
	return ""
}

func numberField(s *structpb.Struct, key string) float64 {
	if v, ok := s.GetFields()[key]; ok {
		return v.GetNumberValue()
	}
	return 0
}

func stringMap(s *structpb.Struct, key string) (map[string]string, error) {
	v, ok := s.GetFields()[key]
	if !ok {
		return nil, nil
	}
	out := make(map[string]string)
	for k, f := range v.GetStructValue().GetFields() {
		str, ok := f.GetKind().(*structpb.Value_StringValue)
		if !ok {
			return nil, fmt.Errorf("%s.%s must be a string", key, k)
		}
		out[k] = str.StringValue
	}
	return out, nil
}

func jobID(s *structpb.Struct) (types.JobID, error) {
	v, ok := s.GetFields()["job_id"]
	if !ok {
		return 0, status.Error(codes.InvalidArgument, "job_id is required")
	}
	switch k := v.GetKind().(type) {
	case *structpb.Value_StringValue:
		id, err := strconv.ParseUint(k.StringValue, 10, 64)
		if err != nil {
			return 0, status.Errorf(codes.InvalidArgument, "bad job_id %q", k.StringValue)
		}
		return types.JobID(id), nil
	case *structpb.Value_NumberValue:
		return types.JobID(k.NumberValue), nil
	}
	return 0, status.Error(codes.InvalidArgument, "job_id must be a string or number")
}

// jobView is the wire form of a job: the header fields plus its actions.
type jobView struct {
	*types.Job
	Actions []*types.Action `json:"actions"`
}

func jobValue(job *types.Job) (map[string]any, error) {
	if job == nil {
		return nil, nil
	}
	return toMap(jobView{Job: job, Actions: job.Actions})
}

// toMap converts a JSON-tagged value into the generic form structpb accepts.
func toMap(v any) (map[string]any, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var out map[string]any
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func decodeJob(v *structpb.Value) (*types.Job, error) {
	if v == nil || v.GetStructValue() == nil {
		return nil, nil
	}
	data, err := v.GetStructValue().MarshalJSON()
	if err != nil {
		return nil, err
	}
	view := jobView{Job: &types.Job{}}
	if err := json.Unmarshal(data, &view); err != nil {
		return nil, err
	}
	view.Job.Actions = view.Actions
	return view.Job, nil
}

// ============================================================================
// Service descriptor
// ============================================================================

type jobService interface {
	SubmitProcedure(context.Context, *structpb.Struct) (*structpb.Struct, error)
	WaitForJob(context.Context, *structpb.Struct) (*structpb.Struct, error)
	GetJob(context.Context, *structpb.Struct) (*structpb.Struct, error)
	CancelJob(context.Context, *structpb.Struct) (*structpb.Struct, error)
	PublishEvent(context.Context, *structpb.Struct) (*structpb.Struct, error)
	LookupServers(context.Context, *structpb.Struct) (*structpb.Struct, error)
}

func unary(method string, call func(jobService, context.Context, *structpb.Struct) (*structpb.Struct, error)) grpc.MethodDesc {
	return grpc.MethodDesc{
		MethodName: method,
		Handler: func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
			in := new(structpb.Struct)
			if err := dec(in); err != nil {
				return nil, err
			}
			if interceptor == nil {
				return call(srv.(jobService), ctx, in)
			}
			info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + ServiceName + "/" + method}
			return interceptor(ctx, in, info, func(ctx context.Context, req any) (any, error) {
				return call(srv.(jobService), ctx, req.(*structpb.Struct))
			})
		},
	}
}

var serviceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*jobService)(nil),
	Methods: []grpc.MethodDesc{
		unary("SubmitProcedure", jobService.SubmitProcedure),
		unary("WaitForJob", jobService.WaitForJob),
		unary("GetJob", jobService.GetJob),
		unary("CancelJob", jobService.CancelJob),
		unary("PublishEvent", jobService.PublishEvent),
		unary("LookupServers", jobService.LookupServers),
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "fabric/v1/job_service.proto",
}
