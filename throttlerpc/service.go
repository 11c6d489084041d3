// Package throttlerpc exposes a limiter.Engine as a gRPC service so callers
// in other processes can ask for decisions.
package throttlerpc

import (
	"context"

	"google.golang.org/grpc"

	"github.com/toolink/throttle/limiter"
)

// ServiceName is the fully qualified gRPC service name.
const ServiceName = "throttle.v1.Throttle"

const (
	methodEvaluate  = "/" + ServiceName + "/Evaluate"
	methodRuleStats = "/" + ServiceName + "/RuleStats"
	methodSweep     = "/" + ServiceName + "/Sweep"
)

// EvaluateRequest carries the request context to evaluate.
type EvaluateRequest struct {
	IP       string `json:"ip,omitempty"`
	Endpoint string `json:"endpoint,omitempty"`
	UserID   *int64 `json:"user_id,omitempty"`
}

// EvaluateResponse is a limiter.Decision on the wire.
type EvaluateResponse struct {
	Allowed           bool   `json:"allowed"`
	RuleID            int64  `json:"rule_id,omitempty"`
	RuleName          string `json:"rule_name,omitempty"`
	Action            string `json:"action,omitempty"`
	RetryAfterSeconds int64  `json:"retry_after_seconds,omitempty"`
}

// RuleStatsRequest asks for one rule's counters, or all when RuleID is 0.
type RuleStatsRequest struct {
	RuleID int64 `json:"rule_id,omitempty"`
}

// RuleStatsResponse lists rule counters.
type RuleStatsResponse struct {
	Stats []limiter.RuleStatsSnapshot `json:"stats"`
}

// SweepRequest triggers a reaper sweep.
type SweepRequest struct{}

// SweepResponse reports how many counters a sweep removed.
type SweepResponse struct {
	Removed int `json:"removed"`
}

// ThrottleServer is the server API of the service.
type ThrottleServer interface {
	Evaluate(context.Context, *EvaluateRequest) (*EvaluateResponse, error)
	RuleStats(context.Context, *RuleStatsRequest) (*RuleStatsResponse, error)
	Sweep(context.Context, *SweepRequest) (*SweepResponse, error)
}

// Register adds srv to a gRPC server.
func Register(s grpc.ServiceRegistrar, srv ThrottleServer) {
	s.RegisterService(&serviceDesc, srv)
}

var serviceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*ThrottleServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Evaluate", Handler: evaluateHandler},
		{MethodName: "RuleStats", Handler: ruleStatsHandler},
		{MethodName: "Sweep", Handler: sweepHandler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "throttle/v1/throttle.proto",
}

func evaluateHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(EvaluateRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(ThrottleServer).Evaluate(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: methodEvaluate}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(ThrottleServer).Evaluate(ctx, req.(*EvaluateRequest))
	}
	return interceptor(ctx, in, info, handler)
}

func ruleStatsHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(RuleStatsRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(ThrottleServer).RuleStats(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: methodRuleStats}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(ThrottleServer).RuleStats(ctx, req.(*RuleStatsRequest))
	}
	return interceptor(ctx, in, info, handler)
}

func sweepHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(SweepRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(ThrottleServer).Sweep(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: methodSweep}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(ThrottleServer).Sweep(ctx, req.(*SweepRequest))
	}
	return interceptor(ctx, in, info, handler)
}
