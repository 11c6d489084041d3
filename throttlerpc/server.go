package throttlerpc

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog/log"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/toolink/throttle/limiter"
)

// Server implements ThrottleServer on top of an engine and a reaper.
type Server struct {
	engine *limiter.Engine
	reaper *limiter.Reaper
}

var _ ThrottleServer = (*Server)(nil)

// NewServer creates a new Server. reaper may be nil, in which case Sweep
// answers Unimplemented.
func NewServer(engine *limiter.Engine, reaper *limiter.Reaper) *Server {
	return &Server{engine: engine, reaper: reaper}
}

// Evaluate implements ThrottleServer.
func (s *Server) Evaluate(ctx context.Context, in *EvaluateRequest) (*EvaluateResponse, error) {
	dec, err := s.engine.Evaluate(ctx, limiter.Request{
		IP:       in.IP,
		Endpoint: in.Endpoint,
		UserID:   in.UserID,
	})
	if err != nil {
		return nil, toStatus(err)
	}

	out := &EvaluateResponse{
		Allowed:           dec.Allowed,
		RetryAfterSeconds: dec.RetryAfterSeconds,
	}
	if dec.Triggered() {
		out.RuleID = dec.Rule.ID
		out.RuleName = dec.Rule.Name
		out.Action = string(dec.Action)
	}
	return out, nil
}

// RuleStats implements ThrottleServer.
func (s *Server) RuleStats(_ context.Context, in *RuleStatsRequest) (*RuleStatsResponse, error) {
	rules := s.engine.Rules()
	if in.RuleID == 0 {
		return &RuleStatsResponse{Stats: rules.AllStats()}, nil
	}
	if _, ok := rules.Get(in.RuleID); !ok {
		return nil, status.Errorf(codes.NotFound, "rule %d not found", in.RuleID)
	}
	return &RuleStatsResponse{Stats: []limiter.RuleStatsSnapshot{rules.Stats(in.RuleID)}}, nil
}

// Sweep implements ThrottleServer.
func (s *Server) Sweep(ctx context.Context, _ *SweepRequest) (*SweepResponse, error) {
	if s.reaper == nil {
		return nil, status.Error(codes.Unimplemented, "no reaper configured")
	}
	removed, err := s.reaper.Sweep(ctx)
	if err != nil {
		return nil, toStatus(err)
	}
	return &SweepResponse{Removed: removed}, nil
}

func toStatus(err error) error {
	switch {
	case errors.Is(err, limiter.ErrCounterStoreUnavailable):
		return status.Error(codes.Unavailable, err.Error())
	case errors.Is(err, limiter.ErrInvalidRuleConfiguration):
		return status.Error(codes.InvalidArgument, err.Error())
	case errors.Is(err, context.DeadlineExceeded):
		return status.Error(codes.DeadlineExceeded, err.Error())
	case errors.Is(err, context.Canceled):
		return status.Error(codes.Canceled, err.Error())
	default:
		return status.Error(codes.Internal, err.Error())
	}
}

// UnaryLogger logs every call with its duration and status code.
func UnaryLogger() grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		start := time.Now()
		resp, err := handler(ctx, req)
		code := status.Code(err)

		event := log.Debug()
		if err != nil && code != codes.NotFound {
			event = log.Warn().Err(err)
		}
		event.Str("method", info.FullMethod).Str("code", code.String()).Dur("elapsed", time.Since(start)).Msg("rpc handled")
		return resp, err
	}
}
