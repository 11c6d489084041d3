package throttlerpc

import (
	"context"

	"google.golang.org/grpc"
)

// Client calls a remote Throttle service.
type Client struct {
	cc grpc.ClientConnInterface
}

// NewClient wraps an established connection.
func NewClient(cc grpc.ClientConnInterface) *Client {
	return &Client{cc: cc}
}

// Evaluate asks the service for a decision.
func (c *Client) Evaluate(ctx context.Context, in *EvaluateRequest, opts ...grpc.CallOption) (*EvaluateResponse, error) {
	out := new(EvaluateResponse)
	if err := c.cc.Invoke(ctx, methodEvaluate, in, out, callOptions(opts)...); err != nil {
		return nil, err
	}
	return out, nil
}

// RuleStats fetches rule counters.
func (c *Client) RuleStats(ctx context.Context, in *RuleStatsRequest, opts ...grpc.CallOption) (*RuleStatsResponse, error) {
	out := new(RuleStatsResponse)
	if err := c.cc.Invoke(ctx, methodRuleStats, in, out, callOptions(opts)...); err != nil {
		return nil, err
	}
	return out, nil
}

// Sweep triggers a sweep on the service.
func (c *Client) Sweep(ctx context.Context, opts ...grpc.CallOption) (*SweepResponse, error) {
	out := new(SweepResponse)
	if err := c.cc.Invoke(ctx, methodSweep, &SweepRequest{}, out, callOptions(opts)...); err != nil {
		return nil, err
	}
	return out, nil
}

func callOptions(opts []grpc.CallOption) []grpc.CallOption {
	return append([]grpc.CallOption{grpc.CallContentSubtype(codecName)}, opts...)
}
