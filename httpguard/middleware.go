// Package httpguard puts a limiter.Engine in front of HTTP handlers.
package httpguard

import (
	"context"
	"errors"
	"net"
	"net/http"
	"strconv"

	"github.com/rs/zerolog/log"

	"github.com/toolink/throttle/limiter"
)

// Header names written by the middleware.
const (
	HeaderRetryAfter = "Retry-After"
	HeaderAction     = "X-Throttle-Action"
	HeaderRule       = "X-Throttle-Rule"
)

// Evaluator is the part of limiter.Engine the middleware needs.
type Evaluator interface {
	Evaluate(ctx context.Context, req limiter.Request) (limiter.Decision, error)
}

// UserExtractor returns the authenticated user id of r, or nil.
type UserExtractor func(r *http.Request) *int64

type options struct {
	failOpen bool
	user     UserExtractor
}

// Option configures the middleware.
type Option func(*options)

// WithFailOpen lets requests through when the counter store is unavailable.
// The default is to answer 503.
func WithFailOpen(enabled bool) Option {
	return func(o *options) {
		o.failOpen = enabled
	}
}

// WithUserExtractor sets how the user id is read from a request.
func WithUserExtractor(fn UserExtractor) Option {
	return func(o *options) {
		o.user = fn
	}
}

type decisionKey struct{}

// DecisionFrom returns the decision the middleware made for the request.
func DecisionFrom(ctx context.Context) (limiter.Decision, bool) {
	d, ok := ctx.Value(decisionKey{}).(limiter.Decision)
	return d, ok
}

// Middleware returns a chi compatible middleware. Denied requests get 429
// with Retry-After. Advisory actions set X-Throttle-Action and continue.
func Middleware(engine Evaluator, opts ...Option) func(http.Handler) http.Handler {
	o := options{}
	for _, opt := range opts {
		opt(&o)
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			req := limiter.Request{
				IP:       clientIP(r),
				Endpoint: r.URL.Path,
			}
			if o.user != nil {
				req.UserID = o.user(r)
			}

			dec, err := engine.Evaluate(r.Context(), req)
			if err != nil {
				if o.failOpen && errors.Is(err, limiter.ErrCounterStoreUnavailable) {
					log.Warn().Err(err).Str("path", req.Endpoint).Msg("limiter unavailable, failing open")
					next.ServeHTTP(w, r)
					return
				}
				log.Error().Err(err).Str("path", req.Endpoint).Msg("limiter unavailable, failing closed")
				http.Error(w, http.StatusText(http.StatusServiceUnavailable), http.StatusServiceUnavailable)
				return
			}

			if dec.Triggered() {
				w.Header().Set(HeaderAction, string(dec.Action))
				w.Header().Set(HeaderRule, strconv.FormatInt(dec.Rule.ID, 10))
			}
			if !dec.Allowed {
				w.Header().Set(HeaderRetryAfter, strconv.FormatInt(dec.RetryAfterSeconds, 10))
				http.Error(w, "rate limit exceeded", http.StatusTooManyRequests)
				return
			}

			next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), decisionKey{}, dec)))
		})
	}
}

// clientIP strips the port from RemoteAddr. Run chi's middleware.RealIP
// first to honour X-Forwarded-For from trusted proxies.
func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
