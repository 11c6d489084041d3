// Command throttled runs the throttling engine as a daemon: an HTTP gateway
// guarding an upstream, a JSON decision endpoint, and a gRPC decision service.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"net/http/httputil"
	"net/url"
	"os"
	"os/signal"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"google.golang.org/grpc"

	"github.com/toolink/throttle/httpguard"
	"github.com/toolink/throttle/limiter"
	"github.com/toolink/throttle/redlock"
	"github.com/toolink/throttle/rulesync"
	"github.com/toolink/throttle/throttlerpc"
)

func main() {
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})

	cfg, err := loadSettings()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load settings")
	}
	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		log.Fatal().Err(err).Str("level", cfg.LogLevel).Msg("invalid log level")
	}
	zerolog.SetGlobalLevel(level)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg); err != nil {
		log.Fatal().Err(err).Msg("throttled exited")
	}
}

func run(ctx context.Context, cfg settings) error {
	ruleCfg, err := limiter.LoadConfig(cfg.RulesFile)
	if err != nil {
		return err
	}
	rules, err := limiter.NewRuleStore(ruleCfg.Rules...)
	if err != nil {
		return err
	}

	recorder, err := limiter.NewPrometheusRecorder(prometheus.DefaultRegisterer)
	if err != nil {
		return err
	}

	storeOpts := []limiter.StoreOption{limiter.WithResetOnBlockExpiry(cfg.ResetOnBlockExpiry)}
	reaperOpts := []limiter.ReaperOption{limiter.WithReaperRecorder(recorder)}

	var (
		store limiter.CounterStore
		admin ruleAdmin = localAdmin{rules: rules}
	)
	switch ruleCfg.StorageType {
	case limiter.StorageRedis:
		client, err := connectRedis(ctx, cfg)
		if err != nil {
			return err
		}
		defer client.Close()
		store = limiter.NewRedisStore(client, storeOpts...)
		reaperOpts = append(reaperOpts, limiter.WithSweepLock(redlock.NewLocker(client, "throttle:lock:sweep")))

		syncer := rulesync.New(client, rules)
		if err := syncer.Start(ctx); err != nil {
			return err
		}
		admin = syncer
	default:
		store = limiter.NewMemoryStore(storeOpts...)
	}
	log.Info().Str("storage", ruleCfg.StorageType).Int("rules", len(ruleCfg.Rules)).Msg("limiter configured")

	engine := limiter.NewEngine(rules, store,
		limiter.WithStoreTimeout(cfg.StoreTimeout),
		limiter.WithRecorder(recorder),
	)
	reaper := limiter.NewReaper(store, reaperOpts...)

	if err := rules.Watch(ctx, cfg.RulesFile); err != nil {
		log.Warn().Err(err).Msg("rule file watch disabled")
	}

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		reaper.Run(ctx, cfg.SweepInterval)
	}()

	grpcServer := grpc.NewServer(grpc.UnaryInterceptor(throttlerpc.UnaryLogger()))
	throttlerpc.Register(grpcServer, throttlerpc.NewServer(engine, reaper))
	lis, err := net.Listen("tcp", cfg.GRPCAddr)
	if err != nil {
		return err
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		log.Info().Str("addr", cfg.GRPCAddr).Msg("grpc server listening")
		if err := grpcServer.Serve(lis); err != nil {
			log.Error().Err(err).Msg("grpc server stopped")
		}
	}()

	router, err := newRouter(cfg, engine, admin)
	if err != nil {
		return err
	}
	httpServer := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		log.Info().Str("addr", cfg.HTTPAddr).Msg("http server listening")
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Msg("http server stopped")
		}
	}()

	<-ctx.Done()
	log.Info().Msg("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("http shutdown incomplete")
	}
	grpcServer.GracefulStop()
	wg.Wait()
	return nil
}

func connectRedis(ctx context.Context, cfg settings) (*redis.Client, error) {
	if cfg.RedisAddr == "" {
		return nil, errors.New("storage_type redis requires THROTTLE_REDIS_ADDR")
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, err
	}
	return client, nil
}

// ruleAdmin edits rules at runtime. Edits are overrides that outlive rule
// file reloads until reverted. With Redis storage they are also broadcast to
// peer instances.
type ruleAdmin interface {
	Put(ctx context.Context, rule limiter.LimitRule) error
	Deactivate(ctx context.Context, id int64) error
	Revert(ctx context.Context, id int64) error
}

type localAdmin struct {
	rules *limiter.RuleStore
}

func (a localAdmin) Put(_ context.Context, rule limiter.LimitRule) error {
	return a.rules.Put(rule)
}

func (a localAdmin) Deactivate(_ context.Context, id int64) error {
	return a.rules.Deactivate(id)
}

func (a localAdmin) Revert(_ context.Context, id int64) error {
	return a.rules.Revert(id)
}

func newRouter(cfg settings, engine *limiter.Engine, admin ruleAdmin) (http.Handler, error) {
	r := chi.NewRouter()
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})
	r.Handle("/metrics", promhttp.Handler())
	r.Get("/v1/rules/stats", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, engine.Rules().AllStats())
	})
	r.Put("/v1/rules/{id}", putRuleHandler(admin))
	r.Post("/v1/rules/{id}/deactivate", deactivateRuleHandler(admin))
	r.Delete("/v1/rules/{id}/override", revertRuleHandler(admin))
	r.Post("/v1/evaluate", evaluateHandler(engine))

	if cfg.Upstream != "" {
		target, err := url.Parse(cfg.Upstream)
		if err != nil {
			return nil, err
		}
		guard := httpguard.Middleware(engine,
			httpguard.WithFailOpen(cfg.FailOpen),
			httpguard.WithUserExtractor(userFromHeader),
		)
		r.With(guard).Handle("/*", httputil.NewSingleHostReverseProxy(target))
		log.Info().Str("upstream", cfg.Upstream).Msg("guarding upstream")
	}
	return r, nil
}

// userFromHeader trusts X-User-ID set by an authenticating proxy in front.
func userFromHeader(r *http.Request) *int64 {
	raw := r.Header.Get("X-User-ID")
	if raw == "" {
		return nil
	}
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return nil
	}
	return &id
}

func evaluateHandler(engine *limiter.Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var in throttlerpc.EvaluateRequest
		if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
			http.Error(w, "invalid request body", http.StatusBadRequest)
			return
		}

		dec, err := engine.Evaluate(r.Context(), limiter.Request{IP: in.IP, Endpoint: in.Endpoint, UserID: in.UserID})
		if err != nil {
			http.Error(w, err.Error(), http.StatusServiceUnavailable)
			return
		}

		out := throttlerpc.EvaluateResponse{Allowed: dec.Allowed, RetryAfterSeconds: dec.RetryAfterSeconds}
		if dec.Triggered() {
			out.RuleID = dec.Rule.ID
			out.RuleName = dec.Rule.Name
			out.Action = string(dec.Action)
		}
		status := http.StatusOK
		if !dec.Allowed {
			w.Header().Set(httpguard.HeaderRetryAfter, strconv.FormatInt(dec.RetryAfterSeconds, 10))
			status = http.StatusTooManyRequests
		}
		writeJSON(w, status, out)
	}
}

func putRuleHandler(admin ruleAdmin) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
		if err != nil {
			http.Error(w, "invalid rule id", http.StatusBadRequest)
			return
		}
		var rule limiter.LimitRule
		if err := json.NewDecoder(r.Body).Decode(&rule); err != nil {
			http.Error(w, "invalid request body", http.StatusBadRequest)
			return
		}
		rule.ID = id

		if err := admin.Put(r.Context(), rule); err != nil {
			writeAdminError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, rule)
	}
}

func deactivateRuleHandler(admin ruleAdmin) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
		if err != nil {
			http.Error(w, "invalid rule id", http.StatusBadRequest)
			return
		}
		if err := admin.Deactivate(r.Context(), id); err != nil {
			writeAdminError(w, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

func revertRuleHandler(admin ruleAdmin) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
		if err != nil {
			http.Error(w, "invalid rule id", http.StatusBadRequest)
			return
		}
		if err := admin.Revert(r.Context(), id); err != nil {
			writeAdminError(w, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

func writeAdminError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, limiter.ErrInvalidRuleConfiguration):
		http.Error(w, err.Error(), http.StatusBadRequest)
	case errors.Is(err, limiter.ErrRuleNotFound):
		http.Error(w, err.Error(), http.StatusNotFound)
	default:
		// The local edit has been applied; only the broadcast failed.
		http.Error(w, err.Error(), http.StatusBadGateway)
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Warn().Err(err).Msg("failed to write response")
	}
}
