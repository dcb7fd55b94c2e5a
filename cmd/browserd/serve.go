package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"browserd/internal/config"
	"browserd/internal/logging"
	"browserd/internal/pool"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var noWatch bool

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the runtime with its live-view, status and metrics endpoints",
	Long: `Starts the instance pool, the session and stream sweepers, and an HTTP
server exposing:

  GET /v1/stream/{token}   live-view WebSocket (single-use token)
  GET /v1/pool             pool status
  GET /metrics             Prometheus metrics
  GET /healthz             liveness

The config file is watched; network and CDP host policy changes apply without
a restart. SIGINT or SIGTERM drains sessions and stops the browsers.`,
	Args: cobra.NoArgs,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().BoolVar(&noWatch, "no-watch", false, "Do not reload policy when the config file changes")
}

// healthChecker is satisfied by the profile store.
type healthChecker interface {
	Ping(ctx context.Context) error
}

type routes struct {
	pool     interface{ Status() pool.Status }
	sessions interface{ Count() int }
	stream   interface {
		ServeWS(w http.ResponseWriter, r *http.Request, token string)
	}
	health healthChecker
}

func newRouter(rt routes) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(accessLog)

	r.Get("/healthz", func(w http.ResponseWriter, req *http.Request) {
		if rt.health != nil {
			if err := rt.health.Ping(req.Context()); err != nil {
				respondError(w, http.StatusServiceUnavailable, errors.New("profile store unavailable"))
				return
			}
		}
		respondJSON(w, http.StatusOK, map[string]any{
			"status":   "ok",
			"sessions": rt.sessions.Count(),
			"time":     time.Now().UTC().Format(time.RFC3339),
		})
	})
	r.Handle("/metrics", promhttp.Handler())
	r.Route("/v1", func(r chi.Router) {
		r.Get("/pool", func(w http.ResponseWriter, req *http.Request) {
			respondJSON(w, http.StatusOK, rt.pool.Status())
		})
		r.Get("/stream/{token}", func(w http.ResponseWriter, req *http.Request) {
			rt.stream.ServeWS(w, req, chi.URLParam(req, "token"))
		})
	})
	return r
}

func accessLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		// Stream tokens are credentials.
		path := r.URL.Path
		if chi.RouteContext(r.Context()) != nil && chi.RouteContext(r.Context()).RoutePattern() != "" {
			path = chi.RouteContext(r.Context()).RoutePattern()
		}
		logging.Zap(logging.CategoryHTTP).Debug("request",
			zap.String("method", r.Method),
			zap.String("route", path),
			zap.Int("status", ww.Status()),
			zap.Int("bytes", ww.BytesWritten()),
			zap.Duration("dur", time.Since(start)),
			zap.String("request_id", middleware.GetReqID(r.Context())),
		)
	})
}

func respondJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.WriteHeader(status)
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	_ = enc.Encode(payload)
}

func respondError(w http.ResponseWriter, status int, err error) {
	respondJSON(w, status, struct {
		Error  string `json:"error"`
		Status int    `json:"status"`
	}{Error: err.Error(), Status: status})
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := newApp(cfg)
	if err != nil {
		return err
	}
	logging.Boot("starting browserd: pool max %d instances, %d pages each", cfg.Pool.MaxInstances, cfg.Pool.MaxPagesPerInstance)
	a.start(ctx)

	if !noWatch {
		if _, statErr := os.Stat(configPath); statErr == nil {
			w, err := config.NewWatcher(configPath, a.reload)
			if err != nil {
				logging.BootWarn("config watcher unavailable: %v", err)
			} else if err := w.Start(ctx); err != nil {
				logging.BootWarn("config watcher unavailable: %v", err)
			} else {
				defer w.Stop()
			}
		}
	}

	srv := &http.Server{
		Addr: cfg.Server.Addr,
		Handler: newRouter(routes{
			pool:     a.pool,
			sessions: a.sessions,
			stream:   a.relay,
			health:   a.profiles,
		}),
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       2 * time.Minute,
		MaxHeaderBytes:    1 << 20,
	}

	serverErr := make(chan error, 1)
	go func() {
		logging.Boot("serving on %s", cfg.Server.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	select {
	case <-ctx.Done():
		logging.Boot("shutdown requested")
	case err = <-serverErr:
		logging.Get(logging.CategoryBoot).Error("server failed: %v", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.GetShutdownTimeout())
	defer cancel()
	if serr := srv.Shutdown(shutdownCtx); serr != nil {
		logging.BootWarn("http shutdown: %v", serr)
	}
	a.close(shutdownCtx)
	logging.Boot("stopped")
	if err != nil {
		return fmt.Errorf("serve: %w", err)
	}
	return nil
}
