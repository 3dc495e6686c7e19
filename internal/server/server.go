// Package server is the HTTP request pipeline: routing, the authorization
// layers (forward-auth, infra-ready, CSRF, shared token, webhook HMAC),
// the handlers and the per-request audit record.
package server

import (
	"bufio"
	"context"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/go-chi/httprate"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/IvanLi-CN/pod-upgrade-trigger/internal/app"
	"github.com/IvanLi-CN/pod-upgrade-trigger/internal/logger"
)

// Server owns the router and the process-wide policies.
type Server struct {
	app    *app.Context
	policy ForwardAuthPolicy
	router chi.Router
}

// New assembles the router over the application context.
func New(a *app.Context) *Server {
	header, expected, nickname, devOpen := a.ForwardAuthPolicyValues()
	s := &Server{
		app: a,
		policy: ForwardAuthPolicy{
			HeaderName:     header,
			ExpectedValue:  expected,
			NicknameHeader: nickname,
			DevOpen:        devOpen,
		},
	}
	s.router = s.buildRouter()
	return s
}

// Handler exposes the router, mostly for httptest.
func (s *Server) Handler() http.Handler { return s.router }

func (s *Server) buildRouter() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RealIP)
	r.Use(s.auditMiddleware)

	// Open routes.
	r.Get("/health", s.handleHealth)
	r.Get("/sse/hello", s.handleSSEHello)
	r.Get("/api/config", s.handleAPIConfig)

	// Token-gated manual trigger.
	r.Get("/auto-update", s.handleAutoUpdate)
	r.Post("/auto-update", s.handleAutoUpdate)

	// GitHub webhook prefix, HMAC-gated, with a coarse per-IP throttle in
	// front of the DB sliding windows.
	r.Route("/"+s.app.Settings.GithubPathPrefix, func(gh chi.Router) {
		gh.Use(httprate.LimitByIP(120, time.Minute))
		gh.HandleFunc("/*", s.handleGithubWebhook)
	})

	// Admin API.
	r.Route("/api", func(api chi.Router) {
		api.Use(cors.Handler(cors.Options{
			AllowedOrigins: []string{"*"},
			AllowedMethods: []string{"GET", "POST", "DELETE", "HEAD"},
			AllowedHeaders: []string{"*"},
		}))
		api.Group(func(admin chi.Router) {
			admin.Use(s.requireAdmin)
			admin.Get("/settings", s.handleSettings)
			admin.Get("/events", s.handleEvents)
			admin.Get("/webhooks/status", s.handleWebhookStatus)
			admin.Get("/image-locks", s.handleImageLocks)
			admin.Get("/tasks", s.handleTasks)
			admin.Get("/tasks/{id}", s.handleTaskDetail)
			admin.Get("/registry-digest", s.handleRegistryDigest)

			admin.Group(func(state chi.Router) {
				state.Use(s.requireInfraReady)
				state.Get("/manual/services", s.handleManualServices)

				state.Group(func(writes chi.Router) {
					writes.Use(requireCSRF)
					writes.Delete("/image-locks/{bucket}", s.handleDeleteImageLock)
					writes.Post("/prune-state", s.handlePruneState)
					writes.Post("/manual/trigger", s.handleManualTrigger)
					writes.Post("/manual/services/{slug}", s.handleManualService)
					writes.Post("/tasks/{id}/stop", s.handleTaskStop)
				})
			})
		})
	})

	r.Group(func(admin chi.Router) {
		admin.Use(s.requireAdmin)
		admin.Get("/last_payload.bin", s.handleLastPayload)
		admin.Head("/last_payload.bin", s.handleLastPayload)
		admin.Method(http.MethodGet, "/metrics", promhttp.Handler())
	})

	// Anything else: static asset, else 404.
	r.NotFound(s.handleStatic)
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		writeText(w, http.StatusMethodNotAllowed, "method not allowed\n")
	})

	return r
}

// ListenAndServe runs the accept loop until the context ends.
func (s *Server) ListenAndServe(ctx context.Context) error {
	srv := &http.Server{
		Addr:    s.app.Settings.HTTPAddr,
		Handler: s.router,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.GetLogger(ctx).Info("http server listening",
			zap.String("addr", s.app.Settings.HTTPAddr))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), httpShutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

// ServeSingle handles exactly one HTTP request read from in and writes the
// response to out. This is the stdin/stdout single-request mode; it must
// be observationally identical to the long-lived server.
func (s *Server) ServeSingle(ctx context.Context, in io.Reader, out io.Writer) error {
	req, err := http.ReadRequest(bufio.NewReader(in))
	if err != nil {
		return err
	}
	req = req.WithContext(ctx)

	rec := newBufferedResponse()
	s.router.ServeHTTP(rec, req)
	return rec.writeTo(out, req)
}

// ServeStdin is ServeSingle over the process streams.
func (s *Server) ServeStdin(ctx context.Context) error {
	return s.ServeSingle(ctx, os.Stdin, os.Stdout)
}
