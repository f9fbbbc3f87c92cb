// Package api exposes the HTTP surface: channel webhooks, the two realtime
// endpoints, merchant actions and a few admin views.
package api

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"orderhub/internal/logging"
	"orderhub/internal/metrics"
	"orderhub/internal/orchestrator"
	"orderhub/internal/queue"
	"orderhub/internal/realtime"
	"orderhub/internal/store"
)

const defaultWebhookTimeout = 2 * time.Minute

type Server struct {
	Store  store.Store
	Orch   *orchestrator.Orchestrator
	Queue  *queue.Service
	Auth   realtime.TokenVerifier
	Legacy *realtime.Hub
	Authed *realtime.Hub
	Log    *zap.Logger
	// WebhookTimeout bounds the background processing of one webhook.
	WebhookTimeout time.Duration

	inflight sync.WaitGroup
}

// Wait blocks until accepted webhooks finished processing.
func (s *Server) Wait() { s.inflight.Wait() }

func (s *Server) log() *zap.Logger { return logging.OrNop(s.Log) }

// Routes builds the router.
func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)
	r.Use(s.observe)

	r.Get("/healthz", s.HealthHandler)
	r.Handle("/metrics", promhttp.HandlerFor(metrics.Registry, promhttp.HandlerOpts{}))
	r.Post("/webhooks/{channel}", s.WebhookHandler)

	r.Handle("/socket", &realtime.LegacyHandler{Hub: s.Legacy, Directory: s.Store, Log: s.Log})
	r.Handle("/ws", &realtime.AuthHandler{Hub: s.Authed, Directory: s.Store, Verifier: s.Auth, Log: s.Log})

	r.Route("/v1", func(r chi.Router) {
		r.Use(s.requirePrincipal)
		r.Get("/orders", s.ListOrdersHandler)
		r.Post("/orders/{id}/status", s.OrderStatusHandler)
		r.Post("/businesses/{id}/close", s.CloseBusinessHandler)
		r.Post("/businesses/{id}/reopen", s.ReopenBusinessHandler)
		r.Post("/businesses/{id}/sync", s.SyncHandler)

		r.Route("/admin", func(r chi.Router) {
			r.Use(requireAdmin)
			r.Get("/queue", s.QueueItemsHandler)
			r.Post("/queue/{id}/reset", s.QueueResetHandler)
			r.Get("/rooms", s.RoomsHandler)
			r.Get("/debug", s.DebugJSON)
		})
	})
	return r
}

// observe records request metrics under the route pattern and logs the request.
func (s *Server) observe(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := chimw.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		route := "unmatched"
		if rc := chi.RouteContext(r.Context()); rc != nil && rc.RoutePattern() != "" {
			route = rc.RoutePattern()
		}
		code := strconv.Itoa(status)
		metrics.HTTPRequests.WithLabelValues(r.Method, route, code).Inc()
		metrics.HTTPDuration.WithLabelValues(r.Method, route, code).Observe(time.Since(start).Seconds())
		s.log().Debug("request",
			zap.String("request_id", chimw.GetReqID(r.Context())),
			zap.String("method", r.Method),
			zap.String("route", route),
			zap.Int("status", status),
			zap.Duration("latency", time.Since(start)),
		)
	})
}
