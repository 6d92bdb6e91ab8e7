// Package api serves the listing pipeline over HTTP.
package api

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"go.uber.org/zap"

	"github.com/sells-group/listing-pipeline/internal/apperr"
	"github.com/sells-group/listing-pipeline/internal/ingest"
	"github.com/sells-group/listing-pipeline/internal/notify"
	"github.com/sells-group/listing-pipeline/internal/phase"
	"github.com/sells-group/listing-pipeline/internal/publish"
	"github.com/sells-group/listing-pipeline/internal/ratelimit"
	"github.com/sells-group/listing-pipeline/internal/reconcile"
	"github.com/sells-group/listing-pipeline/internal/store"
)

// Deps are the services the handlers call. Broker, Limiter and Media are
// optional.
type Deps struct {
	Store      store.Store
	Machine    *phase.Machine
	Ingest     *ingest.Service
	Limits     ingest.Limits
	Aggregator *reconcile.Aggregator
	Publisher  *publish.Service
	Broker     *notify.Broker
	Limiter    *ratelimit.Limiter

	// Media serves stored images under MediaPrefix.
	Media       http.Handler
	MediaPrefix string

	CORSOrigins []string
}

// Server holds the handlers.
type Server struct {
	d Deps
}

// NewRouter builds the HTTP handler for every route.
func NewRouter(d Deps) http.Handler {
	s := &Server{d: d}
	if len(d.CORSOrigins) == 0 {
		d.CORSOrigins = []string{"*"}
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: d.CORSOrigins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodPatch, http.MethodOptions},
		AllowedHeaders: []string{"Accept", "Content-Type", ratelimit.APIKeyHeader},
		MaxAge:         300,
	}))

	limited := func(h http.HandlerFunc) http.Handler {
		if d.Limiter == nil {
			return h
		}
		return d.Limiter.Middleware(h)
	}

	r.Get("/health", s.health)

	r.Route("/api", func(r chi.Router) {
		r.Method(http.MethodPost, "/products/ingest", limited(s.ingest))
		r.Method(http.MethodPost, "/publish", limited(s.publish))

		r.Get("/products", s.listProducts)
		r.Route("/products/{id}", func(r chi.Router) {
			r.Get("/", s.getProduct)
			r.Patch("/", s.patchProduct)
			r.Get("/analysis", s.getAnalysis)
			r.Get("/market", s.getMarket)
			r.Get("/seo", s.getSEO)
			r.Get("/listing", s.getListing)
			r.Get("/phases", s.listPhases)
			r.Get("/logs", s.listLogs)
			r.Get("/events", s.events)
			r.Post("/pause", s.pause)
			r.Post("/resume", s.resume)
			r.Post("/cancel", s.cancel)
			r.Post("/stages/{stage}/retry", s.retry)
		})
	})

	if d.Media != nil && d.MediaPrefix != "" {
		r.Handle(d.MediaPrefix+"/*", http.StripPrefix(d.MediaPrefix, d.Media))
	}
	return r
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	if err := s.d.Store.Ping(ctx); err != nil {
		zap.L().Warn("api: health check failed", zap.Error(err))
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if payload != nil {
		if err := json.NewEncoder(w).Encode(payload); err != nil {
			zap.L().Debug("api: write response", zap.Error(err))
		}
	}
}

type errorBody struct {
	Success bool   `json:"success"`
	Error   string `json:"error"`
	Kind    string `json:"kind,omitempty"`
}

// writeError maps err to a status by its kind. Store and internal errors
// are logged with the request path.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	kind := apperr.KindOf(err)
	status := apperr.HTTPStatus(kind)
	if status >= http.StatusInternalServerError {
		zap.L().Error("api: request failed",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.String("kind", string(kind)),
			zap.Error(err),
		)
	}
	writeJSON(w, status, errorBody{Error: apperr.Message(err), Kind: string(kind)})
}

func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		zap.L().Debug("api: request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Duration("elapsed", time.Since(start)),
			zap.String("request_id", middleware.GetReqID(r.Context())),
		)
	})
}
