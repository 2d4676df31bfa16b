package catalog

import (
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"Freshka/pkg/kit"
)

type HTTPDeps struct {
	Log      *zap.Logger
	Service  string
	Registry *prometheus.Registry

	MetricsEnabled bool
	MetricsToken   string

	// APIPrefix additionally serves every route below this path (e.g. "/api").
	APIPrefix string
}

func NewHandler(s *Server, deps HTTPDeps) http.Handler {
	r := chi.NewRouter()

	setupMiddleware(r, deps)
	setupMetrics(r, deps)

	routes := s.Routes()
	if p := normalizePrefix(deps.APIPrefix); p != "" {
		r.Mount(p, routes)
	}
	r.Mount("/", routes)
	return r
}

func setupMiddleware(r *chi.Mux, deps HTTPDeps) {
	r.Use(chimw.RequestID)
	r.Use(kit.Recoverer)
	r.Use(kit.Logging(deps.Log))
	r.Use(kit.CORS)
	r.NotFound(kit.RouteNotFound)
	r.MethodNotAllowed(kit.RouteNotFound)
}

func setupMetrics(r *chi.Mux, deps HTTPDeps) {
	if deps.Registry == nil {
		return
	}

	metrics := kit.NewMetrics(deps.Registry)
	r.Use(metrics.Middleware(deps.Service, kit.RouteLabel))

	if !deps.MetricsEnabled {
		return
	}

	r.With(kit.MetricsAuth(deps.MetricsToken)).
		Handle("/metrics", promhttp.HandlerFor(deps.Registry, promhttp.HandlerOpts{}))
}

func normalizePrefix(p string) string {
	p = strings.TrimRight(strings.TrimSpace(p), "/")
	if p == "" {
		return ""
	}
	if !strings.HasPrefix(p, "/") {
		p = "/" + p
	}
	return p
}
