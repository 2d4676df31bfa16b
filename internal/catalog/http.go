package catalog

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"Freshka/internal/auth"
	"Freshka/pkg/kit"
)

const (
	defaultMaxBodyBytes   = 1 << 20
	defaultMaxUploadBytes = 10 << 20

	imageCacheControl = "public, max-age=31536000, immutable"

	tokenLimitPerMin = 5
)

type Server struct {
	Svc   *Service
	Log   *zap.Logger
	Guard *auth.Guard

	// GuardProducts puts /products writes behind the admin guard as well.
	GuardProducts  bool
	MaxBodyBytes   int64
	MaxUploadBytes int64

	// TokenTTL enables POST /admin/token when positive.
	TokenTTL time.Duration
}

type deleteResp struct {
	Message string `json:"message"`
	ID      string `json:"id"`
}

type adminResp struct {
	OK   bool   `json:"ok"`
	Path string `json:"path,omitempty"`
}

type uploadResp struct {
	Message string `json:"message"`
	Upload
}

func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()
	r.NotFound(kit.RouteNotFound)
	r.MethodNotAllowed(kit.RouteNotFound)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusOK) })
	r.Get("/readyz", s.ready)

	r.Route("/products", func(pr chi.Router) {
		pr.Get("/", s.list)
		pr.Get("/{id}", s.get)

		pr.Group(func(wr chi.Router) {
			if s.GuardProducts {
				wr.Use(s.Guard.Require)
			}
			wr.Post("/", s.create)
			wr.Put("/{id}", s.update)
			wr.Delete("/{id}", s.delete)
		})
	})

	r.Route("/admin/items/{sku}", func(ar chi.Router) {
		ar.Use(s.Guard.Require)
		ar.Post("/", s.adminUpsert)
		ar.Post("/image", s.adminImage)
	})

	if s.TokenTTL > 0 {
		limiter := kit.NewIPRateLimiter(tokenLimitPerMin, time.Minute)
		r.With(limiter.Middleware).Post("/admin/token", s.Guard.TokenHandler(s.TokenTTL, s.Log))
	}

	r.With(s.Guard.Require).Post("/upload", s.upload)
	r.Get("/images/*", s.image)

	return r
}

func (s *Server) ready(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 1*time.Second)
	defer cancel()

	if err := s.Svc.Ping(ctx); err != nil {
		s.logger().Warn("readyz failed", zap.Error(err))
		kit.WriteError(w, r, http.StatusServiceUnavailable, "not ready", nil)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (s *Server) list(w http.ResponseWriter, r *http.Request) {
	c, err := s.Svc.List(r.Context())
	if err != nil {
		s.writeErr(w, r, err)
		return
	}
	kit.WriteJSON(w, http.StatusOK, c)
}

func (s *Server) get(w http.ResponseWriter, r *http.Request) {
	p, err := s.Svc.Get(r.Context(), pathParam(r, "id"))
	if err != nil {
		s.writeErr(w, r, err)
		return
	}
	kit.WriteJSON(w, http.StatusOK, p)
}

func (s *Server) create(w http.ResponseWriter, r *http.Request) {
	var in ProductInput
	if !s.decode(w, r, &in) {
		return
	}

	p, err := s.Svc.Create(r.Context(), in)
	if err != nil {
		s.writeErr(w, r, err)
		return
	}
	kit.WriteJSON(w, http.StatusCreated, p)
}

func (s *Server) update(w http.ResponseWriter, r *http.Request) {
	var in ProductInput
	if !s.decode(w, r, &in) {
		return
	}

	p, err := s.Svc.Update(r.Context(), pathParam(r, "id"), in)
	if err != nil {
		s.writeErr(w, r, err)
		return
	}
	kit.WriteJSON(w, http.StatusOK, p)
}

func (s *Server) delete(w http.ResponseWriter, r *http.Request) {
	id := pathParam(r, "id")
	if err := s.Svc.Delete(r.Context(), id); err != nil {
		s.writeErr(w, r, err)
		return
	}
	kit.WriteJSON(w, http.StatusOK, deleteResp{Message: "Product deleted successfully", ID: id})
}

func (s *Server) adminUpsert(w http.ResponseWriter, r *http.Request) {
	var in ProductInput
	if !s.decode(w, r, &in) {
		return
	}

	sku := pathParam(r, "sku")
	created, err := s.Svc.Upsert(r.Context(), sku, in)
	if err != nil {
		s.writeErr(w, r, err)
		return
	}
	s.logger().Info("admin upsert", zap.String("sku", sku), zap.Bool("created", created))
	kit.WriteJSON(w, http.StatusOK, adminResp{OK: true})
}

func (s *Server) image(w http.ResponseWriter, r *http.Request) {
	o, err := s.Svc.Image(r.Context(), pathParam(r, "*"))
	if err != nil {
		s.writeErr(w, r, err)
		return
	}

	h := w.Header()
	h.Set("Content-Type", o.ContentType)
	h.Set("Content-Length", strconv.Itoa(len(o.Body)))
	h.Set("Cache-Control", imageCacheControl)
	if o.ETag != "" {
		h.Set("ETag", strconv.Quote(o.ETag))
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(o.Body)
}

// pathParam reads a route parameter. chi matches on the escaped path when
// the request needed one, so the value is unescaped here.
func pathParam(r *http.Request, key string) string {
	v := chi.URLParam(r, key)
	if r.URL.RawPath == "" {
		return v
	}
	if u, err := url.PathUnescape(v); err == nil {
		return u
	}
	return v
}

// decode reads a JSON body, answering 400 itself when it cannot.
func (s *Server) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, s.maxBody())
	defer func() { _ = r.Body.Close() }()

	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		kit.WriteError(w, r, http.StatusBadRequest, "Invalid JSON body", err.Error())
		return false
	}
	return true
}

func (s *Server) writeErr(w http.ResponseWriter, r *http.Request, err error) {
	var ce *Error
	if errors.As(err, &ce) {
		status := http.StatusInternalServerError
		switch {
		case errors.Is(ce.Kind, ErrNotFound):
			status = http.StatusNotFound
		case errors.Is(ce.Kind, ErrBadRequest):
			status = http.StatusBadRequest
		case errors.Is(ce.Kind, ErrConflict):
			status = http.StatusConflict
		}
		var details any
		if len(ce.Details) > 0 {
			details = ce.Details
		}
		kit.WriteError(w, r, status, ce.Msg, details)
		return
	}

	s.logger().Error("request failed",
		zap.String("method", r.Method),
		zap.String("path", r.URL.Path),
		zap.Error(err),
	)
	kit.WriteError(w, r, http.StatusInternalServerError, "Internal server error", err.Error())
}

func (s *Server) logger() *zap.Logger {
	if s.Log == nil {
		return zap.NewNop()
	}
	return s.Log
}

func (s *Server) maxBody() int64 {
	if s.MaxBodyBytes > 0 {
		return s.MaxBodyBytes
	}
	return defaultMaxBodyBytes
}

func (s *Server) maxUpload() int64 {
	if s.MaxUploadBytes > 0 {
		return s.MaxUploadBytes
	}
	return defaultMaxUploadBytes
}
