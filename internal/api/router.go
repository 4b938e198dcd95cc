// Package api exposes balance lookups and balance-event ingestion over HTTP.
package api

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-playground/validator/v10"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/matrixise/ethbalance/internal/balance"
	"github.com/matrixise/ethbalance/internal/config"
	"github.com/matrixise/ethbalance/internal/storage"
)

const requestTimeout = 15 * time.Second

type Resolver interface {
	Resolve(ctx context.Context, address string) (balance.Result, error)
}

type Records interface {
	FindByAddress(ctx context.Context, address string) (*storage.AddressBalance, error)
}

type Applier interface {
	Apply(ctx context.Context, rows ...storage.AddressBalance) error
}

// Options wires the handlers. Health and Gatherer are optional.
type Options struct {
	Resolver Resolver
	Records  Records
	Applier  Applier
	Health   http.Handler
	Gatherer prometheus.Gatherer
	Logger   *slog.Logger
}

type handlers struct {
	resolver Resolver
	records  Records
	applier  Applier
	validate *validator.Validate
	logger   *slog.Logger
}

// NewRouter builds the HTTP surface
func NewRouter(opts Options) http.Handler {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	h := &handlers{
		resolver: opts.Resolver,
		records:  opts.Records,
		applier:  opts.Applier,
		validate: config.NewValidator(),
		logger:   logger,
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger(logger))
	r.Use(middleware.Recoverer)

	if opts.Health != nil {
		r.Method(http.MethodGet, "/health", opts.Health)
	}
	if opts.Gatherer != nil {
		r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(opts.Gatherer, promhttp.HandlerOpts{}))
	}

	r.Route("/v1/user-address", func(r chi.Router) {
		r.Use(middleware.Timeout(requestTimeout))
		r.Get("/", h.getAddress)
		r.Get("/eth", h.getBalance)
		r.Post("/events", h.postBalanceEvent)
	})
	return r
}

// requestLogger logs one line per request with slog
func requestLogger(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			next.ServeHTTP(ww, r)
			logger.Debug("HTTP request",
				"method", r.Method,
				"path", r.URL.Path,
				"status", ww.Status(),
				"bytes", ww.BytesWritten(),
				"duration", time.Since(start),
				"request_id", middleware.GetReqID(r.Context()),
			)
		})
	}
}
