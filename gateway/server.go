// Package gateway serves the read-side HTTP API: token metadata,
// balances, operation history, market listings, and cluster status. All
// endpoints are read-only; state changes only ever enter through the
// block feed.
package gateway

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"krcindex/indexer"
	"krcindex/ring"
)

// StatusSource exposes the cluster's routing state for the status
// endpoint.
type StatusSource interface {
	Ring() *ring.Ring
	Degraded() []string
}

type Server struct {
	query  *indexer.Query
	status StatusSource
	log    *slog.Logger
	http   *http.Server
}

func New(addr string, query *indexer.Query, status StatusSource, log *slog.Logger) *Server {
	if log == nil {
		log = slog.Default()
	}
	s := &Server{query: query, status: status, log: log}
	s.http = &http.Server{
		Addr:              addr,
		Handler:           s.Router(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(30 * time.Second))

	r.Get("/healthz", s.health)
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())

	r.Route("/v1", func(r chi.Router) {
		r.Get("/tokens", s.listTokens)
		r.Get("/tokens/{tick}", s.getToken)
		r.Get("/tokens/{tick}/listings", s.listings)
		r.Get("/tokens/{tick}/blacklist/{address}", s.blacklisted)
		r.Get("/addresses/{address}/balances", s.listBalances)
		r.Get("/addresses/{address}/balances/{tick}", s.getBalance)
		r.Get("/operations", s.listOperations)
		r.Get("/operations/{seq}/{txid}", s.getOperation)
		r.Get("/cluster", s.clusterStatus)
	})
	return r
}

func (s *Server) Start() error {
	s.log.Info("gateway listening", "addr", s.http.Addr)
	err := s.http.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}

func (s *Server) health(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}
