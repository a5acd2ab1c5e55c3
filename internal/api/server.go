// Package api is the HTTP edge: REST/JSON over the platform services.
// Identity arrives from the authenticating proxy via X-User / X-Roles
// headers; this layer enforces the ADMIN role on writes and approvals.
package api

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/etlmon/backend/internal/approval"
	"github.com/etlmon/backend/internal/backfill"
	"github.com/etlmon/backend/internal/configplan"
	"github.com/etlmon/backend/internal/crypto"
	"github.com/etlmon/backend/internal/lock"
	"github.com/etlmon/backend/internal/middleware"
	"github.com/etlmon/backend/internal/signals"
	"github.com/etlmon/backend/internal/source"
	"github.com/etlmon/backend/internal/store"
)

// Server wires the services into one router.
type Server struct {
	store     *store.Store
	signals   *signals.Service
	backfills *backfill.Service
	workflow  *approval.Workflow
	plans     *configplan.Service
	sources   *source.Registry
	locks     *lock.Manager
	codec     *crypto.FieldCodec
	limiter   *middleware.RateLimiter
	logger    *log.Logger

	httpServer *http.Server
}

// NewServer builds the edge.
func NewServer(st *store.Store, sig *signals.Service, bf *backfill.Service,
	wf *approval.Workflow, plans *configplan.Service, src *source.Registry,
	locks *lock.Manager, codec *crypto.FieldCodec) *Server {
	return &Server{
		store:     st,
		signals:   sig,
		backfills: bf,
		workflow:  wf,
		plans:     plans,
		sources:   src,
		locks:     locks,
		codec:     codec,
		limiter:   middleware.NewRateLimiter(middleware.RateLimitConfig{}),
		logger:    log.New(log.Writer(), "[API] ", log.LstdFlags),
	}
}

// Router builds the full route table.
func (s *Server) Router() *mux.Router {
	r := mux.NewRouter()
	r.Use(s.principalMiddleware)

	r.HandleFunc("/healthz", s.handleHealth).Methods("GET")
	r.Handle("/metrics", promhttp.Handler()).Methods("GET")

	api := r.PathPrefix("/api").Subrouter()
	api.Use(s.limiter.Middleware)

	// Loaders
	api.HandleFunc("/loaders", s.handleListLoaders).Methods("GET")
	api.HandleFunc("/loaders", s.handleCreateLoader).Methods("POST")
	api.HandleFunc("/loaders/test-query", s.handleTestQuery).Methods("POST")
	api.HandleFunc("/loaders/{code}", s.handleGetLoader).Methods("GET")
	api.HandleFunc("/loaders/{code}", s.handleUpdateLoader).Methods("PUT")
	api.HandleFunc("/loaders/{code}", s.handleDeleteLoader).Methods("DELETE")
	api.HandleFunc("/loaders/{code}/enable", s.handleEnableLoader).Methods("POST")
	api.HandleFunc("/loaders/{code}/disable", s.handleDisableLoader).Methods("POST")
	api.HandleFunc("/loaders/{code}/stats", s.handleLoaderStats).Methods("GET")
	api.HandleFunc("/loaders/{code}/activity", s.handleLoaderActivity).Methods("GET")
	api.HandleFunc("/loaders/{code}/versions", s.handleLoaderVersions).Methods("GET")
	api.HandleFunc("/loaders/{code}/segments", s.handleLoaderSegments).Methods("GET")

	// Approvals
	api.HandleFunc("/approvals", s.handleListApprovals).Methods("GET")
	api.HandleFunc("/approvals", s.handleSubmitApproval).Methods("POST")
	api.HandleFunc("/approvals/{id:[0-9]+}", s.handleGetApproval).Methods("GET")
	api.HandleFunc("/approvals/{id:[0-9]+}/actions", s.handleApprovalActions).Methods("GET")
	api.HandleFunc("/approvals/{id:[0-9]+}/approve", s.handleApprove).Methods("POST")
	api.HandleFunc("/approvals/{id:[0-9]+}/reject", s.handleReject).Methods("POST")
	api.HandleFunc("/approvals/{id:[0-9]+}/resubmit", s.handleResubmit).Methods("POST")
	api.HandleFunc("/approvals/{id:[0-9]+}/revoke", s.handleRevoke).Methods("POST")

	// Backfills
	api.HandleFunc("/backfills", s.handleListBackfills).Methods("GET")
	api.HandleFunc("/backfills", s.handleSubmitBackfill).Methods("POST")
	api.HandleFunc("/backfills/{id:[0-9]+}", s.handleGetBackfill).Methods("GET")
	api.HandleFunc("/backfills/{id:[0-9]+}/cancel", s.handleCancelBackfill).Methods("POST")
	api.HandleFunc("/backfills/{id:[0-9]+}/execute", s.handleExecuteBackfill).Methods("POST")

	// Signals
	api.HandleFunc("/signals", s.handleQuerySignals).Methods("GET")
	api.HandleFunc("/signals", s.handleAppendSignal).Methods("POST")
	api.HandleFunc("/signals/bulk", s.handleBulkAppendSignals).Methods("POST")

	// Source databases
	api.HandleFunc("/sources", s.handleListSources).Methods("GET")
	api.HandleFunc("/sources", s.handleCreateSource).Methods("POST")
	api.HandleFunc("/sources/{code}", s.handleGetSource).Methods("GET")
	api.HandleFunc("/sources/{code}", s.handleUpdateSource).Methods("PUT")
	api.HandleFunc("/sources/{code}", s.handleDeleteSource).Methods("DELETE")
	api.HandleFunc("/sources/{code}/reload", s.handleReloadSource).Methods("POST")
	api.HandleFunc("/sources/{code}/ping", s.handlePingSource).Methods("GET")

	// Config plans
	api.HandleFunc("/config/{parent}", s.handleActiveConfig).Methods("GET")
	api.HandleFunc("/config/{parent}/plans", s.handleListPlans).Methods("GET")
	api.HandleFunc("/config/{parent}/plans", s.handleCreatePlan).Methods("POST")
	api.HandleFunc("/config/{parent}/plans/{name}/activate", s.handleActivatePlan).Methods("POST")

	// Locks
	api.HandleFunc("/locks", s.handleListLocks).Methods("GET")

	return r
}

// Start serves the router until Shutdown.
func (s *Server) Start(port int) error {
	s.httpServer = &http.Server{
		Addr:         fmt.Sprintf(":%d", port),
		Handler:      s.Router(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 60 * time.Second,
	}
	s.logger.Printf("listening on %s", s.httpServer.Addr)
	err := s.httpServer.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	s.limiter.Stop()
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
