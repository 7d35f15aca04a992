package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"perpcore/internal/core"
	"perpcore/internal/observability"
	"perpcore/internal/perperr"
	"perpcore/internal/query"
)

// HTTPServer serves command submission, projection queries, and operational
// endpoints on one listener.
type HTTPServer struct {
	srv     *http.Server
	logger  zerolog.Logger
	bus     *CommandBus
	queries *query.Service
	health  *observability.HealthChecker
	metrics *observability.Metrics
}

func NewHTTPServer(
	addr string,
	bus *CommandBus,
	queries *query.Service,
	health *observability.HealthChecker,
	metrics *observability.Metrics,
	logger zerolog.Logger,
) *HTTPServer {
	s := &HTTPServer{
		logger:  logger,
		bus:     bus,
		queries: queries,
		health:  health,
		metrics: metrics,
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(30 * time.Second))
	r.Use(s.observe)

	r.Post("/v1/commands", s.handleCommand)

	r.Get("/v1/accounts/{owner}/balances", s.handleListBalances)
	r.Get("/v1/accounts/{owner}/balances/{mint}", s.handleGetBalance)
	r.Get("/v1/accounts/{owner}/positions", s.handleListPositions)
	r.Get("/v1/accounts/{owner}/journal", s.handleJournalHistory)
	r.Get("/v1/pools/{pool}/history", s.handlePoolHistory)
	r.Get("/v1/admin/integrity", s.handleIntegrity)

	r.Get("/healthz", health.LivenessHandler)
	r.Get("/readyz", health.ReadinessHandler)
	r.Handle("/metrics", promhttp.Handler())

	s.srv = &http.Server{
		Addr:         addr,
		Handler:      r,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
	}
	return s
}

func (s *HTTPServer) ListenAndServe() error {
	s.logger.Info().Str("addr", s.srv.Addr).Msg("http server listening")
	return s.srv.ListenAndServe()
}

func (s *HTTPServer) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}

// observe records per-endpoint request counts and latency.
func (s *HTTPServer) observe(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)

		pattern := chi.RouteContext(r.Context()).RoutePattern()
		if pattern == "" {
			pattern = "unmatched"
		}
		s.metrics.RecordQuery(pattern, strconv.Itoa(ww.Status()), time.Since(start))
	})
}

func (s *HTTPServer) handleCommand(w http.ResponseWriter, r *http.Request) {
	var cmd core.Command
	if err := json.NewDecoder(r.Body).Decode(&cmd); err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}

	res, err := s.bus.Submit(&cmd)
	if err != nil {
		s.writeError(w, statusFor(err), err)
		return
	}
	s.writeJSON(w, http.StatusOK, res)
}

func (s *HTTPServer) handleGetBalance(w http.ResponseWriter, r *http.Request) {
	owner := chi.URLParam(r, "owner")
	mint := chi.URLParam(r, "mint")
	res, err := s.queries.GetBalance(r.Context(), owner, mint)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}
	s.writeJSON(w, http.StatusOK, res)
}

func (s *HTTPServer) handleListBalances(w http.ResponseWriter, r *http.Request) {
	owner := chi.URLParam(r, "owner")
	res, err := s.queries.ListBalances(r.Context(), owner)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}
	s.writeJSON(w, http.StatusOK, res)
}

func (s *HTTPServer) handleListPositions(w http.ResponseWriter, r *http.Request) {
	owner := chi.URLParam(r, "owner")
	res, err := s.queries.ListPositions(r.Context(), owner)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}
	s.writeJSON(w, http.StatusOK, res)
}

func (s *HTTPServer) handleJournalHistory(w http.ResponseWriter, r *http.Request) {
	owner := chi.URLParam(r, "owner")
	limit, before := pagination(r)
	res, err := s.queries.GetJournalHistory(r.Context(), owner, limit, before)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}
	s.writeJSON(w, http.StatusOK, res)
}

func (s *HTTPServer) handlePoolHistory(w http.ResponseWriter, r *http.Request) {
	pool := chi.URLParam(r, "pool")
	limit, before := pagination(r)
	res, err := s.queries.GetPoolHistory(r.Context(), pool, limit, before)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}
	s.writeJSON(w, http.StatusOK, res)
}

func (s *HTTPServer) handleIntegrity(w http.ResponseWriter, r *http.Request) {
	report, err := s.queries.VerifyIntegrity(r.Context())
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}
	status := http.StatusOK
	if !report.IsHealthy {
		status = http.StatusConflict
	}
	s.writeJSON(w, status, report)
}

func pagination(r *http.Request) (int, *int64) {
	limit := 100
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 && n <= 1000 {
			limit = n
		}
	}
	var before *int64
	if v := r.URL.Query().Get("before"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			before = &n
		}
	}
	return limit, before
}

func (s *HTTPServer) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Warn().Err(err).Msg("response encode failed")
	}
}

func (s *HTTPServer) writeError(w http.ResponseWriter, status int, err error) {
	s.writeJSON(w, status, map[string]string{"error": err.Error()})
}

// statusFor maps engine rejections onto HTTP status codes. Domain rejections
// are client errors; anything unrecognised is treated as internal.
func statusFor(err error) int {
	switch {
	case errors.Is(err, core.ErrInvalidArgument):
		return http.StatusBadRequest
	case errors.Is(err, core.ErrDuplicateCommand):
		return http.StatusConflict
	case errors.Is(err, perperr.ErrInstructionNotAllowed),
		errors.Is(err, perperr.ErrMultisigAccountNotAuthorized),
		errors.Is(err, perperr.ErrInvalidEnvironment):
		return http.StatusForbidden
	case errors.Is(err, perperr.ErrMultisigAlreadySigned),
		errors.Is(err, perperr.ErrMultisigAlreadyExecuted):
		return http.StatusConflict
	case errors.Is(err, perperr.ErrInsufficientFunds),
		errors.Is(err, perperr.ErrMaxLeverage),
		errors.Is(err, perperr.ErrMaxPriceSlippage),
		errors.Is(err, perperr.ErrMaxUtilization),
		errors.Is(err, perperr.ErrTokenRatioOutOfRange),
		errors.Is(err, perperr.ErrCustodyAmountLimit),
		errors.Is(err, perperr.ErrPositionAmountLimit),
		errors.Is(err, perperr.ErrInsufficientAmountReturned),
		errors.Is(err, perperr.ErrStaleOraclePrice),
		errors.Is(err, perperr.ErrInvalidPositionState),
		errors.Is(err, perperr.ErrInvalidPoolState),
		errors.Is(err, perperr.ErrInvalidCustodyState):
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}
