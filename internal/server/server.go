// Package server exposes the reconciliation reports and the trade workflow
// over HTTP.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"brokerhub/internal/aggregate"
	"brokerhub/internal/config"
	"brokerhub/internal/execution"
	"brokerhub/internal/models"
	"brokerhub/internal/pricechain"
	"brokerhub/internal/provider"
	"go.uber.org/zap"
)

// APIServer provides the HTTP interface over the aggregation pipeline and
// the execution service.
type APIServer struct {
	server     *http.Server
	cfg        *config.Config
	aggregator *aggregate.Aggregator
	executor   *execution.Service
	prices     *pricechain.Resolver
	registry   *provider.Registry
	logger     *zap.Logger
	startTime  time.Time
}

// NewAPIServer creates a new APIServer listening on the configured port.
func NewAPIServer(cfg *config.Config, aggregator *aggregate.Aggregator, executor *execution.Service, prices *pricechain.Resolver, registry *provider.Registry, logger *zap.Logger) *APIServer {
	s := &APIServer{
		cfg:        cfg,
		aggregator: aggregator,
		executor:   executor,
		prices:     prices,
		registry:   registry,
		logger:     logger.Named("api-server"),
		startTime:  time.Now(),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", s.healthHandler)
	mux.HandleFunc("GET /status", s.statusHandler)
	mux.HandleFunc("GET /api/report", s.reportHandler)
	mux.HandleFunc("GET /api/positions", s.positionsHandler)
	mux.HandleFunc("GET /api/prices", s.pricesHandler)
	mux.HandleFunc("POST /api/trades/preview", s.previewHandler)
	mux.HandleFunc("POST /api/trades/execute", s.executeHandler)
	mux.HandleFunc("POST /api/orders/{id}/cancel", s.cancelHandler)
	mux.HandleFunc("GET /api/orders", s.ordersHandler)
	mux.HandleFunc("GET /api/orders/{id}", s.orderHandler)

	s.server = &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Server.Port),
		Handler: mux,
	}
	return s
}

// Start runs the HTTP server in a new goroutine.
func (s *APIServer) Start() {
	s.logger.Info("Starting API server", zap.String("address", s.server.Addr))
	go func() {
		if err := s.server.ListenAndServe(); err != http.ErrServerClosed {
			s.logger.Error("API server failed", zap.Error(err))
		}
	}()
}

// Stop gracefully shuts down the server.
func (s *APIServer) Stop(ctx context.Context) error {
	s.logger.Info("Stopping API server...")
	return s.server.Shutdown(ctx)
}

// Handler returns the routed handler for tests.
func (s *APIServer) Handler() http.Handler { return s.server.Handler }

// userID scopes requests to a caller. Authentication proper sits in front of
// this service; the header is trusted.
func userID(r *http.Request) string {
	if id := r.Header.Get("X-User-ID"); id != "" {
		return id
	}
	return "local"
}

func (s *APIServer) writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		s.logger.Error("Failed to write response", zap.Error(err))
	}
}

type errorResponse struct {
	Error string `json:"error"`
}

// writeError maps service errors onto HTTP statuses.
func (s *APIServer) writeError(w http.ResponseWriter, err error) {
	var vErr *execution.ValidationError
	var unknownErr *provider.UnknownProviderError

	status := http.StatusInternalServerError
	switch {
	case errors.As(err, &vErr), errors.As(err, &unknownErr):
		status = http.StatusBadRequest
	case errors.Is(err, execution.ErrTradingDisabled),
		errors.Is(err, execution.ErrUnauthorizedAccount):
		status = http.StatusForbidden
	case errors.Is(err, execution.ErrPreviewNotFound),
		errors.Is(err, execution.ErrOrderNotFound):
		status = http.StatusNotFound
	case errors.Is(err, execution.ErrPreviewExpired),
		errors.Is(err, execution.ErrPreviewConsumed),
		errors.Is(err, execution.ErrOrderTerminal):
		status = http.StatusConflict
	}
	s.writeJSON(w, status, errorResponse{Error: err.Error()})
}

func (s *APIServer) healthHandler(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	fmt.Fprintln(w, "OK")
}

func (s *APIServer) statusHandler(w http.ResponseWriter, r *http.Request) {
	providers := make([]string, 0)
	for _, p := range s.registry.TransactionProviders() {
		providers = append(providers, p.Name())
	}

	status := struct {
		TradingEnabled bool     `json:"trading_enabled"`
		DryRun         bool     `json:"dry_run"`
		Providers      []string `json:"providers"`
		StartTime      string   `json:"start_time"`
		Uptime         string   `json:"uptime"`
	}{
		TradingEnabled: s.cfg.Trading.Enabled,
		DryRun:         s.cfg.Trading.DryRun,
		Providers:      providers,
		StartTime:      s.startTime.Format(time.RFC3339),
		Uptime:         time.Since(s.startTime).String(),
	}
	s.writeJSON(w, http.StatusOK, status)
}

// fetchParams reads the optional account/start/end query parameters.
func (s *APIServer) fetchParams(r *http.Request) (provider.FetchParams, error) {
	params := provider.FetchParams{
		UserID:    userID(r),
		AccountID: r.URL.Query().Get("account"),
	}
	if v := r.URL.Query().Get("start"); v != "" {
		start, err := time.Parse("2006-01-02", v)
		if err != nil {
			return params, fmt.Errorf("invalid start date %q", v)
		}
		params.Start = start
	}
	if v := r.URL.Query().Get("end"); v != "" {
		end, err := time.Parse("2006-01-02", v)
		if err != nil {
			return params, fmt.Errorf("invalid end date %q", v)
		}
		params.End = end
	}
	return params, nil
}

func (s *APIServer) reportHandler(w http.ResponseWriter, r *http.Request) {
	params, err := s.fetchParams(r)
	if err != nil {
		s.writeJSON(w, http.StatusBadRequest, errorResponse{Error: err.Error()})
		return
	}
	s.writeJSON(w, http.StatusOK, s.aggregator.Run(r.Context(), params))
}

func (s *APIServer) positionsHandler(w http.ResponseWriter, r *http.Request) {
	params, err := s.fetchParams(r)
	if err != nil {
		s.writeJSON(w, http.StatusBadRequest, errorResponse{Error: err.Error()})
		return
	}
	positions, failures := s.aggregator.Positions(r.Context(), params)
	s.writeJSON(w, http.StatusOK, struct {
		Positions        []models.Position           `json:"positions"`
		ProviderFailures []aggregate.ProviderFailure `json:"provider_failures,omitempty"`
	}{Positions: positions, ProviderFailures: failures})
}

func (s *APIServer) pricesHandler(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	symbol := query.Get("symbol")
	if symbol == "" {
		s.writeJSON(w, http.StatusBadRequest, errorResponse{Error: "symbol is required"})
		return
	}
	instrumentType := query.Get("type")
	if instrumentType == "" {
		instrumentType = models.InstrumentEquity
	}

	end := time.Now()
	start := end.AddDate(-1, 0, 0)
	if v := query.Get("start"); v != "" {
		if parsed, err := time.Parse("2006-01-02", v); err == nil {
			start = parsed
		}
	}
	if v := query.Get("end"); v != "" {
		if parsed, err := time.Parse("2006-01-02", v); err == nil {
			end = parsed
		}
	}

	resolution := s.prices.Resolve(r.Context(), provider.PriceRequest{
		Symbol:         symbol,
		InstrumentType: instrumentType,
		Start:          start,
		End:            end,
	})

	type priceAttempt struct {
		Provider string `json:"provider"`
		Outcome  string `json:"outcome"`
		Error    string `json:"error,omitempty"`
	}
	attempts := make([]priceAttempt, 0, len(resolution.Attempts))
	for _, a := range resolution.Attempts {
		attempt := priceAttempt{Provider: a.Provider, Outcome: a.Outcome}
		if a.Err != nil {
			attempt.Error = a.Err.Error()
		}
		attempts = append(attempts, attempt)
	}

	s.writeJSON(w, http.StatusOK, struct {
		Series   models.PriceSeries `json:"series"`
		Provider string             `json:"provider,omitempty"`
		Attempts []priceAttempt     `json:"attempts"`
	}{Series: resolution.Series, Provider: resolution.Provider, Attempts: attempts})
}

func (s *APIServer) previewHandler(w http.ResponseWriter, r *http.Request) {
	var req execution.PreviewRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid request body"})
		return
	}
	req.UserID = userID(r)

	preview, err := s.executor.Preview(r.Context(), req)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, preview)
}

func (s *APIServer) executeHandler(w http.ResponseWriter, r *http.Request) {
	var req struct {
		PreviewID string `json:"preview_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.PreviewID == "" {
		s.writeJSON(w, http.StatusBadRequest, errorResponse{Error: "preview_id is required"})
		return
	}

	result, err := s.executor.Execute(r.Context(), req.PreviewID, userID(r))
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, result)
}

func (s *APIServer) cancelHandler(w http.ResponseWriter, r *http.Request) {
	order, err := s.executor.Cancel(r.Context(), r.PathValue("id"), userID(r))
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, order)
}

func (s *APIServer) ordersHandler(w http.ResponseWriter, r *http.Request) {
	orders, err := s.executor.ListOrders(r.Context(), userID(r))
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, orders)
}

func (s *APIServer) orderHandler(w http.ResponseWriter, r *http.Request) {
	order, err := s.executor.GetOrder(r.Context(), r.PathValue("id"), userID(r))
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, order)
}
