// Package admin serves the operator JSON API and the metrics endpoint.
package admin

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"kimp-arb-bot/internal/app"
	"kimp-arb-bot/internal/config"
	"kimp-arb-bot/internal/stats"
)

const (
	tokenHeader     = "X-Admin-Token"
	maxBodyBytes    = 64 << 10
	defaultTrades   = 20
	maxTrades       = 500
	shutdownTimeout = 5 * time.Second
)

// Controller is the engine surface the API drives. *app.Engine satisfies it.
type Controller interface {
	Snapshot() app.Snapshot
	SetEnabled(ctx context.Context, enabled bool)
	SetDryRun(ctx context.Context, dryRun bool) error
	SetStrategyConfig(ctx context.Context, update config.StrategyUpdate) error
	Recent(ctx context.Context, limit int) ([]stats.Trade, error)
}

type Server struct {
	cfg     config.AdminConfig
	engine  Controller
	metrics http.Handler
	log     *zap.Logger
	router  *mux.Router
}

// New builds the router. metrics may be nil; metricsPath is ignored then.
func New(cfg config.AdminConfig, engine Controller, metrics http.Handler, metricsPath string, log *zap.Logger) *Server {
	if log == nil {
		log = zap.NewNop()
	}
	s := &Server{cfg: cfg, engine: engine, metrics: metrics, log: log, router: mux.NewRouter()}
	s.routes(metricsPath)
	return s
}

func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) routes(metricsPath string) {
	s.router.Use(s.requestID)
	s.router.Use(s.logRequests)
	s.router.HandleFunc("/healthz", s.health).Methods(http.MethodGet)
	if s.metrics != nil && metricsPath != "" {
		s.router.Handle(metricsPath, s.metrics).Methods(http.MethodGet)
	}

	api := s.router.PathPrefix("/api").Subrouter()
	api.Use(s.authenticate)
	api.HandleFunc("/status", s.status).Methods(http.MethodGet)
	api.HandleFunc("/snapshot", s.snapshot).Methods(http.MethodGet)
	api.HandleFunc("/market", s.market).Methods(http.MethodGet)
	api.HandleFunc("/stats", s.summary).Methods(http.MethodGet)
	api.HandleFunc("/trades", s.trades).Methods(http.MethodGet)
	api.HandleFunc("/config", s.strategyConfig).Methods(http.MethodGet)
	api.HandleFunc("/trading", s.setTrading).Methods(http.MethodPost)
	api.HandleFunc("/dry-run", s.setDryRun).Methods(http.MethodPost)
	api.HandleFunc("/position-size", s.setPositionSize).Methods(http.MethodPost)
	api.HandleFunc("/strategy", s.updateStrategy).Methods(http.MethodPatch, http.MethodPost)

	s.router.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusNotFound, "not found")
	})
}

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.cfg.Address,
		Handler:           s.router,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		s.log.Info("admin api listening", zap.String("address", s.cfg.Address), zap.Bool("auth", s.cfg.Token != ""))
		errCh <- srv.ListenAndServe()
	}()
	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	return nil
}

func (s *Server) requestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Request-ID", uuid.NewString()[:8])
		next.ServeHTTP(w, r)
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		s.log.Debug("admin request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", rec.status),
			zap.Duration("took", time.Since(start)),
			zap.String("request_id", w.Header().Get("X-Request-ID")),
		)
	})
}

// authenticate accepts the token as a bearer token or in X-Admin-Token. An
// empty configured token disables the check.
func (s *Server) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.cfg.Token == "" {
			next.ServeHTTP(w, r)
			return
		}
		got := r.Header.Get(tokenHeader)
		if bearer, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer "); ok {
			got = bearer
		}
		if subtle.ConstantTimeCompare([]byte(got), []byte(s.cfg.Token)) != 1 {
			writeError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) health(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type statusResponse struct {
	Enabled       bool      `json:"enabled"`
	DryRun        bool      `json:"dry_run"`
	Symbols       []string  `json:"symbols"`
	OpenPositions int       `json:"open_positions"`
	Unresolved    int       `json:"unresolved_executions"`
	CapitalKRW    float64   `json:"capital_krw"`
	LastTick      time.Time `json:"last_tick"`
	GeneratedAt   time.Time `json:"generated_at"`
}

func (s *Server) status(w http.ResponseWriter, _ *http.Request) {
	snap := s.engine.Snapshot()
	writeJSON(w, http.StatusOK, statusResponse{
		Enabled:       snap.Enabled,
		DryRun:        snap.DryRun,
		Symbols:       snap.Symbols,
		OpenPositions: len(snap.Positions),
		Unresolved:    len(snap.Unresolved),
		CapitalKRW:    snap.Strategy.CapitalKRW,
		LastTick:      snap.LastTick,
		GeneratedAt:   snap.GeneratedAt,
	})
}

func (s *Server) snapshot(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.engine.Snapshot())
}

func (s *Server) market(w http.ResponseWriter, _ *http.Request) {
	snap := s.engine.Snapshot()
	writeJSON(w, http.StatusOK, map[string]any{
		"observations": snap.Observations,
		"history":      snap.History,
		"exposure":     snap.Exposure,
	})
}

func (s *Server) summary(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.engine.Snapshot().Stats)
}

func (s *Server) trades(w http.ResponseWriter, r *http.Request) {
	limit := defaultTrades
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = min(n, maxTrades)
	}
	trades, err := s.engine.Recent(r.Context(), limit)
	if err != nil {
		s.log.Error("trade listing failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "trade listing failed")
		return
	}
	if trades == nil {
		trades = []stats.Trade{}
	}
	writeJSON(w, http.StatusOK, trades)
}

func (s *Server) strategyConfig(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.engine.Snapshot().Strategy)
}

func (s *Server) setTrading(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Enabled *bool `json:"enabled"`
	}
	if !decodeBody(w, r, &body) {
		return
	}
	if body.Enabled == nil {
		writeError(w, http.StatusBadRequest, "enabled is required")
		return
	}
	s.engine.SetEnabled(r.Context(), *body.Enabled)
	s.status(w, r)
}

func (s *Server) setDryRun(w http.ResponseWriter, r *http.Request) {
	var body struct {
		DryRun *bool `json:"dry_run"`
	}
	if !decodeBody(w, r, &body) {
		return
	}
	if body.DryRun == nil {
		writeError(w, http.StatusBadRequest, "dry_run is required")
		return
	}
	if err := s.engine.SetDryRun(r.Context(), *body.DryRun); err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, app.ErrLiveTradingUnavailable) {
			status = http.StatusConflict
		}
		writeError(w, status, err.Error())
		return
	}
	s.status(w, r)
}

func (s *Server) setPositionSize(w http.ResponseWriter, r *http.Request) {
	var body struct {
		CapitalKRW *float64 `json:"capital_krw"`
	}
	if !decodeBody(w, r, &body) {
		return
	}
	if body.CapitalKRW == nil {
		writeError(w, http.StatusBadRequest, "capital_krw is required")
		return
	}
	s.applyStrategy(w, r, config.StrategyUpdate{CapitalKRW: body.CapitalKRW})
}

func (s *Server) updateStrategy(w http.ResponseWriter, r *http.Request) {
	var update config.StrategyUpdate
	if !decodeBody(w, r, &update) {
		return
	}
	s.applyStrategy(w, r, update)
}

func (s *Server) applyStrategy(w http.ResponseWriter, r *http.Request, update config.StrategyUpdate) {
	if err := s.engine.SetStrategyConfig(r.Context(), update); err != nil {
		if config.IsValidationError(err) {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		s.log.Error("strategy update failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "strategy update failed")
		return
	}
	s.strategyConfig(w, r)
}

func decodeBody(w http.ResponseWriter, r *http.Request, out any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(out); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json: "+err.Error())
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
