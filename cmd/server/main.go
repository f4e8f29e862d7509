package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/liamcoop/hearth/familyengine"
	"github.com/liamcoop/hearth/household"
	"github.com/liamcoop/hearth/internal/logger"
	"github.com/liamcoop/hearth/internal/metrics"
	"github.com/liamcoop/hearth/rules"
	_ "github.com/lib/pq"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type Server struct {
	ping      func(ctx context.Context) error
	household household.Store
	manager   *familyengine.Manager
	hooks     *rules.Hooks
	scheduler *familyengine.Scheduler
	cfg       Config
	router    *chi.Mux
}

func NewServer(cfg Config) (*Server, error) {
	db, err := sql.Open("postgres", cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return NewServerWithDB(db, cfg)
}

// NewServerWithDB builds a server on an open database and loads every
// family's engine.
func NewServerWithDB(db *sql.DB, cfg Config) (*Server, error) {
	s := newServer(household.NewPostgresStore(db), familyengine.PostgresStores(db), db.PingContext, cfg)

	logger.Info("loading families from database")
	if err := s.manager.LoadAllFamilies(context.Background()); err != nil {
		return nil, fmt.Errorf("failed to load families: %w", err)
	}
	return s, nil
}

func newServer(hh household.Store, stores familyengine.StoreFactory, ping func(context.Context) error, cfg Config) *Server {
	if cfg.Location == nil {
		cfg.Location = time.UTC
	}
	manager := familyengine.NewManager(stores, hh, rules.EngineOptions{LogSkipped: cfg.LogSkippedRules})
	birthdayHour := cfg.BirthdayHour

	s := &Server{
		ping:      ping,
		household: hh,
		manager:   manager,
		hooks:     rules.NewHooks(manager),
		scheduler: familyengine.NewScheduler(manager, hh, familyengine.SchedulerOptions{
			Location:     cfg.Location,
			BirthdayHour: &birthdayHour,
		}),
		cfg: cfg,
	}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))
	r.Use(instrument)
	if len(s.cfg.CORSAllowedOrigins) > 0 {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins:   s.cfg.CORSAllowedOrigins,
			AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
			AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", headerMemberID, headerMemberRole},
			AllowCredentials: true,
		}))
	}

	r.Get("/api/v1/health", s.handleHealth)
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/templates", s.handleListTemplates)
		r.Get("/templates/{templateId}", s.handleGetTemplate)

		r.Post("/cron/evaluate-time-rules", s.handleCronSweep)

		r.Route("/families/{familyId}", func(r chi.Router) {
			r.Post("/events/{triggerType}", s.handleEvent)

			r.Get("/rules", s.handleListRules)
			r.With(requireParent).Post("/rules", s.handleCreateRule)
			r.With(requireParent).Post("/templates/{templateId}/instantiate", s.handleInstantiateTemplate)

			r.Route("/rules/{ruleId}", func(r chi.Router) {
				r.Get("/", s.handleGetRule)
				r.Get("/executions", s.handleListExecutions)
				r.Get("/stats", s.handleRuleStats)
				r.Post("/test", s.handleDryRun)

				r.Group(func(r chi.Router) {
					r.Use(requireParent)
					r.Put("/", s.handleUpdateRule)
					r.Delete("/", s.handleDeleteRule)
					r.Post("/toggle", s.handleToggleRule)
				})
			})
		})
	})

	s.router = r
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// instrument counts requests by route pattern and flags slow ones.
func instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		route := "unmatched"
		if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
			route = rctx.RoutePattern()
		}
		metrics.HTTPRequests.WithLabelValues(r.Method, route, strconv.Itoa(ww.Status())).Inc()
		if elapsed := time.Since(start); elapsed > 2*time.Second {
			logger.WarnEvent(logger.EventSlowRequest, "slow request", "method", r.Method, "route", route, "duration", elapsed.String())
		}
	})
}

// Health check handler
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if s.ping != nil {
		if err := s.ping(r.Context()); err != nil {
			respondJSON(w, http.StatusServiceUnavailable, map[string]string{
				"status": "unhealthy",
				"error":  err.Error(),
			})
			return
		}
	}

	respondJSON(w, http.StatusOK, map[string]any{
		"status":         "healthy",
		"familiesLoaded": len(s.manager.ListFamilies()),
	})
}

// Helper functions
func respondJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func respondError(w http.ResponseWriter, status int, message string, err error) {
	response := map[string]any{
		"error": message,
	}
	var verr *rules.ValidationError
	switch {
	case errors.As(err, &verr):
		response["errors"] = verr.Errors
	case err != nil:
		response["details"] = err.Error()
	}

	if status >= 500 {
		logger.ErrorEvent(logger.EventHTTP5xx, message, "status", status, "error", err)
	} else {
		logger.Count(logger.EventHTTP4xx)
	}
	respondJSON(w, status, response)
}

// respondEngineError maps engine sentinels to status codes.
func respondEngineError(w http.ResponseWriter, message string, err error) {
	switch {
	case errors.Is(err, rules.ErrInvalidRule):
		respondError(w, http.StatusBadRequest, message, err)
	case errors.Is(err, rules.ErrRuleNotFound), errors.Is(err, rules.ErrTemplateNotFound),
		errors.Is(err, familyengine.ErrFamilyNotFound):
		respondError(w, http.StatusNotFound, message, err)
	case errors.Is(err, rules.ErrRuleExists):
		respondError(w, http.StatusConflict, message, err)
	default:
		respondError(w, http.StatusInternalServerError, message, err)
	}
}

func main() {
	cfg, err := LoadConfig()
	if err != nil {
		logger.Fatal("invalid configuration", "error", err)
	}

	server, err := NewServer(cfg)
	if err != nil {
		logger.Fatal("failed to create server", "error", err)
	}

	httpServer := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      server,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		logger.Info("server starting", "port", cfg.Port)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("server failed", "error", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("shutting down server")
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := httpServer.Shutdown(ctx); err != nil {
		logger.Error("server forced to shutdown", "error", err)
	}
	server.hooks.Wait()
	if err := logger.Shutdown(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "failed to flush logs: %v\n", err)
	}
}
