// Package server sets up the HTTP server, router, and all route definitions.
//
// This package is the composition root: it opens the store, builds the
// services and the background workers (dispatch queue, janitor), wires the
// handlers to routes, and owns their lifecycles.
//
// DEPENDENCY FLOW:
//
//	config → sqlite.DB → services → handlers → chi routes
//	                   ↘ dispatch.Queue (sink) ← AuthService enqueues codes
//	                   ↘ Janitor (sessions, codes, permanent-code cache)
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/sakif/clickpay/internal/auth"
	"github.com/sakif/clickpay/internal/config"
	"github.com/sakif/clickpay/internal/dispatch"
	"github.com/sakif/clickpay/internal/handler"
	"github.com/sakif/clickpay/internal/metrics"
	"github.com/sakif/clickpay/internal/middleware"
	"github.com/sakif/clickpay/internal/notify"
	sqliteRepo "github.com/sakif/clickpay/internal/repository/sqlite"
	"github.com/sakif/clickpay/internal/service"
)

const (
	requestTimeout  = 30 * time.Second
	shutdownTimeout = 30 * time.Second
)

// Server represents the HTTP server and all its dependencies.
//
// RESOURCE MANAGEMENT:
// The Server owns the database connection and the background workers. On
// shutdown it stops accepting requests first, then stops the workers, then
// closes the database so no worker writes to a closed handle.
type Server struct {
	router  *chi.Mux
	config  *config.Config
	logger  *slog.Logger
	db      *sqliteRepo.DB
	queue   *dispatch.Queue
	janitor *service.Janitor

	closeOnce sync.Once
	closeErr  error
}

// New opens the database and wires every component. sink receives the
// notifications drained from the dispatch queue.
func New(cfg *config.Config, logger *slog.Logger, sink notify.Sink) (*Server, error) {
	db, err := sqliteRepo.New(cfg.DB.Path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	s := &Server{
		router: chi.NewRouter(),
		config: cfg,
		logger: logger,
		db:     db,
	}

	if err := s.setupRoutes(sink); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting up routes: %w", err)
	}
	return s, nil
}

// setupRoutes builds the services and configures all routes.
//
// ROUTE STRUCTURE:
//
//	GET  /healthz, /metrics                       public
//	POST /api/auth/{register,verify-email,resend-code,login,verify-login,logout}
//	                                              public, rate limited
//	GET  /api/auth/me                             session
//	GET  /api/posts, POST /api/posts/{id}/click   session
//	GET  /api/clicks                              session
//	GET  /api/withdrawals, POST /api/withdrawals  session
//	/api/admin/*                                  session + admin
//
// MIDDLEWARE ORDER MATTERS:
// RequestID must precede Logger (the id is logged), RealIP must precede the
// rate limiter (it keys on the client address), Recoverer sits inside
// Logger so a recovered panic is still logged as a 500.
func (s *Server) setupRoutes(sink notify.Sink) error {
	cfg := s.config

	tokens, err := auth.NewTokenService(cfg.Session.Secret)
	if err != nil {
		return fmt.Errorf("creating token service: %w", err)
	}
	cookie := auth.Cookie{Name: auth.DefaultCookieName, Secure: cfg.Session.SecureCookie}
	cache := auth.NewCodeCache(cfg.Codes.CacheTTL)

	s.queue = dispatch.New(sink, dispatch.Config{
		Capacity:    cfg.Dispatch.Capacity,
		Interval:    cfg.Dispatch.Interval,
		BatchSize:   cfg.Dispatch.BatchSize,
		Concurrency: cfg.Dispatch.Concurrency,
		MaxAttempts: cfg.Dispatch.MaxAttempts,
		SendTimeout: cfg.Dispatch.SendTimeout,
	}, s.logger)
	s.janitor = service.NewJanitor(s.db, cache, cfg.Session.SweepInterval, s.logger)

	// === SERVICES ===
	authService := service.NewAuthService(s.db, tokens, auth.NewCodeHasher(cfg.Codes.BcryptCost), cache, s.queue, service.AuthConfig{
		SessionTTL:      cfg.Session.TTL,
		RegisterCodeTTL: cfg.Codes.RegisterTTL,
		LoginCodeTTL:    cfg.Codes.LoginTTL,
		MaxCodeAttempts: cfg.Codes.MaxAttempts,
	}, s.logger)
	settlementService := service.NewSettlementService(s.db, cfg.Settlement.EnforceTargeting, s.logger)
	withdrawalService := service.NewWithdrawalService(s.db, s.logger)
	adminService := service.NewAdminService(s.db, cache, s.logger)

	// === HANDLERS ===
	healthHandler := handler.NewHealthHandler(s.db, s.logger)
	authHandler := handler.NewAuthHandler(authService, tokens, cookie, s.logger)
	postHandler := handler.NewPostHandler(settlementService, s.logger)
	withdrawalHandler := handler.NewWithdrawalHandler(withdrawalService, s.logger)
	adminHandler := handler.NewAdminHandler(adminService, withdrawalService, s.logger)

	requireSession := auth.RequireSession(tokens, authService, cookie)
	authLimiter := middleware.NewRateLimiter(cfg.RateLimit.AuthPerMinute, cfg.RateLimit.AuthBurst)

	// === Global Middleware ===
	s.router.Use(chimiddleware.RequestID)
	s.router.Use(chimiddleware.RealIP)
	s.router.Use(middleware.Logger(s.logger))
	s.router.Use(chimiddleware.Recoverer)
	s.router.Use(chimiddleware.Timeout(requestTimeout))

	s.router.Get("/healthz", healthHandler.HandleHealth)
	s.router.Handle("/metrics", promhttp.HandlerFor(metrics.Registry(), promhttp.HandlerOpts{}))

	s.router.Route("/api", func(r chi.Router) {
		r.Route("/auth", func(r chi.Router) {
			r.Group(func(r chi.Router) {
				r.Use(authLimiter.Middleware(s.logger))
				r.Post("/register", authHandler.HandleRegister)
				r.Post("/verify-email", authHandler.HandleVerifyEmail)
				r.Post("/resend-code", authHandler.HandleResendCode)
				r.Post("/login", authHandler.HandleLogin)
				r.Post("/verify-login", authHandler.HandleVerifyLogin)
			})
			r.Post("/logout", authHandler.HandleLogout)
			r.With(requireSession).Get("/me", authHandler.HandleMe)
		})

		r.Group(func(r chi.Router) {
			r.Use(requireSession)

			r.Get("/posts", postHandler.HandleList)
			r.Post("/posts/{id}/click", postHandler.HandleClick)
			r.Get("/clicks", postHandler.HandleHistory)

			r.Get("/withdrawals", withdrawalHandler.HandleList)
			r.Post("/withdrawals", withdrawalHandler.HandleCreate)

			r.Route("/admin", func(r chi.Router) {
				r.Use(auth.RequireAdmin)

				r.Get("/posts", adminHandler.HandleListPosts)
				r.Post("/posts", adminHandler.HandleCreatePost)
				r.Patch("/posts/{id}", adminHandler.HandleTogglePost)
				r.Delete("/posts/{id}", adminHandler.HandleDeletePost)

				r.Get("/users", adminHandler.HandleListUsers)
				r.Patch("/users/{id}", adminHandler.HandleUpdateUser)
				r.Delete("/users/{id}", adminHandler.HandleDeleteUser)

				r.Get("/withdrawals", adminHandler.HandleListWithdrawals)
				r.Post("/withdrawals/{id}/resolve", adminHandler.HandleResolveWithdrawal)

				r.Get("/clicks", adminHandler.HandleListClicks)
				r.Get("/batches", adminHandler.HandleListBatches)
			})
		})
	})

	return nil
}

// Handler exposes the router, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Store exposes the database, mainly for tests and admin tooling.
func (s *Server) Store() *sqliteRepo.DB {
	return s.db
}

// StartWorkers launches the dispatch queue and the janitor.
func (s *Server) StartWorkers() {
	s.queue.Start()
	s.janitor.Start()
}

// Close stops the workers and closes the database. Safe to call more than
// once.
func (s *Server) Close() error {
	s.closeOnce.Do(func() {
		s.janitor.Stop()
		s.queue.Stop()
		s.closeErr = s.db.Close()
	})
	return s.closeErr
}

// Start runs the HTTP server until SIGINT/SIGTERM, then shuts down
// gracefully:
//  1. stop accepting connections and drain in-flight requests
//  2. stop the janitor and the dispatch queue
//  3. close the database
func (s *Server) Start() error {
	defer func() {
		if err := s.Close(); err != nil {
			s.logger.Error("closing resources", slog.String("error", err.Error()))
		}
	}()

	s.StartWorkers()

	srv := &http.Server{
		Addr:         ":" + s.config.App.Port,
		Handler:      s.router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: requestTimeout + 5*time.Second,
		IdleTimeout:  60 * time.Second,
	}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(quit)

	serverErrors := make(chan error, 1)
	go func() {
		s.logger.Info("server starting",
			slog.String("port", s.config.App.Port),
			slog.String("database", s.config.DB.Path),
		)
		serverErrors <- srv.ListenAndServe()
	}()

	select {
	case err := <-serverErrors:
		if !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}

	case sig := <-quit:
		s.logger.Info("shutdown signal received", slog.String("signal", sig.String()))

		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()

		if err := srv.Shutdown(ctx); err != nil {
			return fmt.Errorf("graceful shutdown failed: %w", err)
		}
		s.logger.Info("server stopped gracefully")
	}

	return nil
}
