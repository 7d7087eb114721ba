// Package server wires the application together: database, services,
// handlers, middleware and routes, plus the serve loop with graceful
// shutdown. All dependency composition happens here so main stays
// minimal.
package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"

	"github.com/sakif/trade-accounting/internal/auth"
	"github.com/sakif/trade-accounting/internal/handler"
	"github.com/sakif/trade-accounting/internal/middleware"
	"github.com/sakif/trade-accounting/internal/notify"
	sqliteRepo "github.com/sakif/trade-accounting/internal/repository/sqlite"
	"github.com/sakif/trade-accounting/internal/service"
)

// Config holds everything the server needs from the environment.
type Config struct {
	Port      int
	DBPath    string
	JWTSecret string

	// Bootstrap admin, created only when the user table is empty.
	AdminUsername string
	AdminPassword string

	// Sentry webhook relay. Empty values disable the relay route's
	// Telegram side; the signature check always applies.
	WebhookSecret    string
	TelegramBotToken string
	TelegramChatID   string
}

// Server owns the router and the database connection. The connection
// is closed during shutdown so the WAL is flushed cleanly.
type Server struct {
	router *chi.Mux
	config Config
	logger *slog.Logger
	db     *sqliteRepo.DB
}

// New assembles the full dependency chain: database, repositories,
// services, handlers, routes. The bootstrap admin is ensured before
// the server starts listening.
func New(cfg Config, logger *slog.Logger) (*Server, error) {
	db, err := sqliteRepo.New(cfg.DBPath)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	s := &Server{
		router: chi.NewRouter(),
		config: cfg,
		logger: logger,
		db:     db,
	}

	if err := s.setupRoutes(); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting up routes: %w", err)
	}
	return s, nil
}

func (s *Server) setupRoutes() error {
	s.router.Use(chimiddleware.RequestID)
	s.router.Use(chimiddleware.RealIP)
	s.router.Use(chimiddleware.Recoverer)
	s.router.Use(middleware.Logger(s.logger))

	tokens, err := auth.NewTokenService(s.config.JWTSecret)
	if err != nil {
		return err
	}
	passwords := auth.NewPasswordService()

	// One sqlite.DB value backs every repository interface.
	itemService := service.NewItemService(s.db, s.db, s.db, s.logger)
	calcService := service.NewCalculationService(s.db, s.db, s.db, s.logger)
	authService := service.NewAuthService(s.db, passwords, tokens, s.logger)
	userService := service.NewUserService(s.db, passwords, s.logger)

	if err := userService.EnsureAdmin(context.Background(),
		s.config.AdminUsername, s.config.AdminPassword); err != nil {
		return fmt.Errorf("ensuring bootstrap admin: %w", err)
	}

	itemHandler := handler.NewItemHandler(itemService, s.logger)
	calcHandler := handler.NewCalculationHandler(calcService, s.logger)
	authHandler := handler.NewAuthHandler(authService, s.logger)
	userHandler := handler.NewUserHandler(userService, s.logger)

	var telegram *notify.TelegramClient
	if s.config.TelegramBotToken != "" && s.config.TelegramChatID != "" {
		telegram = notify.NewTelegramClient(s.config.TelegramBotToken, s.config.TelegramChatID, s.logger)
	}
	webhookHandler := handler.NewWebhookHandler(s.config.WebhookSecret, telegram, s.logger)

	// Signature-authenticated, so outside the JWT chain.
	s.router.Post("/webhooks/sentry", webhookHandler.HandleSentry)

	s.router.Route("/api", func(r chi.Router) {
		r.Post("/auth/login", authHandler.HandleLogin)
		r.Post("/auth/logout", authHandler.HandleLogout)

		// Everything below requires a valid token.
		r.Group(func(r chi.Router) {
			r.Use(auth.RequireAuth(tokens))

			r.Get("/auth/me", authHandler.HandleMe)

			r.Get("/items", itemHandler.HandleList)
			r.Post("/items", itemHandler.HandleCreate)
			r.Get("/items/import-template", itemHandler.HandleImportTemplate)
			r.Post("/items/import", itemHandler.HandleImport)
			r.Get("/items/{id}", itemHandler.HandleGet)
			r.Put("/items/{id}", itemHandler.HandleUpdate)
			r.Delete("/items/{id}", itemHandler.HandleDelete)

			r.Get("/price-history", itemHandler.HandlePriceHistory)

			r.Get("/calculations", calcHandler.HandleList)
			r.Post("/calculations", calcHandler.HandleCreate)
			r.Post("/calculations/export", calcHandler.HandleExport)
			r.Get("/calculations/{id}", calcHandler.HandleGet)
			r.Put("/calculations/{id}", calcHandler.HandleUpdate)
			r.Delete("/calculations/{id}", calcHandler.HandleDelete)
			r.Post("/calculations/{id}/copy", calcHandler.HandleCopy)
			r.Post("/calculations/{id}/snapshot", calcHandler.HandleFreeze)

			r.Get("/snapshots", calcHandler.HandleListSnapshots)
			r.Get("/snapshots/{id}", calcHandler.HandleGetSnapshot)

			// Account management is admin territory.
			r.Route("/users", func(r chi.Router) {
				r.Use(auth.RequireAdmin)
				r.Get("/", userHandler.HandleList)
				r.Post("/", userHandler.HandleCreate)
				r.Get("/{id}", userHandler.HandleGet)
				r.Put("/{id}", userHandler.HandleUpdate)
				r.Delete("/{id}", userHandler.HandleDelete)
			})
		})
	})

	return nil
}

// Router exposes the composed handler, mainly for tests.
func (s *Server) Router() http.Handler {
	return s.router
}

// Start runs the HTTP server until a shutdown signal arrives, then
// drains in-flight requests and closes the database.
func (s *Server) Start() error {
	defer s.db.Close()

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", s.config.Port),
		Handler:      s.router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	serverErrors := make(chan error, 1)
	go func() {
		s.logger.Info("server starting",
			slog.Int("port", s.config.Port),
			slog.String("database", s.config.DBPath),
		)
		serverErrors <- srv.ListenAndServe()
	}()

	select {
	case err := <-serverErrors:
		if err != http.ErrServerClosed {
			return fmt.Errorf("server error: %w", err)
		}

	case sig := <-quit:
		s.logger.Info("shutdown signal received", slog.String("signal", sig.String()))

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		if err := srv.Shutdown(ctx); err != nil {
			return fmt.Errorf("graceful shutdown failed: %w", err)
		}
		s.logger.Info("server stopped gracefully")
	}

	return nil
}
