// Пакет server — HTTP-сервер Groups Module с graceful shutdown.
// Без TLS — HTTP внутри кластера, TLS termination на API Gateway.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/bigkaa/goartstore/groups-module/internal/api/handlers"
	"github.com/bigkaa/goartstore/groups-module/internal/api/middleware"
	"github.com/bigkaa/goartstore/groups-module/internal/config"
)

// Server — HTTP-сервер Groups Module.
type Server struct {
	httpServer *http.Server
	logger     *slog.Logger
	cfg        *config.Config
}

// New создаёт новый HTTP-сервер с настроенными routes и middleware.
// jwtAuth — JWT middleware (может быть nil для тестирования без auth).
func New(cfg *config.Config, logger *slog.Logger, handler *handlers.APIHandler, jwtAuth *middleware.JWTAuth) *Server {
	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      NewRouter(logger, handler, jwtAuth),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 120 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	return &Server{
		httpServer: srv,
		logger:     logger,
		cfg:        cfg,
	}
}

// NewRouter регистрирует маршруты API на chi-роутере.
func NewRouter(logger *slog.Logger, h *handlers.APIHandler, jwtAuth *middleware.JWTAuth) http.Handler {
	router := chi.NewRouter()

	// Глобальные middleware (применяются ко ВСЕМ маршрутам)
	router.Use(middleware.MetricsMiddleware())
	router.Use(middleware.RequestLogger(logger))

	// Health и metrics проверяются Kubernetes напрямую, без JWT.
	if jwtAuth != nil {
		router.Use(jwtAuthWithExclusions(jwtAuth, "/health/", "/metrics"))
	}

	router.Get("/health/live", h.HealthLive)
	router.Get("/health/ready", h.HealthReady)
	router.Get("/metrics", h.GetMetrics)

	router.Route("/api/v1", func(r chi.Router) {
		r.Post("/transfer", h.Transfer)

		r.Route("/groups", func(r chi.Router) {
			r.Post("/", h.CreateGroup)
			r.Post("/reserve/{group}", h.ReserveGroup)
			r.With(middleware.RequireSudo()).Get("/inactive", h.ListInactive)
			r.With(middleware.RequireSudo()).Delete("/inactive/{group}", h.DeleteInactive)

			r.Route("/{group}", func(r chi.Router) {
				r.Put("/trust", h.ChangeTrust)

				r.Get("/members", h.ListMembers)
				r.Post("/members", h.AddMember)
				r.Delete("/members/{user}", h.RemoveMember)
				r.Put("/members/{user}/expiration", h.RenewMember)

				r.Post("/admins", h.AddAdmin)
				r.Delete("/admins/{user}", h.RemoveAdmin)
				r.Post("/curators", h.AddCurator)
				r.Delete("/curators/{user}", h.RemoveCurator)
				r.Get("/curators/emails", h.CuratorEmails)
			})
		})

		r.Route("/requests/{group}", func(r chi.Router) {
			r.Get("/", h.ListRequests)
			r.Post("/{user}/accept", h.AcceptRequest)
			r.Delete("/{user}", h.RejectRequest)
		})

		r.Post("/users/{user}/revoke", h.RevokeMemberships)

		// Административные операции
		r.Group(func(r chi.Router) {
			r.Use(middleware.RequireSudo())

			r.Delete("/users/inactive", h.DeleteInactiveUsers)
			r.Get("/users/staff", h.StaffUUIDs)
			r.Get("/users/members", h.MemberUUIDs)
			r.Delete("/users/{user}", h.DeleteUser)
			r.Get("/users/{user}/data", h.UserData)
			r.Post("/users/{user}/sync", h.SyncUser)
			r.Post("/users/consolidate", h.Consolidate)
			r.Post("/import", h.ImportGroup)
			r.Post("/mail/nda/{user}", h.SubscribeNDA)
			r.Delete("/mail/nda/{user}", h.UnsubscribeNDA)
			r.Get("/logs/raw", h.RawLogs)
			r.Get("/jobs", h.ListJobs)
			r.Post("/jobs/{job}", h.RunJob)
		})
	})

	return router
}

// jwtAuthWithExclusions оборачивает JWTAuth.Middleware(), пропуская указанные пути.
// Запросы к путям, начинающимся с любого из excludePrefixes, проходят без JWT.
func jwtAuthWithExclusions(jwtAuth *middleware.JWTAuth, excludePrefixes ...string) func(http.Handler) http.Handler {
	jwtMiddleware := jwtAuth.Middleware()

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			for _, prefix := range excludePrefixes {
				if strings.HasPrefix(r.URL.Path, prefix) {
					next.ServeHTTP(w, r)
					return
				}
			}

			jwtMiddleware(next).ServeHTTP(w, r)
		})
	}
}

// Run запускает сервер и ожидает сигнала завершения (SIGINT, SIGTERM).
// При получении сигнала выполняется graceful shutdown.
func (s *Server) Run() error {
	errCh := make(chan error, 1)

	go func() {
		s.logger.Info("HTTP-сервер запущен",
			slog.String("addr", s.httpServer.Addr),
		)

		err := s.httpServer.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-quit:
		s.logger.Info("Получен сигнал завершения", slog.String("signal", sig.String()))
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("ошибка HTTP-сервера: %w", err)
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
	defer cancel()

	s.logger.Info("Выполняется graceful shutdown...")
	if err := s.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("ошибка при graceful shutdown: %w", err)
	}

	s.logger.Info("HTTP-сервер остановлен")
	return nil
}
