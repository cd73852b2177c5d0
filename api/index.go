package handler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"calendar-backend/pkg/config"
	"calendar-backend/pkg/database"
	"calendar-backend/pkg/handlers"
	customMiddleware "calendar-backend/pkg/middleware"
	"calendar-backend/pkg/models"
	"calendar-backend/pkg/utils"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

var (
	routerOnce sync.Once
	router     http.Handler
	routerErr  error
)

// Handler 是Serverless函数的入口点
// 首次调用时构建路由器, 之后复用 (数据库连接由连接池管理)
func Handler(w http.ResponseWriter, r *http.Request) {
	routerOnce.Do(func() {
		cfg := config.GetCached()
		if err := cfg.Validate(); err != nil {
			routerErr = fmt.Errorf("configuration error: %w", err)
			return
		}
		db, err := database.GetDatabase(r.Context(), DatabaseConfig(cfg))
		if err != nil {
			routerErr = err
			return
		}
		router = NewRouter(cfg, db, slog.Default())
	})
	if routerErr != nil {
		slog.Error("gateway unavailable", "error", routerErr)
		utils.WriteServiceUnavailableResponse(w, "service unavailable")
		return
	}
	router.ServeHTTP(w, r)
}

// DatabaseConfig maps application settings onto the store configuration.
func DatabaseConfig(cfg *config.Config) database.DatabaseConfig {
	return database.DatabaseConfig{
		PostgresDSN:     cfg.PostgresDSN,
		UseLocalDB:      cfg.UseLocalDB,
		LocalDataDir:    cfg.LocalDataDir,
		AutoMigrate:     cfg.AutoMigrate,
		MaxOpenConns:    cfg.DBMaxOpenConns,
		ConnMaxLifetime: cfg.DBConnLifetime,
		Debug:           cfg.Debug,
	}
}

// NewRouter 创建HTTP网关路由器; it shares the action dispatcher with the TCP server.
func NewRouter(cfg *config.Config, db database.DatabaseInterface, logger *slog.Logger) http.Handler {
	r := chi.NewRouter()
	setupMiddleware(r, cfg, logger)
	setupRoutes(r, cfg, db, handlers.NewDispatcher(cfg, db, logger))
	return r
}

// setupMiddleware 设置全局中间件
func setupMiddleware(r *chi.Mux, cfg *config.Config, logger *slog.Logger) {
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(customMiddleware.Normalize)
	r.Use(customMiddleware.OptionalAuthMiddleware(utils.NewJWTService(cfg.JWTSecret, cfg.TokenTTL)))
	r.Use(customMiddleware.RequestLogger(logger))
	r.Use(customMiddleware.Recovery(cfg, logger))
	r.Use(customMiddleware.CORS(cfg))

	if cfg.IsDevelopment() {
		r.Use(middleware.Heartbeat("/ping"))
	}
}

// setupRoutes 设置所有路由
func setupRoutes(r *chi.Mux, cfg *config.Config, db database.DatabaseInterface, dispatcher *handlers.Dispatcher) {
	r.Get("/", healthCheck(db))

	// 数据库连接池状态端点（调试用）
	if cfg.IsDevelopment() {
		r.Get("/debug/db-pool", func(w http.ResponseWriter, r *http.Request) {
			utils.WriteSuccessResponse(w, database.GetConnectionStats())
		})
	}

	r.Route("/api", func(r chi.Router) {
		r.Use(customMiddleware.ContentTypeJSON)
		r.Use(customMiddleware.MaxBodySize(cfg.MaxMessageBytes))

		r.Post("/action", actionHandler(dispatcher, cfg.RequestTimeout, false))
		r.Post("/{action}", actionHandler(dispatcher, cfg.RequestTimeout, true))
	})

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		utils.WriteNotFoundResponse(w, fmt.Sprintf("route not found: %s %s", r.Method, r.URL.Path))
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		utils.WriteErrorResponse(w, http.StatusMethodNotAllowed,
			fmt.Sprintf("method %s not allowed for %s", r.Method, r.URL.Path))
	})
}

// healthCheck 健康检查: pings the store
func healthCheck(db database.DatabaseInterface) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := db.HealthCheck(r.Context()); err != nil {
			slog.Error("health check failed", "error", err)
			utils.WriteServiceUnavailableResponse(w, "database unavailable")
			return
		}
		utils.WriteSuccessResponse(w, map[string]interface{}{
			"success": true,
			"status":  "ok",
			"actions": models.Actions(),
		})
	}
}

// actionHandler runs one action request. With fromPath the {action} URL
// parameter overrides the body's "action", and a Bearer token fills "token" when the body has none.
// Action failures are still HTTP 200; only unreadable bodies are 4xx.
// The handler owns the request deadline so a timeout is answered exactly once.
func actionHandler(dispatcher *handlers.Dispatcher, timeout time.Duration, fromPath bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), timeout)
		defer cancel()

		body, err := io.ReadAll(r.Body)
		if err != nil {
			var maxErr *http.MaxBytesError
			if errors.As(err, &maxErr) {
				utils.WriteErrorResponse(w, http.StatusRequestEntityTooLarge, "message too large")
				return
			}
			utils.WriteBadRequestResponse(w, "failed to read request body")
			return
		}

		fields := map[string]json.RawMessage{}
		if len(strings.TrimSpace(string(body))) > 0 {
			// null 会把map置为nil
			if err := json.Unmarshal(body, &fields); err != nil || fields == nil {
				utils.WriteBadRequestResponse(w, "invalid JSON")
				return
			}
		}
		if fromPath {
			fields["action"], _ = json.Marshal(chi.URLParam(r, "action"))
		}
		if _, ok := fields["token"]; !ok {
			if token, ok := customMiddleware.GetTokenFromContext(r.Context()); ok {
				fields["token"], _ = json.Marshal(token)
			}
		}

		raw, err := json.Marshal(fields)
		if err != nil {
			utils.WriteBadRequestResponse(w, "invalid JSON")
			return
		}

		result := dispatcher.Dispatch(ctx, raw)
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			utils.WriteErrorResponse(w, http.StatusGatewayTimeout, "request timed out")
			return
		}
		utils.WriteSuccessResponse(w, result)
	}
}
