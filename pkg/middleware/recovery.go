package middleware

import (
	"fmt"
	"log/slog"
	"net/http"
	"runtime/debug"

	"calendar-backend/pkg/config"
	"calendar-backend/pkg/utils"
)

// Recovery 恢复中间件，处理panic并返回统一的失败响应
func Recovery(cfg *config.Config, logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				rec := recover()
				if rec == nil {
					return
				}
				if rec == http.ErrAbortHandler {
					panic(rec)
				}

				logger.Error("panic in http handler",
					"path", r.URL.Path,
					"panic", fmt.Sprint(rec),
					"stack", string(debug.Stack()))

				msg := "internal error"
				if cfg.IsDevelopment() {
					msg = fmt.Sprintf("internal error: %v", rec)
				}
				utils.WriteInternalServerErrorResponse(w, msg)
			}()

			next.ServeHTTP(w, r)
		})
	}
}
