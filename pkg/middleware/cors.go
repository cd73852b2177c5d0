package middleware

import (
	"net/http"
	"strings"

	"calendar-backend/pkg/config"

	"github.com/go-chi/cors"
)

// CORS 创建CORS中间件
func CORS(cfg *config.Config) func(http.Handler) http.Handler {
	corsOptions := cors.Options{
		AllowedMethods: []string{
			http.MethodGet,
			http.MethodPost,
			http.MethodOptions,
		},
		AllowedHeaders: []string{
			"Accept",
			"Authorization",
			"Content-Type",
			"X-Request-Id",
		},
		ExposedHeaders: []string{"X-Request-Id"},
		MaxAge:         300, // 5分钟
	}

	// 开发环境或通配符配置允许所有来源
	if cfg.IsDevelopment() || contains(cfg.AllowedOrigins, "*") {
		corsOptions.AllowedOrigins = []string{"*"}
		// 当AllowedOrigins为*时，不能设置AllowCredentials为true
		corsOptions.AllowCredentials = false
		return cors.Handler(corsOptions)
	}

	allowed := cfg.AllowedOrigins
	corsOptions.AllowOriginFunc = func(r *http.Request, origin string) bool {
		return isOriginAllowed(origin, allowed)
	}
	corsOptions.AllowCredentials = true
	return cors.Handler(corsOptions)
}

// isOriginAllowed 检查来源是否被允许; "https://app.*" style prefixes are supported.
func isOriginAllowed(origin string, allowedOrigins []string) bool {
	if origin == "" || len(allowedOrigins) == 0 {
		return false
	}
	if contains(allowedOrigins, "*") || contains(allowedOrigins, origin) {
		return true
	}
	for _, allowed := range allowedOrigins {
		if prefix, ok := strings.CutSuffix(allowed, "*"); ok && strings.HasPrefix(origin, prefix) {
			return true
		}
	}
	return false
}

func contains(slice []string, item string) bool {
	for _, s := range slice {
		if strings.TrimSpace(s) == item {
			return true
		}
	}
	return false
}
