package middleware

import (
	"context"
	"net/http"
	"strings"

	"calendar-backend/pkg/models"
	"calendar-backend/pkg/utils"
)

// ContextKey 用于在context中存储会话信息的键
type ContextKey string

const (
	TokenContextKey  ContextKey = "token"
	ClaimsContextKey ContextKey = "claims"
)

// OptionalAuthMiddleware 可选的认证中间件（不强制要求认证）
//
// A Bearer token is stored in the context as-is so the dispatcher can check
// it against the acting user; valid claims are stored too for request logs.
func OptionalAuthMiddleware(jwtService *utils.JWTService) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			tokenString, ok := bearerToken(r)
			if !ok {
				next.ServeHTTP(w, r)
				return
			}

			ctx := context.WithValue(r.Context(), TokenContextKey, tokenString)
			if claims, err := jwtService.ValidateToken(tokenString); err == nil {
				ctx = context.WithValue(ctx, ClaimsContextKey, claims)
			}
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// bearerToken 从Authorization头获取token
func bearerToken(r *http.Request) (string, bool) {
	authHeader := r.Header.Get("Authorization")
	if authHeader == "" {
		return "", false
	}
	tokenString := strings.TrimPrefix(authHeader, "Bearer ")
	if tokenString == authHeader || strings.TrimSpace(tokenString) == "" {
		return "", false
	}
	return strings.TrimSpace(tokenString), true
}

// GetTokenFromContext returns the raw Bearer token, if the request had one.
func GetTokenFromContext(ctx context.Context) (string, bool) {
	token, ok := ctx.Value(TokenContextKey).(string)
	return token, ok
}

// GetClaimsFromContext 从context中获取已验证的令牌声明
func GetClaimsFromContext(ctx context.Context) (*models.TokenClaims, bool) {
	claims, ok := ctx.Value(ClaimsContextKey).(*models.TokenClaims)
	return claims, ok && claims != nil
}
