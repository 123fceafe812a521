package core

import (
	"crypto/subtle"
	"log/slog"
	"net/http"
	"strings"

	"firerisk/internal/types"
)

// RequireBearerToken guards write endpoints with a shared secret carried as
// "Authorization: Bearer <token>". It answers 401 with auth_token_missing
// when no token is sent and auth_token_invalid when it does not match.
func RequireBearerToken(token string, logger *slog.Logger) func(http.Handler) http.Handler {
	if logger == nil {
		logger = slog.Default()
	}
	want := []byte(token)

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			got := extractBearerToken(r.Header.Get("Authorization"))
			if got == "" {
				Error(w, r, types.NewAppError(types.ErrCodeAuthTokenMissing, "Bearer token is required", nil))
				return
			}
			if subtle.ConstantTimeCompare([]byte(got), want) != 1 {
				logger.WarnContext(r.Context(), "authentication failed: token invalid",
					slog.String("method", r.Method),
					slog.String("path", r.URL.Path),
				)
				Error(w, r, types.NewAppError(types.ErrCodeAuthTokenInvalid, "Invalid authentication token", nil))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// extractBearerToken returns the token of a "Bearer <token>" header value.
// The scheme is matched case-insensitively.
func extractBearerToken(authHeader string) string {
	const prefix = "Bearer "
	if len(authHeader) < len(prefix) || !strings.EqualFold(authHeader[:len(prefix)], prefix) {
		return ""
	}
	return strings.TrimSpace(authHeader[len(prefix):])
}
