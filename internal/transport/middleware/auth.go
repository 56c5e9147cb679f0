package middleware

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/frahmantamala/gameshop-ledger/internal"
	"github.com/frahmantamala/gameshop-ledger/internal/auth"
	"github.com/frahmantamala/gameshop-ledger/pkg/logger"
)

// Authenticate requires a valid bearer token and puts the caller's user id on the context.
func Authenticate(tokens auth.TokenValidator) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			header := r.Header.Get("Authorization")
			token, ok := strings.CutPrefix(header, "Bearer ")
			if !ok || token == "" {
				unauthorized(w, internal.ErrInvalidToken)
				return
			}

			claims, err := tokens.ValidateToken(token)
			if err != nil {
				unauthorized(w, err)
				return
			}

			ctx := internal.ContextWithUserID(r.Context(), claims.UserID)
			ctx = logger.With(ctx, "userID", claims.UserID)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func unauthorized(w http.ResponseWriter, err error) {
	status, body := http.StatusUnauthorized, any(map[string]string{"error": "unauthorized"})
	if appErr, ok := internal.IsAppError(err); ok {
		status, body = appErr.ToHTTPResponse()
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
