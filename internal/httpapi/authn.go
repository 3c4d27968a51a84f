package httpapi

import (
	"errors"
	"net/http"
	"strings"

	"github.com/sunway24/dealbridge/internal/auth"
	"github.com/sunway24/dealbridge/internal/obs"
)

const (
	authHeader = "Authorization"
	bearer     = "Bearer "
	tokenParam = "token"
)

var protectedPrefixes = []string{
	"/webhook/",
	"/events",
}

// withAuth requires a webhook token on protected paths when a verifier is enabled.
// The CRM cannot set headers on outbound webhooks, so ?token= is accepted as well.
func (a *API) withAuth(next http.Handler) http.Handler {
	if a == nil || !a.verifier.Enabled() {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodOptions || !isProtectedPath(r.URL.Path) {
			next.ServeHTTP(w, r)
			return
		}

		token, err := requestToken(r)
		if err != nil {
			writeError(w, r, http.StatusUnauthorized, err.Error())
			return
		}
		claims, err := a.verifier.Verify(token)
		if err != nil {
			obs.Warn("webhook_token_rejected", map[string]any{
				"request_id": RequestIDFromContext(r.Context()),
				"path":       r.URL.Path,
				"error":      err,
			})
			if errors.Is(err, auth.ErrInvalidToken) {
				writeError(w, r, http.StatusUnauthorized, "invalid token")
				return
			}
			writeError(w, r, http.StatusInternalServerError, "authentication error")
			return
		}

		ctx := auth.ContextWithCaller(r.Context(), claims.Subject)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func requestToken(r *http.Request) (string, error) {
	if h := strings.TrimSpace(r.Header.Get(authHeader)); h != "" {
		return extractBearerToken(h)
	}
	if t := strings.TrimSpace(r.URL.Query().Get(tokenParam)); t != "" {
		return t, nil
	}
	return "", errors.New("missing bearer token")
}

func extractBearerToken(header string) (string, error) {
	header = strings.TrimSpace(header)
	if header == "" {
		return "", errors.New("missing bearer token")
	}
	if !strings.HasPrefix(strings.ToLower(header), strings.ToLower(bearer)) {
		return "", errors.New("invalid authorization scheme")
	}
	token := strings.TrimSpace(header[len(bearer):])
	if token == "" {
		return "", errors.New("missing bearer token")
	}
	return token, nil
}

func isProtectedPath(path string) bool {
	for _, prefix := range protectedPrefixes {
		if strings.HasPrefix(path, prefix) {
			return true
		}
	}
	return false
}
