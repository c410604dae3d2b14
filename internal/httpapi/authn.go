package httpapi

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"notedesk.org/internal/auth"
	"notedesk.org/internal/directory"
)

const (
	authHeader = "Authorization"
	bearer     = "Bearer "
)

var publicPaths = []string{
	"/v1/auth/token",
	"/metrics",
	"/healthz",
	"/readyz",
	"/v1/info",
	"/openapi.yaml",
	"/",
}

type actorKeyType struct{}

var actorKey actorKeyType

func contextWithActor(ctx context.Context, acct directory.Account) context.Context {
	return context.WithValue(ctx, actorKey, acct)
}

func actorFromContext(ctx context.Context) (directory.Account, bool) {
	acct, ok := ctx.Value(actorKey).(directory.Account)
	return acct, ok
}

// withAuth authenticates the bearer token and attaches the LIVE account record
// to the context. The token's role claim is never trusted: a revoked moderator
// keeps a valid token but loses the role on the next request.
func (a *API) withAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodOptions {
			next.ServeHTTP(w, r)
			return
		}

		if isPublicPath(r.URL.Path) {
			next.ServeHTTP(w, r)
			return
		}

		token, err := extractBearerToken(r.Header.Get(authHeader))
		if err != nil {
			writeError(w, r, http.StatusUnauthorized, err.Error())
			return
		}

		claims, err := auth.ParseAndValidate(token)
		if err != nil {
			if errors.Is(err, auth.ErrInvalidToken) {
				writeError(w, r, http.StatusUnauthorized, "invalid token")
				return
			}
			writeError(w, r, http.StatusInternalServerError, "authentication error")
			return
		}

		acct, err := a.store.GetAccount(r.Context(), claims.Subject)
		if err != nil {
			switch {
			case errors.Is(err, directory.ErrNotFound):
				writeError(w, r, http.StatusUnauthorized, "account no longer exists")
			case errors.Is(err, directory.ErrUnavailable):
				writeUnavailable(w, r)
			default:
				writeError(w, r, http.StatusInternalServerError, "authentication error")
			}
			return
		}

		ctx := contextWithActor(r.Context(), acct)
		ctx = auth.ContextWithAccountID(ctx, acct.ID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
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

func isPublicPath(path string) bool {
	for _, p := range publicPaths {
		if path == p {
			return true
		}
	}
	return false
}
