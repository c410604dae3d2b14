package httpapi

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"notedesk.org/internal/audit"
	"notedesk.org/internal/auth"
	"notedesk.org/internal/directory"
)

type tokenRequest struct {
	Handle   string `json:"handle"`
	Password string `json:"password"`
}

type tokenResponse struct {
	Token     string            `json:"token"`
	ExpiresAt time.Time         `json:"expires_at"`
	Account   directory.Account `json:"account"`
}

const tokenTTL = 15 * time.Minute

func (a *API) handleAuthToken(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}

	var req tokenRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}

	handle := strings.TrimSpace(req.Handle)
	if handle == "" || req.Password == "" {
		writeError(w, r, http.StatusBadRequest, "handle and password are required")
		return
	}

	acct, err := a.store.FindAccountByHandle(r.Context(), handle)
	if err != nil {
		switch {
		case errors.Is(err, directory.ErrNotFound):
			// Same answer as a wrong password, so handles cannot be probed.
			writeError(w, r, http.StatusUnauthorized, "invalid credentials")
		case errors.Is(err, directory.ErrUnavailable):
			writeUnavailable(w, r)
		default:
			writeError(w, r, http.StatusInternalServerError, "internal error")
		}
		return
	}
	if err := auth.VerifyPassword(acct.PasswordHash, req.Password); err != nil {
		writeError(w, r, http.StatusUnauthorized, "invalid credentials")
		return
	}

	token, err := auth.GenerateToken(acct.ID, string(acct.Role), tokenTTL)
	if err != nil {
		writeError(w, r, http.StatusInternalServerError, "token generation failed")
		return
	}

	expiresAt := time.Now().UTC().Add(tokenTTL)
	_ = audit.LogEvent(r.Context(), "auth.token.issued", map[string]any{
		"account":    acct.ID,
		"expires_at": expiresAt.Format(time.RFC3339),
	})

	writeJSON(w, http.StatusOK, tokenResponse{
		Token:     token,
		ExpiresAt: expiresAt,
		Account:   acct,
	})
}
