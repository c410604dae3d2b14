package httpapi

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"

	"notedesk.org/internal/directory"
	"notedesk.org/internal/moderation"
)

type assignRequest struct {
	Target string `json:"target"`
}

// retryAfterMS is the client backoff hint attached to 503 responses.
const retryAfterMS = 2000

func (a *API) handleInstitutionResource(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/v1/institutions/")
	parts := strings.Split(strings.Trim(path, "/"), "/")
	if len(parts) != 2 || parts[0] == "" {
		writeError(w, r, http.StatusNotFound, "resource not found")
		return
	}
	institutionID := parts[0]

	switch parts[1] {
	case "moderator":
		switch r.Method {
		case http.MethodPost:
			a.assignModerator(w, r, institutionID)
		case http.MethodDelete:
			a.revokeModerator(w, r, institutionID)
		default:
			methodNotAllowed(w, r, http.MethodPost, http.MethodDelete)
		}
	case "queue":
		if r.Method != http.MethodGet {
			methodNotAllowed(w, r, http.MethodGet)
			return
		}
		a.streamQueue(w, r, institutionID)
	default:
		writeError(w, r, http.StatusNotFound, "resource not found")
	}
}

func (a *API) handleSubmissionResource(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/v1/submissions/")
	parts := strings.Split(strings.Trim(path, "/"), "/")
	if len(parts) != 2 || parts[0] == "" {
		writeError(w, r, http.StatusNotFound, "resource not found")
		return
	}
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}

	actor, ok := actorFromContext(r.Context())
	if !ok {
		writeError(w, r, http.StatusUnauthorized, "authentication required")
		return
	}

	switch parts[1] {
	case "approve":
		sub, err := a.mod.Approve(r.Context(), actor, parts[0])
		if err != nil {
			handleModerationError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, sub)
	case "reject":
		sub, err := a.mod.Reject(r.Context(), actor, parts[0])
		if err != nil {
			handleModerationError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, sub)
	default:
		writeError(w, r, http.StatusNotFound, "resource not found")
	}
}

func (a *API) assignModerator(w http.ResponseWriter, r *http.Request, institutionID string) {
	actor, ok := actorFromContext(r.Context())
	if !ok {
		writeError(w, r, http.StatusUnauthorized, "authentication required")
		return
	}

	var req assignRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}

	target, err := a.mod.AssignModerator(r.Context(), actor, req.Target, institutionID)
	if err != nil {
		handleModerationError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, target)
}

func (a *API) revokeModerator(w http.ResponseWriter, r *http.Request, institutionID string) {
	actor, ok := actorFromContext(r.Context())
	if !ok {
		writeError(w, r, http.StatusUnauthorized, "authentication required")
		return
	}

	// Without an explicit target the current lock holder is revoked.
	target := strings.TrimSpace(r.URL.Query().Get("target"))
	if target == "" {
		inst, err := a.store.GetInstitution(r.Context(), institutionID)
		if err != nil {
			handleModerationError(w, r, err)
			return
		}
		if inst.ModeratorID == "" {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		target = inst.ModeratorID
	}

	if err := a.mod.RevokeModerator(r.Context(), actor, target, institutionID); err != nil {
		handleModerationError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// --- helpers ---

// decodeJSON relies on the MaxBodyBytes middleware for the size cap.
func decodeJSON(r *http.Request, dst any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		if errors.Is(err, io.EOF) {
			return errors.New("request body is required")
		}
		return err
	}
	if err := dec.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		if err == nil {
			return errors.New("unexpected data after JSON body")
		}
		return err
	}
	return nil
}

func handleModerationError(w http.ResponseWriter, r *http.Request, err error) {
	var unknown *moderation.UnknownAccountError
	switch {
	case errors.As(err, &unknown):
		payload := map[string]any{
			"error":         unknown.Error(),
			"known_handles": unknown.KnownHandles,
		}
		if rid := RequestIDFromContext(r.Context()); rid != "" {
			payload["request_id"] = rid
		}
		writeJSON(w, http.StatusNotFound, payload)
	case errors.Is(err, moderation.ErrUnauthorized):
		writeError(w, r, http.StatusForbidden, err.Error())
	case errors.Is(err, moderation.ErrAccountNotFound),
		errors.Is(err, moderation.ErrInstitutionNotFound),
		errors.Is(err, moderation.ErrSubmissionMissing),
		errors.Is(err, directory.ErrNotFound):
		writeError(w, r, http.StatusNotFound, err.Error())
	case errors.Is(err, moderation.ErrInstitutionLocked),
		errors.Is(err, moderation.ErrAlreadyModerated),
		errors.Is(err, directory.ErrConflict):
		writeError(w, r, http.StatusConflict, err.Error())
	case errors.Is(err, directory.ErrInvalidInput):
		writeError(w, r, http.StatusBadRequest, err.Error())
	case errors.Is(err, directory.ErrUnavailable):
		writeUnavailable(w, r)
	default:
		writeError(w, r, http.StatusInternalServerError, "internal error")
	}
}

func writeError(w http.ResponseWriter, r *http.Request, code int, msg string) {
	payload := map[string]any{
		"error": msg,
	}
	if rid := RequestIDFromContext(r.Context()); rid != "" {
		payload["request_id"] = rid
	}
	writeJSON(w, code, payload)
}

// writeUnavailable answers a degraded-backend request with a retry hint.
func writeUnavailable(w http.ResponseWriter, r *http.Request) {
	payload := map[string]any{
		"error":          "service temporarily unavailable",
		"retry_after_ms": retryAfterMS,
	}
	if rid := RequestIDFromContext(r.Context()); rid != "" {
		payload["request_id"] = rid
	}
	writeJSON(w, http.StatusServiceUnavailable, payload)
}

func methodNotAllowed(w http.ResponseWriter, r *http.Request, allowed ...string) {
	w.Header().Set("Allow", strings.Join(allowed, ", "))
	writeError(w, r, http.StatusMethodNotAllowed, "method not allowed")
}
