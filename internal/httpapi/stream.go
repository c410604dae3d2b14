package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
)

// streamQueue pushes pending-queue snapshots over Server-Sent Events. Each
// event is the full current result set, not a delta, so a client can always
// render the latest frame it received.
func (a *API) streamQueue(w http.ResponseWriter, r *http.Request, institutionID string) {
	actor, ok := actorFromContext(r.Context())
	if !ok {
		writeError(w, r, http.StatusUnauthorized, "authentication required")
		return
	}

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	ch, err := a.mod.PendingQueue(ctx, actor, institutionID)
	if err != nil {
		handleModerationError(w, r, err)
		return
	}

	flusher := beginEventStream(w)
	if flusher == nil {
		return
	}
	for snapshot := range ch {
		writeEvent(w, flusher, snapshot)
	}
}

// handleMeWatch streams the caller's own account record, so a client notices
// a revoked or granted role without polling.
func (a *API) handleMeWatch(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, http.MethodGet)
		return
	}
	actor, ok := actorFromContext(r.Context())
	if !ok {
		writeError(w, r, http.StatusUnauthorized, "authentication required")
		return
	}

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	ch := a.store.WatchAccount(ctx, actor.ID)

	flusher := beginEventStream(w)
	if flusher == nil {
		return
	}
	for acct := range ch {
		writeEvent(w, flusher, acct)
	}
}

func beginEventStream(w http.ResponseWriter) http.Flusher {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return nil
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	// Send an initial comment to establish the stream
	_, _ = w.Write([]byte(": stream started\n\n"))
	flusher.Flush()
	return flusher
}

func writeEvent(w http.ResponseWriter, flusher http.Flusher, v any) {
	payload, err := json.Marshal(v)
	if err != nil {
		return
	}
	_, _ = w.Write([]byte("data: "))
	_, _ = w.Write(payload)
	_, _ = w.Write([]byte("\n\n"))
	flusher.Flush()
}
