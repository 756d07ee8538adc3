package outbox

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
)

const maxSubmissionBytes = 1 << 20

// Handler exposes the outbox over HTTP:
//
//	GET  -> {"pending": n, "abandoned": m, "online": bool}
//	POST ?target=/api/contact with a JSON body -> 201 {"id": "..."}
//
// A POST that cannot be stored answers 503 so the page can tell the user
// the submission was not saved.
func (o *Outbox) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodGet:
			pending, abandoned, err := o.Counts()
			if err != nil {
				writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": err.Error()})
				return
			}
			writeJSON(w, http.StatusOK, map[string]any{
				"pending":   pending,
				"abandoned": abandoned,
				"online":    o.opts.Monitor.Online(),
			})
		case http.MethodPost:
			target := r.URL.Query().Get("target")
			if target == "" {
				writeJSON(w, http.StatusBadRequest, map[string]string{"error": "target is required"})
				return
			}
			body, err := io.ReadAll(io.LimitReader(r.Body, maxSubmissionBytes+1))
			if err != nil {
				writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
				return
			}
			if len(body) > maxSubmissionBytes {
				writeJSON(w, http.StatusRequestEntityTooLarge, map[string]string{"error": "payload too large"})
				return
			}
			if !json.Valid(body) {
				writeJSON(w, http.StatusBadRequest, map[string]string{"error": "payload must be json"})
				return
			}
			id, err := o.StoreSubmission(r.Context(), json.RawMessage(body), target)
			if errors.Is(err, ErrStorageUnavailable) {
				writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "could not save your submission"})
				return
			}
			if err != nil {
				writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
				return
			}
			writeJSON(w, http.StatusCreated, map[string]string{"id": id})
		default:
			w.Header().Set("Allow", "GET, POST")
			writeJSON(w, http.StatusMethodNotAllowed, map[string]string{"error": "method not allowed"})
		}
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
