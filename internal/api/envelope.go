package api

import (
	"encoding/json"
	stderrors "errors"
	"net/http"
	"strconv"
	"strings"

	ltmcerrors "ltmc/internal/errors"
	"ltmc/internal/logging"
	"ltmc/pkg/types"
)

// envelope is the uniform response shape. Success with data, or an
// error message classified by taxonomy kind; partial success travels
// inside data as fallback_reasons, never here.
type envelope struct {
	Success   bool            `json:"success"`
	Data      any             `json:"data,omitempty"`
	Error     string          `json:"error,omitempty"`
	ErrorKind ltmcerrors.Kind `json:"error_kind,omitempty"`
	Backend   types.Backend   `json:"backend,omitempty"`
	Context   map[string]any  `json:"context,omitempty"`
}

func writeData(w http.ResponseWriter, log *logging.Logger, status int, data any) {
	writeJSON(w, log, status, envelope{Success: true, Data: data})
}

// writeError renders err through the taxonomy: the kind picks the HTTP
// status, and a classified error contributes its backend and context.
func writeError(w http.ResponseWriter, log *logging.Logger, err error) {
	kind := ltmcerrors.KindOf(err)
	env := envelope{
		Success:   false,
		Error:     err.Error(),
		ErrorKind: kind,
	}
	var me *ltmcerrors.MemoryError
	if stderrors.As(err, &me) {
		env.Error = me.Message
		env.Backend = me.Backend
		env.Context = me.Context
	}
	writeJSON(w, log, ltmcerrors.HTTPStatus(kind), env)
}

func writeJSON(w http.ResponseWriter, log *logging.Logger, status int, body any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		log.Warn("response write failed", "error", err)
	}
}

// decodeJSON fills dst from the request body. Malformed or empty
// bodies are client errors.
func decodeJSON(r *http.Request, dst any) error {
	if r.Body == nil {
		return ltmcerrors.NewInvalidInput("request body is required")
	}
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		return ltmcerrors.NewInvalidInputf("malformed request body: %v", err)
	}
	return nil
}

// queryInt reads an integer query parameter, falling back to def when
// absent or unparseable.
func queryInt(r *http.Request, name string, def int) int {
	raw := strings.TrimSpace(r.URL.Query().Get(name))
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return def
	}
	return n
}
