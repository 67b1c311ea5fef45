package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"

	apperrors "github.com/iammorganparry/clive/apps/conductor/internal/errors"
)

const maxBodyBytes = 1 << 20

type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError writes a transport-level error such as a malformed body or a
// failed auth check.
func writeError(w http.ResponseWriter, status int, msg string) {
	code := apperrors.KindInternal
	switch status {
	case http.StatusBadRequest:
		code = apperrors.KindValidation
	case http.StatusUnauthorized:
		code = "unauthorized"
	case http.StatusNotFound:
		code = apperrors.KindNotFound
	}
	writeJSON(w, status, errorResponse{Error: msg, Code: code})
}

// writeServiceError maps an orchestrator error to its HTTP status.
func writeServiceError(w http.ResponseWriter, err error) {
	kind := apperrors.KindOf(err)
	writeJSON(w, statusForKind(kind), errorResponse{Error: err.Error(), Code: kind})
}

func statusForKind(kind string) int {
	switch kind {
	case apperrors.KindValidation:
		return http.StatusBadRequest
	case apperrors.KindNotFound:
		return http.StatusNotFound
	case apperrors.KindInvalidStateTransition, apperrors.KindAlreadyRunning:
		return http.StatusConflict
	case apperrors.KindProcessFailure:
		return http.StatusBadGateway
	case apperrors.KindTimeout:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

// decodeJSON decodes the request body into v. An empty body leaves v
// untouched.
func decodeJSON(r *http.Request, v any) error {
	err := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes)).Decode(v)
	if errors.Is(err, io.EOF) {
		return nil
	}
	return err
}

// queryInt parses an optional integer query parameter; absent means 0.
func queryInt(r *http.Request, key string) (int, error) {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, apperrors.NewValidationError(key, "must be an integer")
	}
	return n, nil
}
