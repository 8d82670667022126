package httpapi

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"strconv"

	"example.com/fpdemo/internal/apperr"
)

const maxBodyBytes = 1 << 20

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	_ = enc.Encode(payload)
}

// writeError renders err as {"error": code, "message": ..., "field": ...}.
// Causes are never rendered; errors outside the taxonomy become a bare 500.
func writeError(w http.ResponseWriter, err error) {
	e, ok := apperr.As(err)
	if !ok {
		writeJSON(w, http.StatusInternalServerError, map[string]any{
			"error":   "InternalError",
			"message": "internal server error",
		})
		return
	}
	body := map[string]any{
		"error":   e.Code,
		"message": e.Message,
	}
	if e.Field != "" {
		body["field"] = e.Field
	}
	writeJSON(w, e.HTTPStatus(), body)
}

// readBody returns the request body, capped at maxBodyBytes.
func readBody(w http.ResponseWriter, r *http.Request) ([]byte, error) {
	raw, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		return nil, apperr.InvalidPayload(err)
	}
	return raw, nil
}

// decodeJSON decodes the body into dst. An empty body leaves dst untouched so
// required-field checks report what is missing.
func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) error {
	raw, err := readBody(w, r)
	if err != nil {
		return err
	}
	if len(bytes.TrimSpace(raw)) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		return apperr.InvalidPayload(err)
	}
	return nil
}

func parseIntDefault(raw string, fallback int) int {
	if raw == "" {
		return fallback
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return fallback
	}
	return n
}
