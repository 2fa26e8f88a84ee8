package httpapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/MrEthical07/multiauth"
)

// Envelope is the body of every response.
type Envelope struct {
	Success bool   `json:"success"`
	Message string `json:"message,omitempty"`
	Data    any    `json:"data,omitempty"`
	Code    string `json:"code,omitempty"`
}

const maxBodyBytes = 1 << 20

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeOK(w http.ResponseWriter, message string, data any) {
	writeJSON(w, http.StatusOK, Envelope{Success: true, Message: message, Data: data})
}

// writeFlag answers 200 with a code, for outcomes that need client action
// but are not failures.
func writeFlag(w http.ResponseWriter, code, message string, data any) {
	writeJSON(w, http.StatusOK, Envelope{Success: true, Message: message, Data: data, Code: code})
}

// decode reads a JSON body into v and checks its validate tags. An empty
// body decodes as the zero value.
func decode(r *http.Request, v any) error {
	if r.Body != nil && r.ContentLength != 0 {
		ct := strings.ToLower(r.Header.Get("Content-Type"))
		if ct != "" && !strings.Contains(ct, "application/json") {
			return fmt.Errorf("%w: content type must be application/json", multiauth.ErrInvalidRequest)
		}
		dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
		dec.DisallowUnknownFields()
		if err := dec.Decode(v); err != nil && !errors.Is(err, io.EOF) {
			return fmt.Errorf("%w: malformed json", multiauth.ErrInvalidRequest)
		}
	}
	return validateBody(v)
}
