// Package httpkit has the small JSON helpers shared by the API handlers.
package httpkit

import (
	"encoding/json"
	"net/http"

	"framefarm/internal/pkg/errors"
)

type ErrorEnvelope struct {
	Error struct {
		Code    string         `json:"code"`
		Message string         `json:"message"`
		Details map[string]any `json:"details,omitempty"`
	} `json:"error"`
}

func DecodeJSON(r *http.Request, v any) error {
	defer r.Body.Close()
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}

func WriteJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func WriteErr(w http.ResponseWriter, status int, code, msg string, details map[string]any) {
	var env ErrorEnvelope
	env.Error.Code = code
	env.Error.Message = msg
	env.Error.Details = details
	WriteJSON(w, status, env)
}

// WriteError renders a coded error. Server-side failures hide their
// message; the caller is expected to have logged it.
func WriteError(w http.ResponseWriter, err error) {
	status := errors.GetHTTPStatus(err)
	code := errors.GetCode(err)
	if status >= http.StatusInternalServerError && code == errors.CodeInternal {
		WriteErr(w, status, string(code), "internal server error", nil)
		return
	}
	msg := err.Error()
	var ffErr *errors.Error
	if errors.As(err, &ffErr) {
		msg = ffErr.Message
	}
	WriteErr(w, status, string(code), msg, errors.GetFields(err))
}
