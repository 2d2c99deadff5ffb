package httputil

import (
	"encoding/json"
	"errors"
	"net/http"

	dErrors "sire/pkg/domain-errors"
)

// ErrorResponse is the JSON error envelope returned by every handler.
type ErrorResponse struct {
	Error            string `json:"error"`
	ErrorDescription string `json:"error_description,omitempty"`
}

var statusByCode = map[dErrors.Code]int{
	dErrors.CodeBadRequest:         http.StatusBadRequest,
	dErrors.CodeValidation:         http.StatusBadRequest,
	dErrors.CodeInvalidParameters:  http.StatusBadRequest,
	dErrors.CodeNotFound:           http.StatusNotFound,
	dErrors.CodeNotConfigured:      http.StatusNotFound,
	dErrors.CodeConflict:           http.StatusConflict,
	dErrors.CodeCancelNotAllowed:   http.StatusConflict,
	dErrors.CodeUnauthorized:       http.StatusUnauthorized,
	dErrors.CodeAuthRejected:       http.StatusUnauthorized,
	dErrors.CodeReauthRequired:     http.StatusUnauthorized,
	dErrors.CodeAuthUnavailable:    http.StatusServiceUnavailable,
	dErrors.CodeTransientRemote:    http.StatusServiceUnavailable,
	dErrors.CodeRemoteRejected:     http.StatusBadGateway,
	dErrors.CodeRetrievalFailed:    http.StatusBadGateway,
	dErrors.CodeTimeout:            http.StatusGatewayTimeout,
	dErrors.CodeIntegrityMismatch:  http.StatusInternalServerError,
	dErrors.CodeInvariantViolation: http.StatusInternalServerError,
	dErrors.CodeInternal:           http.StatusInternalServerError,
}

// StatusFor maps a domain code to its HTTP status.
func StatusFor(code dErrors.Code) int {
	if status, ok := statusByCode[code]; ok {
		return status
	}
	return http.StatusInternalServerError
}

// WriteError renders err as the JSON error envelope. Errors without a domain
// code and 5xx-class errors never expose their description.
func WriteError(w http.ResponseWriter, err error) {
	code := dErrors.CodeInternal
	msg := ""
	var de *dErrors.Error
	if errors.As(err, &de) {
		code = de.Code
		msg = de.Message
	}
	status := StatusFor(code)
	resp := ErrorResponse{Error: string(code)}
	if status < http.StatusInternalServerError || code == dErrors.CodeAuthUnavailable || code == dErrors.CodeTransientRemote {
		resp.ErrorDescription = msg
	}
	WriteJSON(w, status, resp)
}

// WriteJSON writes v as a JSON body with the given status.
func WriteJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
