package httputil

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	dErrors "sire/pkg/domain-errors"
)

func TestWriteError(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		wantStatus int
		wantCode   string
		wantDesc   string
	}{
		{"invalid parameters", dErrors.New(dErrors.CodeInvalidParameters, "period must be YYYYMM"), http.StatusBadRequest, "invalid_parameters", "period must be YYYYMM"},
		{"missing ticket", dErrors.New(dErrors.CodeNotFound, "ticket not found"), http.StatusNotFound, "not_found", "ticket not found"},
		{"cancel on terminal ticket", dErrors.New(dErrors.CodeCancelNotAllowed, "ticket already completed"), http.StatusConflict, "cancel_not_allowed", "ticket already completed"},
		{"credentials rejected", dErrors.New(dErrors.CodeAuthRejected, "invalid client"), http.StatusUnauthorized, "auth_rejected", "invalid client"},
		{"remote rejection", dErrors.New(dErrors.CodeRemoteRejected, "period closed"), http.StatusBadGateway, "remote_rejected", ""},
		{"auth unavailable keeps description", dErrors.New(dErrors.CodeAuthUnavailable, "token endpoint unreachable"), http.StatusServiceUnavailable, "auth_unavailable", "token endpoint unreachable"},
		{"transient failure keeps description", dErrors.New(dErrors.CodeTransientRemote, "upstream 503"), http.StatusServiceUnavailable, "transient_remote_failure", "upstream 503"},
		{"internal hides description", dErrors.New(dErrors.CodeInternal, "db failed"), http.StatusInternalServerError, "internal_error", ""},
		{"integrity mismatch hides description", dErrors.New(dErrors.CodeIntegrityMismatch, "sha mismatch"), http.StatusInternalServerError, "integrity_mismatch", ""},
		{"wrapped domain error", fmt.Errorf("advance: %w", dErrors.New(dErrors.CodeTimeout, "poll budget exhausted")), http.StatusGatewayTimeout, "timeout", ""},
		{"uncoded error", errors.New("boom"), http.StatusInternalServerError, "internal_error", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := httptest.NewRecorder()
			WriteError(w, tt.err)

			assert.Equal(t, tt.wantStatus, w.Code)
			assert.Equal(t, "application/json", w.Header().Get("Content-Type"))

			var body map[string]string
			require.NoError(t, json.NewDecoder(w.Body).Decode(&body))
			if tt.wantCode != "" {
				assert.Equal(t, tt.wantCode, body["error"])
			}
			if tt.wantDesc == "" {
				assert.NotContains(t, body, "error_description")
			} else {
				assert.Equal(t, tt.wantDesc, body["error_description"])
			}
		})
	}
}

func TestStatusFor_UnknownCode(t *testing.T) {
	assert.Equal(t, http.StatusInternalServerError, StatusFor(dErrors.Code("mystery")))
}

func TestWriteJSON(t *testing.T) {
	w := httptest.NewRecorder()
	WriteJSON(w, http.StatusAccepted, map[string]string{"ticket_id": "TKT-1"})

	assert.Equal(t, http.StatusAccepted, w.Code)
	assert.JSONEq(t, `{"ticket_id":"TKT-1"}`, w.Body.String())
}
