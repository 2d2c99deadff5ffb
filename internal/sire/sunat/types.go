package sunat

import (
	"encoding/json"
	"strconv"
	"strings"

	"sire/internal/sire/models"
)

// RemoteState is the provider's view of a remote job.
type RemoteState int

const (
	RemotePending RemoteState = iota
	RemoteProcessing
	RemoteDone
	RemoteFailed
	RemoteCancelled
)

func (s RemoteState) String() string {
	switch s {
	case RemotePending:
		return "pending"
	case RemoteProcessing:
		return "processing"
	case RemoteDone:
		return "done"
	case RemoteFailed:
		return "failed"
	case RemoteCancelled:
		return "cancelled"
	}
	return "unknown"
}

// parseRemoteState maps the provider's "estado" codes ("0".."4") and their
// textual variants.
func parseRemoteState(v string) (RemoteState, bool) {
	switch strings.ToUpper(strings.TrimSpace(v)) {
	case "0", "PENDIENTE", "PENDING":
		return RemotePending, true
	case "1", "PROCESANDO", "EN PROCESO", "PROCESSING":
		return RemoteProcessing, true
	case "2", "TERMINADO", "COMPLETADO", "DONE":
		return RemoteDone, true
	case "3", "ERROR", "FAILED":
		return RemoteFailed, true
	case "4", "CANCELADO", "ANULADO", "CANCELLED":
		return RemoteCancelled, true
	}
	return 0, false
}

// SubmitResponse is the provider acknowledgement of a new remote job.
type SubmitResponse struct {
	RemoteRef string
	Message   string
}

// PollResponse is one observation of a remote job.
type PollResponse struct {
	RemoteRef string
	State     RemoteState
	Progress  *float64
	Message   string
	File      *models.RemoteFile
	ErrorCode string
	ErrorText string
}

type tokenResponse struct {
	AccessToken  string      `json:"access_token"`
	TokenType    string      `json:"token_type"`
	ExpiresIn    json.Number `json:"expires_in"`
	RefreshToken string      `json:"refresh_token"`
	Scope        string      `json:"scope"`
}

type submitResponse struct {
	NumTicket flexString `json:"numTicket"`
	Ticket    flexString `json:"ticket"`
	Message   string     `json:"mensaje"`
	DesMsg    string     `json:"desMensaje"`
}

type pollResponse struct {
	Ticket      flexString  `json:"ticket"`
	NumTicket   flexString  `json:"numTicket"`
	State       flexString  `json:"estado"`
	Progress    *flexNumber `json:"porcentaje_avance"`
	Message     string      `json:"mensaje"`
	FileName    string      `json:"nombre_archivo"`
	FileSize    *flexNumber `json:"tamaño_archivo"`
	FileHash    string      `json:"hash_archivo"`
	ErrorCode   flexString  `json:"codigo_error"`
	ErrorDetail string      `json:"detalle_error"`
}

// flexString accepts a JSON string or number.
type flexString string

func (f *flexString) UnmarshalJSON(b []byte) error {
	if string(b) == "null" {
		return nil
	}
	if len(b) > 0 && b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*f = flexString(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return err
	}
	*f = flexString(n.String())
	return nil
}

// flexNumber accepts a JSON number or a numeric string.
type flexNumber float64

func (f *flexNumber) UnmarshalJSON(b []byte) error {
	if string(b) == "null" {
		return nil
	}
	s := string(b)
	if len(b) > 0 && b[0] == '"' {
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
	}
	s = strings.TrimSuffix(strings.TrimSpace(s), "%")
	if s == "" {
		return nil
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return err
	}
	*f = flexNumber(v)
	return nil
}
