package handler

import (
	"context"
	"strings"
	"time"

	"github.com/mssola/useragent"

	"sire/internal/sire/models"
	"sire/pkg/requestcontext"
)

type CreateTicketRequest struct {
	TaxpayerID string            `json:"taxpayer_id"`
	Operation  string            `json:"operation"`
	Params     map[string]string `json:"params"`
	Priority   string            `json:"priority,omitempty"`
}

type CreateTicketResponse struct {
	TicketID  string              `json:"ticket_id"`
	Status    models.TicketStatus `json:"status"`
	ExpiresAt time.Time           `json:"expires_at"`
}

// TicketResponse is the public projection of a ticket.
type TicketResponse struct {
	TicketID         string              `json:"ticket_id"`
	TaxpayerID       string              `json:"taxpayer_id"`
	Operation        string              `json:"operation"`
	Params           map[string]string   `json:"params,omitempty"`
	Priority         models.Priority     `json:"priority"`
	Status           models.TicketStatus `json:"status"`
	StatusMessage    string              `json:"status_message"`
	Warning          string              `json:"warning,omitempty"`
	Progress         float64             `json:"progress"`
	RemoteRef        string              `json:"remote_ref,omitempty"`
	ErrorCode        string              `json:"error_code,omitempty"`
	ErrorMessage     string              `json:"error_message,omitempty"`
	Output           *models.OutputFile  `json:"output,omitempty"`
	RequestedBy      models.Origin       `json:"requested_by"`
	CreatedAt        time.Time           `json:"created_at"`
	UpdatedAt        time.Time           `json:"updated_at"`
	ExpiresAt        time.Time           `json:"expires_at"`
	ElapsedSeconds   float64             `json:"elapsed_seconds"`
	RemainingSeconds float64             `json:"remaining_seconds"`
}

type TicketListResponse struct {
	Tickets []TicketResponse `json:"tickets"`
	Count   int              `json:"count"`
}

func toTicketResponse(t *models.Ticket, now time.Time) TicketResponse {
	return TicketResponse{
		TicketID:         t.ID,
		TaxpayerID:       t.TaxpayerID,
		Operation:        t.Operation,
		Params:           t.Params,
		Priority:         t.Priority,
		Status:           t.Status,
		StatusMessage:    t.StatusMessage,
		Warning:          t.Warning,
		Progress:         t.Progress,
		RemoteRef:        t.RemoteRef,
		ErrorCode:        t.ErrorCode,
		ErrorMessage:     t.ErrorMessage,
		Output:           t.Output,
		RequestedBy:      t.RequestedBy,
		CreatedAt:        t.CreatedAt,
		UpdatedAt:        t.UpdatedAt,
		ExpiresAt:        t.ExpiresAt,
		ElapsedSeconds:   t.Elapsed(now).Seconds(),
		RemainingSeconds: t.Remaining(now).Seconds(),
	}
}

// originFromContext stamps who asked for a ticket. The User-Agent is reduced
// to "browser version (os)" or the bot name so tickets never store raw headers.
func originFromContext(ctx context.Context) models.Origin {
	return models.Origin{
		Caller:    requestcontext.Caller(ctx),
		ClientIP:  requestcontext.ClientIP(ctx),
		UserAgent: summarizeUserAgent(requestcontext.UserAgent(ctx)),
	}
}

func summarizeUserAgent(raw string) string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return ""
	}
	ua := useragent.New(raw)
	name, version := ua.Browser()
	if ua.Bot() {
		return "bot: " + name
	}
	if name == "" {
		if len(raw) > 64 {
			return raw[:64]
		}
		return raw
	}
	out := name
	if version != "" {
		out += " " + version
	}
	if os := ua.OS(); os != "" {
		out += " (" + os + ")"
	}
	return out
}
