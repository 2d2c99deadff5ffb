package handler

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"sire/internal/sire/models"
	"sire/internal/sire/orchestrator"
	dErrors "sire/pkg/domain-errors"
	"sire/pkg/platform/httputil"
	"sire/pkg/requestcontext"
)

const HeaderContentSHA256 = "X-Content-SHA256"

func (h *Handler) handleCreateTicket(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req CreateTicketRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 64<<10)).Decode(&req); err != nil {
		h.logger.WarnContext(ctx, "invalid create ticket request",
			"request_id", requestcontext.RequestID(ctx),
			"error", err,
		)
		httputil.WriteError(w, dErrors.New(dErrors.CodeBadRequest, "invalid request body"))
		return
	}

	t, err := h.tickets.CreateTicket(ctx, orchestrator.CreateRequest{
		TaxpayerID:  req.TaxpayerID,
		Operation:   req.Operation,
		Params:      req.Params,
		Priority:    models.Priority(req.Priority),
		RequestedBy: originFromContext(ctx),
	})
	if err != nil {
		h.fail(w, r, "failed to create ticket", err)
		return
	}
	httputil.WriteJSON(w, http.StatusAccepted, CreateTicketResponse{
		TicketID:  t.ID,
		Status:    t.Status,
		ExpiresAt: t.ExpiresAt,
	})
}

func (h *Handler) handleGetTicket(w http.ResponseWriter, r *http.Request) {
	t, err := h.tickets.GetStatus(r.Context(), chi.URLParam(r, "ticketID"))
	if err != nil {
		h.fail(w, r, "failed to load ticket", err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, toTicketResponse(t, requestcontext.Now(r.Context())))
}

func (h *Handler) handleAdvanceTicket(w http.ResponseWriter, r *http.Request) {
	t, err := h.tickets.Advance(r.Context(), chi.URLParam(r, "ticketID"))
	if err != nil {
		h.fail(w, r, "failed to advance ticket", err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, toTicketResponse(t, requestcontext.Now(r.Context())))
}

func (h *Handler) handleCancelTicket(w http.ResponseWriter, r *http.Request) {
	t, err := h.tickets.Cancel(r.Context(), chi.URLParam(r, "ticketID"))
	if err != nil {
		h.fail(w, r, "failed to cancel ticket", err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, toTicketResponse(t, requestcontext.Now(r.Context())))
}

func (h *Handler) handleDownloadFile(w http.ResponseWriter, r *http.Request) {
	meta, data, err := h.tickets.Download(r.Context(), chi.URLParam(r, "ticketID"))
	if err != nil {
		h.fail(w, r, "failed to download file", err)
		return
	}
	w.Header().Set("Content-Type", meta.ContentType)
	w.Header().Set("Content-Length", strconv.Itoa(len(data)))
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", meta.Name))
	w.Header().Set(HeaderContentSHA256, meta.Hash)
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
}

func (h *Handler) handleListTickets(w http.ResponseWriter, r *http.Request) {
	f, err := parseFilter(r)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	tickets, err := h.tickets.ListByTaxpayer(r.Context(), chi.URLParam(r, "taxpayerID"), f)
	if err != nil {
		h.fail(w, r, "failed to list tickets", err)
		return
	}
	now := requestcontext.Now(r.Context())
	resp := TicketListResponse{Tickets: make([]TicketResponse, 0, len(tickets))}
	for _, t := range tickets {
		resp.Tickets = append(resp.Tickets, toTicketResponse(t, now))
	}
	resp.Count = len(resp.Tickets)
	httputil.WriteJSON(w, http.StatusOK, resp)
}

func (h *Handler) handleStats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.tickets.Stats(r.Context(), chi.URLParam(r, "taxpayerID"))
	if err != nil {
		h.fail(w, r, "failed to load ticket stats", err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, stats)
}

func (h *Handler) handleSweep(w http.ResponseWriter, r *http.Request) {
	res, err := h.sweeper.Sweep(r.Context())
	if err != nil {
		h.fail(w, r, "maintenance sweep failed", err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, res)
}

// fail logs and renders err. Client errors log at warn, everything else at error.
func (h *Handler) fail(w http.ResponseWriter, r *http.Request, msg string, err error) {
	ctx := r.Context()
	level := h.logger.ErrorContext
	if code, ok := dErrors.CodeOf(err); ok && httputil.StatusFor(code) < http.StatusInternalServerError {
		level = h.logger.WarnContext
	}
	level(ctx, msg,
		"request_id", requestcontext.RequestID(ctx),
		"ticket_id", chi.URLParam(r, "ticketID"),
		"taxpayer_id", chi.URLParam(r, "taxpayerID"),
		"error", err,
	)
	httputil.WriteError(w, err)
}

func parseFilter(r *http.Request) (models.TicketFilter, error) {
	q := r.URL.Query()
	f := models.TicketFilter{
		Operation: q.Get("operation"),
		Status:    models.TicketStatus(q.Get("status")),
	}
	var err error
	if f.Limit, err = intParam(q.Get("limit")); err != nil {
		return f, dErrors.New(dErrors.CodeBadRequest, "limit must be a non-negative integer")
	}
	if f.Offset, err = intParam(q.Get("offset")); err != nil {
		return f, dErrors.New(dErrors.CodeBadRequest, "offset must be a non-negative integer")
	}
	if f.CreatedAfter, err = timeParam(q.Get("created_after")); err != nil {
		return f, dErrors.New(dErrors.CodeBadRequest, "created_after must be RFC 3339")
	}
	if f.CreatedBefore, err = timeParam(q.Get("created_before")); err != nil {
		return f, dErrors.New(dErrors.CodeBadRequest, "created_before must be RFC 3339")
	}
	return f, nil
}

func intParam(v string) (int, error) {
	if v == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("invalid integer %q", v)
	}
	return n, nil
}

func timeParam(v string) (*time.Time, error) {
	if v == "" {
		return nil, nil
	}
	t, err := time.Parse(time.RFC3339, v)
	if err != nil {
		return nil, err
	}
	return &t, nil
}
