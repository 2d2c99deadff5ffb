package models

import (
	"time"
)

// TicketStatus is the local lifecycle state of a ticket.
type TicketStatus string

const (
	StatusPending    TicketStatus = "PENDING"
	StatusSubmitted  TicketStatus = "SUBMITTED"
	StatusProcessing TicketStatus = "PROCESSING"
	StatusCompleted  TicketStatus = "COMPLETED"
	StatusError      TicketStatus = "ERROR"
	StatusExpired    TicketStatus = "EXPIRED"
)

// IsTerminal reports whether no further transition is permitted.
func (s TicketStatus) IsTerminal() bool {
	switch s {
	case StatusCompleted, StatusError, StatusExpired:
		return true
	}
	return false
}

// IsValid reports whether s is one of the known statuses.
func (s TicketStatus) IsValid() bool {
	switch s {
	case StatusPending, StatusSubmitted, StatusProcessing, StatusCompleted, StatusError, StatusExpired:
		return true
	}
	return false
}

// Rank orders statuses along the lifecycle; terminal states share the top rank
// except EXPIRED, which may follow any non-terminal state.
func (s TicketStatus) Rank() int {
	switch s {
	case StatusPending:
		return 0
	case StatusSubmitted:
		return 1
	case StatusProcessing:
		return 2
	case StatusCompleted, StatusError:
		return 3
	case StatusExpired:
		return 4
	}
	return -1
}

// Priority orders active tickets for the scheduler.
type Priority string

const (
	PriorityLow    Priority = "LOW"
	PriorityNormal Priority = "NORMAL"
	PriorityHigh   Priority = "HIGH"
	PriorityUrgent Priority = "URGENT"
)

// ParsePriority accepts the four priorities; empty means NORMAL.
func ParsePriority(s string) (Priority, bool) {
	switch Priority(s) {
	case "":
		return PriorityNormal, true
	case PriorityLow, PriorityNormal, PriorityHigh, PriorityUrgent:
		return Priority(s), true
	}
	return "", false
}

// Weight is used for ordering; higher runs first.
func (p Priority) Weight() int {
	switch p {
	case PriorityLow:
		return 0
	case PriorityHigh:
		return 2
	case PriorityUrgent:
		return 3
	}
	return 1
}

// OutputFile describes the artifact produced by a completed ticket.
type OutputFile struct {
	Name        string `json:"name"`
	Size        int64  `json:"size"`
	ContentType string `json:"content_type"`
	Hash        string `json:"hash"`
}

// Origin records who asked for a ticket.
type Origin struct {
	Caller    string `json:"caller,omitempty"`
	ClientIP  string `json:"client_ip,omitempty"`
	UserAgent string `json:"user_agent,omitempty"`
}

// Ticket is the locally tracked handle for one asynchronous remote operation.
type Ticket struct {
	ID                  string            `json:"id"`
	TaxpayerID          string            `json:"taxpayer_id"`
	Operation           string            `json:"operation"`
	Params              map[string]string `json:"params"`
	Priority            Priority          `json:"priority"`
	Status              TicketStatus      `json:"status"`
	StatusMessage       string            `json:"status_message"`
	Warning             string            `json:"warning,omitempty"`
	Progress            float64           `json:"progress"`
	RemoteRef           string            `json:"remote_ref,omitempty"`
	SubmitAttempts      int               `json:"submit_attempts"`
	PollAttempts        int               `json:"poll_attempts"`
	RetrievalAttempts   int               `json:"retrieval_attempts"`
	ErrorCode           string            `json:"error_code,omitempty"`
	ErrorMessage        string            `json:"error_message,omitempty"`
	Output              *OutputFile       `json:"output,omitempty"`
	EstimatedDuration   time.Duration     `json:"estimated_duration"`
	RequestedBy         Origin            `json:"requested_by"`
	CreatedAt           time.Time         `json:"created_at"`
	UpdatedAt           time.Time         `json:"updated_at"`
	ExpiresAt           time.Time         `json:"expires_at"`
	ProcessingStartedAt *time.Time        `json:"processing_started_at,omitempty"`
	ProcessingEndedAt   *time.Time        `json:"processing_ended_at,omitempty"`
	Version             int64             `json:"version"`
}

// IsExpired reports whether the ticket is non-terminal and past its expiry.
func (t *Ticket) IsExpired(now time.Time) bool {
	return !t.Status.IsTerminal() && !now.Before(t.ExpiresAt)
}

// Clone returns a deep copy so stores never share mutable state with callers.
func (t *Ticket) Clone() *Ticket {
	if t == nil {
		return nil
	}
	c := *t
	if t.Params != nil {
		c.Params = make(map[string]string, len(t.Params))
		for k, v := range t.Params {
			c.Params[k] = v
		}
	}
	if t.Output != nil {
		out := *t.Output
		c.Output = &out
	}
	if t.ProcessingStartedAt != nil {
		ts := *t.ProcessingStartedAt
		c.ProcessingStartedAt = &ts
	}
	if t.ProcessingEndedAt != nil {
		ts := *t.ProcessingEndedAt
		c.ProcessingEndedAt = &ts
	}
	return &c
}

// Elapsed returns processing time so far, or zero before submission.
func (t *Ticket) Elapsed(now time.Time) time.Duration {
	if t.ProcessingStartedAt == nil {
		return 0
	}
	end := now
	if t.ProcessingEndedAt != nil {
		end = *t.ProcessingEndedAt
	}
	return end.Sub(*t.ProcessingStartedAt)
}

// Remaining estimates the time left before the remote job finishes.
func (t *Ticket) Remaining(now time.Time) time.Duration {
	if t.EstimatedDuration == 0 || t.ProcessingStartedAt == nil || t.Status.IsTerminal() {
		return 0
	}
	left := t.EstimatedDuration - t.Elapsed(now)
	if left < 0 {
		return 0
	}
	return left
}

// TicketFilter narrows ListByTaxpayer results.
type TicketFilter struct {
	Operation     string
	Status        TicketStatus
	CreatedAfter  *time.Time
	CreatedBefore *time.Time
	Limit         int
	Offset        int
	// AsOf, when set, makes Status match the status a ticket shows at that
	// instant: non-terminal tickets past their expiry count as EXPIRED.
	AsOf time.Time
}

const (
	DefaultListLimit = 50
	MaxListLimit     = 100
)

// Normalize clamps paging to the allowed window.
func (f TicketFilter) Normalize() TicketFilter {
	if f.Limit <= 0 {
		f.Limit = DefaultListLimit
	}
	if f.Limit > MaxListLimit {
		f.Limit = MaxListLimit
	}
	if f.Offset < 0 {
		f.Offset = 0
	}
	return f
}

// Matches reports whether t satisfies the filter predicates (paging excluded).
func (f TicketFilter) Matches(t *Ticket) bool {
	if f.Operation != "" && t.Operation != f.Operation {
		return false
	}
	if f.Status != "" && f.effectiveStatus(t) != f.Status {
		return false
	}
	if f.CreatedAfter != nil && !t.CreatedAt.After(*f.CreatedAfter) {
		return false
	}
	if f.CreatedBefore != nil && !t.CreatedAt.Before(*f.CreatedBefore) {
		return false
	}
	return true
}

func (f TicketFilter) effectiveStatus(t *Ticket) TicketStatus {
	if !f.AsOf.IsZero() && t.IsExpired(f.AsOf) {
		return StatusExpired
	}
	return t.Status
}

// TicketStats summarizes tickets by status.
type TicketStats struct {
	Total          int                  `json:"total"`
	ByStatus       map[TicketStatus]int `json:"by_status"`
	LatestActivity *time.Time           `json:"latest_activity,omitempty"`
}

// TicketEvent is published after every persisted transition.
type TicketEvent struct {
	Type       string       `json:"type"`
	TicketID   string       `json:"ticket_id"`
	TaxpayerID string       `json:"taxpayer_id"`
	Operation  string       `json:"operation"`
	From       TicketStatus `json:"from,omitempty"`
	To         TicketStatus `json:"to"`
	Message    string       `json:"message,omitempty"`
	OccurredAt time.Time    `json:"occurred_at"`
}

const (
	EventTicketCreated    = "ticket.created"
	EventTicketTransition = "ticket.transition"
)
