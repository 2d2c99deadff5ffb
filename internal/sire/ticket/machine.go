// Package ticket holds the ticket lifecycle: a pure transition function over a
// persisted ticket plus the storage contract for versioned tickets.
//
//	PENDING -> SUBMITTED -> PROCESSING* -> COMPLETED | ERROR
//	any non-terminal past expiry -> EXPIRED
//
// Terminal states never leave; re-submission needs a new ticket.
package ticket

import (
	"fmt"
	"time"

	"sire/internal/sire/models"
)

// EventKind classifies an observed outcome of one advance step.
type EventKind int

const (
	// EventSubmitted: the remote job was accepted and returned a reference.
	EventSubmitted EventKind = iota + 1
	// EventSubmitFailed: submission failed transiently.
	EventSubmitFailed
	// EventRejected: the provider refused the submission definitively.
	EventRejected
	// EventProgress: a poll reported continued work.
	EventProgress
	// EventPollFailed: a poll failed transiently.
	EventPollFailed
	// EventCompleted: the remote job finished and, when it produces a file, the
	// file was materialized.
	EventCompleted
	// EventRetrievalFailed: the remote job finished but the file could not be stored.
	EventRetrievalFailed
	// EventRemoteFailed: the provider reported a definitive failure.
	EventRemoteFailed
	// EventCancelled: the ticket was cancelled by a caller.
	EventCancelled
)

func (k EventKind) String() string {
	switch k {
	case EventSubmitted:
		return "submitted"
	case EventSubmitFailed:
		return "submit_failed"
	case EventRejected:
		return "rejected"
	case EventProgress:
		return "progress"
	case EventPollFailed:
		return "poll_failed"
	case EventCompleted:
		return "completed"
	case EventRetrievalFailed:
		return "retrieval_failed"
	case EventRemoteFailed:
		return "remote_failed"
	case EventCancelled:
		return "cancelled"
	}
	return fmt.Sprintf("event(%d)", int(k))
}

// Event is the input to Apply.
type Event struct {
	Kind      EventKind
	RemoteRef string
	Progress  *float64
	Message   string
	Code      string
	Output    *models.OutputFile
}

// Limits bound the ticket-level attempt counters.
type Limits struct {
	MaxSubmitAttempts    int
	MaxPollAttempts      int
	MaxRetrievalAttempts int
}

// DefaultLimits are used when a Machine is built with zero values.
var DefaultLimits = Limits{
	MaxSubmitAttempts:    5,
	MaxPollAttempts:      120,
	MaxRetrievalAttempts: 3,
}

// Error codes recorded on tickets that fail locally.
const (
	CodeExpired              = "EXPIRED"
	CodeCancelled            = "CANCELLED"
	CodeSubmitExhausted      = "SUBMIT_ATTEMPTS_EXHAUSTED"
	CodePollExhausted        = "POLL_ATTEMPTS_EXHAUSTED"
	CodeRetrievalExhausted   = "RETRIEVAL_ATTEMPTS_EXHAUSTED"
	CodeRemoteFailure        = "REMOTE_ERROR"
	CodeUnexpectedTransition = "UNEXPECTED_TRANSITION"
)

// Machine applies lifecycle events to tickets.
type Machine struct {
	limits Limits
}

// NewMachine builds a Machine; non-positive limits fall back to DefaultLimits.
func NewMachine(l Limits) *Machine {
	if l.MaxSubmitAttempts <= 0 {
		l.MaxSubmitAttempts = DefaultLimits.MaxSubmitAttempts
	}
	if l.MaxPollAttempts <= 0 {
		l.MaxPollAttempts = DefaultLimits.MaxPollAttempts
	}
	if l.MaxRetrievalAttempts <= 0 {
		l.MaxRetrievalAttempts = DefaultLimits.MaxRetrievalAttempts
	}
	return &Machine{limits: l}
}

func (m *Machine) Limits() Limits { return m.limits }

// CheckExpiry moves a non-terminal ticket past its expiry to EXPIRED. It reports
// whether the ticket changed.
func (m *Machine) CheckExpiry(t *models.Ticket, now time.Time) bool {
	if !t.IsExpired(now) {
		return false
	}
	msg := "ticket expired before reaching a terminal state"
	if t.Status == models.StatusPending {
		msg = "ticket expired before submission"
	}
	t.Status = models.StatusExpired
	t.StatusMessage = msg
	t.ErrorCode = CodeExpired
	t.ErrorMessage = msg
	t.UpdatedAt = now
	end := now
	t.ProcessingEndedAt = &end
	return true
}

// Apply transitions t in place according to ev. The lazy expiry check runs
// first; terminal tickets are left untouched and reported as unchanged.
func (m *Machine) Apply(t *models.Ticket, ev Event, now time.Time) (changed bool, err error) {
	if m.CheckExpiry(t, now) {
		return true, nil
	}
	if t.Status.IsTerminal() {
		return false, nil
	}

	switch ev.Kind {
	case EventSubmitted:
		if t.Status != models.StatusPending {
			return false, m.unexpected(t, ev)
		}
		t.Status = models.StatusSubmitted
		t.RemoteRef = ev.RemoteRef
		t.SubmitAttempts++
		t.Warning = ""
		t.StatusMessage = messageOr(ev.Message, "remote job accepted")
		start := now
		t.ProcessingStartedAt = &start

	case EventSubmitFailed:
		if t.Status != models.StatusPending {
			return false, m.unexpected(t, ev)
		}
		t.SubmitAttempts++
		t.Warning = ev.Message
		if t.SubmitAttempts >= m.limits.MaxSubmitAttempts {
			m.fail(t, now, CodeSubmitExhausted,
				fmt.Sprintf("submission failed after %d attempts: %s", t.SubmitAttempts, ev.Message))
		}

	case EventRejected:
		if t.Status != models.StatusPending {
			return false, m.unexpected(t, ev)
		}
		t.SubmitAttempts++
		m.fail(t, now, codeOr(ev.Code, CodeRemoteFailure), messageOr(ev.Message, "submission rejected"))

	case EventProgress:
		if !inFlight(t) {
			return false, m.unexpected(t, ev)
		}
		t.PollAttempts++
		t.Status = models.StatusProcessing
		t.Warning = ""
		if ev.Progress != nil {
			t.Progress = clampProgress(*ev.Progress)
		}
		t.StatusMessage = messageOr(ev.Message, "remote job in progress")
		m.checkPollBudget(t, now)

	case EventPollFailed:
		if !inFlight(t) {
			return false, m.unexpected(t, ev)
		}
		t.PollAttempts++
		t.Warning = ev.Message
		m.checkPollBudget(t, now)

	case EventCompleted:
		if !inFlight(t) {
			return false, m.unexpected(t, ev)
		}
		t.Status = models.StatusCompleted
		t.Progress = 100
		t.Warning = ""
		t.Output = ev.Output
		if ev.Output != nil {
			t.StatusMessage = messageOr(ev.Message, "file generated: "+ev.Output.Name)
		} else {
			t.StatusMessage = messageOr(ev.Message, "remote job completed")
		}
		end := now
		t.ProcessingEndedAt = &end

	case EventRetrievalFailed:
		if !inFlight(t) {
			return false, m.unexpected(t, ev)
		}
		t.Status = models.StatusProcessing
		t.RetrievalAttempts++
		t.Warning = ev.Message
		t.StatusMessage = "remote job finished; retrieving file"
		if t.RetrievalAttempts >= m.limits.MaxRetrievalAttempts {
			m.fail(t, now, CodeRetrievalExhausted,
				fmt.Sprintf("file retrieval failed after %d attempts: %s", t.RetrievalAttempts, ev.Message))
		}

	case EventRemoteFailed:
		m.fail(t, now, codeOr(ev.Code, CodeRemoteFailure), messageOr(ev.Message, "remote job failed"))

	case EventCancelled:
		m.fail(t, now, CodeCancelled, messageOr(ev.Message, "cancelled by request"))

	default:
		return false, m.unexpected(t, ev)
	}

	t.UpdatedAt = now
	return true, nil
}

// checkPollBudget fails the ticket once a poll exceeds MaxPollAttempts.
func (m *Machine) checkPollBudget(t *models.Ticket, now time.Time) {
	if t.PollAttempts > m.limits.MaxPollAttempts {
		m.fail(t, now, CodePollExhausted,
			fmt.Sprintf("poll attempts exhausted after %d polls", t.PollAttempts))
	}
}

func (m *Machine) fail(t *models.Ticket, now time.Time, code, msg string) {
	t.Status = models.StatusError
	t.ErrorCode = code
	t.ErrorMessage = msg
	t.StatusMessage = "error: " + msg
	t.UpdatedAt = now
	end := now
	t.ProcessingEndedAt = &end
}

func (m *Machine) unexpected(t *models.Ticket, ev Event) error {
	return fmt.Errorf("%s: event %s not allowed in status %s", CodeUnexpectedTransition, ev.Kind, t.Status)
}

func inFlight(t *models.Ticket) bool {
	return t.Status == models.StatusSubmitted || t.Status == models.StatusProcessing
}

func clampProgress(p float64) float64 {
	switch {
	case p < 0:
		return 0
	case p > 100:
		return 100
	}
	return p
}

func messageOr(msg, fallback string) string {
	if msg != "" {
		return msg
	}
	return fallback
}

func codeOr(code, fallback string) string {
	if code != "" {
		return code
	}
	return fallback
}
