package ticket

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/lib/pq"

	"sire/internal/sire/models"
	"sire/pkg/platform/sentinel"
)

const uniqueViolation = "23505"

// PostgresStore persists tickets in the sire_tickets table.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgres(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const ticketColumns = `id, taxpayer_id, operation, params, priority, status, status_message, warning,
	progress, remote_ref, submit_attempts, poll_attempts, retrieval_attempts, error_code, error_message,
	output, estimated_duration_ms, requested_by, created_at, updated_at, expires_at,
	processing_started_at, processing_ended_at, version`

var nonTerminal = []string{
	string(models.StatusPending),
	string(models.StatusSubmitted),
	string(models.StatusProcessing),
}

func (s *PostgresStore) Create(ctx context.Context, t *models.Ticket) error {
	row, err := toRow(t)
	if err != nil {
		return err
	}
	query := `
		INSERT INTO sire_tickets (` + ticketColumns + `, priority_weight)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20, $21, $22, $23, 1, $24)
	`
	_, err = s.db.ExecContext(ctx, query,
		t.ID, t.TaxpayerID, t.Operation, row.params, string(t.Priority), string(t.Status), t.StatusMessage, t.Warning,
		t.Progress, t.RemoteRef, t.SubmitAttempts, t.PollAttempts, t.RetrievalAttempts, t.ErrorCode, t.ErrorMessage,
		row.output, t.EstimatedDuration.Milliseconds(), row.origin, t.CreatedAt, t.UpdatedAt, t.ExpiresAt,
		t.ProcessingStartedAt, t.ProcessingEndedAt, t.Priority.Weight(),
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return sentinel.ErrAlreadyExists
		}
		return fmt.Errorf("insert ticket: %w", err)
	}
	t.Version = 1
	return nil
}

func (s *PostgresStore) FindByID(ctx context.Context, id string) (*models.Ticket, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+ticketColumns+` FROM sire_tickets WHERE id = $1`, id)
	t, err := scanTicket(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, sentinel.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("find ticket: %w", err)
	}
	return t, nil
}

// Update writes t when its Version still matches the row; the version column
// is bumped in the same statement.
func (s *PostgresStore) Update(ctx context.Context, t *models.Ticket) error {
	row, err := toRow(t)
	if err != nil {
		return err
	}
	query := `
		UPDATE sire_tickets SET
			status = $2, status_message = $3, warning = $4, progress = $5, remote_ref = $6,
			submit_attempts = $7, poll_attempts = $8, retrieval_attempts = $9,
			error_code = $10, error_message = $11, output = $12, updated_at = $13,
			processing_started_at = $14, processing_ended_at = $15, version = version + 1
		WHERE id = $1 AND version = $16
	`
	res, err := s.db.ExecContext(ctx, query,
		t.ID, string(t.Status), t.StatusMessage, t.Warning, t.Progress, t.RemoteRef,
		t.SubmitAttempts, t.PollAttempts, t.RetrievalAttempts,
		t.ErrorCode, t.ErrorMessage, row.output, t.UpdatedAt,
		t.ProcessingStartedAt, t.ProcessingEndedAt, t.Version,
	)
	if err != nil {
		return fmt.Errorf("update ticket: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update ticket rows affected: %w", err)
	}
	if n == 0 {
		var exists bool
		if err := s.db.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM sire_tickets WHERE id = $1)`, t.ID).Scan(&exists); err != nil {
			return fmt.Errorf("check ticket exists: %w", err)
		}
		if !exists {
			return sentinel.ErrNotFound
		}
		return sentinel.ErrConflict
	}
	t.Version++
	return nil
}

func (s *PostgresStore) ListByTaxpayer(ctx context.Context, taxpayerID string, f models.TicketFilter) ([]*models.Ticket, error) {
	f = f.Normalize()
	where := []string{"taxpayer_id = $1"}
	args := []any{taxpayerID}
	if f.Operation != "" {
		args = append(args, f.Operation)
		where = append(where, fmt.Sprintf("operation = $%d", len(args)))
	}
	if f.Status != "" {
		args = append(args, string(f.Status))
		cond := fmt.Sprintf("status = $%d", len(args))
		if !f.AsOf.IsZero() {
			// Match what lazy expiry will show at AsOf.
			switch {
			case f.Status == models.StatusExpired:
				args = append(args, pq.Array(nonTerminal), f.AsOf)
				cond = fmt.Sprintf("(%s OR (status = ANY($%d::text[]) AND expires_at <= $%d))", cond, len(args)-1, len(args))
			case !f.Status.IsTerminal():
				args = append(args, f.AsOf)
				cond = fmt.Sprintf("%s AND expires_at > $%d", cond, len(args))
			}
		}
		where = append(where, cond)
	}
	if f.CreatedAfter != nil {
		args = append(args, *f.CreatedAfter)
		where = append(where, fmt.Sprintf("created_at > $%d", len(args)))
	}
	if f.CreatedBefore != nil {
		args = append(args, *f.CreatedBefore)
		where = append(where, fmt.Sprintf("created_at < $%d", len(args)))
	}
	args = append(args, f.Limit, f.Offset)
	query := fmt.Sprintf(`SELECT %s FROM sire_tickets WHERE %s ORDER BY created_at DESC, id DESC LIMIT $%d OFFSET $%d`,
		ticketColumns, strings.Join(where, " AND "), len(args)-1, len(args))
	return s.query(ctx, query, args...)
}

func (s *PostgresStore) ListActive(ctx context.Context, limit int) ([]*models.Ticket, error) {
	query := `
		SELECT ` + ticketColumns + ` FROM sire_tickets
		WHERE status = ANY($1::text[])
		ORDER BY priority_weight DESC, created_at ASC
		LIMIT $2
	`
	return s.query(ctx, query, pq.Array(nonTerminal), limitOrAll(limit))
}

func (s *PostgresStore) ListStale(ctx context.Context, now time.Time, limit int) ([]*models.Ticket, error) {
	query := `
		SELECT ` + ticketColumns + ` FROM sire_tickets
		WHERE status = ANY($1::text[]) AND expires_at <= $2
		ORDER BY expires_at ASC
		LIMIT $3
	`
	return s.query(ctx, query, pq.Array(nonTerminal), now, limitOrAll(limit))
}

func (s *PostgresStore) PurgeExpiredBefore(ctx context.Context, cutoff time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM sire_tickets WHERE expires_at < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("purge tickets: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("purge tickets rows affected: %w", err)
	}
	return int(n), nil
}

func (s *PostgresStore) Stats(ctx context.Context, taxpayerID string) (*models.TicketStats, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT status, COUNT(*), MAX(updated_at)
		FROM sire_tickets WHERE taxpayer_id = $1
		GROUP BY status
	`, taxpayerID)
	if err != nil {
		return nil, fmt.Errorf("ticket stats: %w", err)
	}
	defer rows.Close()

	stats := &models.TicketStats{ByStatus: make(map[models.TicketStatus]int)}
	for rows.Next() {
		var (
			status string
			count  int
			latest time.Time
		)
		if err := rows.Scan(&status, &count, &latest); err != nil {
			return nil, fmt.Errorf("scan ticket stats: %w", err)
		}
		stats.Total += count
		stats.ByStatus[models.TicketStatus(status)] = count
		if stats.LatestActivity == nil || latest.After(*stats.LatestActivity) {
			ts := latest
			stats.LatestActivity = &ts
		}
	}
	return stats, rows.Err()
}

func (s *PostgresStore) query(ctx context.Context, query string, args ...any) ([]*models.Ticket, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list tickets: %w", err)
	}
	defer rows.Close()

	out := make([]*models.Ticket, 0)
	for rows.Next() {
		t, err := scanTicket(rows)
		if err != nil {
			return nil, fmt.Errorf("scan ticket: %w", err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

type encodedRow struct {
	params []byte
	output []byte
	origin []byte
}

func toRow(t *models.Ticket) (encodedRow, error) {
	var (
		r   encodedRow
		err error
	)
	params := t.Params
	if params == nil {
		params = map[string]string{}
	}
	if r.params, err = json.Marshal(params); err != nil {
		return r, fmt.Errorf("encode params: %w", err)
	}
	if t.Output != nil {
		if r.output, err = json.Marshal(t.Output); err != nil {
			return r, fmt.Errorf("encode output: %w", err)
		}
	}
	if r.origin, err = json.Marshal(t.RequestedBy); err != nil {
		return r, fmt.Errorf("encode origin: %w", err)
	}
	return r, nil
}

func scanTicket(row scanner) (*models.Ticket, error) {
	var (
		t                    models.Ticket
		priority, status     string
		params, output, orig []byte
		estimatedMs          int64
		startedAt, endedAt   sql.NullTime
	)
	err := row.Scan(
		&t.ID, &t.TaxpayerID, &t.Operation, &params, &priority, &status, &t.StatusMessage, &t.Warning,
		&t.Progress, &t.RemoteRef, &t.SubmitAttempts, &t.PollAttempts, &t.RetrievalAttempts, &t.ErrorCode, &t.ErrorMessage,
		&output, &estimatedMs, &orig, &t.CreatedAt, &t.UpdatedAt, &t.ExpiresAt,
		&startedAt, &endedAt, &t.Version,
	)
	if err != nil {
		return nil, err
	}
	t.Priority = models.Priority(priority)
	t.Status = models.TicketStatus(status)
	t.EstimatedDuration = time.Duration(estimatedMs) * time.Millisecond
	if err := json.Unmarshal(params, &t.Params); err != nil {
		return nil, fmt.Errorf("decode params: %w", err)
	}
	if len(output) > 0 {
		t.Output = &models.OutputFile{}
		if err := json.Unmarshal(output, t.Output); err != nil {
			return nil, fmt.Errorf("decode output: %w", err)
		}
	}
	if len(orig) > 0 {
		if err := json.Unmarshal(orig, &t.RequestedBy); err != nil {
			return nil, fmt.Errorf("decode origin: %w", err)
		}
	}
	if startedAt.Valid {
		ts := startedAt.Time
		t.ProcessingStartedAt = &ts
	}
	if endedAt.Valid {
		ts := endedAt.Time
		t.ProcessingEndedAt = &ts
	}
	return &t, nil
}

func limitOrAll(limit int) any {
	if limit <= 0 {
		return nil
	}
	return limit
}
