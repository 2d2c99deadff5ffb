package credentials

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"sire/internal/sire/models"
	"sire/pkg/platform/sentinel"
)

// PostgresStore persists sealed envelopes in the taxpayer_credentials table.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgres(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) Get(ctx context.Context, taxpayerID string) (*models.SealedCredentials, error) {
	query := `SELECT taxpayer_id, nonce, ciphertext, updated_at FROM taxpayer_credentials WHERE taxpayer_id = $1`
	var rec models.SealedCredentials
	err := s.db.QueryRowContext(ctx, query, taxpayerID).Scan(&rec.TaxpayerID, &rec.Nonce, &rec.Ciphertext, &rec.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, sentinel.ErrNotFound
		}
		return nil, fmt.Errorf("find credentials: %w", err)
	}
	return &rec, nil
}

func (s *PostgresStore) Put(ctx context.Context, rec *models.SealedCredentials) error {
	query := `
		INSERT INTO taxpayer_credentials (taxpayer_id, nonce, ciphertext, updated_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (taxpayer_id) DO UPDATE
		SET nonce = EXCLUDED.nonce, ciphertext = EXCLUDED.ciphertext, updated_at = EXCLUDED.updated_at
	`
	if _, err := s.db.ExecContext(ctx, query, rec.TaxpayerID, rec.Nonce, rec.Ciphertext, rec.UpdatedAt); err != nil {
		return fmt.Errorf("upsert credentials: %w", err)
	}
	return nil
}

func (s *PostgresStore) Delete(ctx context.Context, taxpayerID string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM taxpayer_credentials WHERE taxpayer_id = $1`, taxpayerID)
	if err != nil {
		return fmt.Errorf("delete credentials: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("delete credentials: %w", err)
	}
	if n == 0 {
		return sentinel.ErrNotFound
	}
	return nil
}

func (s *PostgresStore) List(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT taxpayer_id FROM taxpayer_credentials ORDER BY taxpayer_id`)
	if err != nil {
		return nil, fmt.Errorf("list credentials: %w", err)
	}
	defer rows.Close()

	ids := make([]string, 0)
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan credentials: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}
