package dispute

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/taskbazaar/settlement/internal/apierr"
)

// PostgresStore persists disputes in PostgreSQL with the same guarded-update
// contract as the escrow store: a conditional UPDATE on the expected status,
// where zero affected rows on an existing record means a lost race.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed dispute store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const disputeColumns = `id, order_id, escrow_id, category, reason, details, status,
	ai_analysis, ai_recommendation, ai_confidence, resolution, notes, resolved_by,
	opened_at, arbitrated_at, resolved_at, updated_at`

func (p *PostgresStore) Create(ctx context.Context, d *Dispute) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO disputes (`+disputeColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17)`,
		d.ID, d.OrderID, d.EscrowID, nullString(d.Category), d.Reason, nullString(d.Details),
		string(d.Status), nullString(d.AIAnalysis), nullString(d.AIRecommendation), d.AIConfidence,
		nullString(d.Resolution), nullString(d.Notes), nullString(d.ResolvedBy),
		d.OpenedAt, nullTime(d.ArbitratedAt), nullTime(d.ResolvedAt), d.UpdatedAt,
	)
	return err
}

func (p *PostgresStore) Get(ctx context.Context, id string) (*Dispute, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+disputeColumns+` FROM disputes WHERE id = $1`, id)

	d, err := scanDispute(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("dispute %s: %w", id, apierr.ErrNotFound)
	}
	return d, err
}

func (p *PostgresStore) GetOpenByEscrow(ctx context.Context, escrowID string) (*Dispute, error) {
	row := p.db.QueryRowContext(ctx, `
		SELECT `+disputeColumns+`
		FROM disputes
		WHERE escrow_id = $1 AND status = $2`, escrowID, string(StatusOpen))

	d, err := scanDispute(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("open dispute for escrow %s: %w", escrowID, apierr.ErrNotFound)
	}
	return d, err
}

func (p *PostgresStore) UpdateIf(ctx context.Context, d *Dispute, expect Status) error {
	result, err := p.db.ExecContext(ctx, `
		UPDATE disputes SET
			status = $1, ai_analysis = $2, ai_recommendation = $3, ai_confidence = $4,
			resolution = $5, notes = $6, resolved_by = $7, arbitrated_at = $8,
			resolved_at = $9, updated_at = $10
		WHERE id = $11 AND status = $12`,
		string(d.Status), nullString(d.AIAnalysis), nullString(d.AIRecommendation), d.AIConfidence,
		nullString(d.Resolution), nullString(d.Notes), nullString(d.ResolvedBy),
		nullTime(d.ArbitratedAt), nullTime(d.ResolvedAt), d.UpdatedAt, d.ID, string(expect),
	)
	if err != nil {
		return err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		// Distinguish a lost race from a missing record.
		var cur string
		err := p.db.QueryRowContext(ctx, `SELECT status FROM disputes WHERE id = $1`, d.ID).Scan(&cur)
		if err == sql.ErrNoRows {
			return fmt.Errorf("dispute %s: %w", d.ID, apierr.ErrNotFound)
		}
		if err != nil {
			return err
		}
		return fmt.Errorf("dispute %s is %s, expected %s: %w",
			d.ID, cur, expect, apierr.ErrConcurrentModification)
	}
	return nil
}

func (p *PostgresStore) ListByStatus(ctx context.Context, status Status, limit int) ([]*Dispute, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+disputeColumns+`
		FROM disputes
		WHERE status = $1
		ORDER BY opened_at DESC
		LIMIT $2`, string(status), limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var result []*Dispute
	for rows.Next() {
		d, err := scanDispute(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, d)
	}
	return result, rows.Err()
}

// scanner is satisfied by both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...interface{}) error
}

func scanDispute(s scanner) (*Dispute, error) {
	d := &Dispute{}
	var (
		status           string
		category         sql.NullString
		details          sql.NullString
		aiAnalysis       sql.NullString
		aiRecommendation sql.NullString
		resolution       sql.NullString
		notes            sql.NullString
		resolvedBy       sql.NullString
		arbitratedAt     sql.NullTime
		resolvedAt       sql.NullTime
	)
	err := s.Scan(
		&d.ID, &d.OrderID, &d.EscrowID, &category, &d.Reason, &details, &status,
		&aiAnalysis, &aiRecommendation, &d.AIConfidence, &resolution, &notes, &resolvedBy,
		&d.OpenedAt, &arbitratedAt, &resolvedAt, &d.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	d.Status = Status(status)
	d.Category = category.String
	d.Details = details.String
	d.AIAnalysis = aiAnalysis.String
	d.AIRecommendation = aiRecommendation.String
	d.Resolution = resolution.String
	d.Notes = notes.String
	d.ResolvedBy = resolvedBy.String
	d.ArbitratedAt = timePtr(arbitratedAt)
	d.ResolvedAt = timePtr(resolvedAt)
	return d, nil
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

func timePtr(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	utc := t.Time.UTC()
	return &utc
}

// Compile-time assertion that PostgresStore implements Store.
var _ Store = (*PostgresStore)(nil)
