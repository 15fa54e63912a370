package escrow

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/lib/pq"
	"github.com/taskbazaar/settlement/internal/apierr"
)

// PostgresStore persists escrow data in PostgreSQL. The guarded update is a
// conditional UPDATE on the expected status; zero affected rows on an
// existing record means another writer won the race.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed escrow store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const escrowColumns = `id, order_id, buyer_addr, seller_addr, amount_minor, fee_minor,
	seller_minor, status, funding_tx_ref, funding_nonce, release_tx_refs, funded_at,
	auto_release_at, disputed_at, dispute_reason, resolution, released_by, created_at, updated_at`

func (p *PostgresStore) Create(ctx context.Context, e *Escrow) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO escrows (`+escrowColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19)`,
		e.ID, e.OrderID, e.BuyerAddr, e.SellerAddr, e.AmountMinor, e.FeeMinor,
		e.SellerMinor, string(e.Status), nullString(e.FundingTxRef), e.FundingNonce,
		pq.Array(e.ReleaseTxRefs), nullTime(e.FundedAt), nullTime(e.AutoReleaseAt),
		nullTime(e.DisputedAt), nullString(e.DisputeReason), nullString(e.Resolution),
		nullString(e.ReleasedBy), e.CreatedAt, e.UpdatedAt,
	)
	return err
}

func (p *PostgresStore) Get(ctx context.Context, id string) (*Escrow, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+escrowColumns+` FROM escrows WHERE id = $1`, id)

	e, err := scanEscrow(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("escrow %s: %w", id, apierr.ErrNotFound)
	}
	return e, err
}

func (p *PostgresStore) GetByOrder(ctx context.Context, orderID string) (*Escrow, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+escrowColumns+` FROM escrows WHERE order_id = $1`, orderID)

	e, err := scanEscrow(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("escrow for order %s: %w", orderID, apierr.ErrNotFound)
	}
	return e, err
}

func (p *PostgresStore) UpdateIf(ctx context.Context, e *Escrow, expect Status) error {
	result, err := p.db.ExecContext(ctx, `
		UPDATE escrows SET
			status = $1, funding_tx_ref = $2, release_tx_refs = $3, funded_at = $4,
			auto_release_at = $5, disputed_at = $6, dispute_reason = $7,
			resolution = $8, released_by = $9, updated_at = $10
		WHERE id = $11 AND status = $12`,
		string(e.Status), nullString(e.FundingTxRef), pq.Array(e.ReleaseTxRefs),
		nullTime(e.FundedAt), nullTime(e.AutoReleaseAt), nullTime(e.DisputedAt),
		nullString(e.DisputeReason), nullString(e.Resolution), nullString(e.ReleasedBy),
		e.UpdatedAt, e.ID, string(expect),
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
		err := p.db.QueryRowContext(ctx, `SELECT status FROM escrows WHERE id = $1`, e.ID).Scan(&cur)
		if err == sql.ErrNoRows {
			return fmt.Errorf("escrow %s: %w", e.ID, apierr.ErrNotFound)
		}
		if err != nil {
			return err
		}
		return fmt.Errorf("escrow %s is %s, expected %s: %w",
			e.ID, cur, expect, apierr.ErrConcurrentModification)
	}
	return nil
}

func (p *PostgresStore) ListByAgent(ctx context.Context, addr string, limit int) ([]*Escrow, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+escrowColumns+`
		FROM escrows
		WHERE buyer_addr = $1 OR seller_addr = $1
		ORDER BY created_at DESC
		LIMIT $2`, addr, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	return collectEscrows(rows)
}

func (p *PostgresStore) ListDueForRelease(ctx context.Context, before time.Time, limit int) ([]*Escrow, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+escrowColumns+`
		FROM escrows
		WHERE status = $1 AND auto_release_at IS NOT NULL AND auto_release_at <= $2
		ORDER BY auto_release_at ASC
		LIMIT $3`, string(StatusFunded), before, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	return collectEscrows(rows)
}

// scanner is satisfied by both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...interface{}) error
}

func scanEscrow(s scanner) (*Escrow, error) {
	e := &Escrow{}
	var (
		status        string
		fundingTxRef  sql.NullString
		releaseTxRefs pq.StringArray
		fundedAt      sql.NullTime
		autoReleaseAt sql.NullTime
		disputedAt    sql.NullTime
		disputeReason sql.NullString
		resolution    sql.NullString
		releasedBy    sql.NullString
	)
	err := s.Scan(
		&e.ID, &e.OrderID, &e.BuyerAddr, &e.SellerAddr, &e.AmountMinor, &e.FeeMinor,
		&e.SellerMinor, &status, &fundingTxRef, &e.FundingNonce, &releaseTxRefs, &fundedAt,
		&autoReleaseAt, &disputedAt, &disputeReason, &resolution, &releasedBy,
		&e.CreatedAt, &e.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	e.Status = Status(status)
	e.FundingTxRef = fundingTxRef.String
	e.ReleaseTxRefs = []string(releaseTxRefs)
	e.DisputeReason = disputeReason.String
	e.Resolution = resolution.String
	e.ReleasedBy = releasedBy.String
	e.FundedAt = timePtr(fundedAt)
	e.AutoReleaseAt = timePtr(autoReleaseAt)
	e.DisputedAt = timePtr(disputedAt)
	return e, nil
}

func collectEscrows(rows *sql.Rows) ([]*Escrow, error) {
	var result []*Escrow
	for rows.Next() {
		e, err := scanEscrow(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, e)
	}
	return result, rows.Err()
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
