package order

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/taskbazaar/settlement/internal/apierr"
)

// PostgresStore persists order data in PostgreSQL. The guarded update is a
// conditional UPDATE on the expected status; zero affected rows on an
// existing record means another writer won the race.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed order store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const orderColumns = `id, gig_id, agent_id, buyer_addr, seller_addr, amount_minor, status, requirements, created_at, updated_at`

func (p *PostgresStore) Create(ctx context.Context, o *Order) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO orders (`+orderColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		o.ID, o.GigID, o.AgentID, o.BuyerAddr, o.SellerAddr, o.AmountMinor,
		string(o.Status), nullString(o.Requirements), o.CreatedAt, o.UpdatedAt,
	)
	return err
}

func (p *PostgresStore) Get(ctx context.Context, id string) (*Order, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+orderColumns+` FROM orders WHERE id = $1`, id)

	o, err := scanOrder(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("order %s: %w", id, apierr.ErrNotFound)
	}
	return o, err
}

func (p *PostgresStore) UpdateIf(ctx context.Context, o *Order, expect Status) error {
	result, err := p.db.ExecContext(ctx, `
		UPDATE orders SET
			status = $1, requirements = $2, updated_at = $3
		WHERE id = $4 AND status = $5`,
		string(o.Status), nullString(o.Requirements), o.UpdatedAt,
		o.ID, string(expect),
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
		err := p.db.QueryRowContext(ctx, `SELECT status FROM orders WHERE id = $1`, o.ID).Scan(&cur)
		if err == sql.ErrNoRows {
			return fmt.Errorf("order %s: %w", o.ID, apierr.ErrNotFound)
		}
		if err != nil {
			return err
		}
		return fmt.Errorf("order %s is %s, expected %s: %w",
			o.ID, cur, expect, apierr.ErrConcurrentModification)
	}
	return nil
}

func (p *PostgresStore) ListByBuyer(ctx context.Context, buyerAddr string, limit int) ([]*Order, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+orderColumns+`
		FROM orders
		WHERE buyer_addr = $1
		ORDER BY created_at DESC
		LIMIT $2`, buyerAddr, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var result []*Order
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, o)
	}
	return result, rows.Err()
}

// scanner is satisfied by both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...interface{}) error
}

func scanOrder(s scanner) (*Order, error) {
	o := &Order{}
	var (
		status       string
		requirements sql.NullString
	)
	err := s.Scan(
		&o.ID, &o.GigID, &o.AgentID, &o.BuyerAddr, &o.SellerAddr, &o.AmountMinor,
		&status, &requirements, &o.CreatedAt, &o.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	o.Status = Status(status)
	o.Requirements = requirements.String
	return o, nil
}

// nullString converts an empty Go string to sql.NullString.
func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

// Compile-time assertion that PostgresStore implements Store.
var _ Store = (*PostgresStore)(nil)
