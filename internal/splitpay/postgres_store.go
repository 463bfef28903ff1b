package splitpay

import (
	"context"
	"database/sql"

	"github.com/lib/pq"
)

// PostgresStore persists split payments in PostgreSQL. Recipients and shares
// live in array columns alongside the row; see migrations.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed split payment store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const paymentColumns = `id, sender, recipients, shares, total_amount, token,
			description, status, created_at`

func (p *PostgresStore) Create(ctx context.Context, payment *SplitPayment) error {
	return p.db.QueryRowContext(ctx, `
		INSERT INTO split_payments (
			sender, recipients, shares, total_amount, token,
			description, status, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING id`,
		payment.Sender, pq.Array(payment.Recipients), pq.Array(payment.Shares),
		payment.TotalAmount, nullString(payment.Token), nullString(payment.Description),
		string(payment.Status), payment.CreatedAt,
	).Scan(&payment.ID)
}

func (p *PostgresStore) Get(ctx context.Context, id uint64) (*SplitPayment, error) {
	row := p.db.QueryRowContext(ctx,
		`SELECT `+paymentColumns+` FROM split_payments WHERE id = $1`, id)

	payment, err := scanPayment(row)
	if err == sql.ErrNoRows {
		return nil, ErrPaymentNotFound
	}
	return payment, err
}

func (p *PostgresStore) Update(ctx context.Context, payment *SplitPayment) error {
	result, err := p.db.ExecContext(ctx,
		`UPDATE split_payments SET status = $1 WHERE id = $2`,
		string(payment.Status), payment.ID,
	)
	if err != nil {
		return err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrPaymentNotFound
	}
	return nil
}

func (p *PostgresStore) ListAll(ctx context.Context, limit int) ([]*SplitPayment, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+paymentColumns+` FROM split_payments
		ORDER BY id DESC LIMIT $1`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanPayments(rows)
}

func (p *PostgresStore) ListByStatus(ctx context.Context, status Status, limit int) ([]*SplitPayment, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+paymentColumns+` FROM split_payments
		WHERE status = $1
		ORDER BY id DESC LIMIT $2`, string(status), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanPayments(rows)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanPayment(row rowScanner) (*SplitPayment, error) {
	var (
		payment SplitPayment
		token   sql.NullString
		desc    sql.NullString
		status  string
	)
	err := row.Scan(&payment.ID, &payment.Sender,
		pq.Array(&payment.Recipients), pq.Array(&payment.Shares),
		&payment.TotalAmount, &token, &desc, &status, &payment.CreatedAt)
	if err != nil {
		return nil, err
	}
	payment.Token = token.String
	payment.Description = desc.String
	payment.Status = Status(status)
	return &payment, nil
}

func scanPayments(rows *sql.Rows) ([]*SplitPayment, error) {
	var result []*SplitPayment
	for rows.Next() {
		payment, err := scanPayment(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, payment)
	}
	return result, rows.Err()
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
