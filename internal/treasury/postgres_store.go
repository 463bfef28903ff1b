package treasury

import (
	"context"
	"database/sql"
)

// PostgresStore persists treasury state in PostgreSQL.
// Balances live in treasury_balances (one row per token), the log in
// treasury_transactions, and the lock flag in treasury_state.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed treasury store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (p *PostgresStore) GetBalance(ctx context.Context, token string) (int64, error) {
	var bal int64
	err := p.db.QueryRowContext(ctx,
		`SELECT balance FROM treasury_balances WHERE token = $1`, token).Scan(&bal)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	return bal, err
}

func (p *PostgresStore) AdjustBalance(ctx context.Context, token string, delta int64) error {
	// Upsert with a non-negative guard: the WHERE clause refuses a result
	// below zero, which surfaces as zero rows affected.
	result, err := p.db.ExecContext(ctx, `
		INSERT INTO treasury_balances (token, balance) VALUES ($1, $2)
		ON CONFLICT (token) DO UPDATE
		SET balance = treasury_balances.balance + $2
		WHERE treasury_balances.balance + $2 >= 0`,
		token, delta)
	if err != nil {
		return err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrInsufficientFunds
	}
	return nil
}

func (p *PostgresStore) Append(ctx context.Context, tx *Transaction) error {
	return p.db.QueryRowContext(ctx, `
		INSERT INTO treasury_transactions
			(ts, sender, receiver, amount, token, description, type)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING id`,
		tx.Timestamp, tx.Sender, nullStr(tx.Receiver), tx.Amount,
		tx.TokenID, nullStr(tx.Description), string(tx.Type),
	).Scan(&tx.ID)
}

const txColumns = `id, ts, sender, receiver, amount, token, description, type`

func (p *PostgresStore) History(ctx context.Context, limit int) ([]*Transaction, error) {
	query := `SELECT ` + txColumns + ` FROM treasury_transactions ORDER BY id DESC`
	var (
		rows *sql.Rows
		err  error
	)
	if limit > 0 {
		rows, err = p.db.QueryContext(ctx, query+` LIMIT $1`, limit)
	} else {
		rows, err = p.db.QueryContext(ctx, query)
	}
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanTransactions(rows)
}

func (p *PostgresStore) Filter(ctx context.Context, txType TxType, token string, limit int) ([]*Transaction, error) {
	query := `SELECT ` + txColumns + ` FROM treasury_transactions WHERE type = $1`
	args := []any{string(txType)}
	if token != "" {
		query += ` AND token = $2`
		args = append(args, token)
	}
	query += ` ORDER BY id DESC`
	if limit > 0 {
		args = append(args, limit)
		if token != "" {
			query += ` LIMIT $3`
		} else {
			query += ` LIMIT $2`
		}
	}

	rows, err := p.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanTransactions(rows)
}

func (p *PostgresStore) IsLocked(ctx context.Context) (bool, error) {
	var locked bool
	err := p.db.QueryRowContext(ctx,
		`SELECT locked FROM treasury_state WHERE id = 1`).Scan(&locked)
	if err == sql.ErrNoRows {
		return false, nil
	}
	return locked, err
}

func (p *PostgresStore) SetLocked(ctx context.Context, locked bool) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO treasury_state (id, locked) VALUES (1, $1)
		ON CONFLICT (id) DO UPDATE SET locked = $1`, locked)
	return err
}

func scanTransactions(rows *sql.Rows) ([]*Transaction, error) {
	var result []*Transaction
	for rows.Next() {
		var (
			tx       Transaction
			receiver sql.NullString
			desc     sql.NullString
			typ      string
		)
		if err := rows.Scan(&tx.ID, &tx.Timestamp, &tx.Sender, &receiver,
			&tx.Amount, &tx.TokenID, &desc, &typ); err != nil {
			return nil, err
		}
		tx.Receiver = receiver.String
		tx.Description = desc.String
		tx.Type = TxType(typ)
		result = append(result, &tx)
	}
	return result, rows.Err()
}

func nullStr(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
