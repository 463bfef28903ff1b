package escrow

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"
)

// PostgresStore persists escrow data in PostgreSQL.
// The escrows table carries indexes on payer, payee, and expiry_bucket; see
// migrations/0001_settlement_core.sql.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed escrow store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const escrowColumns = `id, payer, payee, amount, token, condition, status,
		       client_ref, created_at, expires_at, expiry_bucket, resolved_at`

func (p *PostgresStore) Create(ctx context.Context, e *Escrow) error {
	condJSON, err := json.Marshal(e.Condition)
	if err != nil {
		return err
	}

	var bucket sql.NullInt64
	if e.ExpiresAt != nil {
		bucket = sql.NullInt64{Int64: BucketOf(*e.ExpiresAt), Valid: true}
	}

	return p.db.QueryRowContext(ctx, `
		INSERT INTO escrows (
			payer, payee, amount, token, condition, status,
			client_ref, created_at, expires_at, expiry_bucket, resolved_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		RETURNING id`,
		e.Payer, e.Payee, e.Amount, nullString(e.Token), condJSON, string(e.Status),
		nullString(e.ClientRef), e.CreatedAt, nullTime(e.ExpiresAt), bucket, nullTime(e.ResolvedAt),
	).Scan(&e.ID)
}

func (p *PostgresStore) Get(ctx context.Context, id uint64) (*Escrow, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+escrowColumns+` FROM escrows WHERE id = $1`, id)

	e, err := scanEscrow(row)
	if err == sql.ErrNoRows {
		return nil, ErrEscrowNotFound
	}
	return e, err
}

func (p *PostgresStore) Update(ctx context.Context, e *Escrow) error {
	result, err := p.db.ExecContext(ctx, `
		UPDATE escrows SET status = $1, resolved_at = $2 WHERE id = $3`,
		string(e.Status), nullTime(e.ResolvedAt), e.ID,
	)
	if err != nil {
		return err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrEscrowNotFound
	}
	return nil
}

func (p *PostgresStore) ListByParty(ctx context.Context, identity string, limit int) ([]*Escrow, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+escrowColumns+` FROM escrows
		WHERE payer = $1 OR payee = $1
		ORDER BY id DESC LIMIT $2`, identity, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanEscrows(rows)
}

func (p *PostgresStore) ListAll(ctx context.Context, limit int) ([]*Escrow, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+escrowColumns+` FROM escrows
		ORDER BY id DESC LIMIT $1`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanEscrows(rows)
}

func (p *PostgresStore) ListDue(ctx context.Context, now time.Time, limit int) ([]*Escrow, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+escrowColumns+` FROM escrows
		WHERE status = 'created'
		  AND expiry_bucket IS NOT NULL AND expiry_bucket <= $1
		  AND expires_at <= $2
		ORDER BY expiry_bucket, id LIMIT $3`,
		BucketOf(now), now, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanEscrows(rows)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEscrow(row rowScanner) (*Escrow, error) {
	var (
		e         Escrow
		token     sql.NullString
		condJSON  []byte
		status    string
		clientRef sql.NullString
		expiresAt sql.NullTime
		bucket    sql.NullInt64
		resolved  sql.NullTime
	)
	err := row.Scan(&e.ID, &e.Payer, &e.Payee, &e.Amount, &token, &condJSON,
		&status, &clientRef, &e.CreatedAt, &expiresAt, &bucket, &resolved)
	if err != nil {
		return nil, err
	}

	if err := json.Unmarshal(condJSON, &e.Condition); err != nil {
		return nil, err
	}
	e.Token = token.String
	e.Status = Status(status)
	e.ClientRef = clientRef.String
	if expiresAt.Valid {
		t := expiresAt.Time
		e.ExpiresAt = &t
	}
	if resolved.Valid {
		t := resolved.Time
		e.ResolvedAt = &t
	}
	return &e, nil
}

func scanEscrows(rows *sql.Rows) ([]*Escrow, error) {
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
	return sql.NullString{String: s, Valid: s != ""}
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}
