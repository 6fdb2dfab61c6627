package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
	"github.com/shopspring/decimal"

	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/wallet"
)

// PostgresLedger writes transaction rows and balance deltas in one
// transaction. Balance rows are locked in account order so concurrent
// batches touching the same accounts cannot deadlock.
type PostgresLedger struct {
	db *sql.DB
}

func NewPostgresLedger(db *sql.DB) *PostgresLedger {
	return &PostgresLedger{db: db}
}

const txColumns = `id, account_id, type, action, amount, description, order_id, COALESCE(idempotency_key, ''), created_at`

func (l *PostgresLedger) Append(ctx context.Context, b wallet.Batch) ([]models.Transaction, error) {
	keys := batchKeys(b)
	if len(keys) > 0 {
		existing, err := l.byKeys(ctx, keys)
		if err != nil {
			return nil, err
		}
		if len(existing) > 0 {
			return existing, wallet.ErrDuplicate
		}
	}

	out, err := l.append(ctx, b)
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == "23505" && len(keys) > 0 {
		// lost a race with an identical batch
		existing, qerr := l.byKeys(ctx, keys)
		if qerr != nil {
			return nil, qerr
		}
		return existing, wallet.ErrDuplicate
	}
	return out, err
}

func (l *PostgresLedger) append(ctx context.Context, b wallet.Batch) ([]models.Transaction, error) {
	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	deltas := make(map[string]decimal.Decimal)
	for _, e := range b.Entries {
		if e.Type == models.Debit {
			deltas[e.AccountID] = deltas[e.AccountID].Sub(e.Amount)
		} else {
			deltas[e.AccountID] = deltas[e.AccountID].Add(e.Amount)
		}
	}
	accounts := make([]string, 0, len(deltas))
	for a := range deltas {
		accounts = append(accounts, a)
	}
	sort.Strings(accounts)

	for _, acct := range accounts {
		if _, err := tx.ExecContext(ctx, `INSERT INTO wallet_balances (account_id) VALUES ($1) ON CONFLICT DO NOTHING`, acct); err != nil {
			return nil, err
		}
		var bal decimal.Decimal
		if err := tx.QueryRowContext(ctx, `SELECT balance FROM wallet_balances WHERE account_id = $1 FOR UPDATE`, acct).Scan(&bal); err != nil {
			return nil, err
		}
		if b.RequireFunds && bal.Add(deltas[acct]).IsNegative() {
			return nil, fmt.Errorf("account %s: %w", acct, wallet.ErrInsufficientBalance)
		}
	}

	now := time.Now().UTC()
	out := make([]models.Transaction, 0, len(b.Entries))
	for _, e := range b.Entries {
		t := models.Transaction{
			ID:             uuid.NewString(),
			AccountID:      e.AccountID,
			Type:           e.Type,
			Action:         e.Action,
			Amount:         e.Amount,
			Description:    e.Description,
			OrderID:        e.OrderID,
			IdempotencyKey: e.IdempotencyKey,
			CreatedAt:      now,
		}
		if _, err := tx.ExecContext(ctx, `
            INSERT INTO wallet_transactions (id, account_id, type, action, amount, description, order_id, idempotency_key, created_at)
            VALUES ($1,$2,$3,$4,$5,$6,$7,NULLIF($8, ''),$9)`,
			t.ID, t.AccountID, string(t.Type), string(t.Action), t.Amount, t.Description, t.OrderID, t.IdempotencyKey, t.CreatedAt,
		); err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	for _, acct := range accounts {
		if _, err := tx.ExecContext(ctx, `UPDATE wallet_balances SET balance = balance + $2, updated_at = $3 WHERE account_id = $1`, acct, deltas[acct], now); err != nil {
			return nil, err
		}
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return out, nil
}

func (l *PostgresLedger) Balance(ctx context.Context, accountID string) (decimal.Decimal, error) {
	var bal decimal.Decimal
	err := l.db.QueryRowContext(ctx, `SELECT balance FROM wallet_balances WHERE account_id = $1`, accountID).Scan(&bal)
	if errors.Is(err, sql.ErrNoRows) {
		return decimal.Zero, nil
	}
	return bal, err
}

func (l *PostgresLedger) Transactions(ctx context.Context, accountID string, limit int) ([]models.Transaction, error) {
	rows, err := l.db.QueryContext(ctx, `SELECT `+txColumns+` FROM wallet_transactions
        WHERE account_id = $1 ORDER BY created_at DESC, id LIMIT $2`, accountID, limit)
	if err != nil {
		return nil, err
	}
	return scanTransactions(rows)
}

func (l *PostgresLedger) byKeys(ctx context.Context, keys []string) ([]models.Transaction, error) {
	rows, err := l.db.QueryContext(ctx, `SELECT `+txColumns+` FROM wallet_transactions
        WHERE idempotency_key = ANY($1) ORDER BY created_at, id`, pq.Array(keys))
	if err != nil {
		return nil, err
	}
	return scanTransactions(rows)
}

func scanTransactions(rows *sql.Rows) ([]models.Transaction, error) {
	defer rows.Close()
	var out []models.Transaction
	for rows.Next() {
		var t models.Transaction
		var orderID sql.NullString
		if err := rows.Scan(&t.ID, &t.AccountID, &t.Type, &t.Action, &t.Amount, &t.Description, &orderID, &t.IdempotencyKey, &t.CreatedAt); err != nil {
			return nil, err
		}
		t.OrderID = toStringPtr(orderID)
		out = append(out, t)
	}
	return out, rows.Err()
}

func batchKeys(b wallet.Batch) []string {
	var keys []string
	for _, e := range b.Entries {
		if e.IdempotencyKey != "" {
			keys = append(keys, e.IdempotencyKey)
		}
	}
	return keys
}
