// Package wallet is the append-only ledger. A balance only ever changes
// together with the transaction row that explains it.
package wallet

import (
	"context"
	"errors"
	"log/slog"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/example/ride-dispatch/internal/apperr"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/notify"
	"github.com/example/ride-dispatch/internal/observability"
)

var (
	ErrInvalidAmount       = apperr.New(apperr.ErrInvalidAmount, "Amount must be greater than zero")
	ErrInsufficientBalance = apperr.New(apperr.ErrInsufficientBalance, "Insufficient wallet balance")

	// ErrDuplicate is returned by a Store, together with the rows already
	// written, when a batch reuses an idempotency key.
	ErrDuplicate = errors.New("duplicate idempotency key")
)

// Entry is one row to post. IdempotencyKey is optional.
type Entry struct {
	AccountID      string
	Type           models.TransactionType
	Action         models.TransactionAction
	Amount         decimal.Decimal
	Description    string
	OrderID        *string
	IdempotencyKey string
}

// Batch is written all-or-nothing. With RequireFunds every debited account
// must stay at or above zero.
type Batch struct {
	Entries      []Entry
	RequireFunds bool
}

// Store applies a batch and its balance deltas as one atomic unit.
type Store interface {
	Append(ctx context.Context, b Batch) ([]models.Transaction, error)
	Balance(ctx context.Context, accountID string) (decimal.Decimal, error)
	Transactions(ctx context.Context, accountID string, limit int) ([]models.Transaction, error)
}

type Ledger struct {
	store    Store
	notifier notify.Notifier
	logger   *slog.Logger
}

func NewLedger(store Store, notifier notify.Notifier, logger *slog.Logger) *Ledger {
	if notifier == nil {
		notifier = notify.Nop{}
	}
	return &Ledger{store: store, notifier: notifier, logger: logger}
}

func (l *Ledger) Post(ctx context.Context, e Entry) (models.Transaction, error) {
	txs, err := l.PostBatch(ctx, Batch{Entries: []Entry{e}})
	if err != nil {
		return models.Transaction{}, err
	}
	return txs[0], nil
}

// PostBatch writes every entry or none. Replaying a batch whose keys were
// already posted returns the original rows without writing.
func (l *Ledger) PostBatch(ctx context.Context, b Batch) ([]models.Transaction, error) {
	if len(b.Entries) == 0 {
		return nil, nil
	}
	b.Entries = append([]Entry(nil), b.Entries...)
	for i := range b.Entries {
		e := &b.Entries[i]
		if e.AccountID == "" {
			return nil, apperr.New(apperr.ErrBadRequest, "account id is required")
		}
		if e.Type != models.Credit && e.Type != models.Debit {
			return nil, apperr.New(apperr.ErrBadRequest, "transaction type must be credit or debit")
		}
		e.Amount = e.Amount.Round(2)
		if !e.Amount.IsPositive() {
			return nil, ErrInvalidAmount
		}
	}

	txs, err := l.store.Append(ctx, b)
	if errors.Is(err, ErrDuplicate) {
		l.logger.Info("ledger batch already posted", "key", b.Entries[0].IdempotencyKey)
		return txs, nil
	}
	if err != nil {
		return nil, err
	}
	for _, tx := range txs {
		observability.LedgerPostsTotal.WithLabelValues(string(tx.Action)).Inc()
		if ch, ok := accountChannel(tx.AccountID); ok {
			l.notifier.Notify(ctx, ch, notify.EventWalletTransaction, tx)
		}
	}
	return txs, nil
}

// Adjust is an operator correction to an account.
func (l *Ledger) Adjust(ctx context.Context, accountID string, typ models.TransactionType, amount decimal.Decimal, description string) (models.Transaction, error) {
	if description == "" {
		description = "Manual adjustment"
	}
	return l.Post(ctx, Entry{
		AccountID:   accountID,
		Type:        typ,
		Action:      models.ActionAdjustment,
		Amount:      amount,
		Description: description,
	})
}

// Withdraw debits amount if the balance covers it. The payout itself is
// settled elsewhere; the returned Withdrawal starts pending.
func (l *Ledger) Withdraw(ctx context.Context, accountID string, amount decimal.Decimal, destination string) (models.Transaction, models.Withdrawal, error) {
	txs, err := l.PostBatch(ctx, Batch{
		Entries: []Entry{{
			AccountID:   accountID,
			Type:        models.Debit,
			Action:      models.ActionWithdrawal,
			Amount:      amount,
			Description: "Withdrawal to " + destination,
		}},
		RequireFunds: true,
	})
	if err != nil {
		return models.Transaction{}, models.Withdrawal{}, err
	}
	tx := txs[0]
	w := models.Withdrawal{
		TransactionID: tx.ID,
		AccountID:     accountID,
		Amount:        tx.Amount,
		Destination:   destination,
		Status:        models.WithdrawalPending,
		CreatedAt:     tx.CreatedAt,
	}
	l.notifier.Notify(ctx, notify.Admins, notify.EventWithdrawalRequested, w)
	return tx, w, nil
}

// Balance of an account with no rows is zero.
func (l *Ledger) Balance(ctx context.Context, accountID string) (decimal.Decimal, error) {
	return l.store.Balance(ctx, accountID)
}

// Transactions lists the newest rows first.
func (l *Ledger) Transactions(ctx context.Context, accountID string, limit int) ([]models.Transaction, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	return l.store.Transactions(ctx, accountID, limit)
}

func accountChannel(accountID string) (notify.Channel, bool) {
	kind, id, ok := strings.Cut(accountID, ":")
	if !ok {
		return "", false
	}
	switch kind {
	case "customer":
		return notify.Rider(id), true
	case "driver":
		return notify.Driver(id), true
	}
	return "", false
}
