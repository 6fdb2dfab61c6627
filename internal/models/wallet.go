package models

import (
	"time"

	"github.com/shopspring/decimal"
)

type TransactionType string

const (
	Credit TransactionType = "credit"
	Debit  TransactionType = "debit"
)

type TransactionAction string

const (
	ActionAdjustment               TransactionAction = "adjustment"
	ActionWithdrawal               TransactionAction = "withdrawal"
	ActionRideSettlement           TransactionAction = "ride_settlement"
	ActionRideEarning              TransactionAction = "ride_earning"
	ActionCommission               TransactionAction = "commission"
	ActionCancellationFee          TransactionAction = "cancellation_fee"
	ActionCancellationCompensation TransactionAction = "cancellation_compensation"
)

// Transaction is one append-only ledger row. Amount is always positive;
// Type carries the sign.
type Transaction struct {
	ID             string            `json:"id"`
	AccountID      string            `json:"account_id"`
	Type           TransactionType   `json:"type"`
	Action         TransactionAction `json:"action"`
	Amount         decimal.Decimal   `json:"amount"`
	Description    string            `json:"description"`
	OrderID        *string           `json:"order_id,omitempty"`
	IdempotencyKey string            `json:"-"`
	CreatedAt      time.Time         `json:"created_at"`
}

// Signed returns the balance delta of the transaction.
func (t Transaction) Signed() decimal.Decimal {
	if t.Type == Debit {
		return t.Amount.Neg()
	}
	return t.Amount
}

type WithdrawalStatus string

const (
	WithdrawalPending   WithdrawalStatus = "pending"
	WithdrawalCompleted WithdrawalStatus = "completed"
	WithdrawalRejected  WithdrawalStatus = "rejected"
)

// Withdrawal tracks the payout outside the ledger; only the debit row is
// part of ledger atomicity.
type Withdrawal struct {
	TransactionID string           `json:"transaction_id"`
	AccountID     string           `json:"account_id"`
	Amount        decimal.Decimal  `json:"amount"`
	Destination   string           `json:"destination"`
	Status        WithdrawalStatus `json:"status"`
	CreatedAt     time.Time        `json:"created_at"`
}

func CustomerAccount(id string) string { return "customer:" + id }

func DriverAccount(id string) string { return "driver:" + id }
