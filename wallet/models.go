package wallet

import (
	"time"

	"github.com/shopspring/decimal"
)

// Wallet mirrors the wallets table, one row per user.
type Wallet struct {
	ID        string
	UserID    string
	Balance   decimal.Decimal
	UpdatedAt time.Time
}

// Entry is one immutable ledger line. Balances are only ever moved by
// inserting an entry and adjusting the wallet row in the same transaction.
type Entry struct {
	ID        int64
	WalletID  string
	Amount    decimal.Decimal
	Reference string
	Reason    string
	CreatedAt time.Time
}

// PayoutStatus tracks a merchant withdrawal through the gateway transfer API.
type PayoutStatus string

const (
	PayoutPending PayoutStatus = "pending"
	PayoutSettled PayoutStatus = "settled"
	PayoutFailed  PayoutStatus = "failed"
)

// Payout mirrors the payouts table.
type Payout struct {
	ID         string
	MerchantID string
	Amount     decimal.Decimal
	Reference  string
	Status     PayoutStatus
	CreatedAt  time.Time
	SettledAt  *time.Time
}
