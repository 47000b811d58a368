package points

import (
	"time"

	"github.com/fastprodman/pointsledger/internal/ledger"
)

// Movement is a single-user credit or debit request. Points is always the
// positive magnitude.
type Movement struct {
	UserID     string
	Points     int64
	OriginType ledger.OriginType
	OriginID   string
	// IdempotencyKey is optional. A retry with the same key and payload
	// returns the first result instead of writing again.
	IdempotencyKey string
}

type TransferRequest struct {
	FromUserID string
	ToUserID   string
	Amount     int64
	// TransferID tags both legs. A UUIDv7 is generated when empty.
	TransferID     string
	IdempotencyKey string
}

type TransferResult struct {
	TransferID string       `json:"transfer_id"`
	Debit      ledger.Entry `json:"debit_entry"`
	Credit     ledger.Entry `json:"credit_entry"`
}

// Reconciliation compares the materialized balance with the folded ledger.
type Reconciliation struct {
	UserID      string    `json:"user_id"`
	Balance     int64     `json:"balance"`
	EntriesSum  int64     `json:"entries_sum"`
	OpenCredits int64     `json:"open_credits"`
	CheckedAt   time.Time `json:"checked_at"`
}

// Consistent reports whether all three views of the balance agree.
func (r Reconciliation) Consistent() bool {
	return r.Balance == r.EntriesSum && r.Balance == r.OpenCredits
}

// transferScope is the idempotency scope shared by both legs of a transfer.
const transferScope = "transfer"

// Operation names used for metrics and logs.
const (
	opCredit   = "credit"
	opDebit    = "debit"
	opRedeem   = "redeem"
	opSell     = "sell"
	opTransfer = "transfer"
)
