// internal/service/ticketing/domain/event.go
package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// Event 俱乐部活动。购票流程只读，唯一的写操作是添加参与者。
type Event struct {
	ID          string
	ClubID      string
	Title       string
	TicketPrice decimal.Decimal
	Currency    string
	StartsAt    time.Time
}

// CreditBalance 是用户在某个俱乐部下的积分余额。
type CreditBalance struct {
	UserID           string `json:"userId"`
	ClubID           string `json:"clubId"`
	AvailableCredits int64  `json:"availableCredits"`
}

// LedgerEntryType 账本流水类型。
type LedgerEntryType string

const (
	LedgerDebit  LedgerEntryType = "DEBIT"
	LedgerGrant  LedgerEntryType = "GRANT"
	LedgerRefund LedgerEntryType = "REFUND"
)

// DebitReason 记录扣减积分的业务原因。
type DebitReason struct {
	RewardID   string `json:"rewardId"`
	PurchaseID string `json:"purchaseId"`
	Note       string `json:"note,omitempty"`
}

// LedgerEntry 是不可变的审计流水。
type LedgerEntry struct {
	ID             string          `json:"id"`
	UserID         string          `json:"userId"`
	ClubID         string          `json:"clubId"`
	Type           LedgerEntryType `json:"type"`
	Amount         int64           `json:"amount"`
	BalanceAfter   int64           `json:"balanceAfter"`
	Reason         DebitReason     `json:"reason"`
	IdempotencyKey string          `json:"idempotencyKey"`
	CreatedAt      time.Time       `json:"createdAt"`
}
