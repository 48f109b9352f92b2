// internal/service/ticketing/domain/settlement.go
package domain

import (
	"fmt"
	"strconv"
	"time"
)

// SettlementSource 是触发结算的入口。
type SettlementSource string

const (
	SourceClient         SettlementSource = "client"
	SourceWebhook        SettlementSource = "webhook"
	SourceRedirectReturn SettlementSource = "redirect_return"
	SourceFree           SettlementSource = "free"
	SourceReconciler     SettlementSource = "reconciler"
)

// 写入网关意图 metadata 的字段，webhook 回来时据此还原确认信息。
const (
	MetaPurchaseID      = "purchase_id"
	MetaEventID         = "event_id"
	MetaClubID          = "club_id"
	MetaBuyerID         = "buyer_id"
	MetaRewardID        = "reward_id"
	MetaCreditsRequired = "credits_required"
	MetaOriginalAmount  = "original_amount"
)

// PaymentConfirmation 是一次已确认付款（或免费领取）的结算输入。
type PaymentConfirmation struct {
	PaymentRef      string           `json:"paymentRef"`
	PurchaseID      string           `json:"purchaseId"`
	EventID         string           `json:"eventId"`
	ClubID          string           `json:"clubId"`
	BuyerID         string           `json:"buyerId"`
	RewardID        string           `json:"rewardId,omitempty"`
	CreditsRequired int64            `json:"creditsRequired"`
	AmountMinor     int64            `json:"amountMinor"`
	Currency        string           `json:"currency"`
	Source          SettlementSource `json:"source"`
}

// Validate 校验确认信息是否足以完成结算。
func (c PaymentConfirmation) Validate() error {
	if c.PaymentRef == "" || c.EventID == "" || c.BuyerID == "" {
		return NewError(KindInvalidState, "payment confirmation is missing paymentRef, eventId or buyerId", nil)
	}
	if c.CreditsRequired < 0 {
		return NewError(KindInvalidState, "creditsRequired must not be negative", nil)
	}
	if c.CreditsRequired > 0 && c.RewardID == "" {
		return NewError(KindInvalidState, "creditsRequired set without a reward", nil)
	}
	return nil
}

// Metadata 生成写入网关的 metadata。
func (c PaymentConfirmation) Metadata(originalMinor int64) map[string]string {
	m := map[string]string{
		MetaPurchaseID:     c.PurchaseID,
		MetaEventID:        c.EventID,
		MetaClubID:         c.ClubID,
		MetaBuyerID:        c.BuyerID,
		MetaOriginalAmount: strconv.FormatInt(originalMinor, 10),
	}
	if c.RewardID != "" {
		m[MetaRewardID] = c.RewardID
		m[MetaCreditsRequired] = strconv.FormatInt(c.CreditsRequired, 10)
	}
	return m
}

// ConfirmationFromMetadata 从网关 metadata 还原确认信息。
func ConfirmationFromMetadata(paymentRef string, amountMinor int64, currency string, meta map[string]string, source SettlementSource) (PaymentConfirmation, error) {
	c := PaymentConfirmation{
		PaymentRef:  paymentRef,
		PurchaseID:  meta[MetaPurchaseID],
		EventID:     meta[MetaEventID],
		ClubID:      meta[MetaClubID],
		BuyerID:     meta[MetaBuyerID],
		RewardID:    meta[MetaRewardID],
		AmountMinor: amountMinor,
		Currency:    currency,
		Source:      source,
	}
	if raw := meta[MetaCreditsRequired]; raw != "" {
		n, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return PaymentConfirmation{}, NewError(KindInvalidState, fmt.Sprintf("bad credits_required %q", raw), err)
		}
		c.CreditsRequired = n
	}
	return c, c.Validate()
}

// DebitState 结算记录上的积分扣减状态。
type DebitState string

const (
	DebitNone       DebitState = "none"
	DebitAttempting DebitState = "attempting"
	DebitSucceeded  DebitState = "succeeded"
	DebitFailed     DebitState = "failed"
	DebitSkipped    DebitState = "skipped"
)

// AttendanceState 结算记录上的参与者登记状态。
type AttendanceState string

const (
	AttendancePending    AttendanceState = "pending"
	AttendanceRegistered AttendanceState = "registered"
	AttendanceFailed     AttendanceState = "failed"
)

// SettlementRecord 按支付引用唯一，是两个结算入口汇合的地方。
type SettlementRecord struct {
	PaymentRef      string           `json:"paymentRef"`
	PurchaseID      string           `json:"purchaseId"`
	EventID         string           `json:"eventId"`
	ClubID          string           `json:"clubId"`
	BuyerID         string           `json:"buyerId"`
	RewardID        string           `json:"rewardId,omitempty"`
	CreditsRequired int64            `json:"creditsRequired"`
	Attendance      AttendanceState  `json:"attendance"`
	Debit           DebitState       `json:"debit"`
	Attempts        int              `json:"attempts"`
	FirstSource     SettlementSource `json:"firstSource"`
	LastError       string           `json:"lastError,omitempty"`
	SettledAt       *time.Time       `json:"settledAt,omitempty"`
	CreatedAt       time.Time        `json:"createdAt"`
	UpdatedAt       time.Time        `json:"updatedAt"`
}

// NewSettlementRecord 为第一次到达的确认创建记录。
func NewSettlementRecord(c PaymentConfirmation, now time.Time) *SettlementRecord {
	debit := DebitNone
	if c.CreditsRequired == 0 {
		debit = DebitSkipped
	}
	return &SettlementRecord{
		PaymentRef:      c.PaymentRef,
		PurchaseID:      c.PurchaseID,
		EventID:         c.EventID,
		ClubID:          c.ClubID,
		BuyerID:         c.BuyerID,
		RewardID:        c.RewardID,
		CreditsRequired: c.CreditsRequired,
		Attendance:      AttendancePending,
		Debit:           debit,
		FirstSource:     c.Source,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
}

// Complete 判断两项副作用是否都已落定。
func (r *SettlementRecord) Complete() bool {
	if r.Attendance != AttendanceRegistered {
		return false
	}
	return r.Debit == DebitSucceeded || r.Debit == DebitSkipped
}

// NeedsDebit 判断是否还需要扣积分。
func (r *SettlementRecord) NeedsDebit() bool {
	return r.Debit == DebitNone || r.Debit == DebitFailed
}

// DebitStalled 判断扣减是否需要对账补做。
// 付费记录卡在 attempting 说明扣减结果没有落库，按同一幂等键重放是安全的；
// 免费领取每次尝试用独立的键，不在这里重放。
func (r *SettlementRecord) DebitStalled() bool {
	switch r.Debit {
	case DebitFailed:
		return r.Attendance == AttendanceRegistered
	case DebitAttempting:
		return r.FirstSource != SourceFree
	}
	return false
}

// DebitIdempotencyKey 账本幂等键，一个支付引用最多扣一次。
func (r *SettlementRecord) DebitIdempotencyKey() string {
	return "settle:" + r.PaymentRef
}

// DebitRetryTask 是积分扣减补偿队列里的任务。
type DebitRetryTask struct {
	PaymentRef      string    `json:"paymentRef"`
	PurchaseID      string    `json:"purchaseId"`
	BuyerID         string    `json:"buyerId"`
	ClubID          string    `json:"clubId"`
	RewardID        string    `json:"rewardId"`
	CreditsRequired int64     `json:"creditsRequired"`
	Reason          string    `json:"reason"`
	EnqueuedAt      time.Time `json:"enqueuedAt"`
}

// RetryTask 从结算记录生成补偿任务。
func (r *SettlementRecord) RetryTask(reason string, now time.Time) DebitRetryTask {
	return DebitRetryTask{
		PaymentRef:      r.PaymentRef,
		PurchaseID:      r.PurchaseID,
		BuyerID:         r.BuyerID,
		ClubID:          r.ClubID,
		RewardID:        r.RewardID,
		CreditsRequired: r.CreditsRequired,
		Reason:          reason,
		EnqueuedAt:      now,
	}
}

// PurchaseStatusEvent 推送给买家设备和通知服务的状态变化。
type PurchaseStatusEvent struct {
	PurchaseID string       `json:"purchaseId"`
	EventID    string       `json:"eventId"`
	BuyerID    string       `json:"buyerId"`
	Status     IntentStatus `json:"status"`
	Message    string       `json:"message,omitempty"`
	PaymentRef string       `json:"paymentRef,omitempty"`
	OccurredAt time.Time    `json:"occurredAt"`
}
