// internal/service/ticketing/domain/intent.go
package domain

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// IntentStatus 购票意图的生命周期状态。
type IntentStatus string

const (
	IntentDraft           IntentStatus = "DRAFT"
	IntentAwaitingPayment IntentStatus = "AWAITING_PAYMENT"
	IntentSettling        IntentStatus = "SETTLING"
	IntentSettled         IntentStatus = "SETTLED"
	IntentFailed          IntentStatus = "FAILED"
	IntentCancelled       IntentStatus = "CANCELLED"
)

// GatewayIntent 是支付网关返回的句柄。
type GatewayIntent struct {
	ID           string `json:"id"`
	ClientSecret string `json:"clientSecret"`
	AmountMinor  int64  `json:"amountMinor"`
	Currency     string `json:"currency"`
	// 创建时绑定的奖励，写进了网关 metadata
	RewardID        string `json:"rewardId,omitempty"`
	CreditsRequired int64  `json:"creditsRequired,omitempty"`
	// 跳转收银台时才有
	CheckoutSessionID string `json:"checkoutSessionId,omitempty"`
	CheckoutURL       string `json:"checkoutUrl,omitempty"`
}

// PurchaseIntent 一次结账尝试，只存在于会话存储中。
type PurchaseIntent struct {
	ID              string          `json:"id"`
	EventID         string          `json:"eventId"`
	ClubID          string          `json:"clubId"`
	BuyerID         string          `json:"buyerId"`
	Currency        string          `json:"currency"`
	OriginalPrice   decimal.Decimal `json:"originalPrice"`
	DiscountedPrice decimal.Decimal `json:"discountedPrice"`
	DiscountAmount  decimal.Decimal `json:"discountAmount"`
	IsFree          bool            `json:"isFree"`
	AppliedReward   *AppliedReward  `json:"appliedReward,omitempty"`
	Status          IntentStatus    `json:"status"`
	Rail            RailAttempt     `json:"rail"`
	Gateway         *GatewayIntent  `json:"gateway,omitempty"`
	ClaimAttempts   int             `json:"claimAttempts,omitempty"`
	FailureReason   string          `json:"failureReason,omitempty"`
	CreatedAt       time.Time       `json:"createdAt"`
	UpdatedAt       time.Time       `json:"updatedAt"`
}

// NewPurchaseIntent 为活动创建一个草稿状态的购票意图。
func NewPurchaseIntent(id string, event *Event, buyerID string, now time.Time) (*PurchaseIntent, error) {
	price, err := CalculatePrice(event.TicketPrice, nil)
	if err != nil {
		return nil, err
	}
	intent := &PurchaseIntent{
		ID:        id,
		EventID:   event.ID,
		ClubID:    event.ClubID,
		BuyerID:   buyerID,
		Currency:  event.Currency,
		Status:    IntentDraft,
		Rail:      RailAttempt{State: RailNotStarted},
		CreatedAt: now,
		UpdatedAt: now,
	}
	intent.applyPrice(price)
	return intent, nil
}

func (p *PurchaseIntent) applyPrice(price PriceResult) {
	p.OriginalPrice = price.OriginalPrice
	p.DiscountedPrice = price.DiscountedPrice
	p.DiscountAmount = price.DiscountAmount
	p.IsFree = price.IsFree
}

// Price 返回当前的价格计算结果。
func (p *PurchaseIntent) Price() PriceResult {
	return PriceResult{
		OriginalPrice:   p.OriginalPrice,
		DiscountedPrice: p.DiscountedPrice,
		DiscountAmount:  p.DiscountAmount,
		IsFree:          p.IsFree,
	}
}

// Editable 判断是否还能修改奖励。支付开始之后价格就锁定了。
func (p *PurchaseIntent) Editable() bool {
	if p.Rail.State == RailInProgress || p.Rail.State == RailSucceeded {
		return false
	}
	return p.Status == IntentDraft || p.Status == IntentAwaitingPayment || p.Status == IntentFailed
}

func (p *PurchaseIntent) ensureEditable() error {
	if !p.Editable() {
		return NewError(KindInvalidState, fmt.Sprintf("intent %s cannot be changed in status %s", p.ID, p.Status), nil)
	}
	return nil
}

// ApplyReward 绑定奖励并重新计价。定义未变的同一奖励重复应用是空操作，其余情况直接替换。
func (p *PurchaseIntent) ApplyReward(reward *RewardDefinition, now time.Time) error {
	if err := p.ensureEditable(); err != nil {
		return err
	}
	price, err := CalculatePrice(p.OriginalPrice, reward)
	if err != nil {
		return err
	}
	if p.AppliedReward != nil && p.AppliedReward.sameTerms(reward, price) {
		return nil
	}
	p.AppliedReward = &AppliedReward{Reward: *reward, DiscountAmount: price.DiscountAmount}
	p.applyPrice(price)
	p.UpdatedAt = now
	return nil
}

// RemoveReward 清除奖励，恢复原价。
func (p *PurchaseIntent) RemoveReward(now time.Time) error {
	if err := p.ensureEditable(); err != nil {
		return err
	}
	if p.AppliedReward == nil {
		return nil
	}
	price, err := CalculatePrice(p.OriginalPrice, nil)
	if err != nil {
		return err
	}
	p.AppliedReward = nil
	p.applyPrice(price)
	p.UpdatedAt = now
	return nil
}

// CreditsRequired 返回需要扣减的积分，未使用奖励时为 0。
func (p *PurchaseIntent) CreditsRequired() int64 {
	if p.AppliedReward == nil {
		return 0
	}
	return p.AppliedReward.Reward.CreditsRequired
}

// RewardID 返回已应用奖励的 ID。
func (p *PurchaseIntent) RewardID() string {
	if p.AppliedReward == nil {
		return ""
	}
	return p.AppliedReward.Reward.ID
}

// AmountMinor 应付金额（分）。
func (p *PurchaseIntent) AmountMinor() int64 {
	return MinorUnits(p.DiscountedPrice)
}

// AttachGateway 绑定网关意图并进入待支付状态，同时记下当前奖励。
func (p *PurchaseIntent) AttachGateway(g *GatewayIntent, now time.Time) {
	g.RewardID = p.RewardID()
	g.CreditsRequired = p.CreditsRequired()
	p.Gateway = g
	p.Status = IntentAwaitingPayment
	p.FailureReason = ""
	p.UpdatedAt = now
}

// GatewayReusable 金额、币种和 metadata 里的奖励都没变时复用已有的网关意图。
// webhook 按 metadata 结算，奖励不同就必须新建。
func (p *PurchaseIntent) GatewayReusable() bool {
	g := p.Gateway
	return g != nil && g.ID != "" &&
		g.AmountMinor == p.AmountMinor() && g.Currency == p.Currency &&
		g.RewardID == p.RewardID() && g.CreditsRequired == p.CreditsRequired()
}

// BeginClaim 开始一次免费领取，每次尝试使用新的支付引用。
func (p *PurchaseIntent) BeginClaim(now time.Time) {
	p.ClaimAttempts++
	p.MarkSettling(now)
}

// PaymentReference 结算记录的主键：网关意图 ID，免费票为 free:<purchaseId>:<attempt>。
func (p *PurchaseIntent) PaymentReference() string {
	if p.IsFree {
		return FreePaymentReference(p.ID, p.ClaimAttempts)
	}
	if p.Gateway != nil {
		return p.Gateway.ID
	}
	return ""
}

// FreePaymentReference 免费领取使用的支付引用。
// 失败后换了奖励重试时不会沿用上一次的结算记录。
func FreePaymentReference(purchaseID string, attempt int) string {
	return fmt.Sprintf("free:%s:%d", purchaseID, attempt)
}

// MarkFailed 支付失败，可以重新发起。
func (p *PurchaseIntent) MarkFailed(reason string, now time.Time) {
	p.Status = IntentFailed
	p.FailureReason = reason
	p.UpdatedAt = now
}

// ResumePayment 买家取消支付面板后回到待支付，已应用的奖励保持不变。
func (p *PurchaseIntent) ResumePayment(now time.Time) {
	p.Status = IntentAwaitingPayment
	p.UpdatedAt = now
}

// MarkSettling 进入结算。
func (p *PurchaseIntent) MarkSettling(now time.Time) {
	p.Status = IntentSettling
	p.UpdatedAt = now
}

// MarkSettled 结算完成。
func (p *PurchaseIntent) MarkSettled(now time.Time) {
	p.Status = IntentSettled
	p.UpdatedAt = now
}

// Cancel 关闭结账。只有在还没付款时才允许。
func (p *PurchaseIntent) Cancel(now time.Time) error {
	if p.Rail.State == RailInProgress || p.Rail.State == RailSucceeded ||
		p.Status == IntentSettling || p.Status == IntentSettled {
		return NewError(KindInvalidState, fmt.Sprintf("intent %s cannot be cancelled in status %s", p.ID, p.Status), nil)
	}
	p.Status = IntentCancelled
	p.UpdatedAt = now
	return nil
}

// Confirmation 根据意图构造结算确认信息。
func (p *PurchaseIntent) Confirmation(source SettlementSource) PaymentConfirmation {
	c := PaymentConfirmation{
		PaymentRef:      p.PaymentReference(),
		PurchaseID:      p.ID,
		EventID:         p.EventID,
		ClubID:          p.ClubID,
		BuyerID:         p.BuyerID,
		RewardID:        p.RewardID(),
		CreditsRequired: p.CreditsRequired(),
		AmountMinor:     p.AmountMinor(),
		Currency:        p.Currency,
		Source:          source,
	}
	return c
}
