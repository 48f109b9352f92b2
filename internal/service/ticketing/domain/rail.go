// internal/service/ticketing/domain/rail.go
package domain

import (
	"fmt"
	"time"
)

// RailKind 支付通道。
type RailKind string

const (
	RailCard         RailKind = "card"
	RailApplePay     RailKind = "apple_pay"
	RailGooglePay    RailKind = "google_pay"
	RailPaymentSheet RailKind = "payment_sheet"
	RailRedirect     RailKind = "redirect"
)

// IsWallet 判断是否为钱包类通道。
func (k RailKind) IsWallet() bool {
	return k == RailApplePay || k == RailGooglePay
}

// RailState 单次支付尝试的状态。
type RailState string

const (
	RailNotStarted RailState = "NOT_STARTED"
	RailInProgress RailState = "IN_PROGRESS"
	RailSucceeded  RailState = "SUCCEEDED"
	RailFailed     RailState = "FAILED"
	RailCancelled  RailState = "CANCELLED"
)

// RailAttempt 是支付尝试的状态机。
// 同一时刻只允许一个通道处于 InProgress；成功之后不能再次发起。
type RailAttempt struct {
	State     RailState `json:"state"`
	Kind      RailKind  `json:"kind,omitempty"`
	Attempts  int       `json:"attempts"`
	LastError string    `json:"lastError,omitempty"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Begin 开始一次新的支付尝试。
func (a *RailAttempt) Begin(kind RailKind, now time.Time) error {
	switch a.State {
	case RailInProgress:
		return NewError(KindRailInProgress, fmt.Sprintf("rail %s is already in progress", a.Kind), nil)
	case RailSucceeded:
		return NewError(KindInvalidState, "payment already succeeded", nil)
	}
	a.State = RailInProgress
	a.Kind = kind
	a.Attempts++
	a.LastError = ""
	a.UpdatedAt = now
	return nil
}

func (a *RailAttempt) finish(to RailState, now time.Time) error {
	if a.State != RailInProgress {
		return NewError(KindInvalidState, fmt.Sprintf("cannot move rail attempt from %s to %s", a.State, to), nil)
	}
	a.State = to
	a.UpdatedAt = now
	return nil
}

// Succeed 标记支付成功。
func (a *RailAttempt) Succeed(now time.Time) error {
	return a.finish(RailSucceeded, now)
}

// Fail 标记支付失败，记录网关返回的信息。
func (a *RailAttempt) Fail(now time.Time, reason string) error {
	if err := a.finish(RailFailed, now); err != nil {
		return err
	}
	a.LastError = reason
	return nil
}

// Cancel 用户主动取消，不算错误。
func (a *RailAttempt) Cancel(now time.Time) error {
	return a.finish(RailCancelled, now)
}
