// internal/service/ticketing/domain/errors.go
package domain

import (
	"errors"
	"fmt"
)

// ErrorKind 是购票与兑换引擎的错误分类。
type ErrorKind string

const (
	KindInvalidRewardDefinition    ErrorKind = "INVALID_REWARD_DEFINITION"
	KindInsufficientCredits        ErrorKind = "INSUFFICIENT_CREDITS"
	KindPaymentGateway             ErrorKind = "PAYMENT_GATEWAY_ERROR"
	KindPaymentCancelled           ErrorKind = "PAYMENT_CANCELLED"
	KindLedgerDebitFailure         ErrorKind = "LEDGER_DEBIT_FAILURE"
	KindAttendanceWriteFailure     ErrorKind = "ATTENDANCE_WRITE_FAILURE"
	KindRailInProgress             ErrorKind = "RAIL_IN_PROGRESS"
	KindRailUnavailable            ErrorKind = "RAIL_UNAVAILABLE"
	KindIntentNotFound             ErrorKind = "INTENT_NOT_FOUND"
	KindNotFound                   ErrorKind = "NOT_FOUND"
	KindInvalidState               ErrorKind = "INVALID_STATE"
	KindSettlementAttemptsExceeded ErrorKind = "SETTLEMENT_ATTEMPTS_EXCEEDED"
)

// Error 是带分类的领域错误。errors.Is 按 Kind 比较。
type Error struct {
	Kind    ErrorKind
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	if e.Message == "" {
		return string(e.Kind)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Kind == e.Kind
}

// NewError 创建一个领域错误。
func NewError(kind ErrorKind, msg string, err error) *Error {
	return &Error{Kind: kind, Message: msg, Err: err}
}

var (
	ErrInvalidRewardDefinition    = &Error{Kind: KindInvalidRewardDefinition}
	ErrInsufficientCredits        = &Error{Kind: KindInsufficientCredits}
	ErrPaymentGateway             = &Error{Kind: KindPaymentGateway}
	ErrPaymentCancelled           = &Error{Kind: KindPaymentCancelled}
	ErrLedgerDebitFailure         = &Error{Kind: KindLedgerDebitFailure}
	ErrAttendanceWriteFailure     = &Error{Kind: KindAttendanceWriteFailure}
	ErrRailInProgress             = &Error{Kind: KindRailInProgress}
	ErrRailUnavailable            = &Error{Kind: KindRailUnavailable}
	ErrIntentNotFound             = &Error{Kind: KindIntentNotFound}
	ErrNotFound                   = &Error{Kind: KindNotFound}
	ErrInvalidState               = &Error{Kind: KindInvalidState}
	ErrSettlementAttemptsExceeded = &Error{Kind: KindSettlementAttemptsExceeded}
)

// InsufficientCreditsError 携带展示给买家的余额与所需积分。
type InsufficientCreditsError struct {
	Available int64
	Required  int64
}

func (e *InsufficientCreditsError) Error() string {
	return fmt.Sprintf("insufficient credits: available %d, required %d", e.Available, e.Required)
}

func (e *InsufficientCreditsError) Is(target error) bool {
	return target == ErrInsufficientCredits
}

// GatewayError 是支付网关返回的错误。
type GatewayError struct {
	StatusCode  int
	Code        string
	DeclineCode string
	Message     string
}

// genericGatewayMessage 是不可操作错误时展示给买家的文案。
const genericGatewayMessage = "Payment could not be completed. Please try again."

// actionableCodes 是买家自己能处理的网关错误码。
var actionableCodes = map[string]bool{
	"card_declined":           true,
	"insufficient_funds":      true,
	"expired_card":            true,
	"incorrect_cvc":           true,
	"incorrect_number":        true,
	"processing_error":        true,
	"authentication_required": true,
}

func (e *GatewayError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("payment gateway error (%s): %s", e.Code, e.Message)
	}
	return fmt.Sprintf("payment gateway error: %s", e.Message)
}

func (e *GatewayError) Is(target error) bool {
	return target == ErrPaymentGateway
}

// Actionable 表示该错误可以原样展示给买家（比如卡被拒）。
func (e *GatewayError) Actionable() bool {
	return actionableCodes[e.Code] || actionableCodes[e.DeclineCode]
}

// BuyerMessage 返回展示给买家的文案。
func (e *GatewayError) BuyerMessage() string {
	if e.Actionable() && e.Message != "" {
		return e.Message
	}
	return genericGatewayMessage
}

// KindOf 返回错误链上第一个可识别的分类。
func KindOf(err error) ErrorKind {
	if err == nil {
		return ""
	}
	var de *Error
	if errors.As(err, &de) {
		return de.Kind
	}
	var ice *InsufficientCreditsError
	if errors.As(err, &ice) {
		return KindInsufficientCredits
	}
	var ge *GatewayError
	if errors.As(err, &ge) {
		return KindPaymentGateway
	}
	return ""
}

// FailureMessage 是支付失败时写到意图上、展示给买家的文案。
func FailureMessage(err error) string {
	var ge *GatewayError
	if errors.As(err, &ge) {
		return ge.BuyerMessage()
	}
	var ice *InsufficientCreditsError
	if errors.As(err, &ice) {
		return ice.Error()
	}
	return genericGatewayMessage
}
