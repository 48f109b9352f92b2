package port

import (
	"context"

	"rally/internal/service/ticketing/domain"
)

// DebitRequest 扣减积分。IdempotencyKey 相同的请求最多生效一次。
type DebitRequest struct {
	UserID         string
	ClubID         string
	Amount         int64
	Reason         domain.DebitReason
	IdempotencyKey string
}

// CreditRequest 用于发放和退还积分。
type CreditRequest struct {
	UserID         string
	ClubID         string
	Amount         int64
	Reason         domain.DebitReason
	IdempotencyKey string
}

// CreditLedger 是积分账本的出站端口。
type CreditLedger interface {
	// Balance 查询可用积分，没有记录时为 0。
	Balance(ctx context.Context, userID, clubID string) (int64, error)

	// Debit 原子地检查并扣减余额，余额不足时返回 *domain.InsufficientCreditsError。
	// 重放同一个幂等键会返回第一次的结果。
	Debit(ctx context.Context, req DebitRequest) (*domain.LedgerEntry, error)

	// Grant 管理员发放积分（初始化数据和测试用）。
	Grant(ctx context.Context, req CreditRequest) (*domain.LedgerEntry, error)

	// Refund 是 Debit 的补偿操作。
	Refund(ctx context.Context, req CreditRequest) (*domain.LedgerEntry, error)

	// History 按时间倒序返回审计流水。
	History(ctx context.Context, userID, clubID string, limit int) ([]domain.LedgerEntry, error)
}
