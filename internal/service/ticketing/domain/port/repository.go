package port

import (
	"context"
	"time"

	"rally/internal/service/ticketing/domain"
)

// EventRepository 只读的活动仓储。
type EventRepository interface {
	FindByID(ctx context.Context, id string) (*domain.Event, error)
}

// RewardCatalog 是奖励目录。
type RewardCatalog interface {
	// ActiveRewards 返回俱乐部下所有启用的奖励。
	ActiveRewards(ctx context.Context, clubID string) ([]domain.RewardDefinition, error)
	FindReward(ctx context.Context, id string) (*domain.RewardDefinition, error)
}

// MemberDirectory 提供资格规则需要的会员信息。
type MemberDirectory interface {
	// Tier 返回会员等级，非会员返回空串。
	Tier(ctx context.Context, clubID, userID string) (string, error)
}

// RedemptionCounter 统计用户对某个奖励的兑换次数。
type RedemptionCounter interface {
	CountRedemptions(ctx context.Context, rewardID, userID string) (int64, error)
}

// AttendanceRegistrar 维护活动参与者集合，写入是幂等的。
type AttendanceRegistrar interface {
	// Register 返回 true 表示这次真正新增了记录。
	Register(ctx context.Context, eventID, userID string) (bool, error)
	IsAttending(ctx context.Context, eventID, userID string) (bool, error)
}

// SettlementStore 持久化结算记录。
type SettlementStore interface {
	// Begin 创建或读取记录，并把尝试次数加一。
	Begin(ctx context.Context, c domain.PaymentConfirmation) (*domain.SettlementRecord, error)
	Find(ctx context.Context, paymentRef string) (*domain.SettlementRecord, error)
	MarkAttendance(ctx context.Context, paymentRef string, state domain.AttendanceState, lastErr string) error
	// ClaimDebit 条件更新 none/failed -> attempting，抢到返回 true。
	ClaimDebit(ctx context.Context, paymentRef string) (bool, error)
	CompleteDebit(ctx context.Context, paymentRef string, state domain.DebitState, lastErr string) error
	MarkSettled(ctx context.Context, paymentRef string, at time.Time) error
	// ListStalledDebits 返回最后更新早于 before、扣减需要补做的记录：
	// 参与者已登记但 debit=failed，或付费记录卡在 attempting。
	ListStalledDebits(ctx context.Context, before time.Time, limit int) ([]domain.SettlementRecord, error)
}

// IntentStore 是购票意图的会话存储。
type IntentStore interface {
	Save(ctx context.Context, intent *domain.PurchaseIntent) error
	Get(ctx context.Context, id string) (*domain.PurchaseIntent, error)
	// Update 在乐观事务里读取、修改、写回。fn 返回错误时不写回。
	Update(ctx context.Context, id string, fn func(intent *domain.PurchaseIntent) error) (*domain.PurchaseIntent, error)
	Delete(ctx context.Context, id string) error
}

// WebhookEventStore 记录已收到的 webhook 事件，用于去重。
type WebhookEventStore interface {
	// Record 返回 true 表示第一次见到这个事件。
	Record(ctx context.Context, eventID, eventType string, payload []byte) (bool, error)
	// Forget 撤销记录，投递失败时让网关的重发能再次进入。
	Forget(ctx context.Context, eventID string) error
}
