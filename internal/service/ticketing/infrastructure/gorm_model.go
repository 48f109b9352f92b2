package infrastructure

import (
	"time"

	"github.com/shopspring/decimal"
)

// EventModel 对应 events 表，购票流程只读
type EventModel struct {
	ID          string          `gorm:"primaryKey;size:64"`
	ClubID      string          `gorm:"size:64;index"`
	Title       string          `gorm:"size:255"`
	TicketPrice decimal.Decimal `gorm:"type:decimal(10,2)"`
	Currency    string          `gorm:"size:3"`
	StartsAt    time.Time
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

func (EventModel) TableName() string {
	return "events"
}

// RewardModel 对应 rewards 表
type RewardModel struct {
	ID                    string `gorm:"primaryKey;size:64"`
	ClubID                string `gorm:"size:64;index:idx_rewards_club_active"`
	Title                 string `gorm:"size:255"`
	Type                  string `gorm:"size:32"`
	CreditsRequired       int64
	DiscountAmount        decimal.NullDecimal `gorm:"type:decimal(10,2)"`
	DiscountPercent       decimal.NullDecimal `gorm:"type:decimal(5,2)"`
	IsActive              bool                `gorm:"index:idx_rewards_club_active"`
	MaxRedemptionsPerUser *int
	EligibilityRule       string `gorm:"type:text"`
	CreatedAt             time.Time
	UpdatedAt             time.Time
}

func (RewardModel) TableName() string {
	return "rewards"
}

// ClubMemberModel 对应 club_members 表，只用到会员等级
type ClubMemberModel struct {
	ID        uint   `gorm:"primaryKey"`
	ClubID    string `gorm:"size:64;uniqueIndex:uk_club_member"`
	UserID    string `gorm:"size:64;uniqueIndex:uk_club_member"`
	Tier      string `gorm:"size:32"`
	CreatedAt time.Time
}

func (ClubMemberModel) TableName() string {
	return "club_members"
}

// EventAttendeeModel 对应 event_attendees 表，(event_id, user_id) 唯一，保证集合语义
type EventAttendeeModel struct {
	ID        uint   `gorm:"primaryKey"`
	EventID   string `gorm:"size:64;uniqueIndex:uk_event_attendee"`
	UserID    string `gorm:"size:64;uniqueIndex:uk_event_attendee"`
	CreatedAt time.Time
}

func (EventAttendeeModel) TableName() string {
	return "event_attendees"
}

// SettlementRecordModel 对应 settlement_records 表，按支付引用唯一
type SettlementRecordModel struct {
	ID              uint   `gorm:"primaryKey"`
	PaymentRef      string `gorm:"size:128;uniqueIndex"`
	PurchaseID      string `gorm:"size:64;index"`
	EventID         string `gorm:"size:64"`
	ClubID          string `gorm:"size:64"`
	BuyerID         string `gorm:"size:64;index:idx_settlement_redemptions"`
	RewardID        string `gorm:"size:64;index:idx_settlement_redemptions"`
	CreditsRequired int64
	Attendance      string `gorm:"size:16"`
	Debit           string `gorm:"size:16;index:idx_settlement_debit"`
	Attempts        int
	FirstSource     string `gorm:"size:32"`
	LastError       string `gorm:"type:text"`
	SettledAt       *time.Time
	CreatedAt       time.Time
	UpdatedAt       time.Time `gorm:"index:idx_settlement_debit"`
}

func (SettlementRecordModel) TableName() string {
	return "settlement_records"
}

// WebhookEventModel 对应 webhook_events 表，用网关事件 ID 去重
type WebhookEventModel struct {
	ID        uint   `gorm:"primaryKey"`
	EventID   string `gorm:"size:128;uniqueIndex"`
	Type      string `gorm:"size:64"`
	Payload   []byte
	CreatedAt time.Time
}

func (WebhookEventModel) TableName() string {
	return "webhook_events"
}

// AllModels 需要迁移的全部表
func AllModels() []any {
	return []any{
		&EventModel{},
		&RewardModel{},
		&ClubMemberModel{},
		&EventAttendeeModel{},
		&SettlementRecordModel{},
		&WebhookEventModel{},
	}
}
