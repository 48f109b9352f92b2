package infrastructure

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"rally/internal/service/ticketing/domain"
)

func notFound(what, id string, err error) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return domain.NewError(domain.KindNotFound, fmt.Sprintf("%s %s", what, id), nil)
	}
	return err
}

// GormEventRepository 是 EventRepository 的 GORM 实现
type GormEventRepository struct {
	db *gorm.DB
}

func NewGormEventRepository(db *gorm.DB) *GormEventRepository {
	return &GormEventRepository{db: db}
}

func (r *GormEventRepository) FindByID(ctx context.Context, id string) (*domain.Event, error) {
	var model EventModel
	if err := r.db.WithContext(ctx).Where("id = ?", id).First(&model).Error; err != nil {
		return nil, notFound("event", id, err)
	}
	return ToDomainEvent(&model), nil
}

// GormRewardCatalog 奖励目录
type GormRewardCatalog struct {
	db *gorm.DB
}

func NewGormRewardCatalog(db *gorm.DB) *GormRewardCatalog {
	return &GormRewardCatalog{db: db}
}

func (r *GormRewardCatalog) ActiveRewards(ctx context.Context, clubID string) ([]domain.RewardDefinition, error) {
	var models []RewardModel
	err := r.db.WithContext(ctx).
		Where("club_id = ? AND is_active = ?", clubID, true).
		Order("credits_required ASC, id ASC").
		Find(&models).Error
	if err != nil {
		return nil, err
	}
	out := make([]domain.RewardDefinition, 0, len(models))
	for i := range models {
		out = append(out, *ToDomainReward(&models[i]))
	}
	return out, nil
}

func (r *GormRewardCatalog) FindReward(ctx context.Context, id string) (*domain.RewardDefinition, error) {
	var model RewardModel
	if err := r.db.WithContext(ctx).Where("id = ?", id).First(&model).Error; err != nil {
		return nil, notFound("reward", id, err)
	}
	return ToDomainReward(&model), nil
}

// GormMemberDirectory 会员等级查询
type GormMemberDirectory struct {
	db *gorm.DB
}

func NewGormMemberDirectory(db *gorm.DB) *GormMemberDirectory {
	return &GormMemberDirectory{db: db}
}

func (r *GormMemberDirectory) Tier(ctx context.Context, clubID, userID string) (string, error) {
	var model ClubMemberModel
	err := r.db.WithContext(ctx).Where("club_id = ? AND user_id = ?", clubID, userID).First(&model).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return model.Tier, nil
}

// GormAttendanceRegistrar 参与者集合，依赖唯一索引实现幂等插入
type GormAttendanceRegistrar struct {
	db *gorm.DB
}

func NewGormAttendanceRegistrar(db *gorm.DB) *GormAttendanceRegistrar {
	return &GormAttendanceRegistrar{db: db}
}

func (r *GormAttendanceRegistrar) Register(ctx context.Context, eventID, userID string) (bool, error) {
	res := r.db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(&EventAttendeeModel{EventID: eventID, UserID: userID})
	if res.Error != nil {
		return false, domain.NewError(domain.KindAttendanceWriteFailure, "insert attendee", res.Error)
	}
	return res.RowsAffected == 1, nil
}

func (r *GormAttendanceRegistrar) IsAttending(ctx context.Context, eventID, userID string) (bool, error) {
	var n int64
	err := r.db.WithContext(ctx).Model(&EventAttendeeModel{}).
		Where("event_id = ? AND user_id = ?", eventID, userID).
		Count(&n).Error
	return n > 0, err
}

// GormSettlementStore 结算记录。所有状态迁移都是带条件的 UPDATE，
// 同一支付引用的并发写入靠行级条件收敛。
type GormSettlementStore struct {
	db  *gorm.DB
	now func() time.Time
}

func NewGormSettlementStore(db *gorm.DB) *GormSettlementStore {
	return &GormSettlementStore{db: db, now: time.Now}
}

func (s *GormSettlementStore) Begin(ctx context.Context, c domain.PaymentConfirmation) (*domain.SettlementRecord, error) {
	now := s.now()
	var model SettlementRecordModel
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Clauses(clause.OnConflict{DoNothing: true}).
			Create(FromDomainSettlement(domain.NewSettlementRecord(c, now))).Error; err != nil {
			return err
		}
		if err := tx.Model(&SettlementRecordModel{}).
			Where("payment_ref = ?", c.PaymentRef).
			Updates(map[string]any{"attempts": gorm.Expr("attempts + 1"), "updated_at": now}).Error; err != nil {
			return err
		}
		return tx.Where("payment_ref = ?", c.PaymentRef).First(&model).Error
	})
	if err != nil {
		return nil, err
	}
	return ToDomainSettlement(&model), nil
}

func (s *GormSettlementStore) Find(ctx context.Context, ref string) (*domain.SettlementRecord, error) {
	var model SettlementRecordModel
	if err := s.db.WithContext(ctx).Where("payment_ref = ?", ref).First(&model).Error; err != nil {
		return nil, notFound("settlement", ref, err)
	}
	return ToDomainSettlement(&model), nil
}

func (s *GormSettlementStore) update(ctx context.Context, ref string, fields map[string]any, where string, args ...any) (int64, error) {
	fields["updated_at"] = s.now()
	q := s.db.WithContext(ctx).Model(&SettlementRecordModel{}).Where("payment_ref = ?", ref)
	if where != "" {
		q = q.Where(where, args...)
	}
	res := q.Updates(fields)
	return res.RowsAffected, res.Error
}

func (s *GormSettlementStore) MarkAttendance(ctx context.Context, ref string, state domain.AttendanceState, lastErr string) error {
	fields := map[string]any{"attendance": string(state)}
	if lastErr != "" {
		fields["last_error"] = lastErr
	}
	n, err := s.update(ctx, ref, fields, "")
	if err == nil && n == 0 {
		return domain.NewError(domain.KindNotFound, fmt.Sprintf("settlement %s", ref), nil)
	}
	return err
}

func (s *GormSettlementStore) ClaimDebit(ctx context.Context, ref string) (bool, error) {
	n, err := s.update(ctx, ref, map[string]any{"debit": string(domain.DebitAttempting)},
		"debit IN ?", []string{string(domain.DebitNone), string(domain.DebitFailed)})
	if err != nil {
		return false, err
	}
	if n == 1 {
		return true, nil
	}
	if _, err := s.Find(ctx, ref); err != nil {
		return false, err
	}
	return false, nil
}

func (s *GormSettlementStore) CompleteDebit(ctx context.Context, ref string, state domain.DebitState, lastErr string) error {
	fields := map[string]any{"debit": string(state)}
	if lastErr != "" {
		fields["last_error"] = lastErr
	}
	n, err := s.update(ctx, ref, fields, "")
	if err == nil && n == 0 {
		return domain.NewError(domain.KindNotFound, fmt.Sprintf("settlement %s", ref), nil)
	}
	return err
}

func (s *GormSettlementStore) MarkSettled(ctx context.Context, ref string, at time.Time) error {
	_, err := s.update(ctx, ref, map[string]any{"settled_at": at}, "settled_at IS NULL")
	return err
}

func (s *GormSettlementStore) ListStalledDebits(ctx context.Context, before time.Time, limit int) ([]domain.SettlementRecord, error) {
	var models []SettlementRecordModel
	q := s.db.WithContext(ctx).
		Where("((debit = ? AND attendance = ?) OR (debit = ? AND first_source <> ?))",
			string(domain.DebitFailed), string(domain.AttendanceRegistered),
			string(domain.DebitAttempting), string(domain.SourceFree)).
		Where("updated_at < ?", before).
		Order("updated_at ASC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	if err := q.Find(&models).Error; err != nil {
		return nil, err
	}
	out := make([]domain.SettlementRecord, 0, len(models))
	for i := range models {
		out = append(out, *ToDomainSettlement(&models[i]))
	}
	return out, nil
}

// CountRedemptions 统计已成功扣减的兑换次数
func (s *GormSettlementStore) CountRedemptions(ctx context.Context, rewardID, userID string) (int64, error) {
	var n int64
	err := s.db.WithContext(ctx).Model(&SettlementRecordModel{}).
		Where("reward_id = ? AND buyer_id = ? AND debit = ?", rewardID, userID, string(domain.DebitSucceeded)).
		Count(&n).Error
	return n, err
}

// GormWebhookEventStore webhook 去重
type GormWebhookEventStore struct {
	db *gorm.DB
}

func NewGormWebhookEventStore(db *gorm.DB) *GormWebhookEventStore {
	return &GormWebhookEventStore{db: db}
}

func (s *GormWebhookEventStore) Record(ctx context.Context, eventID, eventType string, payload []byte) (bool, error) {
	res := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(&WebhookEventModel{EventID: eventID, Type: eventType, Payload: payload})
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

func (s *GormWebhookEventStore) Forget(ctx context.Context, eventID string) error {
	return s.db.WithContext(ctx).Where("event_id = ?", eventID).Delete(&WebhookEventModel{}).Error
}
