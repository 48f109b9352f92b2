package infrastructure

import (
	"github.com/shopspring/decimal"

	"rally/internal/service/ticketing/domain"
)

// ToDomainEvent 将数据库模型转换为领域模型
func ToDomainEvent(model *EventModel) *domain.Event {
	if model == nil {
		return nil
	}
	return &domain.Event{
		ID:          model.ID,
		ClubID:      model.ClubID,
		Title:       model.Title,
		TicketPrice: domain.Round2(model.TicketPrice),
		Currency:    model.Currency,
		StartsAt:    model.StartsAt,
	}
}

// FromDomainEvent 用于初始化数据
func FromDomainEvent(e *domain.Event) *EventModel {
	return &EventModel{
		ID:          e.ID,
		ClubID:      e.ClubID,
		Title:       e.Title,
		TicketPrice: e.TicketPrice,
		Currency:    e.Currency,
		StartsAt:    e.StartsAt,
	}
}

func nullDecimal(d *decimal.Decimal) decimal.NullDecimal {
	if d == nil {
		return decimal.NullDecimal{}
	}
	return decimal.NullDecimal{Decimal: *d, Valid: true}
}

func decimalPtr(n decimal.NullDecimal) *decimal.Decimal {
	if !n.Valid {
		return nil
	}
	d := n.Decimal
	return &d
}

// ToDomainReward 将数据库模型转换为领域模型
func ToDomainReward(model *RewardModel) *domain.RewardDefinition {
	if model == nil {
		return nil
	}
	return &domain.RewardDefinition{
		ID:                    model.ID,
		ClubID:                model.ClubID,
		Title:                 model.Title,
		Type:                  domain.RewardType(model.Type),
		CreditsRequired:       model.CreditsRequired,
		DiscountAmount:        decimalPtr(model.DiscountAmount),
		DiscountPercent:       decimalPtr(model.DiscountPercent),
		IsActive:              model.IsActive,
		MaxRedemptionsPerUser: model.MaxRedemptionsPerUser,
		EligibilityRule:       model.EligibilityRule,
	}
}

// FromDomainReward 将领域模型转换为数据库模型
func FromDomainReward(r *domain.RewardDefinition) *RewardModel {
	return &RewardModel{
		ID:                    r.ID,
		ClubID:                r.ClubID,
		Title:                 r.Title,
		Type:                  string(r.Type),
		CreditsRequired:       r.CreditsRequired,
		DiscountAmount:        nullDecimal(r.DiscountAmount),
		DiscountPercent:       nullDecimal(r.DiscountPercent),
		IsActive:              r.IsActive,
		MaxRedemptionsPerUser: r.MaxRedemptionsPerUser,
		EligibilityRule:       r.EligibilityRule,
	}
}

// ToDomainSettlement 将数据库模型转换为领域模型
func ToDomainSettlement(model *SettlementRecordModel) *domain.SettlementRecord {
	if model == nil {
		return nil
	}
	return &domain.SettlementRecord{
		PaymentRef:      model.PaymentRef,
		PurchaseID:      model.PurchaseID,
		EventID:         model.EventID,
		ClubID:          model.ClubID,
		BuyerID:         model.BuyerID,
		RewardID:        model.RewardID,
		CreditsRequired: model.CreditsRequired,
		Attendance:      domain.AttendanceState(model.Attendance),
		Debit:           domain.DebitState(model.Debit),
		Attempts:        model.Attempts,
		FirstSource:     domain.SettlementSource(model.FirstSource),
		LastError:       model.LastError,
		SettledAt:       model.SettledAt,
		CreatedAt:       model.CreatedAt,
		UpdatedAt:       model.UpdatedAt,
	}
}

// FromDomainSettlement 创建记录用
func FromDomainSettlement(r *domain.SettlementRecord) *SettlementRecordModel {
	return &SettlementRecordModel{
		PaymentRef:      r.PaymentRef,
		PurchaseID:      r.PurchaseID,
		EventID:         r.EventID,
		ClubID:          r.ClubID,
		BuyerID:         r.BuyerID,
		RewardID:        r.RewardID,
		CreditsRequired: r.CreditsRequired,
		Attendance:      string(r.Attendance),
		Debit:           string(r.Debit),
		Attempts:        r.Attempts,
		FirstSource:     string(r.FirstSource),
		LastError:       r.LastError,
		SettledAt:       r.SettledAt,
		CreatedAt:       r.CreatedAt,
		UpdatedAt:       r.UpdatedAt,
	}
}
