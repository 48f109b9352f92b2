package settlement

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"rally/internal/pkg/logger"
	"rally/internal/pkg/metrics"
	"rally/internal/service/ticketing/domain"
	"rally/internal/service/ticketing/domain/port"
)

// BeginHandler 创建或加载结算记录，已完成的记录直接短路。
type BeginHandler struct {
	NextHandler
	maxAttempts int
}

func (h *BeginHandler) Handle(sc *SettlementContext) error {
	ctx, span := sc.Tracer.Start(sc.Ctx, "settlement.Begin")
	defer span.End()

	record, err := sc.Store.Begin(ctx, sc.Confirmation)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "load settlement record failed")
		return fmt.Errorf("begin settlement %s: %w", sc.Confirmation.PaymentRef, err)
	}
	sc.Record = record
	span.SetAttributes(
		attribute.String("settlement.first_source", string(record.FirstSource)),
		attribute.Int("settlement.attempts", record.Attempts),
	)

	if record.Complete() {
		sc.Redundant = true
		span.AddEvent("settlement already complete")
		logger.Ctx(ctx).Info().Str("payment_ref", record.PaymentRef).
			Str("source", string(sc.Confirmation.Source)).Msg("duplicate settlement ignored")
		return nil
	}
	if h.maxAttempts > 0 && record.Attempts > h.maxAttempts {
		err := domain.NewError(domain.KindSettlementAttemptsExceeded,
			fmt.Sprintf("payment %s reached %d settlement attempts", record.PaymentRef, record.Attempts), nil)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}
	return h.executeNext(sc)
}

// AttendanceHandler 登记参与者。strict 为 false 时（已付款）失败只告警，不中断。
type AttendanceHandler struct {
	NextHandler
	retries int
	strict  bool
}

func (h *AttendanceHandler) Handle(sc *SettlementContext) error {
	ctx, span := sc.Tracer.Start(sc.Ctx, "settlement.Attendance")
	defer span.End()

	rec := sc.Record
	if rec.Attendance == domain.AttendanceRegistered {
		span.AddEvent("attendance already registered")
		return h.executeNext(sc)
	}

	var err error
	for i := 0; i <= h.retries; i++ {
		var added bool
		added, err = sc.Attendance.Register(ctx, rec.EventID, rec.BuyerID)
		if err == nil {
			span.SetAttributes(attribute.Bool("attendance.inserted", added))
			break
		}
		logger.Ctx(ctx).Warn().Err(err).Str("event", rec.EventID).Int("try", i+1).Msg("attendance write failed")
	}

	if err != nil {
		wrapped := domain.NewError(domain.KindAttendanceWriteFailure,
			fmt.Sprintf("register %s for event %s", rec.BuyerID, rec.EventID), err)
		span.RecordError(wrapped)
		span.SetStatus(codes.Error, "attendance write failed")
		metrics.AttendanceWriteFailures.Inc()
		if markErr := sc.Store.MarkAttendance(ctx, rec.PaymentRef, domain.AttendanceFailed, err.Error()); markErr != nil {
			logger.Ctx(ctx).Error().Err(markErr).Msg("failed to record attendance failure")
		}
		rec.Attendance = domain.AttendanceFailed
		rec.LastError = err.Error()

		if h.strict {
			return wrapped
		}
		logger.Ctx(ctx).Error().Err(wrapped).
			Str("payment_ref", rec.PaymentRef).
			Str("user", rec.BuyerID).
			Str("event", rec.EventID).
			Msg("🚨 ALERT: paid ticket without attendee record")
		return h.executeNext(sc)
	}

	if err := sc.Store.MarkAttendance(ctx, rec.PaymentRef, domain.AttendanceRegistered, ""); err != nil {
		// 参与者已经写入，记录状态下次结算时会被修正
		logger.Ctx(ctx).Error().Err(err).Str("payment_ref", rec.PaymentRef).Msg("failed to mark attendance on settlement record")
	}
	rec.Attendance = domain.AttendanceRegistered
	return h.executeNext(sc)
}

// BestEffortDebitHandler 付费路径上的积分扣减，失败时进入补偿队列，不影响门票。
type BestEffortDebitHandler struct {
	NextHandler
	now func() time.Time
}

func (h *BestEffortDebitHandler) Handle(sc *SettlementContext) error {
	ctx, span := sc.Tracer.Start(sc.Ctx, "settlement.BestEffortDebit")
	defer span.End()

	rec := sc.Record
	if !rec.NeedsDebit() {
		span.AddEvent("debit not needed", traceState(rec.Debit))
		return h.executeNext(sc)
	}

	claimed, err := sc.Store.ClaimDebit(ctx, rec.PaymentRef)
	if err != nil {
		h.fail(ctx, sc, err)
		return h.executeNext(sc)
	}
	if !claimed {
		span.AddEvent("debit claimed by another settlement")
		return h.executeNext(sc)
	}
	rec.Debit = domain.DebitAttempting

	_, err = sc.Ledger.Debit(ctx, port.DebitRequest{
		UserID:         rec.BuyerID,
		ClubID:         rec.ClubID,
		Amount:         rec.CreditsRequired,
		Reason:         domain.DebitReason{RewardID: rec.RewardID, PurchaseID: rec.PurchaseID},
		IdempotencyKey: rec.DebitIdempotencyKey(),
	})
	if err != nil {
		h.fail(ctx, sc, err)
		return h.executeNext(sc)
	}

	if err := sc.Store.CompleteDebit(ctx, rec.PaymentRef, domain.DebitSucceeded, ""); err != nil {
		logger.Ctx(ctx).Error().Err(err).Str("payment_ref", rec.PaymentRef).Msg("failed to mark debit succeeded")
	}
	rec.Debit = domain.DebitSucceeded
	span.SetAttributes(attribute.Int64("debit.credits", rec.CreditsRequired))
	return h.executeNext(sc)
}

func (h *BestEffortDebitHandler) fail(ctx context.Context, sc *SettlementContext, cause error) {
	rec := sc.Record
	err := domain.NewError(domain.KindLedgerDebitFailure,
		fmt.Sprintf("debit %d credits from %s", rec.CreditsRequired, rec.BuyerID), cause)

	span := spanFrom(ctx)
	span.RecordError(err)
	metrics.LedgerDebitFailures.Inc()
	logger.Ctx(ctx).Error().Err(err).
		Str("payment_ref", rec.PaymentRef).
		Str("user", rec.BuyerID).
		Str("club", rec.ClubID).
		Msg("ledger debit failed after payment, scheduling retry")

	if markErr := sc.Store.CompleteDebit(ctx, rec.PaymentRef, domain.DebitFailed, cause.Error()); markErr != nil {
		logger.Ctx(ctx).Error().Err(markErr).Msg("failed to mark debit failed")
	}
	rec.Debit = domain.DebitFailed
	rec.LastError = cause.Error()

	if sc.RetryQueue == nil {
		return
	}
	if qErr := sc.RetryQueue.EnqueueDebitRetry(ctx, rec.RetryTask(cause.Error(), h.now())); qErr != nil {
		// 记录仍是 failed，对账任务会再次投递
		logger.Ctx(ctx).Error().Err(qErr).Str("payment_ref", rec.PaymentRef).Msg("failed to enqueue debit retry")
	}
}

// RequiredDebitHandler 免费领取路径：扣减必须成功，之后的步骤失败时退还积分。
type RequiredDebitHandler struct {
	NextHandler
}

func (h *RequiredDebitHandler) Handle(sc *SettlementContext) error {
	ctx, span := sc.Tracer.Start(sc.Ctx, "settlement.RequiredDebit")
	defer span.End()

	rec := sc.Record
	if !rec.NeedsDebit() {
		return h.executeNext(sc)
	}

	claimed, err := sc.Store.ClaimDebit(ctx, rec.PaymentRef)
	if err != nil {
		span.RecordError(err)
		return domain.NewError(domain.KindLedgerDebitFailure, "claim debit", err)
	}
	if !claimed {
		return domain.NewError(domain.KindInvalidState, fmt.Sprintf("claim %s is already being processed", rec.PaymentRef), nil)
	}

	// 每次尝试用独立的幂等键，补偿退款之后重试能再次扣减
	key := rec.DebitIdempotencyKey() + "#" + strconv.Itoa(rec.Attempts)
	reason := domain.DebitReason{RewardID: rec.RewardID, PurchaseID: rec.PurchaseID}
	_, err = sc.Ledger.Debit(ctx, port.DebitRequest{
		UserID:         rec.BuyerID,
		ClubID:         rec.ClubID,
		Amount:         rec.CreditsRequired,
		Reason:         reason,
		IdempotencyKey: key,
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "required debit failed")
		if markErr := sc.Store.CompleteDebit(ctx, rec.PaymentRef, domain.DebitFailed, err.Error()); markErr != nil {
			logger.Ctx(ctx).Error().Err(markErr).Msg("failed to mark debit failed")
		}
		rec.Debit = domain.DebitFailed
		var insufficient *domain.InsufficientCreditsError
		if errors.As(err, &insufficient) {
			return err
		}
		return domain.NewError(domain.KindLedgerDebitFailure, "debit credits for free admission", err)
	}

	if err := sc.Store.CompleteDebit(ctx, rec.PaymentRef, domain.DebitSucceeded, ""); err != nil {
		logger.Ctx(ctx).Error().Err(err).Msg("failed to mark debit succeeded")
	}
	rec.Debit = domain.DebitSucceeded

	sc.AddCompensation(func(ctx context.Context) {
		_, refundErr := sc.Ledger.Refund(ctx, port.CreditRequest{
			UserID:         rec.BuyerID,
			ClubID:         rec.ClubID,
			Amount:         rec.CreditsRequired,
			Reason:         domain.DebitReason{RewardID: rec.RewardID, PurchaseID: rec.PurchaseID, Note: "free claim rolled back"},
			IdempotencyKey: "refund:" + key,
		})
		if refundErr != nil {
			logger.Ctx(ctx).Error().Err(refundErr).Str("payment_ref", rec.PaymentRef).Msg("🚨 CRITICAL: failed to refund credits for failed free claim")
			return
		}
		if err := sc.Store.CompleteDebit(ctx, rec.PaymentRef, domain.DebitFailed, "refunded after attendance failure"); err != nil {
			logger.Ctx(ctx).Error().Err(err).Msg("failed to reset debit state after refund")
		}
		rec.Debit = domain.DebitFailed
	})

	return h.executeNext(sc)
}

// FinalizeHandler 标记结算完成并发布通知。
type FinalizeHandler struct {
	NextHandler
	now func() time.Time
}

func (h *FinalizeHandler) Handle(sc *SettlementContext) error {
	ctx, span := sc.Tracer.Start(sc.Ctx, "settlement.Finalize")
	defer span.End()

	rec := sc.Record
	if rec.Attendance != domain.AttendanceRegistered || rec.SettledAt != nil {
		return h.executeNext(sc)
	}
	at := h.now()
	if err := sc.Store.MarkSettled(ctx, rec.PaymentRef, at); err != nil {
		logger.Ctx(ctx).Error().Err(err).Str("payment_ref", rec.PaymentRef).Msg("failed to mark settlement settled")
	} else {
		rec.SettledAt = &at
	}

	// 只在首次完成时通知
	if sc.Notifier != nil {
		event := domain.PurchaseStatusEvent{
			PurchaseID: rec.PurchaseID,
			EventID:    rec.EventID,
			BuyerID:    rec.BuyerID,
			Status:     domain.IntentSettled,
			PaymentRef: rec.PaymentRef,
			OccurredAt: h.now(),
		}
		if err := sc.Notifier.PurchaseStatusChanged(ctx, event); err != nil {
			logger.Ctx(ctx).Warn().Err(err).Str("payment_ref", rec.PaymentRef).Msg("failed to publish purchase notification")
		}
	}
	return h.executeNext(sc)
}
