package settlement

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"rally/internal/service/ticketing/domain"
	"rally/internal/service/ticketing/domain/port"
	"rally/internal/service/ticketing/infrastructure/inmem"
)

type fixture struct {
	ledger     *inmem.Ledger
	store      *inmem.SettlementStore
	attendance *inmem.Attendance
	queue      *inmem.RetryQueue
	notifier   *inmem.Notifier
	coord      *Coordinator
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		ledger:     inmem.NewLedger(),
		store:      inmem.NewSettlementStore(),
		attendance: inmem.NewAttendance(),
		queue:      &inmem.RetryQueue{},
		notifier:   &inmem.Notifier{},
	}
	f.coord = NewCoordinator(Deps{
		Store:      f.store,
		Ledger:     f.ledger,
		Attendance: f.attendance,
		RetryQueue: f.queue,
		Notifier:   f.notifier,
	}, Options{MaxAttempts: 5, AttendanceRetries: 1})
	return f
}

func paidConfirmation(source domain.SettlementSource) domain.PaymentConfirmation {
	return domain.PaymentConfirmation{
		PaymentRef:      "pi_100",
		PurchaseID:      "p-1",
		EventID:         "ev-1",
		ClubID:          "club-1",
		BuyerID:         "user-1",
		RewardID:        "r-10pct",
		CreditsRequired: 50,
		AmountMinor:     1800,
		Currency:        "USD",
		Source:          source,
	}
}

func (f *fixture) balance(t *testing.T) int64 {
	t.Helper()
	b, err := f.ledger.Balance(context.Background(), "user-1", "club-1")
	require.NoError(t, err)
	return b
}

func TestSettlePaid_DebitsAndRegisters(t *testing.T) {
	f := newFixture(t)
	f.ledger.SetBalance("user-1", "club-1", 50)

	rec, err := f.coord.SettlePaid(context.Background(), paidConfirmation(domain.SourceClient))
	require.NoError(t, err)

	assert.Equal(t, domain.AttendanceRegistered, rec.Attendance)
	assert.Equal(t, domain.DebitSucceeded, rec.Debit)
	assert.NotNil(t, rec.SettledAt)
	assert.Zero(t, f.balance(t))

	attending, _ := f.attendance.IsAttending(context.Background(), "ev-1", "user-1")
	assert.True(t, attending)
	require.Len(t, f.notifier.Events, 1)
	assert.Equal(t, domain.IntentSettled, f.notifier.Events[0].Status)
}

func TestSettlePaid_ClientThenWebhookSettlesOnce(t *testing.T) {
	f := newFixture(t)
	f.ledger.SetBalance("user-1", "club-1", 200)

	_, err := f.coord.SettlePaid(context.Background(), paidConfirmation(domain.SourceClient))
	require.NoError(t, err)
	rec, err := f.coord.SettlePaid(context.Background(), paidConfirmation(domain.SourceWebhook))
	require.NoError(t, err)

	assert.Equal(t, int64(150), f.balance(t), "exactly one debit")
	assert.Equal(t, 1, f.attendance.Inserts, "exactly one attendee insert")
	assert.Equal(t, domain.SourceClient, rec.FirstSource)
	assert.Equal(t, 2, rec.Attempts)

	history, err := f.ledger.History(context.Background(), "user-1", "club-1", 0)
	require.NoError(t, err)
	assert.Len(t, history, 1)
}

func TestSettlePaid_ConcurrentEntryPoints(t *testing.T) {
	f := newFixture(t)
	f.ledger.SetBalance("user-1", "club-1", 200)

	var wg sync.WaitGroup
	for _, src := range []domain.SettlementSource{domain.SourceClient, domain.SourceWebhook, domain.SourceRedirectReturn, domain.SourceWebhook} {
		wg.Add(1)
		go func(src domain.SettlementSource) {
			defer wg.Done()
			_, err := f.coord.SettlePaid(context.Background(), paidConfirmation(src))
			assert.NoError(t, err)
		}(src)
	}
	wg.Wait()

	assert.Equal(t, int64(150), f.balance(t))
	assert.Equal(t, 1, f.attendance.Inserts)
}

func TestSettlePaid_WithoutRewardSkipsDebit(t *testing.T) {
	f := newFixture(t)
	conf := paidConfirmation(domain.SourceWebhook)
	conf.RewardID, conf.CreditsRequired = "", 0

	rec, err := f.coord.SettlePaid(context.Background(), conf)
	require.NoError(t, err)
	assert.Equal(t, domain.DebitSkipped, rec.Debit)
	assert.True(t, rec.Complete())
}

func TestSettlePaid_LedgerFailureKeepsTicketAndQueuesRetry(t *testing.T) {
	f := newFixture(t)
	f.ledger.FailDebits = errors.New("redis: connection refused")

	rec, err := f.coord.SettlePaid(context.Background(), paidConfirmation(domain.SourceClient))
	require.NoError(t, err, "post-payment debit failure is never a purchase failure")

	assert.Equal(t, domain.AttendanceRegistered, rec.Attendance)
	assert.Equal(t, domain.DebitFailed, rec.Debit)
	require.Equal(t, 1, f.queue.Len())
	assert.Equal(t, "pi_100", f.queue.Tasks[0].PaymentRef)
	assert.Equal(t, int64(50), f.queue.Tasks[0].CreditsRequired)

	// 账本恢复后，补偿任务使用同一个幂等键完成扣减
	f.ledger.FailDebits = nil
	f.ledger.SetBalance("user-1", "club-1", 50)
	require.NoError(t, f.coord.RetryDebit(context.Background(), f.queue.Tasks[0]))
	require.NoError(t, f.coord.RetryDebit(context.Background(), f.queue.Tasks[0]))
	assert.Zero(t, f.balance(t))

	stored, err := f.store.Find(context.Background(), "pi_100")
	require.NoError(t, err)
	assert.Equal(t, domain.DebitSucceeded, stored.Debit)
}

func TestSettlePaid_InsufficientCreditsAfterPaymentStillSettles(t *testing.T) {
	f := newFixture(t)
	f.ledger.SetBalance("user-1", "club-1", 10)

	rec, err := f.coord.SettlePaid(context.Background(), paidConfirmation(domain.SourceWebhook))
	require.NoError(t, err)
	assert.Equal(t, domain.AttendanceRegistered, rec.Attendance)
	assert.Equal(t, domain.DebitFailed, rec.Debit)
	assert.Equal(t, int64(10), f.balance(t))
}

func TestSettlePaid_AttendanceRetriedOnce(t *testing.T) {
	f := newFixture(t)
	f.ledger.SetBalance("user-1", "club-1", 50)
	f.attendance.FailNext = 1

	rec, err := f.coord.SettlePaid(context.Background(), paidConfirmation(domain.SourceClient))
	require.NoError(t, err)
	assert.Equal(t, domain.AttendanceRegistered, rec.Attendance)
}

func TestSettlePaid_PersistentAttendanceFailureIsAlertNotError(t *testing.T) {
	f := newFixture(t)
	f.ledger.SetBalance("user-1", "club-1", 50)
	f.attendance.FailNext = 10

	rec, err := f.coord.SettlePaid(context.Background(), paidConfirmation(domain.SourceClient))
	require.NoError(t, err)
	assert.Equal(t, domain.AttendanceFailed, rec.Attendance)
	assert.Nil(t, rec.SettledAt)

	// webhook 稍后到达时补上参与者
	f.attendance.FailNext = 0
	rec, err = f.coord.SettlePaid(context.Background(), paidConfirmation(domain.SourceWebhook))
	require.NoError(t, err)
	assert.Equal(t, domain.AttendanceRegistered, rec.Attendance)
	assert.Equal(t, int64(0), f.balance(t))
}

func TestSettlePaid_AttemptsAreBounded(t *testing.T) {
	f := newFixture(t)
	f.attendance.FailNext = 1000
	f.coord.opts.MaxAttempts = 2

	conf := paidConfirmation(domain.SourceWebhook)
	conf.RewardID, conf.CreditsRequired = "", 0
	for i := 0; i < 2; i++ {
		_, err := f.coord.SettlePaid(context.Background(), conf)
		require.NoError(t, err)
	}
	_, err := f.coord.SettlePaid(context.Background(), conf)
	assert.ErrorIs(t, err, domain.ErrSettlementAttemptsExceeded)
}

func freeConfirmation() domain.PaymentConfirmation {
	return domain.PaymentConfirmation{
		PaymentRef:      domain.FreePaymentReference("p-free", 1),
		PurchaseID:      "p-free",
		EventID:         "ev-2",
		ClubID:          "club-1",
		BuyerID:         "user-1",
		RewardID:        "r-free",
		CreditsRequired: 100,
		Currency:        "USD",
	}
}

func TestClaimFree_DebitThenAttendance(t *testing.T) {
	f := newFixture(t)
	f.ledger.SetBalance("user-1", "club-1", 120)

	rec, err := f.coord.ClaimFree(context.Background(), freeConfirmation())
	require.NoError(t, err)
	assert.Equal(t, domain.SourceFree, rec.FirstSource)
	assert.Equal(t, int64(20), f.balance(t))
	attending, _ := f.attendance.IsAttending(context.Background(), "ev-2", "user-1")
	assert.True(t, attending)
}

func TestClaimFree_DebitFailureMeansNoAttendance(t *testing.T) {
	f := newFixture(t)
	f.ledger.SetBalance("user-1", "club-1", 80)

	_, err := f.coord.ClaimFree(context.Background(), freeConfirmation())
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrInsufficientCredits)

	attending, _ := f.attendance.IsAttending(context.Background(), "ev-2", "user-1")
	assert.False(t, attending)
	assert.Zero(t, f.attendance.Inserts)
}

func TestClaimFree_AttendanceFailureRefundsAndAllowsRetry(t *testing.T) {
	f := newFixture(t)
	f.ledger.SetBalance("user-1", "club-1", 100)
	f.attendance.FailNext = 2

	_, err := f.coord.ClaimFree(context.Background(), freeConfirmation())
	require.ErrorIs(t, err, domain.ErrAttendanceWriteFailure)
	assert.Equal(t, int64(100), f.balance(t), "credits refunded")

	rec, err := f.coord.ClaimFree(context.Background(), freeConfirmation())
	require.NoError(t, err)
	assert.True(t, rec.Complete())
	assert.Zero(t, f.balance(t))

	// 已完成的领取再次提交不会重复扣减
	_, err = f.coord.ClaimFree(context.Background(), freeConfirmation())
	require.NoError(t, err)
	assert.Zero(t, f.balance(t))
}

func TestClaimFree_ZeroPriceWithoutReward(t *testing.T) {
	f := newFixture(t)
	conf := freeConfirmation()
	conf.RewardID, conf.CreditsRequired = "", 0

	rec, err := f.coord.ClaimFree(context.Background(), conf)
	require.NoError(t, err)
	assert.Equal(t, domain.DebitSkipped, rec.Debit)
	assert.Equal(t, 1, f.attendance.Inserts)
}

func TestReconcile_RequeuesStaleFailedDebits(t *testing.T) {
	f := newFixture(t)
	past := time.Now().Add(-time.Hour)
	f.store.SetClock(func() time.Time { return past })
	f.ledger.FailDebits = errors.New("ledger offline")

	_, err := f.coord.SettlePaid(context.Background(), paidConfirmation(domain.SourceClient))
	require.NoError(t, err)
	require.Equal(t, 1, f.queue.Len())

	n, err := f.coord.Reconcile(context.Background(), 10*time.Minute, 100)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, 2, f.queue.Len())
	assert.Equal(t, "reconciliation", f.queue.Tasks[1].Reason)
}

var _ port.CreditLedger = (*inmem.Ledger)(nil)

func TestReconcile_RecoversDebitStuckInAttempting(t *testing.T) {
	f := newFixture(t)
	f.ledger.SetBalance("user-1", "club-1", 200)
	past := time.Now().Add(-time.Hour)
	f.store.SetClock(func() time.Time { return past })

	_, err := f.coord.SettlePaid(context.Background(), paidConfirmation(domain.SourceClient))
	require.NoError(t, err)
	require.Equal(t, int64(150), f.balance(t))
	// 账本已扣减，但完成状态没写进记录
	require.NoError(t, f.store.CompleteDebit(context.Background(), "pi_100", domain.DebitAttempting, ""))

	n, err := f.coord.Reconcile(context.Background(), 10*time.Minute, 100)
	require.NoError(t, err)
	require.Equal(t, 1, n)
	require.NoError(t, f.coord.RetryDebit(context.Background(), f.queue.Tasks[0]))

	assert.Equal(t, int64(150), f.balance(t), "replay with the same idempotency key debits once")
	stored, err := f.store.Find(context.Background(), "pi_100")
	require.NoError(t, err)
	assert.Equal(t, domain.DebitSucceeded, stored.Debit)
}

func TestReconcile_LeavesFreshAttemptsAndFreeClaimsAlone(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.ledger.SetBalance("user-1", "club-1", 500)

	_, err := f.coord.SettlePaid(ctx, paidConfirmation(domain.SourceClient))
	require.NoError(t, err)
	require.NoError(t, f.store.CompleteDebit(ctx, "pi_100", domain.DebitAttempting, ""))

	_, err = f.coord.ClaimFree(ctx, freeConfirmation())
	require.NoError(t, err)
	require.NoError(t, f.store.CompleteDebit(ctx, freeConfirmation().PaymentRef, domain.DebitAttempting, ""))

	n, err := f.coord.Reconcile(ctx, 10*time.Minute, 100)
	require.NoError(t, err)
	assert.Zero(t, n, "the paid record is still within the settling window")

	f.store.SetClock(func() time.Time { return time.Now().Add(-time.Hour) })
	require.NoError(t, f.store.CompleteDebit(ctx, "pi_100", domain.DebitAttempting, ""))
	require.NoError(t, f.store.CompleteDebit(ctx, freeConfirmation().PaymentRef, domain.DebitAttempting, ""))
	n, err = f.coord.Reconcile(ctx, 10*time.Minute, 100)
	require.NoError(t, err)
	require.Equal(t, 1, n)
	assert.Equal(t, "pi_100", f.queue.Tasks[0].PaymentRef)
}
