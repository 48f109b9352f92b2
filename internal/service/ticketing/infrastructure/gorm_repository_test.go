package infrastructure

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"rally/internal/service/ticketing/domain"
)

func openTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	name := strings.NewReplacer("/", "_", " ", "_").Replace(t.Name())
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared&_busy_timeout=5000", name)
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{Logger: gormlogger.Discard})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	// sqlite 单连接，避免共享缓存下的表锁
	sqlDB.SetMaxOpenConns(1)
	require.NoError(t, Migrate(db))
	t.Cleanup(func() { _ = sqlDB.Close() })
	return db
}

func confirmation(ref string, credits int64) domain.PaymentConfirmation {
	c := domain.PaymentConfirmation{
		PaymentRef: ref, PurchaseID: "p-" + ref, EventID: "evt-1", ClubID: "club-1",
		BuyerID: "u-1", AmountMinor: 1800, Currency: "usd", Source: domain.SourceClient,
	}
	if credits > 0 {
		c.RewardID = "r-10"
		c.CreditsRequired = credits
	}
	return c
}

func TestGormEventRepository(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	require.NoError(t, db.Create(FromDomainEvent(&domain.Event{
		ID: "evt-1", ClubID: "club-1", Title: "Friday Social",
		TicketPrice: decimal.RequireFromString("20.00"), Currency: "usd",
		StartsAt: time.Date(2026, 11, 6, 19, 0, 0, 0, time.UTC),
	})).Error)

	repo := NewGormEventRepository(db)
	event, err := repo.FindByID(ctx, "evt-1")
	require.NoError(t, err)
	assert.Equal(t, "Friday Social", event.Title)
	assert.True(t, event.TicketPrice.Equal(decimal.NewFromInt(20)))

	_, err = repo.FindByID(ctx, "missing")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestGormRewardCatalog(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	pct := decimal.NewFromInt(10)
	limit := 1
	rewards := []*domain.RewardDefinition{
		{ID: "r-10", ClubID: "club-1", Title: "10% off", Type: domain.RewardEventDiscount,
			CreditsRequired: 50, DiscountPercent: &pct, IsActive: true, MaxRedemptionsPerUser: &limit},
		{ID: "r-free", ClubID: "club-1", Title: "Free entry", Type: domain.RewardEventFreeAdmission,
			CreditsRequired: 200, IsActive: true, EligibilityRule: `member.tier == "gold"`},
		{ID: "r-off", ClubID: "club-1", Title: "Retired", Type: domain.RewardEventDiscount,
			CreditsRequired: 10, DiscountPercent: &pct, IsActive: false},
		{ID: "r-other", ClubID: "club-2", Title: "Elsewhere", Type: domain.RewardEventFreeAdmission,
			CreditsRequired: 10, IsActive: true},
	}
	for _, r := range rewards {
		require.NoError(t, db.Create(FromDomainReward(r)).Error)
	}

	catalog := NewGormRewardCatalog(db)
	active, err := catalog.ActiveRewards(ctx, "club-1")
	require.NoError(t, err)
	require.Len(t, active, 2)
	assert.Equal(t, "r-10", active[0].ID)
	require.NotNil(t, active[0].DiscountPercent)
	assert.True(t, active[0].DiscountPercent.Equal(pct))
	assert.Nil(t, active[0].DiscountAmount)
	require.NotNil(t, active[0].MaxRedemptionsPerUser)
	assert.Equal(t, 1, *active[0].MaxRedemptionsPerUser)
	assert.Equal(t, `member.tier == "gold"`, active[1].EligibilityRule)

	r, err := catalog.FindReward(ctx, "r-off")
	require.NoError(t, err)
	assert.False(t, r.IsActive)

	_, err = catalog.FindReward(ctx, "nope")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestGormMemberDirectory(t *testing.T) {
	db := openTestDB(t)
	require.NoError(t, db.Create(&ClubMemberModel{ClubID: "club-1", UserID: "u-1", Tier: "gold"}).Error)

	dir := NewGormMemberDirectory(db)
	tier, err := dir.Tier(context.Background(), "club-1", "u-1")
	require.NoError(t, err)
	assert.Equal(t, "gold", tier)

	tier, err = dir.Tier(context.Background(), "club-1", "stranger")
	require.NoError(t, err)
	assert.Empty(t, tier)
}

func TestGormAttendanceRegistrar(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	reg := NewGormAttendanceRegistrar(db)

	added, err := reg.Register(ctx, "evt-1", "u-1")
	require.NoError(t, err)
	assert.True(t, added)

	added, err = reg.Register(ctx, "evt-1", "u-1")
	require.NoError(t, err)
	assert.False(t, added, "second insert is a no-op")

	ok, err := reg.IsAttending(ctx, "evt-1", "u-1")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = reg.IsAttending(ctx, "evt-1", "u-2")
	require.NoError(t, err)
	assert.False(t, ok)

	var n int64
	require.NoError(t, db.Model(&EventAttendeeModel{}).Count(&n).Error)
	assert.Equal(t, int64(1), n)
}

func TestGormSettlementStore(t *testing.T) {
	ctx := context.Background()

	t.Run("begin creates once and counts attempts", func(t *testing.T) {
		store := NewGormSettlementStore(openTestDB(t))
		rec, err := store.Begin(ctx, confirmation("pi_1", 50))
		require.NoError(t, err)
		assert.Equal(t, 1, rec.Attempts)
		assert.Equal(t, domain.DebitNone, rec.Debit)
		assert.Equal(t, domain.AttendancePending, rec.Attendance)
		assert.Equal(t, domain.SourceClient, rec.FirstSource)

		again := confirmation("pi_1", 50)
		again.Source = domain.SourceWebhook
		rec, err = store.Begin(ctx, again)
		require.NoError(t, err)
		assert.Equal(t, 2, rec.Attempts)
		assert.Equal(t, domain.SourceClient, rec.FirstSource)
	})

	t.Run("no reward skips debit", func(t *testing.T) {
		store := NewGormSettlementStore(openTestDB(t))
		rec, err := store.Begin(ctx, confirmation("pi_2", 0))
		require.NoError(t, err)
		assert.Equal(t, domain.DebitSkipped, rec.Debit)

		claimed, err := store.ClaimDebit(ctx, "pi_2")
		require.NoError(t, err)
		assert.False(t, claimed)
	})

	t.Run("claim debit is exclusive", func(t *testing.T) {
		store := NewGormSettlementStore(openTestDB(t))
		_, err := store.Begin(ctx, confirmation("pi_3", 50))
		require.NoError(t, err)

		var wg sync.WaitGroup
		var mu sync.Mutex
		wins := 0
		for i := 0; i < 5; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				ok, err := store.ClaimDebit(ctx, "pi_3")
				if err == nil && ok {
					mu.Lock()
					wins++
					mu.Unlock()
				}
			}()
		}
		wg.Wait()
		assert.Equal(t, 1, wins)

		require.NoError(t, store.CompleteDebit(ctx, "pi_3", domain.DebitFailed, "ledger down"))
		ok, err := store.ClaimDebit(ctx, "pi_3")
		require.NoError(t, err)
		assert.True(t, ok, "failed debit can be claimed again")

		require.NoError(t, store.CompleteDebit(ctx, "pi_3", domain.DebitSucceeded, ""))
		rec, err := store.Find(ctx, "pi_3")
		require.NoError(t, err)
		assert.Equal(t, domain.DebitSucceeded, rec.Debit)
		assert.Equal(t, "ledger down", rec.LastError)
	})

	t.Run("claim on unknown ref", func(t *testing.T) {
		store := NewGormSettlementStore(openTestDB(t))
		_, err := store.ClaimDebit(ctx, "nope")
		assert.ErrorIs(t, err, domain.ErrNotFound)
		assert.ErrorIs(t, store.MarkAttendance(ctx, "nope", domain.AttendanceRegistered, ""), domain.ErrNotFound)
	})

	t.Run("mark settled keeps first timestamp", func(t *testing.T) {
		store := NewGormSettlementStore(openTestDB(t))
		_, err := store.Begin(ctx, confirmation("pi_4", 0))
		require.NoError(t, err)
		first := time.Date(2026, 10, 1, 12, 0, 0, 0, time.UTC)
		require.NoError(t, store.MarkSettled(ctx, "pi_4", first))
		require.NoError(t, store.MarkSettled(ctx, "pi_4", first.Add(time.Hour)))

		rec, err := store.Find(ctx, "pi_4")
		require.NoError(t, err)
		require.NotNil(t, rec.SettledAt)
		assert.True(t, rec.SettledAt.Equal(first))
	})

	t.Run("stalled debits and redemption counts", func(t *testing.T) {
		db := openTestDB(t)
		store := NewGormSettlementStore(db)
		past := time.Now().Add(-time.Hour)
		store.now = func() time.Time { return past }

		for _, ref := range []string{"pi_a", "pi_b", "pi_c", "pi_d"} {
			_, err := store.Begin(ctx, confirmation(ref, 50))
			require.NoError(t, err)
		}
		free := confirmation("free:p-1:1", 50)
		free.Source = domain.SourceFree
		_, err := store.Begin(ctx, free)
		require.NoError(t, err)

		require.NoError(t, store.MarkAttendance(ctx, "pi_a", domain.AttendanceRegistered, ""))
		require.NoError(t, store.CompleteDebit(ctx, "pi_a", domain.DebitFailed, "timeout"))
		// 参与者未登记的不进入对账
		require.NoError(t, store.CompleteDebit(ctx, "pi_b", domain.DebitFailed, "timeout"))
		require.NoError(t, store.MarkAttendance(ctx, "pi_c", domain.AttendanceRegistered, ""))
		require.NoError(t, store.CompleteDebit(ctx, "pi_c", domain.DebitSucceeded, ""))
		// 扣减结果没落库的付费记录会被捡回，免费领取不会
		require.NoError(t, store.MarkAttendance(ctx, "pi_d", domain.AttendanceRegistered, ""))
		claimed, err := store.ClaimDebit(ctx, "pi_d")
		require.NoError(t, err)
		require.True(t, claimed)
		claimed, err = store.ClaimDebit(ctx, "free:p-1:1")
		require.NoError(t, err)
		require.True(t, claimed)

		stalled, err := store.ListStalledDebits(ctx, time.Now(), 10)
		require.NoError(t, err)
		refs := make([]string, 0, len(stalled))
		for _, r := range stalled {
			refs = append(refs, r.PaymentRef)
		}
		assert.ElementsMatch(t, []string{"pi_a", "pi_d"}, refs)

		stalled, err = store.ListStalledDebits(ctx, past.Add(-time.Minute), 10)
		require.NoError(t, err)
		assert.Empty(t, stalled)

		n, err := store.CountRedemptions(ctx, "r-10", "u-1")
		require.NoError(t, err)
		assert.Equal(t, int64(1), n)
	})
}

func TestGormWebhookEventStore(t *testing.T) {
	store := NewGormWebhookEventStore(openTestDB(t))
	ctx := context.Background()

	fresh, err := store.Record(ctx, "evt_1", "payment_intent.succeeded", []byte(`{}`))
	require.NoError(t, err)
	assert.True(t, fresh)

	fresh, err = store.Record(ctx, "evt_1", "payment_intent.succeeded", []byte(`{}`))
	require.NoError(t, err)
	assert.False(t, fresh)
}
