// Package ledgertest 是 port.CreditLedger 的契约测试，每个账本实现都应该跑一遍。
package ledgertest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"rally/internal/service/ticketing/domain"
	"rally/internal/service/ticketing/domain/port"
)

type SetupFunc func(t *testing.T) (port.CreditLedger, error)

func TestCreditLedgerContract(t *testing.T, setupFunc SetupFunc) {
	setup := func(t *testing.T) port.CreditLedger {
		t.Helper()
		ledger, err := setupFunc(t)
		require.NoError(t, err)
		return ledger
	}

	t.Run("Debiting", func(t *testing.T) {
		RunDebitTests(t, setup)
	})

	t.Run("Concurrency", func(t *testing.T) {
		RunConcurrencyTests(t, setup)
	})

	t.Run("Crediting", func(t *testing.T) {
		RunCreditTests(t, setup)
	})
}

type fullSetupFunc func(t *testing.T) port.CreditLedger

// member 为每个用例生成独立的用户，避免共享存储时互相干扰。
func member(t *testing.T) (string, string) {
	t.Helper()
	return "user-" + uuid.NewString(), "club-" + uuid.NewString()
}

func grant(t *testing.T, ledger port.CreditLedger, user, club string, amount int64) {
	t.Helper()
	_, err := ledger.Grant(context.Background(), port.CreditRequest{
		UserID: user, ClubID: club, Amount: amount, IdempotencyKey: "grant-" + uuid.NewString(),
	})
	require.NoError(t, err)
}

func RunDebitTests(t *testing.T, setup fullSetupFunc) {
	t.Run("ok, debit within balance", func(t *testing.T) {
		ledger := setup(t)
		user, club := member(t)
		grant(t, ledger, user, club, 50)

		entry, err := ledger.Debit(context.Background(), port.DebitRequest{
			UserID: user, ClubID: club, Amount: 50,
			Reason:         domain.DebitReason{RewardID: "r-1", PurchaseID: "p-1"},
			IdempotencyKey: "settle:pi_1",
		})
		require.NoError(t, err)
		assert.Equal(t, domain.LedgerDebit, entry.Type)
		assert.Equal(t, int64(0), entry.BalanceAfter)
		assert.Equal(t, "r-1", entry.Reason.RewardID)

		balance, err := ledger.Balance(context.Background(), user, club)
		require.NoError(t, err)
		assert.Equal(t, int64(0), balance)
	})

	t.Run("fail, insufficient credits", func(t *testing.T) {
		ledger := setup(t)
		user, club := member(t)
		grant(t, ledger, user, club, 80)

		_, err := ledger.Debit(context.Background(), port.DebitRequest{
			UserID: user, ClubID: club, Amount: 100, IdempotencyKey: "settle:" + uuid.NewString(),
		})
		require.Error(t, err)
		require.True(t, errors.Is(err, domain.ErrInsufficientCredits))

		var ice *domain.InsufficientCreditsError
		require.True(t, errors.As(err, &ice))
		assert.Equal(t, int64(80), ice.Available)
		assert.Equal(t, int64(100), ice.Required)

		balance, err := ledger.Balance(context.Background(), user, club)
		require.NoError(t, err)
		assert.Equal(t, int64(80), balance, "failed debit must not change balance")
	})

	t.Run("ok, unknown member has zero balance", func(t *testing.T) {
		ledger := setup(t)
		user, club := member(t)
		balance, err := ledger.Balance(context.Background(), user, club)
		require.NoError(t, err)
		assert.Zero(t, balance)
	})

	t.Run("ok, replayed idempotency key debits once", func(t *testing.T) {
		ledger := setup(t)
		user, club := member(t)
		grant(t, ledger, user, club, 100)

		req := port.DebitRequest{UserID: user, ClubID: club, Amount: 30, IdempotencyKey: "settle:" + uuid.NewString()}
		first, err := ledger.Debit(context.Background(), req)
		require.NoError(t, err)
		second, err := ledger.Debit(context.Background(), req)
		require.NoError(t, err)
		assert.Equal(t, first.ID, second.ID)

		balance, err := ledger.Balance(context.Background(), user, club)
		require.NoError(t, err)
		assert.Equal(t, int64(70), balance)
	})

	t.Run("fail, non-positive amount", func(t *testing.T) {
		ledger := setup(t)
		user, club := member(t)
		_, err := ledger.Debit(context.Background(), port.DebitRequest{UserID: user, ClubID: club, Amount: 0, IdempotencyKey: "k"})
		require.Error(t, err)
	})
}

func RunConcurrencyTests(t *testing.T, setup fullSetupFunc) {
	t.Run("ok, balance for one debit admits exactly one", func(t *testing.T) {
		ledger := setup(t)
		user, club := member(t)
		grant(t, ledger, user, club, 50)

		const workers = 16
		var wg sync.WaitGroup
		var mu sync.Mutex
		successes, insufficient := 0, 0
		for i := 0; i < workers; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				_, err := ledger.Debit(context.Background(), port.DebitRequest{
					UserID: user, ClubID: club, Amount: 50, IdempotencyKey: fmt.Sprintf("settle:concurrent-%s-%d", user, i),
				})
				mu.Lock()
				defer mu.Unlock()
				switch {
				case err == nil:
					successes++
				case errors.Is(err, domain.ErrInsufficientCredits):
					insufficient++
				}
			}(i)
		}
		wg.Wait()

		assert.Equal(t, 1, successes)
		assert.Equal(t, workers-1, insufficient)
		balance, err := ledger.Balance(context.Background(), user, club)
		require.NoError(t, err)
		assert.Zero(t, balance)
	})
}

func RunCreditTests(t *testing.T, setup fullSetupFunc) {
	t.Run("ok, refund restores balance and history is newest first", func(t *testing.T) {
		ledger := setup(t)
		user, club := member(t)
		grant(t, ledger, user, club, 100)

		_, err := ledger.Debit(context.Background(), port.DebitRequest{UserID: user, ClubID: club, Amount: 100, IdempotencyKey: "settle:free:p-9#1"})
		require.NoError(t, err)
		refundReq := port.CreditRequest{UserID: user, ClubID: club, Amount: 100, IdempotencyKey: "refund:settle:free:p-9#1"}
		_, err = ledger.Refund(context.Background(), refundReq)
		require.NoError(t, err)
		_, err = ledger.Refund(context.Background(), refundReq)
		require.NoError(t, err)

		balance, err := ledger.Balance(context.Background(), user, club)
		require.NoError(t, err)
		assert.Equal(t, int64(100), balance)

		history, err := ledger.History(context.Background(), user, club, 10)
		require.NoError(t, err)
		require.Len(t, history, 3)
		assert.Equal(t, domain.LedgerRefund, history[0].Type)
		assert.Equal(t, domain.LedgerDebit, history[1].Type)
		assert.Equal(t, domain.LedgerGrant, history[2].Type)

		limited, err := ledger.History(context.Background(), user, club, 1)
		require.NoError(t, err)
		assert.Len(t, limited, 1)
	})
}
