package interfaces

import (
	"context"
	"sync"
	"time"

	"rally/internal/pkg/logger"
)

// Locker 是领导权锁，*zookeeper.DistributedLock 满足它
type Locker interface {
	Lock(ctx context.Context) error
	Unlock() error
}

// FailedDebitSweeper 重新投递卡在 failed 的扣减，*settlement.Coordinator 满足它
type FailedDebitSweeper interface {
	Reconcile(ctx context.Context, olderThan time.Duration, limit int) (int, error)
}

// Reconciler 只有拿到锁的实例才定期扫描失败的扣减。
type Reconciler struct {
	lock     Locker
	sweeper  FailedDebitSweeper
	interval time.Duration
	age      time.Duration
	batch    int
	wg       sync.WaitGroup
}

func NewReconciler(lock Locker, sweeper FailedDebitSweeper, interval, age time.Duration) *Reconciler {
	if interval <= 0 {
		interval = time.Minute
	}
	return &Reconciler{lock: lock, sweeper: sweeper, interval: interval, age: age, batch: 100}
}

// Start 在后台等锁，拿到后按周期扫描直到 ctx 取消。
func (r *Reconciler) Start(ctx context.Context) {
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		log := logger.Ctx(ctx)
		if err := r.lock.Lock(ctx); err != nil {
			if ctx.Err() == nil {
				log.Error().Err(err).Msg("failed to acquire reconciler lock")
			}
			return
		}
		defer func() {
			if err := r.lock.Unlock(); err != nil {
				log.Warn().Err(err).Msg("failed to release reconciler lock")
			}
		}()
		log.Info().Dur("interval", r.interval).Msg("👑 reconciler lock acquired")

		ticker := time.NewTicker(r.interval)
		defer ticker.Stop()
		for {
			r.sweep(ctx)
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
		}
	}()
}

func (r *Reconciler) sweep(ctx context.Context) {
	n, err := r.sweeper.Reconcile(ctx, r.age, r.batch)
	if err != nil {
		logger.Ctx(ctx).Error().Err(err).Int("enqueued", n).Msg("reconciliation sweep failed")
		return
	}
	if n > 0 {
		logger.Ctx(ctx).Info().Int("enqueued", n).Msg("failed debits re-enqueued")
	}
}

// Wait 等待后台循环退出
func (r *Reconciler) Wait() {
	r.wg.Wait()
}
