package ticketing

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"github.com/segmentio/kafka-go"
	"gorm.io/gorm"

	"rally/internal/pkg/bootstrap"
	"rally/internal/pkg/logger"
	"rally/internal/pkg/mq"
	"rally/internal/pkg/redis"
	"rally/internal/service/ticketing/application"
	"rally/internal/service/ticketing/application/settlement"
	"rally/internal/service/ticketing/domain/port"
	"rally/internal/service/ticketing/infrastructure"
	"rally/internal/service/ticketing/infrastructure/adapter"
)

// Components 两个进程共用的基础设施和结算协调器。
type Components struct {
	DB          *gorm.DB
	Redis       *redis.Client
	Ledger      *adapter.LedgerRedisAdapter
	Settlements *infrastructure.GormSettlementStore
	Coordinator *settlement.Coordinator
	// Notifier 状态变化同时发往 Kafka 和调用方追加的下游
	Notifier application.MultiNotifier

	writers []*kafka.Writer
}

// Writer 创建一个 Kafka writer，Close 时统一关闭。
func (c *Components) Writer(brokers []string, topic string) *kafka.Writer {
	w := mq.NewKafkaWriter(brokers, topic)
	c.writers = append(c.writers, w)
	return w
}

// NewComponents 连接 MySQL、Redis，并组装结算链。extra 会追加到状态通知里。
func NewComponents(ctx context.Context, cfg *bootstrap.Config, extra ...port.PurchaseNotifier) (*Components, error) {
	db, err := infrastructure.OpenMySQL(cfg.Infra.MySQL.DSN)
	if err != nil {
		return nil, errors.Wrap(err, "open mysql")
	}
	if err := infrastructure.Migrate(db); err != nil {
		return nil, errors.Wrap(err, "migrate schema")
	}

	rc, err := redis.NewClient(cfg.Infra.Redis.Addrs, cfg.Infra.Redis.Password, cfg.Infra.Redis.DB)
	if err != nil {
		return nil, err
	}
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := rc.Ping(pingCtx); err != nil {
		return nil, err
	}
	ledger, err := adapter.NewLedgerRedisAdapter(rc)
	if err != nil {
		return nil, err
	}

	c := &Components{
		DB:          db,
		Redis:       rc,
		Ledger:      ledger,
		Settlements: infrastructure.NewGormSettlementStore(db),
	}
	kafkaCfg := cfg.Infra.Kafka
	notifier := application.MultiNotifier{
		adapter.NewNotificationKafkaAdapter(c.Writer(kafkaCfg.Brokers, kafkaCfg.Topics.CheckoutNotifications)),
	}
	notifier = append(notifier, extra...)
	c.Notifier = notifier

	c.Coordinator = settlement.NewCoordinator(settlement.Deps{
		Store:      c.Settlements,
		Ledger:     ledger,
		Attendance: infrastructure.NewGormAttendanceRegistrar(db),
		RetryQueue: adapter.NewDebitRetryKafkaAdapter(c.Writer(kafkaCfg.Brokers, kafkaCfg.Topics.DebitRetry)),
		Notifier:   notifier,
	}, settlement.Options{
		MaxAttempts:       cfg.App.Settlement.MaxAttempts,
		AttendanceRetries: cfg.App.Settlement.AttendanceRetries,
	})
	logger.Ctx(ctx).Info().Msg("✅ ticketing components initialized")
	return c, nil
}

// Close 关闭 Kafka writer、Redis 和数据库连接。
func (c *Components) Close(ctx context.Context) {
	log := logger.Ctx(ctx)
	for _, w := range c.writers {
		if err := w.Close(); err != nil {
			log.Error().Err(err).Str("topic", w.Topic).Msg("failed to close kafka writer")
		}
	}
	if err := c.Redis.Close(); err != nil {
		log.Error().Err(err).Msg("failed to close redis client")
	}
	if sqlDB, err := c.DB.DB(); err == nil {
		_ = sqlDB.Close()
	}
}
