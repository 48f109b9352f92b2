// cmd/ledger-worker/main.go
package main

import (
	"context"

	"github.com/rs/zerolog/log"

	"rally/internal/pkg/bootstrap"
	"rally/internal/pkg/mq"
	"rally/internal/service/ticketing"
	"rally/internal/service/ticketing/interfaces"
	"rally/internal/zookeeper"
)

const serviceName = "ledger-worker"

// ledger-worker 消费积分扣减补偿和两个死信主题，并由 ZooKeeper 选出一个实例做对账。
func main() {
	cfg := bootstrap.Init()

	var (
		components *ticketing.Components
		consumers  []*interfaces.ConsumerAdapter
		reconciler *interfaces.Reconciler
		zkConn     *zookeeper.Conn
	)

	bootstrap.StartService(bootstrap.AppInfo{
		ServiceName: serviceName,
		Port:        cfg.App.Port + 1,
		Start: func(ctx context.Context, appCtx bootstrap.AppCtx) error {
			var err error
			components, err = ticketing.NewComponents(ctx, appCtx.Config)
			if err != nil {
				return err
			}
			kafkaCfg := appCtx.Config.Infra.Kafka
			settleCfg := appCtx.Config.App.Settlement
			group := serviceName

			retryFailures := mq.NewFailureHandler(
				components.Writer(kafkaCfg.Brokers, kafkaCfg.Topics.DebitRetry),
				components.Writer(kafkaCfg.Brokers, kafkaCfg.Topics.DebitDLT),
				settleCfg.DebitRetryMaxAttempts,
			)
			consumers = []*interfaces.ConsumerAdapter{
				interfaces.NewConsumerAdapter("debit-retry",
					mq.NewKafkaReader(kafkaCfg.Brokers, kafkaCfg.Topics.DebitRetry, group),
					interfaces.DebitRetryProcessor(components.Coordinator), retryFailures),
				interfaces.NewConsumerAdapter("debit-dlt",
					mq.NewKafkaReader(kafkaCfg.Brokers, kafkaCfg.Topics.DebitDLT, group+"-debit-dlt"),
					interfaces.DeadLetterProcessor(), nil),
				interfaces.NewConsumerAdapter("confirmation-dlt",
					mq.NewKafkaReader(kafkaCfg.Brokers, kafkaCfg.Topics.ConfirmationDLT, group+"-confirmation-dlt"),
					interfaces.DeadLetterProcessor(), nil),
			}
			for _, c := range consumers {
				if err := c.Start(ctx); err != nil {
					return err
				}
			}

			zkCfg := appCtx.Config.Infra.Zookeeper
			zkConn, err = zookeeper.Connect(zkCfg.Servers, zkCfg.SessionTimeout)
			if err != nil {
				return err
			}
			lock, err := zookeeper.NewDistributedLock(zkConn, "ledger-reconciler")
			if err != nil {
				return err
			}
			reconciler = interfaces.NewReconciler(lock, components.Coordinator, settleCfg.ReconcileInterval, settleCfg.ReconcileAge)
			reconciler.Start(ctx)
			log.Info().Int("consumers", len(consumers)).Msg("✅ ledger worker started")
			return nil
		},
		Stop: func(ctx context.Context) {
			for _, c := range consumers {
				c.Stop(ctx)
			}
			if reconciler != nil {
				reconciler.Wait()
			}
			if zkConn != nil {
				zkConn.Close()
			}
			if components != nil {
				components.Close(ctx)
			}
		},
	})
}
