// cmd/ticketing-service/main.go
package main

import (
	"context"

	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"

	"rally/internal/pkg/bootstrap"
	"rally/internal/pkg/httpclient"
	"rally/internal/pkg/mq"
	"rally/internal/service/ticketing"
	"rally/internal/service/ticketing/application"
	"rally/internal/service/ticketing/application/rail"
	"rally/internal/service/ticketing/infrastructure"
	"rally/internal/service/ticketing/infrastructure/adapter"
	"rally/internal/service/ticketing/infrastructure/rule"
	"rally/internal/service/ticketing/interfaces"
)

const serviceName = "ticketing-service"

func main() {
	cfg := bootstrap.Init()
	tracer := otel.Tracer(serviceName)
	hub := interfaces.NewStatusHub()

	var (
		components   *ticketing.Components
		confirmation *interfaces.ConsumerAdapter
	)

	bootstrap.StartService(bootstrap.AppInfo{
		ServiceName: serviceName,
		Port:        cfg.App.Port,
		RegisterHandlers: func(appCtx bootstrap.AppCtx) {
			ctx := context.Background()
			var err error
			components, err = ticketing.NewComponents(ctx, appCtx.Config, hub)
			if err != nil {
				log.Fatal().Err(err).Msg("failed to initialize components")
			}
			c := components
			kafkaCfg := appCtx.Config.Infra.Kafka

			intents := adapter.NewIntentRedisAdapter(c.Redis, appCtx.Config.App.IntentTTL)
			events := infrastructure.NewGormEventRepository(c.DB)
			catalog := infrastructure.NewGormRewardCatalog(c.DB)
			rules, err := rule.NewCelEngine()
			if err != nil {
				log.Fatal().Err(err).Msg("failed to initialize rule engine")
			}

			httpClient := httpclient.NewClient(tracer)
			if appCtx.Nacos != nil {
				httpClient = httpClient.WithResolver(appCtx.Nacos)
			}
			gw := adapter.NewGatewayHTTPAdapter(httpClient, appCtx.Config.Gateway.BaseURL, appCtx.Config.Gateway.APIKey, appCtx.Config.Gateway.Timeout)

			fees, err := application.ParseFeeSchedule(appCtx.Config.App.Fees.Percent, appCtx.Config.App.Fees.Fixed)
			if err != nil {
				log.Fatal().Err(err).Msg("invalid fee schedule")
			}
			railsCfg := appCtx.Config.App.Rails
			registry := rail.NewRegistry(rail.Capabilities{
				Card:         railsCfg.Card,
				ApplePay:     railsCfg.ApplePay,
				GooglePay:    railsCfg.GooglePay,
				PaymentSheet: railsCfg.PaymentSheet,
				Redirect:     railsCfg.Redirect,
			}, gw)

			builder := application.NewPurchaseIntentBuilder(fees, appCtx.Config.App.PublicBaseURL)
			selector := application.NewRedemptionSelector(catalog, c.Ledger, infrastructure.NewGormMemberDirectory(c.DB),
				c.Settlements, rules, intents, tracer)
			dispatcher := application.NewPaymentRailDispatcher(intents, events, gw, registry, builder, c.Coordinator, c.Notifier, tracer)
			svc := application.NewCheckoutService(application.CheckoutDeps{
				Events:     events,
				Intents:    intents,
				Ledger:     c.Ledger,
				Selector:   selector,
				Dispatcher: dispatcher,
				Builder:    builder,
				Settler:    c.Coordinator,
			}, tracer)

			confirmations := adapter.NewConfirmationKafkaAdapter(c.Writer(kafkaCfg.Brokers, kafkaCfg.Topics.PaymentConfirmations))
			webhooks := interfaces.NewWebhookHandler(appCtx.Config.Gateway.WebhookSecret, appCtx.Config.Gateway.WebhookTolerance,
				infrastructure.NewGormWebhookEventStore(c.DB), confirmations)

			interfaces.NewCheckoutHandler(svc).RegisterRoutes(appCtx.Router)
			webhooks.RegisterRoutes(appCtx.Router)
			hub.RegisterRoutes(appCtx.Router)
			log.Info().Strs("rails", railNames(registry)).Msg("✅ checkout routes registered")
		},
		Start: func(ctx context.Context, appCtx bootstrap.AppCtx) error {
			kafkaCfg := appCtx.Config.Infra.Kafka
			c := components
			// 确认消息失败后回到同一主题重试，超过次数进死信
			failures := mq.NewFailureHandler(
				c.Writer(kafkaCfg.Brokers, kafkaCfg.Topics.PaymentConfirmations),
				c.Writer(kafkaCfg.Brokers, kafkaCfg.Topics.ConfirmationDLT),
				appCtx.Config.App.Settlement.MaxAttempts,
			)
			confirmation = interfaces.NewConsumerAdapter("payment-confirmations",
				mq.NewKafkaReader(kafkaCfg.Brokers, kafkaCfg.Topics.PaymentConfirmations, serviceName+"-settlement"),
				interfaces.ConfirmationProcessor(c.Coordinator), failures)
			return confirmation.Start(ctx)
		},
		Stop: func(ctx context.Context) {
			if confirmation != nil {
				confirmation.Stop(ctx)
			}
			if components != nil {
				components.Close(ctx)
			}
		},
	})
}

func railNames(r *rail.Registry) []string {
	kinds := r.Available()
	out := make([]string, 0, len(kinds))
	for _, k := range kinds {
		out = append(out, string(k))
	}
	return out
}
