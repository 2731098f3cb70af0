// v0
// cmd/tapmonitor/monitor.go
package main

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/oklog/run"
	"github.com/spf13/cobra"

	"github.com/joewstanley/raspbeery-pi/internal/circuitbreaker"
	"github.com/joewstanley/raspbeery-pi/internal/events"
	"github.com/joewstanley/raspbeery-pi/internal/httpapi"
	"github.com/joewstanley/raspbeery-pi/internal/inventory"
	"github.com/joewstanley/raspbeery-pi/internal/logging"
	"github.com/joewstanley/raspbeery-pi/internal/metrics"
	"github.com/joewstanley/raspbeery-pi/internal/monitor"
	"github.com/joewstanley/raspbeery-pi/internal/mqttbus"
	"github.com/joewstanley/raspbeery-pi/internal/orders"
	"github.com/joewstanley/raspbeery-pi/internal/scheduler"
	"github.com/joewstanley/raspbeery-pi/internal/store"
)

func newMonitorCmd(rt *process) *cobra.Command {
	var ensureTopics bool
	cmd := &cobra.Command{
		Use:   "monitor",
		Short: "Run the inventory monitor: event ingestion, HTTP API and daily rollups.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) (err error) {
			defer rt.finish(cmd.Name(), &err)
			return runMonitor(cmd.Context(), rt, ensureTopics)
		},
	}
	cmd.Flags().BoolVar(&ensureTopics, "ensure-topics", true, "create the order and log topics at startup")
	return cmd
}

func runMonitor(ctx context.Context, rt *process, ensureTopics bool) error {
	cfg := rt.cfg
	logger := rt.logger

	records, err := store.Open(cfg.DBPath)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := records.Close(); cerr != nil {
			logger.Warn("store_close_failed", slog.Any("err", cerr))
		}
	}()
	beverages, err := monitor.MergeSnapshots(ctx, records, cfg.Beverages)
	if err != nil {
		logger.Warn("snapshots_unavailable", slog.Any("err", err))
	}
	ledger := inventory.NewLedger(cfg.Policy, beverages)

	m := metrics.New()
	cbLogger := logging.Component(logger, "circuit_breaker")
	breaker, err := circuitbreaker.NewKafkaBreakerFromEnv("kafka", orders.ProbeBrokers(cfg.KafkaBrokers), cbLogger)
	if err != nil {
		return fmt.Errorf("circuit breaker: %w", err)
	}
	cbs := breaker.Settings()
	cbLogger.Info("breaker_configured",
		slog.Bool("enabled", cbs.Enabled),
		slog.Int("failure_threshold", cbs.Attempts),
		slog.Int("success_threshold", cbs.SuccessesToClose),
		slog.Duration("open_for", cbs.OpenFor),
		slog.Duration("attempt_timeout", cbs.AttemptTimeout),
		slog.Duration("backoff", cbs.Backoff),
	)
	if b := breaker.Breaker(); b != nil {
		b.OnStateChange(func(s circuitbreaker.State) {
			m.SetCircuitBreakerState("kafka", float64(s))
		})
	}
	ordersCfg := orders.Config{
		Brokers:      cfg.KafkaBrokers,
		OrderTopic:   cfg.KafkaOrderTopic,
		LogTopic:     cfg.KafkaLogTopic,
		WriteTimeout: 10 * time.Second,
	}
	if ensureTopics {
		tctx, cancel := context.WithTimeout(ctx, 10*time.Second)
		if err := orders.EnsureTopics(tctx, ordersCfg, 1, 1); err != nil {
			logger.Warn("kafka_topics_not_ensured", slog.Any("err", err))
		}
		cancel()
	}
	stream, err := orders.New(ordersCfg, breaker, logging.Component(logger, "orders"))
	if err != nil {
		return err
	}
	defer func() {
		if cerr := stream.Close(); cerr != nil {
			logger.Warn("kafka_close_failed", slog.Any("err", cerr))
		}
	}()

	client, err := rt.connectMQTT(ctx, "monitor")
	if err != nil {
		return err
	}
	defer client.Close()

	mon, err := monitor.New(monitor.Deps{
		Ledger:   ledger,
		Commands: mqttbus.NewCommander(client, cfg.MQTTTopicRoot),
		Stream:   stream,
		Records:  records,
		Recorder: m,
		Logger:   logging.Component(logger, "monitor"),
	})
	if err != nil {
		return err
	}
	err = mqttbus.SubscribeEvents(ctx, client, cfg.MQTTTopicRoot,
		func(device string, ev events.Event) { mon.Submit(device, ev) },
		mon.Drop)
	if err != nil {
		return fmt.Errorf("subscribe events: %w", err)
	}

	daily, err := scheduler.NewDaily(cfg.RollupLocation, mon.AutoRollup, logging.Component(logger, "scheduler"))
	if err != nil {
		return err
	}

	health := httpapi.NewHealthState()
	router := httpapi.NewRouter(mon, health, m, logging.Component(logger, "http"))
	server := httpapi.NewServer(cfg.ListenAddress, router, cfg.HTTPReadTimeout, cfg.HTTPWriteTimeout)

	var g run.Group
	addActor(&g, ctx, mon.Run)
	addActor(&g, ctx, daily.Run)
	addServer(&g, rt, "api", server)
	addActor(&g, ctx, func(ctx context.Context) error {
		health.SetReady(true)
		<-ctx.Done()
		health.SetReady(false)
		return nil
	})
	return g.Run()
}
