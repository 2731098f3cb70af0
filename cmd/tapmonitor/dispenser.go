// v0
// cmd/tapmonitor/dispenser.go
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/oklog/run"
	"github.com/spf13/cobra"

	"github.com/joewstanley/raspbeery-pi/internal/dispenser"
	"github.com/joewstanley/raspbeery-pi/internal/events"
	"github.com/joewstanley/raspbeery-pi/internal/flowmeter"
	"github.com/joewstanley/raspbeery-pi/internal/logging"
	"github.com/joewstanley/raspbeery-pi/internal/metrics"
	"github.com/joewstanley/raspbeery-pi/internal/mqttbus"
	"github.com/joewstanley/raspbeery-pi/internal/sensor"
)

func newDispenserCmd(rt *process) *cobra.Command {
	var (
		tap         int
		connected   bool
		metricsAddr string
	)
	cmd := &cobra.Command{
		Use:   "dispenser",
		Short: "Meter one tap, or every configured tap, and report pours.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) (err error) {
			defer rt.finish(cmd.Name(), &err)
			return runDispenser(cmd.Context(), rt, tap, connected, metricsAddr)
		},
	}
	cmd.Flags().IntVar(&tap, "tap", 0, "tap number starting at 1; 0 runs every configured tap")
	cmd.Flags().BoolVar(&connected, "connected", false, "start metering without waiting for a connect command")
	cmd.Flags().StringVar(&metricsAddr, "metrics-addr", "", "serve /metrics on this address when set")
	return cmd
}

func runDispenser(ctx context.Context, rt *process, tap int, connected bool, metricsAddr string) error {
	cfg := rt.cfg
	pins := cfg.SensorPins
	if tap < 0 || tap > len(pins) {
		return fmt.Errorf("tap %d out of range 1..%d", tap, len(pins))
	}
	indexes := make([]int, 0, len(pins))
	if tap == 0 {
		for i := range pins {
			indexes = append(indexes, i)
		}
	} else {
		indexes = append(indexes, tap-1)
	}

	source, err := sensor.Open(cfg.SensorDriver, pins, sensor.SimConfig{Channels: len(pins)})
	if err != nil {
		return fmt.Errorf("open sensors: %w", err)
	}
	defer func() {
		if cerr := source.Close(); cerr != nil {
			rt.logger.Warn("sensor_close_failed", slog.Any("err", cerr))
		}
	}()

	client, err := rt.connectMQTT(ctx, "dispenser")
	if err != nil {
		return err
	}
	defer client.Close()

	m := metrics.New()
	pub := mqttbus.NewTapPublisher(client, cfg.MQTTTopicRoot)
	clock := flowmeter.NewMonotonicClock()

	base := logging.Component(rt.logger, "dispenser")
	var g run.Group
	for _, i := range indexes {
		logger := base.With(slog.Int("beverage", i))
		ctrl, err := dispenser.New(dispenser.Config{
			Index:                i,
			PollInterval:         cfg.PollInterval,
			PulsesPerLiterMinute: cfg.PulsesPerLiterMinute,
			StartConnected:       connected,
		}, source, clock, pub, m, base)
		if err != nil {
			return fmt.Errorf("dispenser %d: %w", i, err)
		}
		device := mqttbus.DeviceName(i)
		err = mqttbus.SubscribeCommands(ctx, client, cfg.MQTTTopicRoot, device, func(_ string, c events.Command, _ []byte) {
			if err := ctrl.HandleCommand(c); err != nil {
				logger.Warn("command_ignored", slog.String("command", string(c)), slog.Any("err", err))
			}
		}, logger)
		if err != nil {
			return fmt.Errorf("subscribe %s: %w", device, err)
		}
		addActor(&g, ctx, ctrl.Run)
	}
	if metricsAddr != "" {
		addServer(&g, rt, "metrics", &http.Server{Addr: metricsAddr, Handler: m.Handler()})
	}
	// stops every actor once the process is signalled
	addActor(&g, ctx, func(ctx context.Context) error {
		<-ctx.Done()
		return nil
	})
	return g.Run()
}

// addServer runs srv until the group stops, then shuts it down gracefully.
func addServer(g *run.Group, rt *process, name string, srv *http.Server) {
	g.Add(func() error {
		rt.logger.Info("http_server_listen", slog.String("server", name), slog.String("address", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("%s server: %w", name, err)
		}
		return nil
	}, func(error) {
		ctx, cancel := context.WithTimeout(context.Background(), rt.cfg.ShutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(ctx); err != nil {
			rt.logger.Warn("http_shutdown_failed", slog.String("server", name), slog.Any("err", err))
		}
	})
}
