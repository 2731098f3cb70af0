// v0
// cmd/tapmonitor/status.go
package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"

	"github.com/oklog/run"
	"github.com/spf13/cobra"

	"github.com/joewstanley/raspbeery-pi/internal/events"
	"github.com/joewstanley/raspbeery-pi/internal/logging"
	"github.com/joewstanley/raspbeery-pi/internal/mqttbus"
	"github.com/joewstanley/raspbeery-pi/internal/sensor"
	"github.com/joewstanley/raspbeery-pi/internal/statuspanel"
)

func newStatusCmd(rt *process) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Drive the status panel lights and refill buttons.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) (err error) {
			defer rt.finish(cmd.Name(), &err)
			return runStatus(cmd.Context(), rt)
		},
	}
}

func runStatus(ctx context.Context, rt *process) error {
	cfg := rt.cfg
	n := len(cfg.StatusButtonPins)
	if n == 0 || len(cfg.StatusOnlinePins) != n || len(cfg.StatusOfflinePins) != n {
		return fmt.Errorf("status panel needs one online, offline and button pin per tap (got %d/%d/%d)",
			len(cfg.StatusOnlinePins), len(cfg.StatusOfflinePins), n)
	}

	var closers []io.Closer
	defer func() {
		for _, c := range closers {
			if err := c.Close(); err != nil {
				rt.logger.Warn("gpio_close_failed", slog.Any("err", err))
			}
		}
	}()
	online, err := sensor.OpenOutputs(cfg.SensorDriver, cfg.StatusOnlinePins)
	if err != nil {
		return fmt.Errorf("open online lights: %w", err)
	}
	closers = append(closers, online)
	offline, err := sensor.OpenOutputs(cfg.SensorDriver, cfg.StatusOfflinePins)
	if err != nil {
		return fmt.Errorf("open offline lights: %w", err)
	}
	closers = append(closers, offline)
	buttons, err := sensor.OpenButtons(cfg.SensorDriver, cfg.StatusButtonPins)
	if err != nil {
		return fmt.Errorf("open buttons: %w", err)
	}
	closers = append(closers, buttons)

	client, err := rt.connectMQTT(ctx, "status")
	if err != nil {
		return err
	}
	defer client.Close()

	logger := logging.Component(rt.logger, "status")
	panel, err := statuspanel.New(statuspanel.Config{Beverages: n, Poll: cfg.ButtonPoll},
		online, offline, buttons,
		mqttbus.NewDevicePublisher(client, cfg.MQTTTopicRoot, mqttbus.StatusDevice),
		logger)
	if err != nil {
		return err
	}
	err = mqttbus.SubscribeCommands(ctx, client, cfg.MQTTTopicRoot, mqttbus.StatusDevice,
		func(_ string, c events.Command, payload []byte) {
			if err := panel.HandleCommand(c, payload); err != nil {
				logger.Warn("command_ignored", slog.String("command", string(c)), slog.Any("err", err))
			}
		}, logger)
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", mqttbus.StatusDevice, err)
	}

	var g run.Group
	addActor(&g, ctx, panel.Run)
	return g.Run()
}
