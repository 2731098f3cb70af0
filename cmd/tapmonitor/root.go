// v0
// cmd/tapmonitor/root.go
package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"

	"github.com/oklog/run"
	"github.com/spf13/cobra"

	"github.com/joewstanley/raspbeery-pi/internal/config"
	"github.com/joewstanley/raspbeery-pi/internal/logging"
	"github.com/joewstanley/raspbeery-pi/internal/mqttbus"
)

// process is what every subcommand shares once the root has loaded config.
type process struct {
	cfg    config.Config
	logger *slog.Logger
	closer io.Closer
}

func newRootCmd() *cobra.Command {
	rt := &process{}
	root := &cobra.Command{
		Use:   "tapmonitor",
		Short: "Beverage tap monitoring: flow meters, inventory and reorders.",
		Long: `tapmonitor runs one of the three processes of the tap system: ` +
			`a dispenser per tap, the monitor server and the status panel. ` +
			`Settings come from tapmonitor.properties and TAPMONITOR_* variables.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load()
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			logger, closer := logging.New(logging.Options{Path: cfg.LogFilePath, Level: logging.ParseLevel(cfg.LogLevel)})
			for _, w := range cfg.Warnings {
				logger.Warn("config_value_replaced", slog.String("detail", w))
			}
			logger.Info("service_boot",
				slog.String("command", cmd.Name()),
				slog.String("properties_path", cfg.PropertiesPath),
				slog.String("mqtt_broker", cfg.MQTTBroker),
				slog.String("topic_root", cfg.MQTTTopicRoot),
				slog.Int("beverages", len(cfg.Beverages)),
			)
			rt.cfg, rt.logger, rt.closer = cfg, logger, closer
			return nil
		},
	}
	root.AddCommand(newDispenserCmd(rt), newMonitorCmd(rt), newStatusCmd(rt))
	return root
}

// finish logs the stop and releases the log file. Subcommands defer it so
// it runs on failure too.
func (rt *process) finish(name string, err *error) {
	if *err != nil {
		rt.logger.Error("service_terminated", slog.String("command", name), slog.Any("err", *err))
	} else {
		rt.logger.Info("service_stopped", slog.String("command", name))
	}
	_ = rt.closer.Close()
}

// connectMQTT builds and connects the bus client for one process role.
func (rt *process) connectMQTT(ctx context.Context, role string) (*mqttbus.Client, error) {
	id := ""
	if rt.cfg.MQTTClientID != "" {
		id = rt.cfg.MQTTClientID + "-" + role
	}
	client, err := mqttbus.NewClient(mqttbus.Options{
		Broker:   rt.cfg.MQTTBroker,
		ClientID: id,
		QoS:      rt.cfg.MQTTQoS,
	}, logging.Component(rt.logger, "mqtt"))
	if err != nil {
		return nil, err
	}
	if err := client.Connect(ctx); err != nil {
		return nil, err
	}
	return client, nil
}

// addActor runs fn under g with its own cancellable context.
func addActor(g *run.Group, ctx context.Context, fn func(ctx context.Context) error) {
	ctx, cancel := context.WithCancelCause(ctx)
	g.Add(func() error {
		return fn(ctx)
	}, func(err error) {
		cancel(err)
	})
}
