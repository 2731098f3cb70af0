// v0
// internal/orders/publisher.go

// Package orders streams reorder announcements and per-mutation beverage logs
// to Kafka for presentation layers.
package orders

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/segmentio/kafka-go"

	"github.com/joewstanley/raspbeery-pi/internal/circuitbreaker"
	"github.com/joewstanley/raspbeery-pi/internal/events"
	"github.com/joewstanley/raspbeery-pi/internal/inventory"
)

// Config names the brokers and topics.
type Config struct {
	Brokers    []string
	OrderTopic string
	LogTopic   string
	// WriteTimeout bounds one publish including breaker retries.
	WriteTimeout time.Duration
}

// Publisher writes order and log records. Records are keyed by beverage so
// each beverage keeps its order within a partition.
type Publisher struct {
	cfg     Config
	logger  *slog.Logger
	orders  circuitbreaker.MessageWriter
	logs    circuitbreaker.MessageWriter
	closers []func() error
	newID   func() string
}

// New builds a publisher over kafka-go writers guarded by breaker.
func New(cfg Config, breaker *circuitbreaker.KafkaBreaker, logger *slog.Logger) (*Publisher, error) {
	if len(cfg.Brokers) == 0 {
		return nil, errors.New("kafka brokers are required")
	}
	if cfg.OrderTopic == "" || cfg.LogTopic == "" {
		return nil, errors.New("order and log topics are required")
	}
	rawOrders := &kafka.Writer{Addr: kafka.TCP(cfg.Brokers...), Topic: cfg.OrderTopic, Balancer: &kafka.Hash{}, RequiredAcks: kafka.RequireAll, AllowAutoTopicCreation: true}
	rawLogs := &kafka.Writer{Addr: kafka.TCP(cfg.Brokers...), Topic: cfg.LogTopic, Balancer: &kafka.Hash{}, RequiredAcks: kafka.RequireOne, AllowAutoTopicCreation: true}
	p := NewWithWriters(cfg,
		circuitbreaker.NewCBKafkaWriter(rawOrders, breaker),
		circuitbreaker.NewCBKafkaWriter(rawLogs, breaker),
		logger)
	p.closers = []func() error{rawOrders.Close, rawLogs.Close}
	p.logger.Info("kafka_writers_ready",
		slog.String("order_topic", cfg.OrderTopic),
		slog.String("log_topic", cfg.LogTopic),
		slog.Bool("breaker", breaker.Enabled()))
	return p, nil
}

// NewWithWriters builds a publisher over caller-provided writers.
func NewWithWriters(cfg Config, orders, logs circuitbreaker.MessageWriter, logger *slog.Logger) *Publisher {
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 10 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Publisher{cfg: cfg, logger: logger, orders: orders, logs: logs, newID: uuid.NewString}
}

// PublishOrder announces an applied reorder.
func (p *Publisher) PublishOrder(ctx context.Context, order inventory.Order) (events.OrderPlaced, error) {
	rec := events.OrderPlaced{
		OrderID:   p.newID(),
		Beverage:  order.Beverage,
		OrderTime: order.PlacedAtMs,
		Amount:    order.Amount,
	}
	if err := p.write(ctx, p.orders, order.Beverage, rec); err != nil {
		return rec, fmt.Errorf("publish order: %w", err)
	}
	p.logger.Info("order_published", slog.String("order_id", rec.OrderID), slog.Int("beverage", rec.Beverage))
	return rec, nil
}

// PublishLog emits the current view of one beverage.
func (p *Publisher) PublishLog(ctx context.Context, index int, view inventory.View) error {
	rec := events.BeverageLog{Beverage: index, BeverageStatus: events.BeverageStatus(view)}
	if err := p.write(ctx, p.logs, index, rec); err != nil {
		return fmt.Errorf("publish log: %w", err)
	}
	return nil
}

func (p *Publisher) write(ctx context.Context, w circuitbreaker.MessageWriter, beverage int, v any) error {
	body, err := json.Marshal(v)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, p.cfg.WriteTimeout)
	defer cancel()
	return w.WriteMessages(ctx, kafka.Message{
		Key:   []byte(strconv.Itoa(beverage)),
		Value: body,
		Time:  time.Now(),
	})
}

// EnsureTopics creates the order and log topics through the cluster
// controller. Existing topics are not an error.
func EnsureTopics(ctx context.Context, cfg Config, partitions, replication int) error {
	conn, err := kafka.DialContext(ctx, "tcp", cfg.Brokers[0])
	if err != nil {
		return fmt.Errorf("dial broker: %w", err)
	}
	defer conn.Close()
	ctrl, err := conn.Controller()
	if err != nil {
		return fmt.Errorf("controller: %w", err)
	}
	c, err := kafka.DialContext(ctx, "tcp", net.JoinHostPort(ctrl.Host, strconv.Itoa(ctrl.Port)))
	if err != nil {
		return fmt.Errorf("dial controller: %w", err)
	}
	defer c.Close()
	return c.CreateTopics(
		kafka.TopicConfig{Topic: cfg.OrderTopic, NumPartitions: partitions, ReplicationFactor: replication},
		kafka.TopicConfig{Topic: cfg.LogTopic, NumPartitions: partitions, ReplicationFactor: replication},
	)
}

// ProbeBrokers returns a breaker probe that succeeds once any broker
// accepts a connection.
func ProbeBrokers(brokers []string) func(ctx context.Context) error {
	return func(ctx context.Context) error {
		var lastErr error
		for _, b := range brokers {
			conn, err := kafka.DialContext(ctx, "tcp", b)
			if err != nil {
				lastErr = err
				continue
			}
			return conn.Close()
		}
		if lastErr == nil {
			lastErr = errors.New("no brokers configured")
		}
		return fmt.Errorf("probe brokers: %w", lastErr)
	}
}

// Close flushes and closes the underlying writers.
func (p *Publisher) Close() error {
	var firstErr error
	for _, c := range p.closers {
		if err := c(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
