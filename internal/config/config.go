// v1
// internal/config/config.go

// Package config resolves the runtime settings of every tapmonitor process.
package config

import (
	"bufio"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/joewstanley/raspbeery-pi/internal/inventory"
)

// Config captures all runtime settings. Service values are validated strictly
// and fail the boot; policy and beverage values are recovered with defaults
// and reported through Warnings.
type Config struct {
	// ListenAddress defines the TCP address used by the HTTP server.
	ListenAddress string
	LogFilePath   string
	LogLevel      string
	// HTTPReadTimeout bounds the time to read incoming requests.
	HTTPReadTimeout time.Duration
	// HTTPWriteTimeout bounds the time to write responses.
	HTTPWriteTimeout time.Duration
	// ShutdownTimeout limits graceful shutdown attempts.
	ShutdownTimeout time.Duration
	// PropertiesPath records the path used to load property values.
	PropertiesPath string
	DotenvPath     string

	MQTTBroker    string
	MQTTClientID  string
	MQTTTopicRoot string
	MQTTQoS       byte

	KafkaBrokers    []string
	KafkaOrderTopic string
	KafkaLogTopic   string

	DBPath string

	PollInterval         time.Duration
	PulsesPerLiterMinute float64
	SensorDriver         string
	SensorPins           []string

	StatusOnlinePins  []string
	StatusOfflinePins []string
	StatusButtonPins  []string
	ButtonPoll        time.Duration

	RollupLocation *time.Location

	Policy    inventory.Policy
	Beverages []inventory.Beverage

	// Warnings lists recovered policy and beverage values, in key order.
	Warnings []string

	domain map[string]string
}

const (
	envPrefix = "TAPMONITOR_"

	defaultListenAddress = ":8080"
	defaultLogFile       = "logs/tapmonitor.log"
	defaultLogLevel      = "info"
	defaultReadTimeout   = 5 * time.Second
	defaultWriteTimeout  = 10 * time.Second
	defaultShutdown      = 5 * time.Second
	defaultPropsPath     = "tapmonitor.properties"
	defaultDotenvPath    = ".env"
	defaultMQTTBroker    = "tcp://localhost:1883"
	defaultTopicRoot     = "raspbeery"
	defaultKafkaBrokers  = "localhost:9092"
	defaultOrderTopic    = "tapmonitor.orders"
	defaultLogTopic      = "tapmonitor.log"
	defaultDBPath        = "data/tapmonitor.db"
	defaultPoll          = time.Millisecond
	defaultSensorDriver  = "sim"
	defaultSensorPins    = "16,20,21"
	defaultOnlinePins    = "17,22,6"
	defaultOfflinePins   = "4,27,5"
	defaultButtonPins    = "13,19,26"
	defaultButtonPoll    = 200 * time.Millisecond
	defaultPulses        = 7.5
)

// serviceKeys are the strictly validated keys, also read from the
// environment as TAPMONITOR_<KEY>.
var serviceKeys = []string{
	"listen_address", "log_path", "log_level",
	"http_read_timeout_ms", "http_write_timeout_ms", "shutdown_timeout_ms",
	"mqtt_broker", "mqtt_client_id", "mqtt_topic_root", "mqtt_qos",
	"kafka_brokers", "kafka_order_topic", "kafka_log_topic",
	"db_path", "poll_interval_ms", "pulses_per_liter_minute",
	"sensor_driver", "sensor_pins",
	"status_online_pins", "status_offline_pins", "status_button_pins", "button_poll_ms",
	"rollup_location",
}

// Load resolves configuration by layering defaults, an optional .env file,
// an optional properties file, and finally environment variables. The
// properties file location can be overridden with TAPMONITOR_PROPERTIES_PATH
// and the .env location with TAPMONITOR_DOTENV_PATH.
func Load() (Config, error) {
	cfg := defaults()

	dotenvPath := strings.TrimSpace(os.Getenv(envPrefix + "DOTENV_PATH"))
	if dotenvPath == "" {
		dotenvPath = defaultDotenvPath
	}
	cfg.DotenvPath = dotenvPath
	// godotenv never overrides variables already set in the process
	if err := godotenv.Load(dotenvPath); err != nil && !errors.Is(err, os.ErrNotExist) {
		return Config{}, fmt.Errorf("load %s: %w", dotenvPath, err)
	}

	propsPath := strings.TrimSpace(os.Getenv(envPrefix + "PROPERTIES_PATH"))
	if propsPath == "" {
		propsPath = defaultPropsPath
	}
	cfg.PropertiesPath = propsPath

	if err := applyProperties(&cfg, propsPath); err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			return Config{}, err
		}
	}
	if err := applyEnv(&cfg); err != nil {
		return Config{}, err
	}
	cfg.resolveDomain()
	return cfg, nil
}

func defaults() Config {
	return Config{
		ListenAddress:        defaultListenAddress,
		LogFilePath:          filepath.Clean(defaultLogFile),
		LogLevel:             defaultLogLevel,
		HTTPReadTimeout:      defaultReadTimeout,
		HTTPWriteTimeout:     defaultWriteTimeout,
		ShutdownTimeout:      defaultShutdown,
		MQTTBroker:           defaultMQTTBroker,
		MQTTTopicRoot:        defaultTopicRoot,
		MQTTQoS:              1,
		KafkaBrokers:         splitAndTrim(defaultKafkaBrokers),
		KafkaOrderTopic:      defaultOrderTopic,
		KafkaLogTopic:        defaultLogTopic,
		DBPath:               filepath.Clean(defaultDBPath),
		PollInterval:         defaultPoll,
		PulsesPerLiterMinute: defaultPulses,
		SensorDriver:         defaultSensorDriver,
		SensorPins:           splitAndTrim(defaultSensorPins),
		StatusOnlinePins:     splitAndTrim(defaultOnlinePins),
		StatusOfflinePins:    splitAndTrim(defaultOfflinePins),
		StatusButtonPins:     splitAndTrim(defaultButtonPins),
		ButtonPoll:           defaultButtonPoll,
		RollupLocation:       time.Local,
		Policy:               inventory.DefaultPolicy(),
		domain:               map[string]string{},
	}
}

func applyProperties(cfg *Config, path string) error {
	if strings.TrimSpace(path) == "" {
		return nil
	}
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer func() {
		_ = f.Close()
	}()

	scanner := bufio.NewScanner(f)
	line := 0
	for scanner.Scan() {
		line++
		raw := strings.TrimSpace(scanner.Text())
		if raw == "" || strings.HasPrefix(raw, "#") || strings.HasPrefix(raw, ";") {
			continue
		}
		parts := strings.SplitN(raw, "=", 2)
		if len(parts) != 2 {
			return fmt.Errorf("invalid properties entry on line %d", line)
		}
		key := strings.ToLower(strings.TrimSpace(parts[0]))
		value := strings.TrimSpace(parts[1])
		if err := setProperty(cfg, key, value); err != nil {
			return fmt.Errorf("property %s: %w", key, err)
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("read properties: %w", err)
	}
	return nil
}

func setProperty(cfg *Config, key, value string) error {
	switch key {
	case "listen_address":
		if value == "" {
			return errors.New("listen_address cannot be empty")
		}
		cfg.ListenAddress = value
	case "log_path":
		if value == "" {
			return errors.New("log_path cannot be empty")
		}
		cfg.LogFilePath = filepath.Clean(value)
	case "log_level":
		switch strings.ToLower(value) {
		case "debug", "info", "warn", "warning", "error":
			cfg.LogLevel = strings.ToLower(value)
		default:
			return fmt.Errorf("unknown log level %q", value)
		}
	case "http_read_timeout_ms":
		return setMillis(&cfg.HTTPReadTimeout, value)
	case "http_write_timeout_ms":
		return setMillis(&cfg.HTTPWriteTimeout, value)
	case "shutdown_timeout_ms":
		return setMillis(&cfg.ShutdownTimeout, value)
	case "mqtt_broker":
		if value == "" {
			return errors.New("mqtt_broker cannot be empty")
		}
		cfg.MQTTBroker = value
	case "mqtt_client_id":
		cfg.MQTTClientID = value
	case "mqtt_topic_root":
		root := strings.Trim(value, "/")
		if root == "" || strings.ContainsAny(root, "+#") {
			return errors.New("mqtt_topic_root must be a non-empty topic without wildcards")
		}
		cfg.MQTTTopicRoot = root
	case "mqtt_qos":
		n, err := strconv.Atoi(value)
		if err != nil || n < 0 || n > 2 {
			return fmt.Errorf("mqtt_qos must be 0, 1 or 2")
		}
		cfg.MQTTQoS = byte(n)
	case "kafka_brokers":
		brokers := splitAndTrim(value)
		if len(brokers) == 0 {
			return errors.New("kafka_brokers cannot be empty")
		}
		cfg.KafkaBrokers = brokers
	case "kafka_order_topic":
		if value == "" {
			return errors.New("kafka_order_topic cannot be empty")
		}
		cfg.KafkaOrderTopic = value
	case "kafka_log_topic":
		if value == "" {
			return errors.New("kafka_log_topic cannot be empty")
		}
		cfg.KafkaLogTopic = value
	case "db_path":
		if value == "" {
			return errors.New("db_path cannot be empty")
		}
		cfg.DBPath = filepath.Clean(value)
	case "poll_interval_ms":
		return setMillis(&cfg.PollInterval, value)
	case "button_poll_ms":
		return setMillis(&cfg.ButtonPoll, value)
	case "pulses_per_liter_minute":
		f, err := strconv.ParseFloat(value, 64)
		if err != nil || !(f > 0) || f > 1e6 {
			return fmt.Errorf("pulses_per_liter_minute must be a positive number")
		}
		cfg.PulsesPerLiterMinute = f
	case "sensor_driver":
		switch strings.ToLower(value) {
		case "gpio", "sim":
			cfg.SensorDriver = strings.ToLower(value)
		default:
			return fmt.Errorf("sensor_driver must be gpio or sim, got %q", value)
		}
	case "sensor_pins":
		return setPins(&cfg.SensorPins, value)
	case "status_online_pins":
		return setPins(&cfg.StatusOnlinePins, value)
	case "status_offline_pins":
		return setPins(&cfg.StatusOfflinePins, value)
	case "status_button_pins":
		return setPins(&cfg.StatusButtonPins, value)
	case "rollup_location":
		loc, err := time.LoadLocation(value)
		if err != nil {
			return fmt.Errorf("rollup_location: %w", err)
		}
		cfg.RollupLocation = loc
	default:
		if isDomainKey(key) {
			cfg.domain[key] = value
		}
		// unknown keys are ignored
	}
	return nil
}

func applyEnv(cfg *Config) error {
	for _, key := range serviceKeys {
		name := envName(key)
		v, ok := lookupEnvTrimmed(name)
		if !ok {
			continue
		}
		if err := setProperty(cfg, key, v); err != nil {
			return fmt.Errorf("%s: %w", name, err)
		}
	}
	for _, kv := range os.Environ() {
		name, value, _ := strings.Cut(kv, "=")
		if key, ok := domainKeyFromEnv(name); ok {
			cfg.domain[key] = strings.TrimSpace(value)
		}
	}
	return nil
}

// envName maps a property key to its variable: monitor.tap_size becomes
// TAPMONITOR_MONITOR_TAP_SIZE.
func envName(key string) string {
	return envPrefix + strings.ToUpper(strings.ReplaceAll(key, ".", "_"))
}

func isDomainKey(key string) bool {
	prefix, _, ok := strings.Cut(key, ".")
	if !ok {
		return false
	}
	if prefix == "monitor" {
		return true
	}
	_, ok = beverageNumber(prefix)
	return ok
}

func domainKeyFromEnv(name string) (string, bool) {
	rest, ok := strings.CutPrefix(name, envPrefix)
	if !ok {
		return "", false
	}
	prefix, field, ok := strings.Cut(strings.ToLower(rest), "_")
	if !ok || field == "" {
		return "", false
	}
	key := prefix + "." + field
	if !isDomainKey(key) {
		return "", false
	}
	return key, true
}

func beverageNumber(prefix string) (int, bool) {
	rest, ok := strings.CutPrefix(prefix, "beverage")
	if !ok {
		return 0, false
	}
	n, err := strconv.Atoi(rest)
	if err != nil || n < 1 {
		return 0, false
	}
	return n, true
}

// resolveDomain turns the collected policy and beverage keys into values,
// substituting defaults for anything missing or invalid.
func (cfg *Config) resolveDomain() {
	d := domainReader{values: cfg.domain}
	p := inventory.DefaultPolicy()
	p.TapSize = d.float("monitor.tap_size", inventory.DefaultTapSize, func(v float64) bool { return v >= inventory.MinTapSize })
	p.OrderAmount = d.float("monitor.order_amount", inventory.DefaultOrderAmount, nonNegative)
	p.MaxStorage = d.float("monitor.max_storage", inventory.DefaultMaxStorage, func(v float64) bool { return v >= inventory.MinStorageSize })
	p.DaysToOrder = d.float("monitor.days_to_order", inventory.DefaultDaysToOrder, nonNegative)
	cfg.Policy = p

	count := 0
	for n := 1; d.hasBeverage(n); n++ {
		count = n
	}
	if count == 0 {
		count = len(cfg.SensorPins)
	}
	cfg.Beverages = make([]inventory.Beverage, 0, count)
	for n := 1; n <= count; n++ {
		prefix := "beverage" + strconv.Itoa(n) + "."
		b := inventory.Beverage{
			Name:           d.str(prefix+"name", fmt.Sprintf("Beverage %d", n)),
			Tap:            d.float(prefix+"tap", 0, nonNegative),
			Storage:        d.float(prefix+"storage", 0, nonNegative),
			TotalDispensed: d.float(prefix+"total_dispensed", p.TapSize, positive),
			DaysDispensed:  d.int(prefix+"days_dispensed", 1, 1),
			LastOrderMs:    d.int64(prefix+"last_order", 0),
			AutoUpdate:     d.bool(prefix + "auto_update"),
		}
		if b.Tap > p.TapSize {
			d.warn(prefix+"tap", fmt.Sprintf("%v exceeds tap size, clamped to %v", b.Tap, p.TapSize))
			b.Tap = p.TapSize
		}
		cfg.Beverages = append(cfg.Beverages, b)
	}
	sort.Strings(d.warnings)
	cfg.Warnings = d.warnings
}

type domainReader struct {
	values   map[string]string
	warnings []string
}

func (d *domainReader) warn(key, msg string) {
	d.warnings = append(d.warnings, key+": "+msg)
}

func (d *domainReader) hasBeverage(n int) bool {
	prefix := "beverage" + strconv.Itoa(n) + "."
	for k := range d.values {
		if strings.HasPrefix(k, prefix) {
			return true
		}
	}
	return false
}

func (d *domainReader) str(key, def string) string {
	v, ok := d.values[key]
	if !ok {
		return def
	}
	if strings.TrimSpace(v) == "" {
		d.warn(key, fmt.Sprintf("empty, using %q", def))
		return def
	}
	return strings.TrimSpace(v)
}

func (d *domainReader) float(key string, def float64, valid func(float64) bool) float64 {
	v, ok := d.values[key]
	if !ok {
		return def
	}
	f, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
	if err != nil || math.IsNaN(f) || math.IsInf(f, 0) || !valid(f) {
		d.warn(key, fmt.Sprintf("invalid value %q, using %v", v, def))
		return def
	}
	return f
}

func (d *domainReader) int(key string, def, min int) int {
	v, ok := d.values[key]
	if !ok {
		return def
	}
	n, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil || n < min {
		d.warn(key, fmt.Sprintf("invalid value %q, using %d", v, def))
		return def
	}
	return n
}

func (d *domainReader) int64(key string, def int64) int64 {
	v, ok := d.values[key]
	if !ok {
		return def
	}
	n, err := strconv.ParseInt(strings.TrimSpace(v), 10, 64)
	if err != nil || n < 0 {
		d.warn(key, fmt.Sprintf("invalid value %q, using %d", v, def))
		return def
	}
	return n
}

func (d *domainReader) bool(key string) bool {
	v, ok := d.values[key]
	if !ok {
		return false
	}
	b, err := strconv.ParseBool(strings.TrimSpace(v))
	if err != nil {
		d.warn(key, fmt.Sprintf("invalid value %q, using false", v))
		return false
	}
	return b
}

func nonNegative(v float64) bool { return v >= 0 }
func positive(v float64) bool    { return v > 0 }

func lookupEnvTrimmed(key string) (string, bool) {
	v, ok := os.LookupEnv(key)
	if !ok {
		return "", false
	}
	return strings.TrimSpace(v), true
}

func splitAndTrim(raw string) []string {
	fields := strings.Split(raw, ",")
	out := make([]string, 0, len(fields))
	for _, field := range fields {
		trimmed := strings.TrimSpace(field)
		if trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

func setPins(dst *[]string, value string) error {
	pins := splitAndTrim(value)
	if len(pins) == 0 {
		return errors.New("pin list cannot be empty")
	}
	*dst = pins
	return nil
}

func setMillis(dst *time.Duration, value string) error {
	d, err := parsePositiveMillis(value)
	if err != nil {
		return err
	}
	*dst = d
	return nil
}

func parsePositiveMillis(v string) (time.Duration, error) {
	if strings.TrimSpace(v) == "" {
		return 0, errors.New("value cannot be empty")
	}
	ms, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("invalid integer: %w", err)
	}
	if ms <= 0 {
		return 0, errors.New("value must be greater than zero")
	}
	return time.Duration(ms) * time.Millisecond, nil
}
