package shared

import (
	"strings"
	"time"
)

// KafkaConfig holds broker and topic details.
type KafkaConfig struct {
	Brokers      string `envconfig:"KAFKA_BROKER" default:"localhost:9092"`
	GroupID      string `envconfig:"KAFKA_GROUP" default:"market-engine"`
	ProducerAcks string `envconfig:"KAFKA_ACKS" default:"all"`
	LingerMS     int    `envconfig:"KAFKA_LINGER_MS" default:"5"`
	BatchBytes   int    `envconfig:"KAFKA_BATCH_BYTES" default:"1048576"` // 1MB
}

func (k KafkaConfig) BrokerList() []string {
	parts := strings.Split(k.Brokers, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	if len(out) == 0 {
		return []string{"localhost:9092"}
	}
	return out
}

// PostgresConfig holds DB connection details.
type PostgresConfig struct {
	Host     string `envconfig:"POSTGRES_HOST" default:"localhost"`
	Port     int    `envconfig:"POSTGRES_PORT" default:"5432"`
	Database string `envconfig:"POSTGRES_DB" default:"trading"`
	User     string `envconfig:"POSTGRES_USER" default:"trader"`
	Password string `envconfig:"POSTGRES_PASSWORD" default:"trader"`
	PoolMax  int    `envconfig:"PG_POOL_MAX" default:"8"`
}

// MetricsConfig controls Prometheus listener.
type MetricsConfig struct {
	Port int `envconfig:"METRICS_PORT" default:"9000"`
}

// LogConfig selects the minimum log level (debug, info, warn, error).
type LogConfig struct {
	Level string `envconfig:"LOG_LEVEL" default:"info"`
}

// GraceConfig delays the watchdog flush past the bucket end.
type GraceConfig struct {
	FlushGrace time.Duration `envconfig:"FLUSH_GRACE" default:"2s"`
}

// CandleConfig drives the candle aggregator.
type CandleConfig struct {
	Intervals      string        `envconfig:"CANDLE_INTERVALS" default:"1m"`
	Watchdog       time.Duration `envconfig:"CANDLE_WATCHDOG" default:"10s"`
	Workers        int           `envconfig:"CANDLE_WORKERS" default:"4"`
	QueueSize      int           `envconfig:"CANDLE_QUEUE_SIZE" default:"1024"`
	OutTopicPrefix string        `envconfig:"CANDLE_OUT_TOPIC_PREFIX" default:"candles."`
}

// RiskConfig drives the position risk monitor.
type RiskConfig struct {
	Interval       time.Duration `envconfig:"RISK_INTERVAL" default:"10s"`
	Staleness      time.Duration `envconfig:"RISK_STALENESS" default:"30s"`
	Reactive       bool          `envconfig:"RISK_REACTIVE" default:"true"`
	Workers        int           `envconfig:"RISK_WORKERS" default:"4"`
	QueueSize      int           `envconfig:"RISK_QUEUE_SIZE" default:"256"`
	ClosedTopic    string        `envconfig:"RISK_CLOSED_TOPIC" default:"trades.closed"`
	PersistTimeout time.Duration `envconfig:"RISK_PERSIST_TIMEOUT" default:"5s"`
}

// GatewayConfig controls the websocket subscriber gateway.
type GatewayConfig struct {
	Addr       string `envconfig:"GATEWAY_ADDR" default:":8080"`
	BufferSize int    `envconfig:"GATEWAY_BUFFER" default:"256"`
}

// SplitList splits a comma separated env value, dropping blanks.
func SplitList(raw string) []string {
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}
