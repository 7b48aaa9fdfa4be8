package shared

import (
	"testing"
	"time"

	"github.com/kelseyhightower/envconfig"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testConfig struct {
	Kafka   KafkaConfig
	Candles CandleConfig
	Risk    RiskConfig
	Grace   GraceConfig
}

func TestConfigDefaults(t *testing.T) {
	var cfg testConfig
	require.NoError(t, envconfig.Process("", &cfg))

	assert.Equal(t, []string{"localhost:9092"}, cfg.Kafka.BrokerList())
	assert.Equal(t, "1m", cfg.Candles.Intervals)
	assert.Equal(t, 10*time.Second, cfg.Candles.Watchdog)
	assert.Equal(t, 30*time.Second, cfg.Risk.Staleness)
	assert.Equal(t, "trades.closed", cfg.Risk.ClosedTopic)
	assert.Equal(t, 2*time.Second, cfg.Grace.FlushGrace)
}

func TestConfigFromEnv(t *testing.T) {
	t.Setenv("KAFKA_BROKER", "k1:9092, k2:9092,")
	t.Setenv("CANDLE_INTERVALS", "1m,5m,1h")
	t.Setenv("RISK_STALENESS", "45s")
	t.Setenv("RISK_REACTIVE", "false")

	var cfg testConfig
	require.NoError(t, envconfig.Process("", &cfg))

	assert.Equal(t, []string{"k1:9092", "k2:9092"}, cfg.Kafka.BrokerList())
	assert.Equal(t, 45*time.Second, cfg.Risk.Staleness)
	assert.False(t, cfg.Risk.Reactive)

	res, err := ParseResolutions(cfg.Candles.Intervals)
	require.NoError(t, err)
	assert.Equal(t, []Resolution{Res1m, Res5m, Res1h}, res)
}

func TestSplitList(t *testing.T) {
	assert.Equal(t, []string{"a", "b"}, SplitList(" a, ,b,"))
	assert.Empty(t, SplitList(""))
}
