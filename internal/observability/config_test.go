package observability

import (
	"testing"

	"github.com/smallbiznis/payflow/internal/config"
	"github.com/stretchr/testify/require"
)

func TestLoadConfigDefaults(t *testing.T) {
	t.Setenv("OTEL_EXPORTER_OTLP_ENDPOINT", "")
	t.Setenv("OTEL_EXPORTER_OTLP_TRACES_PROTOCOL", "")

	cfg, err := LoadConfig(config.Config{AppName: "payflow-api", AppVersion: "1.2.0", Environment: "development", OTLPEndpoint: "collector:4317"})
	require.NoError(t, err)
	require.Equal(t, "payflow-api", cfg.ServiceName)
	require.Equal(t, "1.2.0", cfg.Version)
	require.Equal(t, "collector:4317", cfg.OtelExporterEndpoint)
	require.Equal(t, "grpc", cfg.OtelExporterProtocol)
	require.InDelta(t, 0.1, cfg.OtelSamplingRatio, 1e-9)
	require.True(t, cfg.Debug())
}

func TestLoadConfigOverrides(t *testing.T) {
	t.Setenv("DEPLOYMENT_ENV", "production")
	t.Setenv("LOG_LEVEL", "WARN")
	t.Setenv("OTEL_EXPORTER_OTLP_PROTOCOL", "grpc")
	t.Setenv("OTEL_EXPORTER_OTLP_TRACES_PROTOCOL", "HTTP")
	t.Setenv("OTEL_SAMPLING_RATIO", "4")

	cfg, err := LoadConfig(config.Config{Environment: "development"})
	require.NoError(t, err)
	require.Equal(t, "payflow", cfg.ServiceName)
	require.Equal(t, "production", cfg.Environment)
	require.Equal(t, "warn", cfg.LogLevel)
	require.Equal(t, "http", cfg.OtelExporterProtocol)
	require.InDelta(t, 0.1, cfg.OtelSamplingRatio, 1e-9)
	require.False(t, cfg.Debug())
}

func TestLoadConfigRejectsMalformedBool(t *testing.T) {
	t.Setenv("OTEL_ENABLED", "maybe")

	_, err := LoadConfig(config.Config{})
	require.Error(t, err)
}
