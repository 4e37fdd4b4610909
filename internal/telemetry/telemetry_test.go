package telemetry

import (
	"context"
	"testing"
	"time"

	"github.com/erilali/studybuddy/internal/logger"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric/noop"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
)

func restoreGlobal(t *testing.T) {
	t.Helper()
	prev := otel.GetMeterProvider()
	t.Cleanup(func() { otel.SetMeterProvider(prev) })
}

func TestInitDisabled(t *testing.T) {
	restoreGlobal(t)
	before := otel.GetMeterProvider()

	mp, shutdown, err := Init(context.Background(), DefaultConfig(), logger.NewLogger("telemetry"))
	if err != nil {
		t.Fatalf("Init: %v", err)
	}
	if _, ok := mp.(noop.MeterProvider); !ok {
		t.Errorf("expected a no-op provider, got %T", mp)
	}
	if otel.GetMeterProvider() != before {
		t.Error("disabled export must not replace the global provider")
	}
	if err := shutdown(context.Background()); err != nil {
		t.Errorf("no-op shutdown: %v", err)
	}
}

func TestInitEnabledInstallsProvider(t *testing.T) {
	restoreGlobal(t)

	cfg := DefaultConfig()
	cfg.Enabled = true
	cfg.Endpoint = "127.0.0.1:4317"
	cfg.Interval = time.Hour

	mp, shutdown, err := Init(context.Background(), cfg, logger.NewLogger("telemetry"))
	if err != nil {
		t.Fatalf("Init: %v", err)
	}
	if _, ok := mp.(*sdkmetric.MeterProvider); !ok {
		t.Fatalf("expected an SDK provider, got %T", mp)
	}
	if otel.GetMeterProvider() != mp {
		t.Error("enabled export should install the provider globally")
	}

	counter, err := mp.Meter("test").Int64Counter("test.count")
	if err != nil {
		t.Fatalf("instrument: %v", err)
	}
	counter.Add(context.Background(), 1)

	// Nothing listens on the endpoint, so only the stop itself is checked.
	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	_ = shutdown(ctx)
}
