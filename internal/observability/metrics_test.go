package observability

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

func initMetrics(t *testing.T) http.Handler {
	t.Helper()
	handler, shutdown, err := InitMetrics()
	if err != nil {
		t.Fatalf("InitMetrics failed: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = shutdown(ctx)
	})
	return handler
}

func scrape(t *testing.T, handler http.Handler) string {
	t.Helper()
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rr.Code != http.StatusOK {
		t.Fatalf("handler returned wrong status code: got %v want %v", rr.Code, http.StatusOK)
	}
	return rr.Body.String()
}

func TestInitMetrics_ServesRuntimeMetrics(t *testing.T) {
	body := scrape(t, initMetrics(t))
	if !strings.Contains(body, "go_goroutines") {
		t.Errorf("expected go runtime metrics in output, got:\n%s", body)
	}
}

func TestInitMetrics_OtelInstrumentsAppear(t *testing.T) {
	handler := initMetrics(t)
	meter := otel.Meter("boardgen-test")

	units, err := meter.Int64Counter("boardgen.test.units")
	if err != nil {
		t.Fatalf("failed to create counter: %v", err)
	}
	units.Add(context.Background(), 42)

	_, err = meter.Int64ObservableGauge("boardgen.test.running",
		metric.WithInt64Callback(func(ctx context.Context, obs metric.Int64Observer) error {
			obs.Observe(3)
			return nil
		}),
	)
	if err != nil {
		t.Fatalf("failed to create gauge: %v", err)
	}

	body := scrape(t, handler)
	if !strings.Contains(body, "boardgen_test_units") || !strings.Contains(body, "42") {
		t.Errorf("expected counter boardgen_test_units with value 42, got:\n%s", body)
	}
	if !strings.Contains(body, "boardgen_test_running") {
		t.Errorf("expected gauge boardgen_test_running, got:\n%s", body)
	}
}

func TestInitMetrics_SeparateRegistries(t *testing.T) {
	first := initMetrics(t)
	counter, err := otel.Meter("boardgen-test").Int64Counter("boardgen.test.first_only")
	if err != nil {
		t.Fatalf("failed to create counter: %v", err)
	}
	counter.Add(context.Background(), 1)

	second := initMetrics(t)

	if !strings.Contains(scrape(t, first), "boardgen_test_first_only") {
		t.Error("expected the first registry to serve its counter")
	}
	if strings.Contains(scrape(t, second), "boardgen_test_first_only") {
		t.Error("expected the second registry not to serve instruments of the first provider")
	}
}
