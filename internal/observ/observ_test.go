package observ

import (
	"bytes"
	"encoding/json"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLogEmitsJSONEvent(t *testing.T) {
	var buf bytes.Buffer
	SetOutput(&buf)

	Log("trade_open", map[string]any{"strategy": "default", "order_id": 101})

	var line map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	assert.Equal(t, "trade_open", line["event"])
	assert.Equal(t, "default", line["strategy"])
	assert.Equal(t, float64(101), line["order_id"])
	assert.NotEmpty(t, line["ts"])
}

func TestLogErrorCarriesError(t *testing.T) {
	var buf bytes.Buffer
	SetOutput(&buf)

	LogError("gateway_failed", assert.AnError, map[string]any{"op": "place_order"})

	var line map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	assert.Equal(t, "gateway_failed", line["event"])
	assert.Equal(t, "error", line["level"])
	assert.Contains(t, line["error"], "assert.AnError")
}

func TestMetricsExposedOnHandler(t *testing.T) {
	IncCounter("observ_test_total", map[string]string{"strategy": "default"})
	IncCounterBy("observ_test_total", map[string]string{"strategy": "default"}, 2)
	SetGauge("observ_test_gauge", 42, map[string]string{"strategy": "default"})
	Observe("observ_test_ms", 3.5, nil)

	rec := httptest.NewRecorder()
	Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body := rec.Body.String()

	assert.Contains(t, body, `observ_test_total{strategy="default"} 3`)
	assert.Contains(t, body, `observ_test_gauge{strategy="default"} 42`)
	assert.Contains(t, body, "observ_test_ms_count")
}

func TestCounterWithNoLabels(t *testing.T) {
	IncCounter("observ_plain_total", nil)

	rec := httptest.NewRecorder()
	Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	assert.Contains(t, rec.Body.String(), "observ_plain_total 1")
}
