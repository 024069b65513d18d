package health

import (
	"context"
	"io"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/snowops/taokey/internal/logging"
)

func TestRecordBeforeInitIsNoOp(t *testing.T) {
	// Runs first, before any test has called InitMetrics: the record methods
	// must silently do nothing.
	if metricsRegistered {
		t.Skip("metrics already initialized by an earlier run")
	}
	m := NewLifecycleMetrics()
	m.RecordIssuance("PROD", "success")
	m.RecordRotation("PROD", "success", 1.5)
	m.RecordRetirement("PROD", "success")
	m.RecordPropagationFailure("key rotation")
	m.RecordScanNotification("WARN")
	m.RecordScanError()
}

func TestInitMetrics(t *testing.T) {
	InitMetrics()
	InitMetrics() // idempotent

	assert.True(t, metricsRegistered)
	assert.NotNil(t, issuanceTotal)
	assert.NotNil(t, rotationTotal)
	assert.NotNil(t, rotationDuration)
	assert.NotNil(t, retirementTotal)
	assert.NotNil(t, propagationFailures)
	assert.NotNil(t, scanNotificationsTotal)
	assert.NotNil(t, scanErrorsTotal)
}

func TestLifecycleMetricsRecording(t *testing.T) {
	InitMetrics()

	m := NewLifecycleMetrics()
	m.RecordIssuance("PROD", "success")
	m.RecordIssuance("DEV", "failure")
	m.RecordRotation("PROD", "success", 2.3)
	m.RecordRotation("PROD", "failure", 0.4)
	m.RecordRetirement("PROD", "success")
	m.RecordPropagationFailure("key rotation")
	m.RecordScanNotification("URGENT")
	m.RecordScanError()
}

func TestNewMetricsServerAppliesDefaults(t *testing.T) {
	t.Parallel()

	server := NewMetricsServer(MetricsServerConfig{}, nil)
	assert.Equal(t, 9090, server.config.Port)
	assert.Equal(t, "/metrics", server.config.Path)
	assert.False(t, server.config.Enabled)
}

func TestMetricsServerStartDisabled(t *testing.T) {
	t.Parallel()

	server := NewMetricsServer(MetricsServerConfig{}, nil)
	require.NoError(t, server.Start())
	assert.Empty(t, server.Addr())
	assert.NoError(t, server.Stop(context.Background()))
}

func TestMetricsServerServesMetricsAndHealth(t *testing.T) {
	InitMetrics()

	server := NewMetricsServer(MetricsServerConfig{
		Enabled: true,
		Port:    19290,
	}, logging.New(false, true))
	require.NoError(t, server.Start())
	time.Sleep(100 * time.Millisecond)

	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		assert.NoError(t, server.Stop(ctx))
	}()

	resp, err := http.Get("http://localhost:19290/metrics")
	if err != nil {
		t.Skipf("skipping test: %v", err)
	}
	defer func() { _ = resp.Body.Close() }()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.True(t, strings.Contains(string(body), "taokey_") || strings.Contains(string(body), "go_"),
		"expected prometheus metrics in response")

	health, err := http.Get("http://localhost:19290/health")
	require.NoError(t, err)
	defer func() { _ = health.Body.Close() }()
	healthBody, err := io.ReadAll(health.Body)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, health.StatusCode)
	assert.Equal(t, "OK", string(healthBody))
}
