package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

func getCounterValue(cv *prometheus.CounterVec, labels ...string) float64 {
	m := &dto.Metric{}
	if err := cv.WithLabelValues(labels...).Write(m); err != nil {
		return 0
	}
	return m.GetCounter().GetValue()
}

func getGaugeVecValue(gv *prometheus.GaugeVec, labels ...string) float64 {
	m := &dto.Metric{}
	if err := gv.WithLabelValues(labels...).Write(m); err != nil {
		return 0
	}
	return m.GetGauge().GetValue()
}

func getHistogramCount(hv *prometheus.HistogramVec, labels ...string) uint64 {
	m := &dto.Metric{}
	observer := hv.WithLabelValues(labels...)
	if c, ok := observer.(prometheus.Metric); ok {
		if err := c.Write(m); err != nil {
			return 0
		}
		return m.GetHistogram().GetSampleCount()
	}
	return 0
}

func TestRecordProviderCall(t *testing.T) {
	RecordProviderCall("mangafire", "search", OutcomeSuccess, 420*time.Millisecond)
	RecordProviderCall("mangafire", "search", OutcomeThrottled, 0)

	if val := getCounterValue(ProviderRequests, "mangafire", "search", OutcomeSuccess); val < 1 {
		t.Errorf("ProviderRequests success = %f, want >= 1", val)
	}
	if val := getCounterValue(ProviderRequests, "mangafire", "search", OutcomeThrottled); val < 1 {
		t.Errorf("ProviderRequests throttled = %f, want >= 1", val)
	}
	if count := getHistogramCount(ProviderLatencySeconds, "mangafire"); count < 1 {
		t.Errorf("ProviderLatencySeconds sample count = %d, want >= 1", count)
	}

	// Throttles never observe latency.
	before := getHistogramCount(ProviderLatencySeconds, "lonely")
	RecordProviderCall("lonely", "search", OutcomeThrottled, time.Second)
	if after := getHistogramCount(ProviderLatencySeconds, "lonely"); after != before {
		t.Errorf("throttled call observed latency: %d -> %d", before, after)
	}
}

func TestRecordJobDone(t *testing.T) {
	RecordJobDone("download_chapter", "COMPLETED", 3*time.Second)
	RecordJobDone("download_chapter", "FAILED", time.Second)

	if val := getCounterValue(JobsTotal, "download_chapter", "COMPLETED"); val < 1 {
		t.Errorf("JobsTotal completed = %f, want >= 1", val)
	}
	if val := getCounterValue(JobsTotal, "download_chapter", "FAILED"); val < 1 {
		t.Errorf("JobsTotal failed = %f, want >= 1", val)
	}
	if count := getHistogramCount(JobDurationSeconds, "download_chapter"); count < 2 {
		t.Errorf("JobDurationSeconds sample count = %d, want >= 2", count)
	}
}

func TestSetCircuitState(t *testing.T) {
	SetCircuitState("weebcentral", false, false)
	if val := getGaugeVecValue(CircuitState, "weebcentral"); val != 0 {
		t.Errorf("closed circuit = %f, want 0", val)
	}
	SetCircuitState("weebcentral", false, true)
	if val := getGaugeVecValue(CircuitState, "weebcentral"); val != 1 {
		t.Errorf("half-open circuit = %f, want 1", val)
	}
	SetCircuitState("weebcentral", true, false)
	if val := getGaugeVecValue(CircuitState, "weebcentral"); val != 2 {
		t.Errorf("open circuit = %f, want 2", val)
	}
}

func TestLabelIsolation(t *testing.T) {
	RecordProviderCall("agent-a", "chapters", OutcomeSuccess, time.Second)
	RecordProviderCall("agent-b", "chapters", OutcomeFailure, 0)

	if val := getCounterValue(ProviderRequests, "agent-a", "chapters", OutcomeFailure); val != 0 {
		t.Errorf("agent-a failure = %f, want 0", val)
	}
	if val := getCounterValue(ProviderRequests, "agent-b", "chapters", OutcomeFailure); val < 1 {
		t.Errorf("agent-b failure = %f, want >= 1", val)
	}
}
