package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewCollector(t *testing.T) {
	prometheus.DefaultRegisterer = prometheus.NewRegistry()

	collector := NewCollector()

	assert.NotNil(t, collector, "NewCollector should return a non-nil collector")
	assert.NotNil(t, collector.chunksDispatched)
	assert.NotNil(t, collector.chunksCompleted)
	assert.NotNil(t, collector.chunksFailed)
	assert.NotNil(t, collector.chunksReassigned)
	assert.NotNil(t, collector.dispatchTickSeconds)
	assert.NotNil(t, collector.peerCount)
	assert.NotNil(t, collector.electionsWon)
	assert.NotNil(t, collector.reportQueueDepth)
	assert.NotNil(t, collector.reportQueueCooldown)
}

func TestRecordDispatch(t *testing.T) {
	prometheus.DefaultRegisterer = prometheus.NewRegistry()
	collector := NewCollector()

	assert.NotPanics(t, func() {
		for i := 0; i < 10; i++ {
			collector.RecordDispatch()
		}
	})
}

func TestRecordCompletedAndFailed(t *testing.T) {
	prometheus.DefaultRegisterer = prometheus.NewRegistry()
	collector := NewCollector()

	assert.NotPanics(t, func() {
		collector.RecordCompleted()
		collector.RecordFailed()
		collector.RecordReassigned()
	})
}

func TestObserveTick(t *testing.T) {
	prometheus.DefaultRegisterer = prometheus.NewRegistry()
	collector := NewCollector()

	for _, d := range []float64{0.001, 0.01, 0.5, 2.0} {
		assert.NotPanics(t, func() {
			collector.ObserveTick(d)
		}, "ObserveTick should not panic with duration %f", d)
	}
}

func TestSetPeerCount(t *testing.T) {
	prometheus.DefaultRegisterer = prometheus.NewRegistry()
	collector := NewCollector()

	for _, n := range []int{0, 1, 5, 50} {
		assert.NotPanics(t, func() {
			collector.SetPeerCount(n)
		})
	}
}

func TestRecordElectionWon(t *testing.T) {
	prometheus.DefaultRegisterer = prometheus.NewRegistry()
	collector := NewCollector()

	assert.NotPanics(t, func() {
		collector.RecordElectionWon()
		collector.RecordElectionWon()
	})
}

func TestReportQueueMetrics(t *testing.T) {
	prometheus.DefaultRegisterer = prometheus.NewRegistry()
	collector := NewCollector()

	assert.NotPanics(t, func() {
		collector.SetReportQueueDepth(12)
		collector.RecordReportQueueCooldown()
	})
}

func TestConcurrentMetricUpdates(t *testing.T) {
	prometheus.DefaultRegisterer = prometheus.NewRegistry()
	collector := NewCollector()

	done := make(chan bool, 100)
	for i := 0; i < 100; i++ {
		go func() {
			collector.RecordDispatch()
			collector.RecordCompleted()
			collector.ObserveTick(0.1)
			collector.SetPeerCount(3)
			done <- true
		}()
	}
	for i := 0; i < 100; i++ {
		<-done
	}
}

func TestCollectorIsolation(t *testing.T) {
	// A process should build exactly one Collector; a second one
	// against the same registerer panics on duplicate registration.
	prometheus.DefaultRegisterer = prometheus.NewRegistry()

	collector1 := NewCollector()
	require.NotNil(t, collector1)

	assert.Panics(t, func() {
		NewCollector()
	})
}

func TestDispatchTickLifecycle(t *testing.T) {
	prometheus.DefaultRegisterer = prometheus.NewRegistry()
	collector := NewCollector()

	assert.NotPanics(t, func() {
		collector.ObserveTick(0.02)
		collector.RecordDispatch()
		collector.RecordCompleted()
		collector.SetReportQueueDepth(0)
	})
}
