// Package metric captures processing and traffic metrics of modules and
// exposes them in prometheus format.
package metric

import (
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"pipelined.dev/bci/signal"
)

const namespace = "bci"

const (
	// BlockCounter measures number of processed blocks.
	BlockCounter = "Blocks"
	// SampleCounter measures number of processed samples.
	SampleCounter = "Samples"
	// LatencyCounter measures latency between processing calls.
	LatencyCounter = "Latency"
	// DurationCounter counts duration of processed signal.
	DurationCounter = "Duration"
	// ComponentCounter counts number of metered components.
	ComponentCounter = "Components"
)

var (
	// Registry holds all bci collectors.
	Registry = prometheus.NewRegistry()

	blocks = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "process",
		Name:      "blocks_total",
		Help:      "Total number of processed blocks.",
	}, []string{"module", "component"})
	samples = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "process",
		Name:      "samples_total",
		Help:      "Total number of processed samples.",
	}, []string{"module", "component"})
	latency = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "process",
		Name:      "interval_seconds",
		Help:      "Time between consecutive processing calls.",
		Buckets:   prometheus.ExponentialBuckets(0.001, 2, 12),
	}, []string{"module", "component"})
	messages = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "conn",
		Name:      "messages_total",
		Help:      "Total number of protocol messages.",
	}, []string{"conn", "direction"})
	traffic = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "conn",
		Name:      "bytes_total",
		Help:      "Total number of protocol bytes.",
	}, []string{"conn", "direction"})

	components = metrics{
		m: make(map[string]*metric),
	}
)

func init() {
	Registry.MustRegister(blocks, samples, latency, messages, traffic)
}

// Handler serves collected metrics.
func Handler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{})
}

// Get metrics values for provided module component.
func Get(module, component string) map[string]string {
	components.Lock()
	m, ok := components.m[key(module, component)]
	components.Unlock()
	if !ok {
		return map[string]string{}
	}
	return m.values()
}

// GetAll returns counters for all metered components.
func GetAll() map[string]map[string]string {
	result := make(map[string]map[string]string)
	components.Lock()
	defer components.Unlock()
	for k, m := range components.m {
		result[k] = m.values()
	}
	return result
}

// ResetFunc returns new Measure closure. This closure is needed to postpone metrics
// capture until component is actually running.
type ResetFunc func() MeasureFunc

// MeasureFunc captures metrics when block is processed.
type MeasureFunc func(blockSize int64)

// Meter creates new meter closure to capture component counters.
func Meter(module, component string, samplingRate float64) ResetFunc {
	m := components.get(module, component)
	m.components.Add(1)
	b := blocks.WithLabelValues(module, component)
	s := samples.WithLabelValues(module, component)
	l := latency.WithLabelValues(module, component)
	return func() MeasureFunc {
		calledAt := time.Now()
		var (
			blockSize     int64
			blockDuration time.Duration
		)
		return func(size int64) {
			since := time.Since(calledAt)
			m.latency.Store(int64(since))
			l.Observe(since.Seconds())
			m.blocks.Add(1)
			b.Inc()
			m.samples.Add(size)
			s.Add(float64(size))
			// recalculate block duration only when block size has changed
			if blockSize != size {
				blockSize = size
				blockDuration = signal.DurationOf(samplingRate, size)
			}
			m.duration.Add(int64(blockDuration))
			calledAt = time.Now()
		}
	}
}

// Traffic counts messages and bytes of a single connection.
type Traffic struct {
	MessagesSent, MessagesReceived prometheus.Counter
	BytesSent, BytesReceived       prometheus.Counter
}

// NewTraffic returns counters labelled with connection name.
func NewTraffic(conn string) Traffic {
	return Traffic{
		MessagesSent:     messages.WithLabelValues(conn, "sent"),
		MessagesReceived: messages.WithLabelValues(conn, "received"),
		BytesSent:        traffic.WithLabelValues(conn, "sent"),
		BytesReceived:    traffic.WithLabelValues(conn, "received"),
	}
}

// Sent records outgoing message of n bytes.
func (t Traffic) Sent(n int) {
	t.MessagesSent.Inc()
	t.BytesSent.Add(float64(n))
}

// Received records incoming message of n bytes.
func (t Traffic) Received(n int) {
	t.MessagesReceived.Inc()
	t.BytesReceived.Add(float64(n))
}

type metrics struct {
	sync.Mutex
	m map[string]*metric
}

func (m *metrics) get(module, component string) *metric {
	m.Lock()
	defer m.Unlock()
	k := key(module, component)
	if existing, ok := m.m[k]; ok {
		// return existing metric if available
		return existing
	}
	created := &metric{}
	m.m[k] = created
	return created
}

type metric struct {
	components atomic.Int64
	blocks     atomic.Int64
	samples    atomic.Int64
	latency    atomic.Int64
	duration   atomic.Int64
}

func (m *metric) values() map[string]string {
	return map[string]string{
		ComponentCounter: strconv.FormatInt(m.components.Load(), 10),
		BlockCounter:     strconv.FormatInt(m.blocks.Load(), 10),
		SampleCounter:    strconv.FormatInt(m.samples.Load(), 10),
		LatencyCounter:   time.Duration(m.latency.Load()).String(),
		DurationCounter:  time.Duration(m.duration.Load()).String(),
	}
}

func key(module, component string) string {
	return fmt.Sprintf("%s.%s", module, component)
}
