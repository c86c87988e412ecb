package metric_test

import (
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"

	"pipelined.dev/bci/metric"
)

func TestMeter(t *testing.T) {
	samplingRate := 256.0
	// test cases
	var tests = []struct {
		component          string
		routines           int
		blocks             int
		blockSize          int64
		expectedSamples    string
		expectedComponents string
	}{
		{
			component:          "gain",
			routines:           2,
			blocks:             10,
			blockSize:          20,
			expectedSamples:    "400",
			expectedComponents: "2",
		},
		{
			component:          "gain",
			routines:           2,
			blocks:             10,
			blockSize:          20,
			expectedSamples:    "800",
			expectedComponents: "4",
		},
	}
	// function to test meter.
	testFn := func(fn metric.MeasureFunc, wg *sync.WaitGroup, blocks int, blockSize int64) {
		for i := 0; i < blocks; i++ {
			fn(blockSize)
		}
		wg.Done()
	}

	for _, c := range tests {
		wg := &sync.WaitGroup{}
		wg.Add(c.routines)
		for i := 0; i < c.routines; i++ {
			go testFn(metric.Meter("TestMeter", c.component, samplingRate)(), wg, c.blocks, c.blockSize)
		}
		// check if no data race.
		wg.Wait()
		values := metric.Get("TestMeter", c.component)
		assert.Equal(t, c.expectedSamples, values[metric.SampleCounter])
		assert.Equal(t, c.expectedComponents, values[metric.ComponentCounter])
	}
	assert.Contains(t, metric.GetAll(), "TestMeter.gain")
	assert.Empty(t, metric.Get("TestMeter", "missing"))
}

func TestTraffic(t *testing.T) {
	tr := metric.NewTraffic("TestTraffic")
	tr.Sent(10)
	tr.Sent(5)
	tr.Received(7)

	rec := httptest.NewRecorder()
	metric.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body := rec.Body.String()
	assert.True(t, strings.Contains(body, `bci_conn_messages_total{conn="TestTraffic",direction="sent"} 2`))
	assert.True(t, strings.Contains(body, `bci_conn_bytes_total{conn="TestTraffic",direction="sent"} 15`))
	assert.True(t, strings.Contains(body, `bci_conn_messages_total{conn="TestTraffic",direction="received"} 1`))
}
