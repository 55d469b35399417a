package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestSlidingWindowRate(t *testing.T) {
	sw := NewSlidingWindow(10*time.Second, 3)
	now := time.Now().Unix()
	sw.Add(now - 60) // outside the window
	sw.Add(now)
	sw.Add(now)
	assert.InDelta(t, 0.2, sw.Rate(), 0.001)

	for i := 0; i < 5; i++ {
		sw.Add(now)
	}
	assert.InDelta(t, 0.3, sw.Rate(), 0.001, "capped at maxSize")
}

func TestRecordDispatch(t *testing.T) {
	before := testutil.ToFloat64(EnvelopesDispatched.WithLabelValues("natmsg"))
	count := GetEnvelopesRelayedCount()

	RecordDispatch("natmsg")

	assert.Equal(t, before+1, testutil.ToFloat64(EnvelopesDispatched.WithLabelValues("natmsg")))
	assert.Equal(t, count+1, GetEnvelopesRelayedCount())
	assert.Greater(t, GetEnvelopesPerSecond(), 0.0)
}

func TestActiveConnections(t *testing.T) {
	start := GetActiveConnectionsCount()
	IncrementActiveConnections()
	IncrementActiveConnections()
	DecrementActiveConnections()
	assert.Equal(t, start+1, GetActiveConnectionsCount())
	DecrementActiveConnections()
	RegisterMetrics()
}
