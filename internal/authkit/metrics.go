package authkit

import (
	"net/http"
	"sync"

	"github.com/gin-gonic/gin"
)

const (
	metricLoginSuccess        = "auth.login.success"
	metricLoginRejected       = "auth.login.rejected"
	metricLoginMissingScope   = "auth.login.missing_scope"
	metricLoginFailed         = "auth.login.failed"
	metricSessionResolved     = "auth.session.resolved"
	metricSessionUnauthorized = "auth.session.unauthorized"
)

// MetricsRecorder counts auth and reconciliation events.
type MetricsRecorder interface {
	Increment(event string)
}

// CounterMetrics keeps event counts in memory.
type CounterMetrics struct {
	mutex  sync.Mutex
	counts map[string]int64
}

// NewCounterMetrics constructs an empty recorder.
func NewCounterMetrics() *CounterMetrics {
	return &CounterMetrics{counts: make(map[string]int64)}
}

func (recorder *CounterMetrics) Increment(event string) {
	recorder.mutex.Lock()
	defer recorder.mutex.Unlock()
	recorder.counts[event]++
}

// Count returns the current value for event.
func (recorder *CounterMetrics) Count(event string) int64 {
	recorder.mutex.Lock()
	defer recorder.mutex.Unlock()
	return recorder.counts[event]
}

// Snapshot copies all counters.
func (recorder *CounterMetrics) Snapshot() map[string]int64 {
	recorder.mutex.Lock()
	defer recorder.mutex.Unlock()
	clone := make(map[string]int64, len(recorder.counts))
	for event, count := range recorder.counts {
		clone[event] = count
	}
	return clone
}

// Handler serves the counters as a JSON object.
func (recorder *CounterMetrics) Handler() gin.HandlerFunc {
	return func(contextGin *gin.Context) {
		contextGin.JSON(http.StatusOK, gin.H{"counters": recorder.Snapshot()})
	}
}
