package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestCounters(t *testing.T) {
	before := testutil.ToFloat64(breakpointHits.WithLabelValues(ResultCaptured))
	CountBreakpointHit(ResultCaptured)
	CountBreakpointHit(ResultCaptured)
	after := testutil.ToFloat64(breakpointHits.WithLabelValues(ResultCaptured))
	assert.Equal(t, before+2, after)

	BreakpointArmed(1)
	BreakpointArmed(1)
	BreakpointArmed(-1)
	assert.Equal(t, float64(1), testutil.ToFloat64(breakpointsArmed))

	ObserveClassPrepare(3 * time.Microsecond)
	ObserveCapture(time.Millisecond)

	qBefore := testutil.ToFloat64(safecallQuotaExhausted.WithLabelValues("expression"))
	CountQuotaExhausted("expression")
	assert.Equal(t, qBefore+1, testutil.ToFloat64(safecallQuotaExhausted.WithLabelValues("expression")))
}
