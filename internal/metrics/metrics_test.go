package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestRegisterIsIdempotent(t *testing.T) {
	assert.NotPanics(t, func() {
		Register()
		Register()
	})
}

func TestCounters(t *testing.T) {
	before := testutil.ToFloat64(bookingTransitions.WithLabelValues("expired"))
	IncBookingTransition("expired")
	assert.Equal(t, before+1, testutil.ToFloat64(bookingTransitions.WithLabelValues("expired")))

	SetHubActiveListeners(3)
	assert.Equal(t, 3.0, testutil.ToFloat64(hubActiveListeners))

	beforeRepairs := testutil.ToFloat64(sweepRepairs.WithLabelValues("lot_counters"))
	AddSweepRepairs("lot_counters", 0)
	AddSweepRepairs("lot_counters", 2)
	assert.Equal(t, beforeRepairs+2, testutil.ToFloat64(sweepRepairs.WithLabelValues("lot_counters")))
}
