package metrics

import (
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSessionClosed(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)

	m.SessionsAccepted.Inc()
	m.SessionsActive.Inc()
	m.SessionClosed("eof", 10, 32)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.SessionsAccepted))
	assert.Equal(t, 0.0, testutil.ToFloat64(m.SessionsActive))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.SessionsClosed.WithLabelValues("eof")))
	assert.Equal(t, 10.0, testutil.ToFloat64(m.RelayedBytes.WithLabelValues(DirectionUpstream)))
	assert.Equal(t, 32.0, testutil.ToFloat64(m.RelayedBytes.WithLabelValues(DirectionDownstream)))

	expected := `
# HELP socks_forwarder_sessions_closed_total Sessions torn down, by reason.
# TYPE socks_forwarder_sessions_closed_total counter
socks_forwarder_sessions_closed_total{reason="eof"} 1
`
	require.NoError(t, testutil.GatherAndCompare(reg, strings.NewReader(expected), "socks_forwarder_sessions_closed_total"))
}

func TestNewWithoutRegistry(t *testing.T) {
	m := New(nil)
	m.DNSQueries.Inc()
	assert.Equal(t, 1.0, testutil.ToFloat64(m.DNSQueries))
}
