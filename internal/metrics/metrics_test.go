package metrics

import (
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gluk-w/smartshell/internal/reader"
	"github.com/gluk-w/smartshell/internal/sshconn"
)

func TestObserveRead(t *testing.T) {
	m := New()

	m.ObserveRead(reader.Report{
		Mode:            reader.ModeEndMarker,
		Outcome:         reader.OutcomeMatched,
		PrimaryBytes:    120,
		DiagnosticBytes: 8,
		Duration:        30 * time.Millisecond,
	})
	m.ObserveRead(reader.Report{
		Mode:         reader.ModeEndMarker,
		Outcome:      reader.OutcomeDeadline,
		PrimaryBytes: 5,
	})

	assert.Equal(t, 1.0, testutil.ToFloat64(m.Reads.WithLabelValues("end_marker", "matched")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Reads.WithLabelValues("end_marker", "deadline")))
	assert.Equal(t, 125.0, testutil.ToFloat64(m.ReadBytes.WithLabelValues("primary")))
	assert.Equal(t, 8.0, testutil.ToFloat64(m.ReadBytes.WithLabelValues("diagnostic")))
	assert.Equal(t, 1, testutil.CollectAndCount(m.ReadDuration))
}

func TestObserveStateChange(t *testing.T) {
	m := New()
	m.ObserveStateChange("c1", sshconn.StateDisconnected, sshconn.StateConnected)
	m.ObserveStateChange("c1", sshconn.StateConnected, sshconn.StateAuthenticated)
	m.ObserveStateChange("c1", sshconn.StateAuthenticated, sshconn.StateDisconnected)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.StateTransitions.WithLabelValues("connected")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.StateTransitions.WithLabelValues("authenticated")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.StateTransitions.WithLabelValues("disconnected")))
}

func TestObserveCommand(t *testing.T) {
	m := New()
	m.ObserveCommand("smart", nil)
	m.ObserveCommand("smart", nil)
	m.ObserveCommand("exec", errors.New("boom"))

	assert.Equal(t, 2.0, testutil.ToFloat64(m.Commands.WithLabelValues("smart", "ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Commands.WithLabelValues("exec", "error")))
}

func TestInstancesAreIndependent(t *testing.T) {
	a, b := New(), New()
	a.ObserveCommand("smart", nil)
	assert.Equal(t, 0.0, testutil.ToFloat64(b.Commands.WithLabelValues("smart", "ok")))
}

func TestHandler(t *testing.T) {
	m := New()
	m.ObserveRead(reader.Report{Mode: reader.ModePause, Outcome: reader.OutcomeMatched, PrimaryBytes: 3})

	srv := httptest.NewServer(m.Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.True(t, strings.Contains(string(body), `smartshell_reads_total{mode="pause",outcome="matched"} 1`))
}
