package metrics_test

import (
	"io"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/ledgermarket/internal/metrics"
)

func TestRecorder_NilIsNoop(t *testing.T) {
	var r *metrics.Recorder
	r.RecordRequest("transfer", "ok", time.Second)
	r.RecordUnsolicited("bu")
	r.SetPending(3)
	r.SetSessionState("", "authenticated")
	r.RecordTrade("m1", "confirmed", time.Millisecond)
	r.RecordPayout("yes")
	require.Nil(t, r.Registry())
}

func TestRecorder_CountsAndExposes(t *testing.T) {
	r := metrics.New()
	r.RecordRequest("transfer", "ok", 10*time.Millisecond)
	r.RecordRequest("transfer", "timeout", time.Second)
	r.RecordTrade("m1", "confirmed", time.Millisecond)
	r.SetSessionState("authenticating", "authenticated")

	families, err := r.Registry().Gather()
	require.NoError(t, err)
	var series int
	for _, mf := range families {
		if mf.GetName() == "ledgermarket_rpc_requests_total" {
			series = len(mf.GetMetric())
		}
	}
	require.Equal(t, 2, series)

	srv := httptest.NewServer(r.Handler())
	defer srv.Close()
	resp, err := srv.Client().Get(srv.URL)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	require.Contains(t, string(body), `ledgermarket_trades_total{market="m1",status="confirmed"} 1`)
	require.Contains(t, string(body), `ledgermarket_session_state{state="authenticated"} 1`)
}
