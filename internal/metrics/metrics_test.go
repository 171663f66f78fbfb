// SPDX-License-Identifier: MIT

package metrics_test

import (
	"io"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/wiserhq/meetsync/internal/metrics"
)

func TestPromhttpExposure(t *testing.T) {
	srv := httptest.NewServer(promhttp.Handler())
	defer srv.Close()

	if _, err := srv.Client().Get(srv.URL); err != nil {
		t.Fatal(err)
	}
}

func TestHelpersRecordWithoutPanic(t *testing.T) {
	metrics.IncRelayOp("put_offer", "success")
	metrics.IncAnswer("lan")
	metrics.ObserveAnswerLatency(0.8)
	metrics.SetActiveSessions(2)
	metrics.IncRoomRedraw()
	metrics.AddTransferBytes("send", 16384)
	metrics.IncTransferChunk("send")
	metrics.IncTransferOutcome("receive", "ok")
	metrics.ObserveTransferDuration("receive", 1.2)
	metrics.IncBlobSave("ok")
	metrics.IncSessionState("guest", "recording")

	srv := httptest.NewServer(promhttp.Handler())
	defer srv.Close()

	resp, err := srv.Client().Get(srv.URL)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatal(err)
	}

	for _, want := range []string{
		"meetsync_relay_ops_total",
		"meetsync_rendezvous_answers_total",
		"meetsync_active_sessions",
		"meetsync_transfer_bytes_total",
		"meetsync_blob_saves_total",
	} {
		if !strings.Contains(string(body), want) {
			t.Errorf("metrics exposition missing %q", want)
		}
	}
}
