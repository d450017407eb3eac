package metrics

import (
	"io"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestHandlerExposesCollectors(t *testing.T) {
	Strategies.WithLabelValues("parallel").Inc()
	Transfers.WithLabelValues("done").Inc()
	BytesDownloaded.Add(1024)

	srv := httptest.NewServer(Handler())
	defer srv.Close()

	resp, err := srv.Client().Get(srv.URL)
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	for _, name := range []string{
		"mediaq_downloaded_bytes_total",
		`mediaq_strategy_decisions_total{strategy="parallel"}`,
		`mediaq_transfers_total{result="done"}`,
		"mediaq_queue_length",
	} {
		if !strings.Contains(string(body), name) {
			t.Errorf("expected %s in metrics output", name)
		}
	}
}
