// Package metrics exposes prometheus collectors for the download engine.
package metrics

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
)

// Registry holds every mediaq collector. It is separate from the default
// registry so tests can gather it without process-level collectors.
var Registry = prometheus.NewRegistry()

var (
	BytesDownloaded = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "mediaq_downloaded_bytes_total",
		Help: "Bytes written to chunk and stream files",
	})
	ChunkRetries = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "mediaq_chunk_retries_total",
		Help: "Chunk fetch attempts that were retried",
	})
	Transfers = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "mediaq_transfers_total",
		Help: "Finished transfers by result",
	}, []string{"result"})
	Strategies = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "mediaq_strategy_decisions_total",
		Help: "Strategy selections by kind",
	}, []string{"strategy"})
	QueueLength = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "mediaq_queue_length",
		Help: "Items currently held by the queue",
	})
	TransferDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "mediaq_transfer_duration_seconds",
		Help:    "Wall time from strategy selection to finished output",
		Buckets: prometheus.ExponentialBuckets(1, 2, 12),
	})
)

func init() {
	Registry.MustRegister(BytesDownloaded, ChunkRetries, Transfers, Strategies, QueueLength, TransferDuration)
}

func Handler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{})
}

// Serve exposes /metrics on addr until ctx is done.
func Serve(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()
	log.Info().Str("op", "metrics/metrics").Str("addr", addr).Msg("serving metrics")
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
