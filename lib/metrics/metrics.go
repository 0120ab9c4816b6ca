// Package metrics exposes the store's process-wide counters and
// gauges through the VictoriaMetrics/metrics registry, the same
// registry style the teacher would reach for if it exported metrics
// at all (its own go.mod carries both VictoriaMetrics/metrics and
// rcrowley/go-metrics unused - this package picks the one registry and
// runs with it; see DESIGN.md for why the other was dropped).
package metrics

import (
	"fmt"
	"math"
	"net/http"
	"sync/atomic"

	"github.com/VictoriaMetrics/metrics"
)

// Recorder publishes per-store metrics under a store-name label, so
// several Store instances in one process (per SPEC_FULL.md's
// "multiple independently-configured stores may coexist" requirement)
// each get their own distinct series instead of clobbering a shared
// global one.
type Recorder struct {
	set *metrics.Set

	opsTotal        *metrics.Counter
	reads           *metrics.Counter
	upserts         *metrics.Counter
	rmws            *metrics.Counter
	deletes         *metrics.Counter
	notFound        *metrics.Counter
	checkpoints     *metrics.Counter
	checkpointFails *metrics.Counter
	flushLatency    *metrics.Histogram

	epochValue      atomic.Uint64
	checkpointPhase atomic.Int64
	indexLoadBits   atomic.Uint64
	pendingIO       atomic.Int64
}

// NewRecorder creates a Recorder whose series all carry a
// store="storeName" label so multiple stores in one process don't
// collide, and registers them with the global VictoriaMetrics registry
// so they appear at /metrics via Handler.
func NewRecorder(storeName string) *Recorder {
	set := metrics.NewSet()
	r := &Recorder{set: set}

	label := func(metric string) string {
		return fmt.Sprintf(`hlogdb_%s{store=%q}`, metric, storeName)
	}

	r.opsTotal = set.NewCounter(label("ops_total"))
	r.reads = set.NewCounter(label("reads_total"))
	r.upserts = set.NewCounter(label("upserts_total"))
	r.rmws = set.NewCounter(label("rmws_total"))
	r.deletes = set.NewCounter(label("deletes_total"))
	r.notFound = set.NewCounter(label("not_found_total"))
	r.checkpoints = set.NewCounter(label("checkpoints_total"))
	r.checkpointFails = set.NewCounter(label("checkpoint_failures_total"))
	r.flushLatency = set.NewHistogram(label("flush_latency_seconds"))

	set.NewGauge(label("epoch_value"), func() float64 {
		return float64(r.epochValue.Load())
	})
	set.NewGauge(label("checkpoint_phase"), func() float64 {
		return float64(r.checkpointPhase.Load())
	})
	set.NewGauge(label("index_load_factor"), func() float64 {
		return math.Float64frombits(r.indexLoadBits.Load())
	})
	set.NewGauge(label("pending_io_queue_depth"), func() float64 {
		return float64(r.pendingIO.Load())
	})

	metrics.RegisterSet(set)
	return r
}

// Unregister removes this Recorder's series from the default registry,
// called from Store.Close so a disposed store doesn't leak a stale
// series into a still-running process.
func (r *Recorder) Unregister() {
	metrics.UnregisterSet(r.set, true)
}

func (r *Recorder) ObserveRead(found bool) {
	r.opsTotal.Inc()
	r.reads.Inc()
	if !found {
		r.notFound.Inc()
	}
}

func (r *Recorder) ObserveUpsert() { r.opsTotal.Inc(); r.upserts.Inc() }
func (r *Recorder) ObserveRMW()    { r.opsTotal.Inc(); r.rmws.Inc() }
func (r *Recorder) ObserveDelete() { r.opsTotal.Inc(); r.deletes.Inc() }

func (r *Recorder) SetEpochValue(v uint64)       { r.epochValue.Store(v) }
func (r *Recorder) SetCheckpointPhase(v int)     { r.checkpointPhase.Store(int64(v)) }
func (r *Recorder) SetIndexLoadFactor(v float64) { r.indexLoadBits.Store(math.Float64bits(v)) }
func (r *Recorder) SetPendingIOQueueDepth(v int) { r.pendingIO.Store(int64(v)) }

func (r *Recorder) ObserveFlushLatencySeconds(v float64) { r.flushLatency.Update(v) }

func (r *Recorder) ObserveCheckpoint(ok bool) {
	if ok {
		r.checkpoints.Inc()
	} else {
		r.checkpointFails.Inc()
	}
}

// Handler serves every registered set (the default registry plus every
// store's Recorder) in Prometheus exposition format, wired onto
// cmd/serve's admin mux at /metrics.
func Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		metrics.WritePrometheus(w, true)
	})
}
