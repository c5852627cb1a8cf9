package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type Registry struct {
	reg *prometheus.Registry

	TransitionsApplied  *prometheus.CounterVec
	TransitionsRejected *prometheus.CounterVec
	PeerFetchFailed     *prometheus.CounterVec
	CacheBatchFailed    prometheus.Counter
	MaterializeSec      prometheus.Histogram
	SweepActivated      prometheus.Counter
	SweepExpired        prometheus.Counter
	SweepRequeued       prometheus.Counter
	CommandsConsumed    prometheus.Counter
	NotifyFailed        prometheus.Counter
}

func NewRegistry() *Registry {
	r := prometheus.NewRegistry()
	applied := prometheus.NewCounterVec(prometheus.CounterOpts{Name: "mao_transitions_applied_total"}, []string{"event"})
	rejected := prometheus.NewCounterVec(prometheus.CounterOpts{Name: "mao_transitions_rejected_total"}, []string{"event"})
	peerFailed := prometheus.NewCounterVec(prometheus.CounterOpts{Name: "mao_peer_fetch_failed_total"}, []string{"kind"})
	cacheFailed := prometheus.NewCounter(prometheus.CounterOpts{Name: "mao_cache_batch_failed_total"})
	matSec := prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "mao_materialize_seconds",
		Buckets: prometheus.DefBuckets,
	})
	swActivated := prometheus.NewCounter(prometheus.CounterOpts{Name: "mao_sweep_activated_total"})
	swExpired := prometheus.NewCounter(prometheus.CounterOpts{Name: "mao_sweep_expired_total"})
	swRequeued := prometheus.NewCounter(prometheus.CounterOpts{Name: "mao_sweep_requeued_total"})
	consumed := prometheus.NewCounter(prometheus.CounterOpts{Name: "mao_commands_consumed_total"})
	notifyFailed := prometheus.NewCounter(prometheus.CounterOpts{Name: "mao_notify_failed_total"})

	r.MustRegister(applied, rejected, peerFailed, cacheFailed, matSec, swActivated, swExpired, swRequeued, consumed, notifyFailed)
	return &Registry{
		reg:                 r,
		TransitionsApplied:  applied,
		TransitionsRejected: rejected,
		PeerFetchFailed:     peerFailed,
		CacheBatchFailed:    cacheFailed,
		MaterializeSec:      matSec,
		SweepActivated:      swActivated,
		SweepExpired:        swExpired,
		SweepRequeued:       swRequeued,
		CommandsConsumed:    consumed,
		NotifyFailed:        notifyFailed,
	}
}

func (r *Registry) Handler() http.Handler { return promhttp.HandlerFor(r.reg, promhttp.HandlerOpts{}) }
