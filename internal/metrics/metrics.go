package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Recorder exposes Prometheus metrics for the RTI.
type Recorder struct {
	accepted       prometheus.Counter
	proposals      prometheus.Counter
	violations     prometheus.Counter
	dropped        prometheus.Counter
	repliesSent    prometheus.Counter
	replyFailures  prometheus.Counter
	barrierWait    prometheus.Histogram
	federationSize prometheus.Gauge
	barrierPending prometheus.Gauge
	agreedInstant  prometheus.Gauge
	synchronized   prometheus.Gauge
}

// NewRecorder registers metrics with the provided registry.
func NewRecorder(reg prometheus.Registerer) *Recorder {
	r := &Recorder{
		accepted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "rti_federates_connected_total",
			Help: "Total number of federate connections accepted",
		}),
		proposals: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "rti_proposals_total",
			Help: "Total number of start-time proposals received",
		}),
		violations: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "rti_protocol_violations_total",
			Help: "Total startup messages carrying an unexpected type tag",
		}),
		dropped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "rti_connections_dropped_total",
			Help: "Total federates that disconnected before completing a proposal",
		}),
		repliesSent: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "rti_replies_sent_total",
			Help: "Total agreed-start-time replies delivered to federates",
		}),
		replyFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "rti_reply_failures_total",
			Help: "Total reply sends that failed",
		}),
		barrierWait: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "rti_barrier_wait_seconds",
			Help:    "Time each handler spent blocked waiting for the final proposal",
			Buckets: prometheus.DefBuckets,
		}),
		federationSize: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "rti_federation_size",
			Help: "Configured number of federates in this federation",
		}),
		barrierPending: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "rti_barrier_pending",
			Help: "Proposals still outstanding before the barrier releases",
		}),
		agreedInstant: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "rti_agreed_start_time_seconds",
			Help: "Agreed logical start instant in seconds since the Unix epoch",
		}),
		synchronized: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "rti_federation_synchronized",
			Help: "Whether the federation barrier has released (1=released)",
		}),
	}

	reg.MustRegister(
		r.accepted,
		r.proposals,
		r.violations,
		r.dropped,
		r.repliesSent,
		r.replyFailures,
		r.barrierWait,
		r.federationSize,
		r.barrierPending,
		r.agreedInstant,
		r.synchronized,
	)
	return r
}

// Handler returns the HTTP handler serving /metrics.
func Handler(reg *prometheus.Registry) http.Handler {
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg})
}

// ObserveAccepted increments the accepted-connection counter.
func (r *Recorder) ObserveAccepted() { r.accepted.Inc() }

// ObserveProposal increments the proposal counter.
func (r *Recorder) ObserveProposal() { r.proposals.Inc() }

// ObserveProtocolViolation counts an unexpected message-type tag.
func (r *Recorder) ObserveProtocolViolation() { r.violations.Inc() }

// ObserveDropped counts a federate lost before proposing.
func (r *Recorder) ObserveDropped() { r.dropped.Inc() }

// ObserveReplySent counts a delivered agreed-start-time reply.
func (r *Recorder) ObserveReplySent() { r.repliesSent.Inc() }

// ObserveReplyFailure counts a failed reply send.
func (r *Recorder) ObserveReplyFailure() { r.replyFailures.Inc() }

// ObserveBarrierWait records how long one handler blocked in the barrier.
func (r *Recorder) ObserveBarrierWait(d time.Duration) {
	r.barrierWait.Observe(d.Seconds())
}

// SetFederationSize records the configured federate count.
func (r *Recorder) SetFederationSize(n int) {
	if r.federationSize != nil {
		r.federationSize.Set(float64(n))
	}
}

// SetBarrierPending records outstanding proposals.
func (r *Recorder) SetBarrierPending(n int) {
	if r.barrierPending != nil {
		r.barrierPending.Set(float64(n))
	}
}

// SetAgreedInstant records the agreed start time and marks the
// federation synchronized.
func (r *Recorder) SetAgreedInstant(instant int64) {
	if r.agreedInstant != nil {
		r.agreedInstant.Set(time.Duration(instant).Seconds())
	}
	if r.synchronized != nil {
		r.synchronized.Set(1)
	}
}
