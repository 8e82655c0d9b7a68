package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Namespace prefixes every metric exported by the service.
const Namespace = "herald"

// Event outcomes recorded by the ingest pipeline.
const (
	OutcomeApplied  = "applied"
	OutcomeStale    = "stale"
	OutcomeIgnored  = "ignored"
	OutcomeFailed   = "failed"
	OutcomeNotified = "notified"
)

// Suppression reasons recorded by the guard.
const (
	ReasonDebounce = "debounce"
	ReasonStorm    = "storm"
)

// Recorder receives operational measurements from every component.
type Recorder interface {
	IncEvent(action, outcome string)
	IncSuppressed(reason string)
	IncFailOpen()
	IncPublish(messageType string)
	IncPublishFailure(messageType string)
	ObservePublishDuration(duration time.Duration)
	SetGlobalOnline(total, shardsCounted int)
	IncRepair(kind string)
	IncDropped()
}

// Provider is a Recorder backed by Prometheus collectors.
type Provider struct {
	events          *prometheus.CounterVec
	suppressed      *prometheus.CounterVec
	failOpen        prometheus.Counter
	publishes       *prometheus.CounterVec
	publishFailures *prometheus.CounterVec
	publishDuration prometheus.Histogram
	globalOnline    prometheus.Gauge
	shardsCounted   prometheus.Gauge
	repairs         *prometheus.CounterVec
	dropped         prometheus.Counter
}

// New registers the service collectors on reg.
func New(reg prometheus.Registerer) *Provider {
	factory := promauto.With(reg)

	return &Provider{
		events: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "events_total",
			Help:      "Presence detector events by action and outcome",
		}, []string{"action", "outcome"}),

		suppressed: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "suppressed_total",
			Help:      "Publish-worthy transitions suppressed by reason",
		}, []string{"reason"}),

		failOpen: factory.NewCounter(prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "guard_fail_open_total",
			Help:      "Events passed through because the ephemeral store was unavailable",
		}),

		publishes: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "publish_total",
			Help:      "Messages published by type",
		}, []string{"type"}),

		publishFailures: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "publish_failures_total",
			Help:      "Messages dropped after exhausting publish retries",
		}, []string{"type"}),

		publishDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: Namespace,
			Name:      "publish_duration_seconds",
			Help:      "Time spent publishing a message including retries",
			Buckets:   prometheus.DefBuckets,
		}),

		globalOnline: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: Namespace,
			Name:      "global_online",
			Help:      "Approximate number of users online across counted shards",
		}),

		shardsCounted: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: Namespace,
			Name:      "global_shards_counted",
			Help:      "Shards that answered the last occupancy sample",
		}),

		repairs: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "reconcile_repairs_total",
			Help:      "Drift repaired by reconciliation by kind",
		}, []string{"kind"}),

		dropped: factory.NewCounter(prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "bus_dropped_total",
			Help:      "Messages dropped by the in-process bus because a subscriber was full",
		}),
	}
}

func (p *Provider) IncEvent(action, outcome string) {
	p.events.WithLabelValues(action, outcome).Inc()
}

func (p *Provider) IncSuppressed(reason string) {
	p.suppressed.WithLabelValues(reason).Inc()
}

func (p *Provider) IncFailOpen() {
	p.failOpen.Inc()
}

func (p *Provider) IncPublish(messageType string) {
	p.publishes.WithLabelValues(messageType).Inc()
}

func (p *Provider) IncPublishFailure(messageType string) {
	p.publishFailures.WithLabelValues(messageType).Inc()
}

func (p *Provider) ObservePublishDuration(duration time.Duration) {
	p.publishDuration.Observe(duration.Seconds())
}

func (p *Provider) SetGlobalOnline(total, shardsCounted int) {
	p.globalOnline.Set(float64(total))
	p.shardsCounted.Set(float64(shardsCounted))
}

func (p *Provider) IncRepair(kind string) {
	p.repairs.WithLabelValues(kind).Inc()
}

func (p *Provider) IncDropped() {
	p.dropped.Inc()
}

// Nop discards every measurement. Embed it in test recorders to override single methods.
type Nop struct{}

func (Nop) IncEvent(_, _ string)                    {}
func (Nop) IncSuppressed(_ string)                  {}
func (Nop) IncFailOpen()                            {}
func (Nop) IncPublish(_ string)                     {}
func (Nop) IncPublishFailure(_ string)              {}
func (Nop) ObservePublishDuration(_ time.Duration)  {}
func (Nop) SetGlobalOnline(_, _ int)                {}
func (Nop) IncRepair(_ string)                      {}
func (Nop) IncDropped()                             {}
