package monitoring

import (
	"time"

	"callmesh/internal/core/domain"
	"callmesh/internal/core/ports"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "callmesh"

// PrometheusCollector records call metrics. It implements ports.CallMetrics.
type PrometheusCollector struct {
	reg prometheus.Registerer

	sessionsActive    prometheus.Gauge
	sessionsCreated   *prometheus.CounterVec
	sessionsEnded     *prometheus.CounterVec
	sessionDuration   prometheus.Histogram
	admissionRaceLost prometheus.Counter

	participantsConnected prometheus.Gauge
	participantJoins      prometheus.Counter

	signalsRelayed   *prometheus.CounterVec
	signalRecipients prometheus.Histogram
	signalsDropped   *prometheus.CounterVec

	eventsDelivered *prometheus.CounterVec
}

var _ ports.CallMetrics = (*PrometheusCollector)(nil)

// NewPrometheusCollector registers every metric on reg. Pass
// prometheus.DefaultRegisterer in production and a fresh registry in tests.
func NewPrometheusCollector(reg prometheus.Registerer) *PrometheusCollector {
	f := promauto.With(reg)
	return &PrometheusCollector{
		reg: reg,

		sessionsActive: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "sessions_active",
			Help:      "Call sessions started on this instance and not yet ended",
		}),
		sessionsCreated: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_created_total",
			Help:      "Call sessions created",
		}, []string{"kind"}),
		sessionsEnded: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_ended_total",
			Help:      "Call sessions ended",
		}, []string{"kind"}),
		sessionDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "session_duration_seconds",
			Help:      "Duration of ended call sessions",
			Buckets:   []float64{10, 30, 60, 300, 900, 1800, 3600, 7200},
		}),
		admissionRaceLost: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "admission_race_lost_total",
			Help:      "Session requests that lost the creation race and attached to the winner",
		}),

		participantsConnected: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "participants_connected",
			Help:      "Participants connected through this instance",
		}),
		participantJoins: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "participant_joins_total",
			Help:      "Participants that moved to connected",
		}),

		signalsRelayed: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "signals_relayed_total",
			Help:      "Negotiation messages accepted by the relay",
		}, []string{"type"}),
		signalRecipients: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "signal_recipients",
			Help:      "Endpoints reached per relayed signal",
			Buckets:   prometheus.LinearBuckets(0, 1, 17),
		}),
		signalsDropped: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "signals_dropped_total",
			Help:      "Negotiation messages dropped by the relay",
		}, []string{"reason"}),

		eventsDelivered: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_delivered_total",
			Help:      "Events handed to client endpoints",
		}, []string{"type"}),
	}
}

func (p *PrometheusCollector) SessionCreated(kind domain.CallKind) {
	p.sessionsActive.Inc()
	p.sessionsCreated.WithLabelValues(string(kind)).Inc()
}

func (p *PrometheusCollector) AdmissionRaceLost() {
	p.admissionRaceLost.Inc()
}

// SessionEnded may fire on a different instance than SessionCreated, so the
// active gauge is only meaningful summed across instances.
func (p *PrometheusCollector) SessionEnded(kind domain.CallKind, duration time.Duration) {
	p.sessionsActive.Dec()
	p.sessionsEnded.WithLabelValues(string(kind)).Inc()
	p.sessionDuration.Observe(duration.Seconds())
}

func (p *PrometheusCollector) ParticipantJoined() {
	p.participantsConnected.Inc()
	p.participantJoins.Inc()
}

func (p *PrometheusCollector) ParticipantLeft() {
	p.participantsConnected.Dec()
}

func (p *PrometheusCollector) SignalRelayed(t domain.EventType, recipients int) {
	p.signalsRelayed.WithLabelValues(string(t)).Inc()
	p.signalRecipients.Observe(float64(recipients))
}

func (p *PrometheusCollector) SignalDropped(reason string) {
	p.signalsDropped.WithLabelValues(reason).Inc()
}

func (p *PrometheusCollector) EventsDelivered(t domain.EventType, endpoints int) {
	p.eventsDelivered.WithLabelValues(string(t)).Add(float64(endpoints))
}

// RegisterGaugeFunc exposes a value sampled at scrape time, such as the
// number of open websocket connections.
func (p *PrometheusCollector) RegisterGaugeFunc(name, help string, fn func() float64) {
	promauto.With(p.reg).NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      name,
		Help:      help,
	}, fn)
}
