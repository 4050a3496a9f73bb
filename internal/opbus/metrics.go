package opbus

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the dispatch counters, labelled by channel. A nil *Metrics
// records nothing.
type Metrics struct {
	published       *prometheus.CounterVec
	received        *prometheus.CounterVec
	dispatched      *prometheus.CounterVec
	unmatched       *prometheus.CounterVec
	decodeErrors    *prometheus.CounterVec
	handlerFailures *prometheus.CounterVec
	registrations   *prometheus.GaugeVec
}

// NewMetrics creates the collectors and registers them with reg when it is not nil.
func NewMetrics(reg prometheus.Registerer) (*Metrics, error) {
	newCounter := func(name, help string) *prometheus.CounterVec {
		return prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "opbus",
			Name:      name,
			Help:      help,
		}, []string{"channel"})
	}
	m := &Metrics{
		published:       newCounter("published_total", "Envelopes published."),
		received:        newCounter("received_total", "Messages received on the bound channel."),
		dispatched:      newCounter("dispatched_total", "Successful handler invocations."),
		unmatched:       newCounter("unmatched_total", "Envelopes with no registered handler for their opcode."),
		decodeErrors:    newCounter("decode_errors_total", "Inbound messages dropped as malformed."),
		handlerFailures: newCounter("handler_failures_total", "Handler invocations that returned an error or panicked."),
		registrations: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "opbus",
			Name:      "registrations",
			Help:      "Live handler registrations.",
		}, []string{"channel"}),
	}
	if reg != nil {
		for _, c := range []prometheus.Collector{
			m.published, m.received, m.dispatched, m.unmatched,
			m.decodeErrors, m.handlerFailures, m.registrations,
		} {
			if err := reg.Register(c); err != nil {
				return nil, err
			}
		}
	}
	return m, nil
}

type counter int

const (
	counterPublished counter = iota
	counterReceived
	counterDispatched
	counterUnmatched
	counterDecodeErrors
	counterHandlerFailures
)

func (m *Metrics) inc(c counter, channel string) {
	if m == nil {
		return
	}
	var v *prometheus.CounterVec
	switch c {
	case counterPublished:
		v = m.published
	case counterReceived:
		v = m.received
	case counterDispatched:
		v = m.dispatched
	case counterUnmatched:
		v = m.unmatched
	case counterDecodeErrors:
		v = m.decodeErrors
	case counterHandlerFailures:
		v = m.handlerFailures
	default:
		return
	}
	v.WithLabelValues(channel).Inc()
}

func (m *Metrics) setRegistrations(channel string, n int) {
	if m == nil {
		return
	}
	m.registrations.WithLabelValues(channel).Set(float64(n))
}
