// Package metrics exposes Prometheus collectors and the ops HTTP
// server. Collectors are fed from the event bus so instrumented
// packages never import this one.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/ees-trading/ees/internal/events"
)

// Collectors holds every EES metric. One instance is registered per
// process.
type Collectors struct {
	ScansTotal      prometheus.Counter
	SignalsTotal    *prometheus.CounterVec
	OrdersTotal     *prometheus.CounterVec
	PositionsOpen   prometheus.Gauge
	PositionsValue  prometheus.Gauge
	StopAdjustments prometheus.Counter
	Failovers       *prometheus.CounterVec
	PhaseChanges    *prometheus.CounterVec
	FatalErrors     prometheus.Counter
}

// NewCollectors registers the EES metric set with the given registerer.
// Pass prometheus.DefaultRegisterer outside of tests.
func NewCollectors(reg prometheus.Registerer) *Collectors {
	factory := promauto.With(reg)
	return &Collectors{
		ScansTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "ees_scans_total",
			Help: "Completed universe scan ticks.",
		}),
		SignalsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "ees_signals_total",
			Help: "Composite signals by outcome.",
		}, []string{"outcome"}),
		OrdersTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "ees_orders_total",
			Help: "Orders by lifecycle outcome.",
		}, []string{"outcome"}),
		PositionsOpen: factory.NewGauge(prometheus.GaugeOpts{
			Name: "ees_positions_open",
			Help: "Open strategy-owned positions.",
		}),
		PositionsValue: factory.NewGauge(prometheus.GaugeOpts{
			Name: "ees_positions_market_value",
			Help: "Mark-to-market value of open positions.",
		}),
		StopAdjustments: factory.NewCounter(prometheus.CounterOpts{
			Name: "ees_stop_adjustments_total",
			Help: "Trailing stop ratchets.",
		}),
		Failovers: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "ees_provider_failovers_total",
			Help: "Market data provider failovers by provider.",
		}, []string{"provider"}),
		PhaseChanges: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "ees_phase_changes_total",
			Help: "Session phase transitions by target phase.",
		}, []string{"phase"}),
		FatalErrors: factory.NewCounter(prometheus.CounterOpts{
			Name: "ees_fatal_errors_total",
			Help: "Panics contained by the session loop.",
		}),
	}
}

// Observe is the event-bus subscription point.
func (c *Collectors) Observe(e events.Event) {
	switch e.Kind {
	case events.KindScanTickCompleted:
		c.ScansTotal.Inc()
	case events.KindSignalAccepted:
		c.SignalsTotal.WithLabelValues("accepted").Inc()
	case events.KindSignalRejected:
		c.SignalsTotal.WithLabelValues("rejected").Inc()
	case events.KindOrderPlaced:
		c.OrdersTotal.WithLabelValues("placed").Inc()
	case events.KindOrderFilled:
		c.OrdersTotal.WithLabelValues("filled").Inc()
	case events.KindOrderRejected:
		c.OrdersTotal.WithLabelValues("rejected").Inc()
	case events.KindStopAdjusted:
		c.StopAdjustments.Inc()
	case events.KindProviderFailover:
		provider, _ := e.Payload["from"].(string)
		if provider == "" {
			provider = "unknown"
		}
		c.Failovers.WithLabelValues(provider).Inc()
	case events.KindPhaseChanged:
		c.PhaseChanges.WithLabelValues(e.Reason).Inc()
	case events.KindFatalError:
		c.FatalErrors.Inc()
	}
}

// SetBook refreshes the position gauges; the ops server calls it on
// scrape and the session loop on each position tick.
func (c *Collectors) SetBook(open int, marketValue float64) {
	c.PositionsOpen.Set(float64(open))
	c.PositionsValue.Set(marketValue)
}
