// Package metrics exposes connection-manager state as Prometheus metrics.
package metrics

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"conman/pkg/model"
	"conman/pkg/status"
)

// Collector bundles the conman metrics and a /metrics handler.
type Collector struct {
	gatherer prometheus.Gatherer

	InterfaceUp       *prometheus.GaugeVec
	InterfaceACS      *prometheus.GaugeVec
	InterfaceInternet *prometheus.GaugeVec
	RouteMetric       *prometheus.GaugeVec
	Status            *prometheus.GaugeVec
	Events            *prometheus.CounterVec
	TickDuration      prometheus.Histogram
	Ticks             prometheus.Gauge
}

// NewCollector registers conman metrics against reg, defaulting to the global
// registry when nil.
func NewCollector(reg prometheus.Registerer) (*Collector, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	gatherer := prometheus.DefaultGatherer
	if g, ok := reg.(prometheus.Gatherer); ok {
		gatherer = g
	}

	up, err := registerGaugeVec(reg, prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "conman_interface_up",
		Help: "1 when the interface has at least one link up.",
	}, []string{"iface"}), "conman_interface_up")
	if err != nil {
		return nil, err
	}
	acs, err := registerGaugeVec(reg, prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "conman_interface_acs",
		Help: "Cached ACS reachability per interface: 1 yes, 0 no, -1 unknown.",
	}, []string{"iface"}), "conman_interface_acs")
	if err != nil {
		return nil, err
	}
	internet, err := registerGaugeVec(reg, prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "conman_interface_internet",
		Help: "Cached internet reachability per interface: 1 yes, 0 no, -1 unknown.",
	}, []string{"iface"}), "conman_interface_internet")
	if err != nil {
		return nil, err
	}
	routeMetric, err := registerGaugeVec(reg, prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "conman_default_route_metric",
		Help: "Metric of the default route through the interface; absent without one.",
	}, []string{"iface"}), "conman_default_route_metric")
	if err != nil {
		return nil, err
	}
	st, err := registerGaugeVec(reg, prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "conman_status",
		Help: "1 when the status proposition holds.",
	}, []string{"status"}), "conman_status")
	if err != nil {
		return nil, err
	}
	events, err := registerCounterVec(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "conman_events_total",
		Help: "Connection-management events, labeled by kind.",
	}, []string{"kind"}), "conman_events_total")
	if err != nil {
		return nil, err
	}
	tick, err := registerHistogram(reg, prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "conman_tick_duration_seconds",
		Help:    "Duration of one control loop iteration.",
		Buckets: []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30},
	}), "conman_tick_duration_seconds")
	if err != nil {
		return nil, err
	}
	ticks, err := registerGauge(reg, prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "conman_ticks",
		Help: "Control loop iterations since start.",
	}), "conman_ticks")
	if err != nil {
		return nil, err
	}

	return &Collector{
		gatherer:          gatherer,
		InterfaceUp:       up,
		InterfaceACS:      acs,
		InterfaceInternet: internet,
		RouteMetric:       routeMetric,
		Status:            st,
		Events:            events,
		TickDuration:      tick,
		Ticks:             ticks,
	}, nil
}

// Handler exposes a ready-to-use /metrics handler.
func (c *Collector) Handler() http.Handler {
	gatherer := c.gatherer
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}

// Observe sets the gauges from one loop snapshot.
func (c *Collector) Observe(s model.Snapshot, took time.Duration) {
	if c == nil {
		return
	}
	c.TickDuration.Observe(took.Seconds())
	c.Ticks.Set(float64(s.Tick))
	for _, i := range s.Interfaces {
		c.InterfaceUp.WithLabelValues(i.Name).Set(boolValue(len(i.Links) > 0))
		c.InterfaceACS.WithLabelValues(i.Name).Set(triValue(i.ACS))
		c.InterfaceInternet.WithLabelValues(i.Name).Set(triValue(i.Internet))
		if i.DefaultRoute {
			c.RouteMetric.WithLabelValues(i.Name).Set(float64(i.Metric))
		} else {
			c.RouteMetric.DeleteLabelValues(i.Name)
		}
	}
	on := map[string]bool{}
	for _, p := range s.Status {
		on[p] = true
	}
	for _, p := range status.All {
		c.Status.WithLabelValues(string(p)).Set(boolValue(on[string(p)]))
	}
}

// Record counts ev, so the collector can sit beside the journal.
func (c *Collector) Record(_ context.Context, ev model.Event) {
	if c == nil {
		return
	}
	c.Events.WithLabelValues(ev.Kind).Inc()
}

func boolValue(b bool) float64 {
	if b {
		return 1
	}
	return 0
}

func triValue(s string) float64 {
	switch s {
	case "yes":
		return 1
	case "no":
		return 0
	}
	return -1
}

func registerCounterVec(reg prometheus.Registerer, vec *prometheus.CounterVec, name string) (*prometheus.CounterVec, error) {
	if err := reg.Register(vec); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(*prometheus.CounterVec); ok {
				return existing, nil
			}
			return nil, fmt.Errorf("collector %s already registered with incompatible type", name)
		}
		return nil, err
	}
	return vec, nil
}

func registerGaugeVec(reg prometheus.Registerer, vec *prometheus.GaugeVec, name string) (*prometheus.GaugeVec, error) {
	if err := reg.Register(vec); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(*prometheus.GaugeVec); ok {
				return existing, nil
			}
			return nil, fmt.Errorf("collector %s already registered with incompatible type", name)
		}
		return nil, err
	}
	return vec, nil
}

func registerHistogram(reg prometheus.Registerer, h prometheus.Histogram, name string) (prometheus.Histogram, error) {
	if err := reg.Register(h); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(prometheus.Histogram); ok {
				return existing, nil
			}
			return nil, fmt.Errorf("collector %s already registered with incompatible type", name)
		}
		return nil, err
	}
	return h, nil
}

func registerGauge(reg prometheus.Registerer, gauge prometheus.Gauge, name string) (prometheus.Gauge, error) {
	if err := reg.Register(gauge); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(prometheus.Gauge); ok {
				return existing, nil
			}
			return nil, fmt.Errorf("collector %s already registered with incompatible type", name)
		}
		return nil, err
	}
	return gauge, nil
}
