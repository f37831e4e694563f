// Package metrics bundles the Prometheus collectors odomconv exposes on
// /metrics.
package metrics

import (
	"fmt"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type Collector struct {
	gatherer prometheus.Gatherer

	PosesReceived  prometheus.Counter
	PosesDropped   prometheus.Counter
	PosesPublished prometheus.Counter
	StatusReceived prometheus.Counter
	MarkersSent    prometheus.Counter
	PublishErrors  *prometheus.CounterVec
	DecodeErrors   *prometheus.CounterVec

	GateOpen      prometheus.Gauge
	OriginLatched prometheus.Gauge
	FilterState   prometheus.Gauge
}

// New registers the collectors against reg, defaulting to the global
// registry when nil. Re-registering returns the existing collectors.
func New(reg prometheus.Registerer) (*Collector, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	gatherer := prometheus.DefaultGatherer
	if g, ok := reg.(prometheus.Gatherer); ok {
		gatherer = g
	}

	c := &Collector{gatherer: gatherer}
	var err error

	counters := []struct {
		dst  *prometheus.Counter
		name string
		help string
	}{
		{&c.PosesReceived, "odomconv_poses_received_total", "Geodetic odometry samples received."},
		{&c.PosesDropped, "odomconv_poses_dropped_total", "Samples dropped because the validity gate was closed."},
		{&c.PosesPublished, "odomconv_poses_published_total", "Cartesian odometry samples handed to publishers."},
		{&c.StatusReceived, "odomconv_status_received_total", "Filter status messages received."},
		{&c.MarkersSent, "odomconv_markers_published_total", "Origin markers handed to publishers."},
	}
	for _, ctr := range counters {
		*ctr.dst, err = registerCounter(reg, prometheus.NewCounter(prometheus.CounterOpts{Name: ctr.name, Help: ctr.help}), ctr.name)
		if err != nil {
			return nil, err
		}
	}

	c.PublishErrors, err = registerCounterVec(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "odomconv_publish_errors_total",
		Help: "Best-effort publish failures, labeled by output topic.",
	}, []string{"topic"}), "odomconv_publish_errors_total")
	if err != nil {
		return nil, err
	}
	c.DecodeErrors, err = registerCounterVec(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "odomconv_decode_errors_total",
		Help: "Inbound frames that could not be decoded, labeled by topic.",
	}, []string{"topic"}), "odomconv_decode_errors_total")
	if err != nil {
		return nil, err
	}

	gauges := []struct {
		dst  *prometheus.Gauge
		name string
		help string
	}{
		{&c.GateOpen, "odomconv_gate_open", "1 while the validity gate admits samples."},
		{&c.OriginLatched, "odomconv_origin_latched", "1 once the local origin has been latched."},
		{&c.FilterState, "odomconv_filter_state", "Latest navigation filter state received."},
	}
	for _, g := range gauges {
		*g.dst, err = registerGauge(reg, prometheus.NewGauge(prometheus.GaugeOpts{Name: g.name, Help: g.help}), g.name)
		if err != nil {
			return nil, err
		}
	}

	return c, nil
}

// Handler exposes a ready-to-use /metrics handler.
func (c *Collector) Handler() http.Handler {
	gatherer := prometheus.DefaultGatherer
	if c != nil && c.gatherer != nil {
		gatherer = c.gatherer
	}
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}

// The methods below satisfy pipeline.Recorder and tolerate a nil receiver.

func (c *Collector) PoseReceived() {
	if c == nil {
		return
	}
	c.PosesReceived.Inc()
}

func (c *Collector) PoseDropped() {
	if c == nil {
		return
	}
	c.PosesDropped.Inc()
}

func (c *Collector) PosePublished() {
	if c == nil {
		return
	}
	c.PosesPublished.Inc()
}

func (c *Collector) MarkerPublished() {
	if c == nil {
		return
	}
	c.MarkersSent.Inc()
}

func (c *Collector) StatusObserved(filterState int) {
	if c == nil {
		return
	}
	c.StatusReceived.Inc()
	c.FilterState.Set(float64(filterState))
}

func (c *Collector) GateChanged(open bool) {
	if c == nil {
		return
	}
	c.GateOpen.Set(boolToFloat(open))
}

func (c *Collector) OriginSet() {
	if c == nil {
		return
	}
	c.OriginLatched.Set(1)
}

func (c *Collector) PublishFailed(topic string) {
	if c == nil {
		return
	}
	c.PublishErrors.WithLabelValues(topic).Inc()
}

func (c *Collector) DecodeFailed(topic string) {
	if c == nil {
		return
	}
	c.DecodeErrors.WithLabelValues(topic).Inc()
}

func boolToFloat(v bool) float64 {
	if v {
		return 1
	}
	return 0
}

func registerCounter(reg prometheus.Registerer, ctr prometheus.Counter, name string) (prometheus.Counter, error) {
	if err := reg.Register(ctr); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(prometheus.Counter); ok {
				return existing, nil
			}
			return nil, fmt.Errorf("collector %s already registered with incompatible type", name)
		}
		return nil, err
	}
	return ctr, nil
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
