package observability

import (
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// NodeCollector bundles Prometheus metrics for the node manager of every
// rank hosted by this OS process.
type NodeCollector struct {
	gatherer prometheus.Gatherer

	NetworkSize   *prometheus.GaugeVec
	LocalNodes    *prometheus.GaugeVec
	ActiveNodes   *prometheus.GaugeVec
	ViewRebuilds  *prometheus.CounterVec
	PassDurations *prometheus.HistogramVec
	PassFailures  *prometheus.CounterVec
}

// NewNodeCollector registers node metrics against the provided registerer,
// defaulting to the global Prometheus registry when nil.
func NewNodeCollector(reg prometheus.Registerer) (*NodeCollector, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	gatherer := prometheus.DefaultGatherer
	if g, ok := reg.(prometheus.Gatherer); ok {
		gatherer = g
	}

	networkSize, err := registerGaugeVec(reg, prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "nodekernel_network_size",
		Help: "Largest GID allocated anywhere in the distributed system.",
	}, []string{"rank"}), "nodekernel_network_size")
	if err != nil {
		return nil, err
	}
	localNodes, err := registerGaugeVec(reg, prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "nodekernel_local_nodes",
		Help: "Number of node registry entries materialised on this rank.",
	}, []string{"rank"}), "nodekernel_local_nodes")
	if err != nil {
		return nil, err
	}
	activeNodes, err := registerGaugeVec(reg, prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "nodekernel_active_nodes",
		Help: "Non-frozen nodes counted by the last prepare pass.",
	}, []string{"rank"}), "nodekernel_active_nodes")
	if err != nil {
		return nil, err
	}
	rebuilds, err := registerCounterVec(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "nodekernel_view_rebuilds_total",
		Help: "Number of thread-local view rebuilds.",
	}, []string{"rank"}), "nodekernel_view_rebuilds_total")
	if err != nil {
		return nil, err
	}
	durations, err := registerHistogramVec(reg, prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "nodekernel_pass_duration_seconds",
		Help:    "Duration of lifecycle passes over the thread-local views.",
		Buckets: []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
	}, []string{"rank", "pass"}), "nodekernel_pass_duration_seconds")
	if err != nil {
		return nil, err
	}
	failures, err := registerCounterVec(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "nodekernel_pass_failures_total",
		Help: "Lifecycle passes that returned a worker failure.",
	}, []string{"rank", "pass"}), "nodekernel_pass_failures_total")
	if err != nil {
		return nil, err
	}

	return &NodeCollector{
		gatherer:      gatherer,
		NetworkSize:   networkSize,
		LocalNodes:    localNodes,
		ActiveNodes:   activeNodes,
		ViewRebuilds:  rebuilds,
		PassDurations: durations,
		PassFailures:  failures,
	}, nil
}

// Handler exposes a ready-to-use /metrics handler.
func (c *NodeCollector) Handler() http.Handler {
	gatherer := c.gatherer
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}

// ForRank returns a recorder that labels every sample with rank.
func (c *NodeCollector) ForRank(rank int) *RankRecorder {
	return &RankRecorder{c: c, rank: strconv.Itoa(rank)}
}

// RankRecorder satisfies the node manager's MetricsRecorder interface.
type RankRecorder struct {
	c    *NodeCollector
	rank string
}

// SetNodeCounts records the network size and the local entry count.
func (r *RankRecorder) SetNodeCounts(networkSize uint64, local int) {
	if r == nil || r.c == nil {
		return
	}
	r.c.NetworkSize.WithLabelValues(r.rank).Set(float64(networkSize))
	r.c.LocalNodes.WithLabelValues(r.rank).Set(float64(local))
}

// SetActiveNodes records the active node count of the last prepare pass.
func (r *RankRecorder) SetActiveNodes(n int) {
	if r == nil || r.c == nil {
		return
	}
	r.c.ActiveNodes.WithLabelValues(r.rank).Set(float64(n))
}

// IncViewRebuilds counts one thread-local view rebuild.
func (r *RankRecorder) IncViewRebuilds() {
	if r == nil || r.c == nil {
		return
	}
	r.c.ViewRebuilds.WithLabelValues(r.rank).Inc()
}

// ObservePass records the duration of a lifecycle pass and whether it
// failed.
func (r *RankRecorder) ObservePass(pass string, d time.Duration, failed bool) {
	if r == nil || r.c == nil {
		return
	}
	r.c.PassDurations.WithLabelValues(r.rank, pass).Observe(d.Seconds())
	if failed {
		r.c.PassFailures.WithLabelValues(r.rank, pass).Inc()
	}
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

func registerHistogramVec(reg prometheus.Registerer, vec *prometheus.HistogramVec, name string) (*prometheus.HistogramVec, error) {
	if err := reg.Register(vec); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(*prometheus.HistogramVec); ok {
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
