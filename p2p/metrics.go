package p2p

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

var (
	metricsInitOnce sync.Once
	sharedMetrics   *networkMetrics
)

type networkMetrics struct {
	peerCount   prometheus.Gauge
	peerLatency *prometheus.GaugeVec
	handshake   *prometheus.CounterVec
	gossip      *prometheus.CounterVec
	evictions   prometheus.Counter

	meter            metric.Meter
	handshakeCounter metric.Int64Counter
	gossipCounter    metric.Int64Counter
	latencyHistogram metric.Float64Histogram
}

func newNetworkMetrics() *networkMetrics {
	metricsInitOnce.Do(func() {
		nm := &networkMetrics{
			peerCount: prometheus.NewGauge(prometheus.GaugeOpts{
				Name: "vision_p2p_live_peers",
				Help: "Number of currently connected mesh peers.",
			}),
			peerLatency: prometheus.NewGaugeVec(prometheus.GaugeOpts{
				Name: "vision_p2p_peer_latency_ms",
				Help: "Probe round-trip exponential moving average per peer.",
			}, []string{"peer"}),
			handshake: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "vision_p2p_handshakes_total",
				Help: "Total handshake outcomes.",
			}, []string{"result"}),
			gossip: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "vision_p2p_gossip_messages_total",
				Help: "Count of mesh messages by direction and type.",
			}, []string{"direction", "type"}),
			evictions: prometheus.NewCounter(prometheus.CounterOpts{
				Name: "vision_p2p_evictions_total",
				Help: "Connections evicted to stay within the peer bound.",
			}),
		}
		for _, c := range []prometheus.Collector{nm.peerCount, nm.peerLatency, nm.handshake, nm.gossip, nm.evictions} {
			// Re-registration happens in tests that build multiple servers.
			_ = prometheus.Register(c)
		}

		// The global provider is a noop unless the operator installs an SDK.
		meter := otel.GetMeterProvider().Meter("visionnode/p2p")
		nm.meter = meter
		if counter, err := meter.Int64Counter("p2p.handshakes"); err == nil {
			nm.handshakeCounter = counter
		}
		if counter, err := meter.Int64Counter("p2p.gossip.messages"); err == nil {
			nm.gossipCounter = counter
		}
		if hist, err := meter.Float64Histogram("p2p.peer.latency_ms"); err == nil {
			nm.latencyHistogram = hist
		}
		sharedMetrics = nm
	})
	return sharedMetrics
}

func (nm *networkMetrics) setPeerCount(n int) {
	if nm == nil {
		return
	}
	nm.peerCount.Set(float64(n))
}

func (nm *networkMetrics) recordHandshake(result string) {
	if nm == nil {
		return
	}
	nm.handshake.WithLabelValues(result).Inc()
	if nm.handshakeCounter != nil {
		nm.handshakeCounter.Add(context.Background(), 1,
			metric.WithAttributes(attribute.String("result", result)))
	}
}

func (nm *networkMetrics) recordGossip(direction string, msgType byte) {
	if nm == nil {
		return
	}
	label := fmt.Sprintf("0x%02x", msgType)
	nm.gossip.WithLabelValues(direction, label).Inc()
	if nm.gossipCounter != nil {
		nm.gossipCounter.Add(context.Background(), 1,
			metric.WithAttributes(
				attribute.String("direction", direction),
				attribute.String("type", label)))
	}
}

func (nm *networkMetrics) observeLatency(peer string, rtt time.Duration) {
	if nm == nil {
		return
	}
	ms := float64(rtt) / float64(time.Millisecond)
	nm.peerLatency.WithLabelValues(peer).Set(ms)
	if nm.latencyHistogram != nil {
		nm.latencyHistogram.Record(context.Background(), ms)
	}
}

func (nm *networkMetrics) recordEviction() {
	if nm == nil {
		return
	}
	nm.evictions.Inc()
}
