package metrics

import (
	"context"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/rickgao/sessionlink/internal/connection"
	"github.com/rickgao/sessionlink/internal/queue"
)

const namespace = "sessionlink"

var allStates = []connection.State{
	connection.StateClosed,
	connection.StateConnecting,
	connection.StateOpen,
	connection.StateClosing,
	connection.StateReconnecting,
	connection.StateFailed,
	connection.StateManualRetryRequired,
}

// Source is the session the collector reads on every scrape.
type Source interface {
	Info() connection.ConnectionInfo
	Stats() connection.ConnectionStats
	QueueStats() queue.QueueStats
}

// Collector exposes session snapshots as Prometheus metrics.
type Collector struct {
	src Source

	state          *prometheus.Desc
	connected      *prometheus.Desc
	authenticated  *prometheus.Desc
	attempts       *prometheus.Desc
	series         *prometheus.Desc
	reconnects     *prometheus.Desc
	sent           *prometheus.Desc
	received       *prometheus.Desc
	latency        *prometheus.Desc
	queueLength    *prometheus.Desc
	queueCapacity  *prometheus.Desc
	queueEnqueued  *prometheus.Desc
	queueEvicted   *prometheus.Desc
	queueDropped   *prometheus.Desc
	nextRetryDelay *prometheus.Desc
}

// NewCollector creates a Collector reading from src.
func NewCollector(src Source) *Collector {
	desc := func(subsystem, name, help string, labels ...string) *prometheus.Desc {
		return prometheus.NewDesc(prometheus.BuildFQName(namespace, subsystem, name), help, labels, nil)
	}
	return &Collector{
		src:            src,
		state:          desc("connection", "state", "1 for the current connection state.", "state"),
		connected:      desc("connection", "connected", "Whether the transport is open."),
		authenticated:  desc("connection", "authenticated", "Whether the current connection is authenticated."),
		attempts:       desc("reconnect", "attempts", "Reconnect attempts in the current series."),
		series:         desc("reconnect", "series_total", "Reconnect series started."),
		reconnects:     desc("reconnect", "successes_total", "Successful reconnects."),
		nextRetryDelay: desc("reconnect", "next_delay_seconds", "Delay of the pending reconnect, 0 if none."),
		sent:           desc("messages", "sent_total", "Frames transmitted."),
		received:       desc("messages", "received_total", "Frames received and decoded."),
		latency:        desc("heartbeat", "latency_seconds", "Last measured heartbeat round trip."),
		queueLength:    desc("queue", "length", "Messages waiting in the outbound queue."),
		queueCapacity:  desc("queue", "capacity", "Outbound queue capacity."),
		queueEnqueued:  desc("queue", "enqueued_total", "Messages accepted into the outbound queue."),
		queueEvicted:   desc("queue", "evicted_total", "Queued messages evicted on overflow."),
		queueDropped:   desc("queue", "dropped_total", "Messages dropped on overflow or failed requeue."),
	}
}

// Describe implements prometheus.Collector.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	for _, d := range []*prometheus.Desc{
		c.state, c.connected, c.authenticated, c.attempts, c.series, c.reconnects,
		c.nextRetryDelay, c.sent, c.received, c.latency, c.queueLength, c.queueCapacity,
		c.queueEnqueued, c.queueEvicted, c.queueDropped,
	} {
		ch <- d
	}
}

// Collect implements prometheus.Collector.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	info := c.src.Info()
	stats := c.src.Stats()
	qs := c.src.QueueStats()

	for _, s := range allStates {
		ch <- prometheus.MustNewConstMetric(c.state, prometheus.GaugeValue, boolFloat(info.State == s), s.String())
	}
	ch <- prometheus.MustNewConstMetric(c.connected, prometheus.GaugeValue, boolFloat(stats.Connected))
	ch <- prometheus.MustNewConstMetric(c.authenticated, prometheus.GaugeValue, boolFloat(info.Authenticated))
	ch <- prometheus.MustNewConstMetric(c.attempts, prometheus.GaugeValue, float64(info.Attempts))
	ch <- prometheus.MustNewConstMetric(c.series, prometheus.CounterValue, float64(info.SeriesCount))
	ch <- prometheus.MustNewConstMetric(c.reconnects, prometheus.CounterValue, float64(stats.ReconnectCount))
	ch <- prometheus.MustNewConstMetric(c.nextRetryDelay, prometheus.GaugeValue, info.NextRetryDelay.Seconds())
	ch <- prometheus.MustNewConstMetric(c.sent, prometheus.CounterValue, float64(stats.MessagesSent))
	ch <- prometheus.MustNewConstMetric(c.received, prometheus.CounterValue, float64(stats.MessagesReceived))
	ch <- prometheus.MustNewConstMetric(c.latency, prometheus.GaugeValue, stats.Latency.Seconds())
	ch <- prometheus.MustNewConstMetric(c.queueLength, prometheus.GaugeValue, float64(qs.Count))
	ch <- prometheus.MustNewConstMetric(c.queueCapacity, prometheus.GaugeValue, float64(qs.Capacity))
	ch <- prometheus.MustNewConstMetric(c.queueEnqueued, prometheus.CounterValue, float64(qs.TotalEnqueued))
	ch <- prometheus.MustNewConstMetric(c.queueEvicted, prometheus.CounterValue, float64(qs.TotalEvicted))
	ch <- prometheus.MustNewConstMetric(c.queueDropped, prometheus.CounterValue, float64(qs.TotalDropped))
}

// Transitions counts state changes by edge.
type Transitions struct {
	counter *prometheus.CounterVec
}

// NewTransitions creates the state transition counter.
func NewTransitions() *Transitions {
	return &Transitions{
		counter: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "connection",
				Name:      "transitions_total",
				Help:      "Connection state transitions.",
			},
			[]string{"from", "to"},
		),
	}
}

// Observe records one transition.
func (t *Transitions) Observe(sc connection.StateChange) {
	t.counter.WithLabelValues(sc.From.String(), sc.To.String()).Inc()
}

// Watch records transitions from ch until it closes or ctx ends.
func (t *Transitions) Watch(ctx context.Context, ch <-chan connection.StateChange) {
	for {
		select {
		case <-ctx.Done():
			return
		case sc, ok := <-ch:
			if !ok {
				return
			}
			t.Observe(sc)
		}
	}
}

// NewRegistry creates a registry with the session collector, the transition
// counter and the Go runtime collectors.
func NewRegistry(src Source, transitions *Transitions) *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		NewCollector(src),
		transitions.counter,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return reg
}

// Handler serves reg in the Prometheus exposition format.
func Handler(reg *prometheus.Registry) http.Handler {
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	})
}

func boolFloat(b bool) float64 {
	if b {
		return 1
	}
	return 0
}
