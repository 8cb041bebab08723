package stats

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"
)

const namespace = "tdexp"

// Snapshot is a point-in-time view of the node used to refresh the gauges.
type Snapshot struct {
	ConnectedPeers  int
	ReportedPeers   int
	PersistedPeers  int
	MailboxPending  int
	TradesByState   map[string]int
	PendingRequests int
}

// SnapshotFunc collects a new Snapshot of the node.
type SnapshotFunc func(ctx context.Context) (Snapshot, error)

// Metrics holds the prometheus collectors exported by the daemon.
type Metrics struct {
	registry *prometheus.Registry

	connectedPeers  prometheus.Gauge
	reportedPeers   prometheus.Gauge
	persistedPeers  prometheus.Gauge
	mailboxPending  prometheus.Gauge
	pendingRequests prometheus.Gauge
	tradesByState   *prometheus.GaugeVec
	messages        *prometheus.CounterVec
}

// NewMetrics creates and registers the collectors in a dedicated registry,
// together with the go runtime and process ones.
func NewMetrics() (*Metrics, error) {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		connectedPeers: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "connected_peers",
			Help:      "Number of peers with an open connection.",
		}),
		reportedPeers: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "reported_peers",
			Help:      "Number of peers learnt through peer exchange.",
		}),
		persistedPeers: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "persisted_peers",
			Help:      "Number of peers stored for a warm restart.",
		}),
		mailboxPending: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "mailbox_pending",
			Help:      "Number of mailbox messages waiting for an ack.",
		}),
		pendingRequests: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "peer_exchange_pending",
			Help:      "Number of outstanding peer exchange requests.",
		}),
		tradesByState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "trades_by_state",
			Help:      "Number of active trades by process state.",
		}, []string{"state"}),
		messages: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_total",
			Help:      "Number of network envelopes received by type.",
		}, []string{"type"}),
	}

	collectors := []prometheus.Collector{
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.connectedPeers,
		m.reportedPeers,
		m.persistedPeers,
		m.mailboxPending,
		m.pendingRequests,
		m.tradesByState,
		m.messages,
	}
	for _, c := range collectors {
		if err := m.registry.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}

// Gatherer returns the registry of the collectors.
func (m *Metrics) Gatherer() prometheus.Gatherer {
	return m.registry
}

// Handler exposes the metrics in the prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// IncMessages counts a received envelope of the given type.
func (m *Metrics) IncMessages(msgType string) {
	m.messages.WithLabelValues(msgType).Inc()
}

// Update sets the gauges to the values of the snapshot.
func (m *Metrics) Update(s Snapshot) {
	m.connectedPeers.Set(float64(s.ConnectedPeers))
	m.reportedPeers.Set(float64(s.ReportedPeers))
	m.persistedPeers.Set(float64(s.PersistedPeers))
	m.mailboxPending.Set(float64(s.MailboxPending))
	m.pendingRequests.Set(float64(s.PendingRequests))

	m.tradesByState.Reset()
	for state, count := range s.TradesByState {
		m.tradesByState.WithLabelValues(state).Set(float64(count))
	}
}

// Run refreshes the gauges every interval until the context is done.
func (m *Metrics) Run(
	ctx context.Context, interval time.Duration, snapshot SnapshotFunc,
) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s, err := snapshot(ctx)
			if err != nil {
				log.WithError(err).Warn("failed to collect node snapshot")
				continue
			}
			m.Update(s)
		}
	}
}

// Serve exposes the metrics on the given address until the context is done.
func (m *Metrics) Serve(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())
	server := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		server.Shutdown(shutdownCtx)
	}()

	log.Infof("metrics exposed on %s/metrics", addr)
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
