// Package stats exports the node's operational counters as Prometheus
// gauges: peers online, health score, bridge row counts, datagram loop
// statistics. Grounded on the teacher's ptp/sptp/stats/prom_exporter.go
// (own registry, periodic scrape, promhttp handler) with a typed gauge set
// instead of a dynamic counter map, since the metric set here is closed.
package stats

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"

	"github.com/relaymesh/nodelink/autocomm"
	"github.com/relaymesh/nodelink/bridge"
	"github.com/relaymesh/nodelink/datagram"
	"github.com/relaymesh/nodelink/peer"
)

// DefaultScrapeInterval is how often the exporter refreshes its gauges from
// the live components.
const DefaultScrapeInterval = 10 * time.Second

// Source holds the components the exporter samples. Bridge and Manager may
// be nil (a Slave runs neither the bridge nor, in tests, the manager).
type Source struct {
	Peers   *peer.Table
	Task    *datagram.Task
	Bridge  *bridge.Bridge
	Manager *autocomm.Manager
}

// Exporter periodically samples a Source into Prometheus gauges and serves
// them on /metrics.
type Exporter struct {
	registry   *prometheus.Registry
	listenPort int
	interval   time.Duration
	src        Source

	peersKnown    prometheus.Gauge
	peersOnline   prometheus.Gauge
	healthScore   prometheus.Gauge
	commState     prometheus.Gauge
	recoveryTries prometheus.Gauge
	recoveryOK    prometheus.Gauge
	rxInvalid     prometheus.Gauge
	rxDropped     prometheus.Gauge
	txFailed      prometheus.Gauge
	bridgeCounts  *prometheus.GaugeVec
	bridgeStandby prometheus.Gauge
}

// NewExporter constructs an Exporter listening on listenPort, sampling src
// every interval.
func NewExporter(listenPort int, interval time.Duration, src Source) *Exporter {
	e := &Exporter{
		registry:   prometheus.NewRegistry(),
		listenPort: listenPort,
		interval:   interval,
		src:        src,
		peersKnown: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "nodelink_peers_known", Help: "Peers currently in the table, online or not"}),
		peersOnline: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "nodelink_peers_online", Help: "Peers currently marked online"}),
		healthScore: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "nodelink_health_score", Help: "Last computed fleet health score (0..100)"}),
		commState: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "nodelink_comm_state", Help: "AutoComm state machine state (numeric)"}),
		recoveryTries: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "nodelink_recovery_attempts_total", Help: "Recovery attempts since start"}),
		recoveryOK: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "nodelink_recovery_successes_total", Help: "Successful recoveries since start"}),
		rxInvalid: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "nodelink_rx_invalid_total", Help: "Frames dropped for decode/staleness errors"}),
		rxDropped: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "nodelink_rx_dropped_total", Help: "Frames dropped on receive-queue overflow"}),
		txFailed: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "nodelink_tx_failed_total", Help: "Frames the transport refused to send"}),
		bridgeCounts: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "nodelink_bridge_rows", Help: "Command bridge row counts by outcome"},
			[]string{"outcome"}),
		bridgeStandby: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "nodelink_bridge_standby", Help: "1 when the bridge is in cloud-failure standby"}),
	}
	e.registry.MustRegister(
		e.peersKnown, e.peersOnline, e.healthScore, e.commState,
		e.recoveryTries, e.recoveryOK,
		e.rxInvalid, e.rxDropped, e.txFailed,
		e.bridgeCounts, e.bridgeStandby,
	)
	return e
}

// Scrape refreshes every gauge from the Source once.
func (e *Exporter) Scrape() {
	if e.src.Peers != nil {
		e.peersKnown.Set(float64(e.src.Peers.Count()))
		e.peersOnline.Set(float64(e.src.Peers.OnlineCount()))
	}
	if e.src.Task != nil {
		c := e.src.Task.Counters()
		e.rxInvalid.Set(float64(c.RxInvalid))
		e.rxDropped.Set(float64(c.RxDropped))
		e.txFailed.Set(float64(c.TxFailed))
	}
	if e.src.Manager != nil {
		c := e.src.Manager.Counters()
		e.healthScore.Set(c.HealthScore)
		e.recoveryTries.Set(float64(c.RecoveryAttempts))
		e.recoveryOK.Set(float64(c.SuccessfulRecoveries))
		e.commState.Set(float64(e.src.Manager.State()))
	}
	if e.src.Bridge != nil {
		c := e.src.Bridge.Counters()
		e.bridgeCounts.WithLabelValues("processed").Set(float64(c.Processed))
		e.bridgeCounts.WithLabelValues("sent").Set(float64(c.Sent))
		e.bridgeCounts.WithLabelValues("completed").Set(float64(c.Completed))
		e.bridgeCounts.WithLabelValues("failed").Set(float64(c.Failed))
		if c.Standby {
			e.bridgeStandby.Set(1)
		} else {
			e.bridgeStandby.Set(0)
		}
	}
}

// Handler returns the /metrics handler backed by the exporter's registry.
func (e *Exporter) Handler() http.Handler {
	return promhttp.HandlerFor(e.registry, promhttp.HandlerOpts{EnableOpenMetrics: true})
}

// Run serves /metrics and refreshes the gauges until ctx is cancelled.
func (e *Exporter) Run(ctx context.Context) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", e.Handler())
	srv := &http.Server{Addr: fmt.Sprintf(":%d", e.listenPort), Handler: mux}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()
	go func() {
		ticker := time.NewTicker(e.interval)
		defer ticker.Stop()
		e.Scrape()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				e.Scrape()
			}
		}
	}()

	log.Infof("stats: serving metrics on :%d", e.listenPort)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return ctx.Err()
}
