// Package metrics exposes the supervisor's health metrics over Prometheus.
//
// The core does not expose VPN traffic metrics (tunnel I/O is out of
// scope); it exposes what an ops team actually needs to
// watch the supervisor itself: listener counts, live worker count,
// accept/dispatch volume, and sec-mod liveness.
package metrics

import "github.com/prometheus/client_golang/prometheus"

const (
	namespace = "vpngwd"
	subsystem = "supervisor"
)

// Label names.
const (
	labelKind   = "kind"   // listener kind: tcp/udp/unix
	labelMode   = "mode"   // registry removal mode: graceful/kill/kill+quit
	labelResult = "result" // dispatch outcome
)

// Collector holds every supervisor-health Prometheus metric.
type Collector struct {
	// ListenersActive reports the number of bound listeners per kind.
	ListenersActive *prometheus.GaugeVec

	// WorkersActive reports the number of live worker processes
	// currently tracked by the registry.
	WorkersActive prometheus.Gauge

	// AcceptsTotal counts successful TCP/UNIX accepts.
	AcceptsTotal *prometheus.CounterVec
	// AcceptsRejectedTotal counts accepts rejected before fork (ceiling,
	// ban database). There is no TCP-wrappers check.
	AcceptsRejectedTotal *prometheus.CounterVec
	// SpawnFailuresTotal counts fork/exec failures in the spawner.
	SpawnFailuresTotal prometheus.Counter

	// UDPDispatchTotal counts UDP dispatch outcomes: hit, miss,
	// dedup_drop, sniff_reject, short_datagram, bad_version,
	// trusted_unix_drop, socket_error, handoff_error, bad_source.
	UDPDispatchTotal *prometheus.CounterVec

	// WorkerRemovalsTotal counts registry removals by mode.
	WorkerRemovalsTotal *prometheus.CounterVec

	// ReapsTotal counts children collected via waitpid, both by the
	// steady-state SIGCHLD reap loop and by the bounded reap loop during
	// termination.
	ReapsTotal prometheus.Counter
	// ForcedKillsTotal counts the times the bounded reap loop exhausts its
	// iterations and SIGKILLs each surviving child by PID.
	ForcedKillsTotal prometheus.Counter

	// SecModUp reports 1 while sec-mod is alive, 0 once its exit has
	// been observed.
	SecModUp prometheus.Gauge

	// ReloadsTotal counts completed SIGHUP-triggered configuration
	// reloads.
	ReloadsTotal prometheus.Counter
}

// NewCollector creates a Collector and registers all metrics against reg.
// If reg is nil, prometheus.DefaultRegisterer is used.
func NewCollector(reg prometheus.Registerer) *Collector {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	c := newMetrics()

	reg.MustRegister(
		c.ListenersActive,
		c.WorkersActive,
		c.AcceptsTotal,
		c.AcceptsRejectedTotal,
		c.SpawnFailuresTotal,
		c.UDPDispatchTotal,
		c.WorkerRemovalsTotal,
		c.ReapsTotal,
		c.ForcedKillsTotal,
		c.SecModUp,
		c.ReloadsTotal,
	)

	return c
}

func newMetrics() *Collector {
	return &Collector{
		ListenersActive: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "listeners_active",
			Help:      "Number of bound listeners, by kind.",
		}, []string{labelKind}),

		WorkersActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "workers_active",
			Help:      "Number of live worker processes tracked by the registry.",
		}),

		AcceptsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "accepts_total",
			Help:      "Total accepted TCP/UNIX connections, by listener kind.",
		}, []string{labelKind}),

		AcceptsRejectedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "accepts_rejected_total",
			Help:      "Total accepted connections closed before fork, by reason.",
		}, []string{labelResult}),

		SpawnFailuresTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "spawn_failures_total",
			Help:      "Total fork/exec failures in the spawner.",
		}),

		UDPDispatchTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "udp_dispatch_total",
			Help:      "Total UDP dispatch attempts, by outcome.",
		}, []string{labelResult}),

		WorkerRemovalsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "worker_removals_total",
			Help:      "Total registry removals, by mode.",
		}, []string{labelMode}),

		ReapsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "reaps_total",
			Help:      "Total children collected via waitpid.",
		}),

		ForcedKillsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "forced_kills_total",
			Help:      "Total times the bounded reap loop exhausted its iterations and SIGKILLed the surviving children.",
		}),

		SecModUp: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "sec_mod_up",
			Help:      "1 while sec-mod is alive, 0 once its exit has been observed.",
		}),

		ReloadsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "reloads_total",
			Help:      "Total completed SIGHUP-triggered configuration reloads.",
		}),
	}
}

// SetListeners sets the active-listener gauge for kind to n.
func (c *Collector) SetListeners(kind string, n int) {
	c.ListenersActive.WithLabelValues(kind).Set(float64(n))
}

// SetWorkers sets the active-worker gauge to n.
func (c *Collector) SetWorkers(n int) {
	c.WorkersActive.Set(float64(n))
}

// IncAccept increments the accepted-connections counter for kind.
func (c *Collector) IncAccept(kind string) {
	c.AcceptsTotal.WithLabelValues(kind).Inc()
}

// IncAcceptRejected increments the rejected-accept counter for reason.
func (c *Collector) IncAcceptRejected(reason string) {
	c.AcceptsRejectedTotal.WithLabelValues(reason).Inc()
}

// IncSpawnFailure increments the spawn-failure counter.
func (c *Collector) IncSpawnFailure() {
	c.SpawnFailuresTotal.Inc()
}

// IncUDPDispatch increments the UDP dispatch outcome counter.
func (c *Collector) IncUDPDispatch(outcome string) {
	c.UDPDispatchTotal.WithLabelValues(outcome).Inc()
}

// IncWorkerRemoval increments the worker-removal counter for mode.
func (c *Collector) IncWorkerRemoval(mode string) {
	c.WorkerRemovalsTotal.WithLabelValues(mode).Inc()
}

// IncReap increments the reap counter.
func (c *Collector) IncReap() {
	c.ReapsTotal.Inc()
}

// IncForcedKill increments the forced-kill counter.
func (c *Collector) IncForcedKill() {
	c.ForcedKillsTotal.Inc()
}

// SetSecModUp sets the sec-mod liveness gauge.
func (c *Collector) SetSecModUp(up bool) {
	if up {
		c.SecModUp.Set(1)
		return
	}
	c.SecModUp.Set(0)
}

// IncReload increments the completed-reload counter.
func (c *Collector) IncReload() {
	c.ReloadsTotal.Inc()
}
