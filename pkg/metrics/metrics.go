// Package metrics exposes Prometheus collectors for securityd's core
// object graph and lifecycle engine.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Session / process metrics
	SessionsTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "securityd_sessions_total",
			Help: "Total number of live sessions by kind (root, dynamic)",
		},
		[]string{"kind"},
	)

	ProcessesTotal = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "securityd_processes_total",
			Help: "Total number of live client processes",
		},
	)

	// Authorization token metrics
	TokensIssuedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "securityd_tokens_issued_total",
			Help: "Total number of authorization tokens issued",
		},
	)

	TokensDestroyedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "securityd_tokens_destroyed_total",
			Help: "Total number of authorization tokens destroyed",
		},
	)

	// Keychain metrics
	DatabasesUnlockedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "securityd_databases_unlocked_total",
			Help: "Total number of successful keychain unlock operations",
		},
	)

	UnlockFailuresTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "securityd_unlock_failures_total",
			Help: "Total number of failed passphrase unlock attempts",
		},
	)

	LockTimeoutsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "securityd_lock_timeouts_total",
			Help: "Total number of keychains auto-locked by their idle timer",
		},
	)

	// Smartcard metrics
	ReadersAttached = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "securityd_readers_attached",
			Help: "Number of smartcard readers currently attached",
		},
	)

	HelperLaunchesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "securityd_smartcard_helper_launches_total",
			Help: "Total number of times the smartcard helper daemon was launched",
		},
	)

	HelperIdleKillsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "securityd_smartcard_helper_idle_kills_total",
			Help: "Total number of times the smartcard helper daemon was killed for being idle",
		},
	)

	HelperCrashesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "securityd_smartcard_helper_crashes_total",
			Help: "Total number of times the smartcard helper daemon died unexpectedly",
		},
	)
)

func init() {
	prometheus.MustRegister(
		SessionsTotal,
		ProcessesTotal,
		TokensIssuedTotal,
		TokensDestroyedTotal,
		DatabasesUnlockedTotal,
		UnlockFailuresTotal,
		LockTimeoutsTotal,
		ReadersAttached,
		HelperLaunchesTotal,
		HelperIdleKillsTotal,
		HelperCrashesTotal,
	)
}

// Handler returns the Prometheus scrape handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
