// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

package core

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/tuskeNetwork/tuskex-sub001/dex/trade"
)

// metrics are registered with a per-Core registry, so that several Cores can
// live in one process.
type metrics struct {
	registry     *prometheus.Registry
	balances     *prometheus.GaugeVec
	tradePhases  *prometheus.GaugeVec
	acks         *prometheus.CounterVec
	sendFaults   prometheus.Counter
	reserveTries *prometheus.CounterVec
	disputes     *prometheus.CounterVec
}

func newMetrics() *metrics {
	m := &metrics{
		registry: prometheus.NewRegistry(),
		balances: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "tuskex_balance_atoms",
				Help: "Wallet balance breakdown in atomic units.",
			},
			[]string{"kind"},
		),
		tradePhases: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "tuskex_trades",
				Help: "Active trades by phase.",
			},
			[]string{"phase"},
		),
		acks: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tuskex_acks_total",
				Help: "Acknowledgements received, by result.",
			},
			[]string{"result"},
		),
		sendFaults: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "tuskex_send_faults_total",
				Help: "Messages that could not be delivered or stored.",
			},
		),
		reserveTries: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tuskex_reserve_attempts_total",
				Help: "Reserve tx attempts, by result.",
			},
			[]string{"result"},
		),
		disputes: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tuskex_disputes_total",
				Help: "Disputes opened and closed, by kind and event.",
			},
			[]string{"kind", "event"},
		),
	}
	m.registry.MustRegister(m.balances, m.tradePhases, m.acks, m.sendFaults, m.reserveTries, m.disputes)
	return m
}

func (m *metrics) setBalances(bal *BalanceSnapshot) {
	m.balances.WithLabelValues("total").Set(float64(bal.Balance))
	m.balances.WithLabelValues("available").Set(float64(bal.Available))
	m.balances.WithLabelValues("pending").Set(float64(bal.Pending))
	m.balances.WithLabelValues("reserved_offer").Set(float64(bal.ReservedOffer))
	m.balances.WithLabelValues("reserved_trade").Set(float64(bal.ReservedTrade))
}

func (m *metrics) setTradePhases(counts map[trade.Phase]int) {
	for _, p := range trade.Phases {
		m.tradePhases.WithLabelValues(p.String()).Set(float64(counts[p]))
	}
}

// MetricsRegistry is the Core's prometheus registry.
func (c *Core) MetricsRegistry() *prometheus.Registry {
	return c.metrics.registry
}
