package node

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics are registered on a per-node registry so several sandboxes can
// live in one test binary.
type Metrics struct {
	Registry *prometheus.Registry

	transactions *prometheus.CounterVec
	blockHeight  prometheus.Gauge
	viewCalls    prometheus.Counter
	gasBurnt     prometheus.Counter
	patches      prometheus.Counter
	accounts     prometheus.Gauge
}

func newMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)
	return &Metrics{
		Registry: reg,
		transactions: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sandbox_transactions_total",
				Help: "Transactions executed by final status",
			},
			[]string{"status"},
		),
		blockHeight: factory.NewGauge(prometheus.GaugeOpts{
			Name: "sandbox_block_height",
			Help: "Height of the latest block",
		}),
		viewCalls: factory.NewCounter(prometheus.CounterOpts{
			Name: "sandbox_view_calls_total",
			Help: "Read-only contract calls served",
		}),
		gasBurnt: factory.NewCounter(prometheus.CounterOpts{
			Name: "sandbox_gas_burnt_total",
			Help: "Gas burnt by all transactions",
		}),
		patches: factory.NewCounter(prometheus.CounterOpts{
			Name: "sandbox_state_patches_total",
			Help: "State patches applied",
		}),
		accounts: factory.NewGauge(prometheus.GaugeOpts{
			Name: "sandbox_accounts",
			Help: "Named accounts in the registry",
		}),
	}
}
