package metrics

import (
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// VaultMetrics tracks engine operations, liquidations and rollback
// compensation.
type VaultMetrics struct {
	operations    *prometheus.CounterVec
	latency       *prometheus.HistogramVec
	liquidations  *prometheus.CounterVec
	healthFactor  *prometheus.GaugeVec
	compensations *prometheus.CounterVec
}

var (
	vaultOnce     sync.Once
	vaultRegistry *VaultMetrics
)

var oneEther = new(big.Float).SetInt(new(big.Int).Exp(big.NewInt(10), big.NewInt(18), nil))

// Vault returns the process-wide vault metrics registered with the default
// prometheus registerer.
func Vault() *VaultMetrics {
	vaultOnce.Do(func() {
		vaultRegistry = NewVault(prometheus.DefaultRegisterer)
	})
	return vaultRegistry
}

// NewVault builds a metrics set registered with reg. Tests pass a fresh
// prometheus.Registry to avoid duplicate registration.
func NewVault(reg prometheus.Registerer) *VaultMetrics {
	m := &VaultMetrics{
		operations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "vault",
			Name:      "operations_total",
			Help:      "Count of engine operations segmented by operation and outcome.",
		}, []string{"operation", "outcome"}),
		latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "vault",
			Name:      "operation_duration_seconds",
			Help:      "Latency distribution for engine operations including collaborator calls.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"operation"}),
		liquidations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "vault",
			Name:      "liquidations_total",
			Help:      "Count of successful liquidations by collateral asset.",
		}, []string{"asset"}),
		healthFactor: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "vault",
			Name:      "liquidation_health_factor",
			Help:      "Health factor of the most recently liquidated account before and after liquidation.",
		}, []string{"asset", "stage"}),
		compensations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "vault",
			Name:      "compensations_total",
			Help:      "Collaborator calls unwound during rollback segmented by call and result.",
		}, []string{"call", "result"}),
	}
	if reg != nil {
		reg.MustRegister(
			m.operations,
			m.latency,
			m.liquidations,
			m.healthFactor,
			m.compensations,
		)
	}
	return m
}

func (m *VaultMetrics) ObserveOperation(operation, outcome string, duration time.Duration) {
	if m == nil {
		return
	}
	operation = label(operation)
	m.operations.WithLabelValues(operation, label(outcome)).Inc()
	m.latency.WithLabelValues(operation).Observe(duration.Seconds())
}

// ObserveLiquidation records a liquidation and the bracketing health factors
// scaled down from 18 decimals.
func (m *VaultMetrics) ObserveLiquidation(asset string, start, end *big.Int) {
	if m == nil {
		return
	}
	asset = label(asset)
	m.liquidations.WithLabelValues(asset).Inc()
	m.healthFactor.WithLabelValues(asset, "start").Set(scaled(start))
	m.healthFactor.WithLabelValues(asset, "end").Set(scaled(end))
}

func (m *VaultMetrics) ObserveCompensation(call, result string) {
	if m == nil {
		return
	}
	m.compensations.WithLabelValues(label(call), label(result)).Inc()
}

func label(v string) string {
	if v = strings.TrimSpace(v); v == "" {
		return "unknown"
	}
	return v
}

func scaled(v *big.Int) float64 {
	if v == nil {
		return 0
	}
	f, _ := new(big.Float).Quo(new(big.Float).SetInt(v), oneEther).Float64()
	return f
}
