package counters

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var connectionsGauge = promauto.NewGaugeVec(prometheus.GaugeOpts{
	Namespace: "server",
	Name:      "connections_active",
	Help:      "Number of active ws connections",
}, []string{"tenant"})

var activeTransactionsGauge = promauto.NewGaugeVec(prometheus.GaugeOpts{
	Namespace: "server",
	Name:      "transactions_active",
	Help:      "Number of active transactions",
}, []string{"tenant"})

var transactionCounter = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "ocpp",
	Name:      "transaction_count",
	Help:      "Total number of transactions.",
}, []string{"tenant", "charge_point_id"})

var powerCounter = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "ocpp",
	Name:      "consumed_total",
	Help:      "Consumed power in Wh.",
}, []string{"tenant", "charge_point_id"})

var anomalyCounter = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "ocpp",
	Name:      "repaired_anomaly_count",
	Help:      "Total number of repaired request anomalies.",
}, []string{"tenant", "charge_point_id", "kind"})

var lockCounter = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "locks",
	Name:      "acquire_count",
	Help:      "Total number of lock acquisition attempts.",
}, []string{"entity_type", "result"})

var migrationGauge = promauto.NewGaugeVec(prometheus.GaugeOpts{
	Namespace: "migrations",
	Name:      "executed_total",
	Help:      "Number of executed migration tasks.",
}, []string{"result"})

func ObserveConnections(tenant string, count int) {
	if len(tenant) == 0 {
		return
	}
	connectionsGauge.With(prometheus.Labels{"tenant": tenant}).Set(float64(count))
}

func ObserveTransactions(tenant string, count int) {
	if len(tenant) == 0 {
		return
	}
	activeTransactionsGauge.With(prometheus.Labels{"tenant": tenant}).Set(float64(count))
}

func CountTransaction(tenant, chargePointId string) {
	if len(tenant) == 0 || len(chargePointId) == 0 {
		return
	}
	transactionCounter.With(
		prometheus.Labels{
			"tenant":          tenant,
			"charge_point_id": chargePointId,
		}).Inc()
}

func CountConsumedPower(tenant, chargePointId string, power float64) {
	if len(tenant) == 0 || len(chargePointId) == 0 || power <= 0 {
		return
	}
	powerCounter.With(
		prometheus.Labels{
			"tenant":          tenant,
			"charge_point_id": chargePointId,
		}).Add(power)
}

func CountRepairedAnomaly(tenant, chargePointId, kind string) {
	if len(tenant) == 0 || len(chargePointId) == 0 || len(kind) == 0 {
		return
	}
	anomalyCounter.With(
		prometheus.Labels{
			"tenant":          tenant,
			"charge_point_id": chargePointId,
			"kind":            kind,
		}).Inc()
}

func CountLockAttempt(entityType string, acquired bool) {
	result := "acquired"
	if !acquired {
		result = "held"
	}
	lockCounter.With(prometheus.Labels{"entity_type": entityType, "result": result}).Inc()
}

func CountMigration(success bool) {
	result := "done"
	if !success {
		result = "failed"
	}
	migrationGauge.With(prometheus.Labels{"result": result}).Inc()
}
