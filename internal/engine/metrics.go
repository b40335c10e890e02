package engine

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// ============================================================
// Prometheus метрики ядра
// ============================================================
//
// Использование:
// - Grafana дашборды для визуализации
// - Alertmanager для алертов (margin ratio, orphaned orders)

// ============ Метрики ордеров ============

// OrdersSubmitted - отправленные на биржу ордера
var OrdersSubmitted = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "futuresbot",
		Subsystem: "orders",
		Name:      "submitted_total",
		Help:      "Orders submitted to the exchange",
	},
	[]string{"symbol", "side", "type"},
)

// OrdersRejected - отклонённые ордера с классом причины
var OrdersRejected = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "futuresbot",
		Subsystem: "orders",
		Name:      "rejected_total",
		Help:      "Orders rejected locally or by the exchange",
	},
	[]string{"symbol", "reason"},
)

// OrdersTerminal - ордера, достигшие терминального статуса
var OrdersTerminal = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "futuresbot",
		Subsystem: "orders",
		Name:      "terminal_total",
		Help:      "Orders that reached a terminal status",
	},
	[]string{"symbol", "status"},
)

// FillsApplied - применённые события исполнения
var FillsApplied = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "futuresbot",
		Subsystem: "orders",
		Name:      "fills_total",
		Help:      "Fill events applied to the ledger",
	},
	[]string{"symbol"},
)

// ============ Метрики цикла событий ============

// EventsProcessed - события, прошедшие через цикл
var EventsProcessed = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "futuresbot",
		Subsystem: "engine",
		Name:      "events_total",
		Help:      "Events processed by the engine loop",
	},
	[]string{"type"},
)

// StaleEventsDropped - отброшенные повторы (дедупликация по seq)
var StaleEventsDropped = promauto.NewCounter(
	prometheus.CounterOpts{
		Namespace: "futuresbot",
		Subsystem: "engine",
		Name:      "stale_events_total",
		Help:      "Duplicate or stale events dropped by sequence check",
	},
)

// EventProcessingLatency - время обработки одного события
var EventProcessingLatency = promauto.NewHistogram(
	prometheus.HistogramOpts{
		Namespace: "futuresbot",
		Subsystem: "engine",
		Name:      "event_latency_ms",
		Help:      "Time to process a single event in milliseconds",
		Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 25},
	},
)

// ============ Метрики выверки ============

// Reconciliations - выполненные выверки состояния с биржей
var Reconciliations = promauto.NewCounter(
	prometheus.CounterOpts{
		Namespace: "futuresbot",
		Subsystem: "engine",
		Name:      "reconciliations_total",
		Help:      "State reconciliations against the exchange snapshot",
	},
)

// ReconcileDiscrepancies - найденные расхождения по видам
var ReconcileDiscrepancies = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "futuresbot",
		Subsystem: "engine",
		Name:      "reconcile_discrepancies_total",
		Help:      "Discrepancies found during reconciliation",
	},
	[]string{"kind"},
)

// ============ Метрики риск-контроля ============

// RiskRejections - отказы pre-trade проверки
var RiskRejections = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "futuresbot",
		Subsystem: "risk",
		Name:      "rejections_total",
		Help:      "Intents rejected by pre-trade checks",
	},
	[]string{"symbol"},
)

// ForceActions - принудительные закрытия позиций
var ForceActions = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "futuresbot",
		Subsystem: "risk",
		Name:      "force_actions_total",
		Help:      "Forced position closes issued by the risk guard",
	},
	[]string{"symbol", "reason"},
)

// MarginRatio - текущая доля свободной маржи
var MarginRatio = promauto.NewGauge(
	prometheus.GaugeOpts{
		Namespace: "futuresbot",
		Subsystem: "risk",
		Name:      "margin_ratio",
		Help:      "Available margin as a fraction of wallet balance",
	},
)

// ============ Гейджи состояния ============

// OpenOrdersGauge - нетерминальные ордера в реестре
var OpenOrdersGauge = promauto.NewGauge(
	prometheus.GaugeOpts{
		Namespace: "futuresbot",
		Subsystem: "engine",
		Name:      "open_orders",
		Help:      "Non-terminal orders in the ledger",
	},
)

// OpenPositionsGauge - открытые позиции
var OpenPositionsGauge = promauto.NewGauge(
	prometheus.GaugeOpts{
		Namespace: "futuresbot",
		Subsystem: "engine",
		Name:      "open_positions",
		Help:      "Open positions in the ledger",
	},
)

// EngineState - фаза жизненного цикла (0=running 1=draining 2=flattening 3=stopped)
var EngineState = promauto.NewGauge(
	prometheus.GaugeOpts{
		Namespace: "futuresbot",
		Subsystem: "engine",
		Name:      "state",
		Help:      "Engine lifecycle phase: 0 running, 1 draining, 2 flattening, 3 stopped",
	},
)

// ============ Метрики остановки ============

// OrphanedOrders - ордера, не подтвердившие отмену за drain timeout
var OrphanedOrders = promauto.NewCounter(
	prometheus.CounterOpts{
		Namespace: "futuresbot",
		Subsystem: "shutdown",
		Name:      "orphaned_orders_total",
		Help:      "Orders whose cancellation was not confirmed before the drain timeout",
	},
)

// stateGaugeValue переводит фазу в значение гейджа
func stateGaugeValue(state string) float64 {
	switch state {
	case StateRunning:
		return 0
	case StateDraining:
		return 1
	case StateFlattening:
		return 2
	case StateStopped:
		return 3
	}
	return -1
}
