// FILE: metrics.go
// Package main – Prometheus metrics for observability.
//
// Exposes primary metrics the bot updates during operation:
//   • bot_orders_total{exchange,kind,side}  – Orders placed (kind: entry|ladder|ladder_limit|exit)
//   • bot_trades_total{result}              – Closed trades by result (win|loss|flat)
//   • bot_exit_reasons_total{reason,side}   – Exits split by reason and position side
//   • bot_ladder_fills_total{symbol}        – Martingale rung fills
//   • bot_position_level{symbol}            – Current martingale level
//   • bot_position_size{symbol}             – Current total size (base units)
//   • bot_unrealized_pnl{symbol}            – Mark-to-market PnL of the open position
//   • bot_realized_pnl{symbol}              – Cumulative realized PnL since start
//   • bot_workers_running                   – Live symbol workers
//   • bot_gateway_retries_total{op}         – Transient gateway failures retried
//   • bot_gateway_errors_total{kind}        – Gateway failures surfaced to drivers
//   • bot_events_dropped_total              – Events dropped on full subscriber buffers
//   • bot_backtest_runs_total               – Completed backtest replays
//
// These are registered in init() and served by the HTTP handler started in main.go
// at /metrics (Prometheus text exposition format).
package main

import "github.com/prometheus/client_golang/prometheus"

var (
	mtxOrders = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bot_orders_total",
			Help: "Orders placed",
		},
		[]string{"exchange", "kind", "side"},
	)

	mtxTrades = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bot_trades_total",
			Help: "Closed trades counted by result (win|loss|flat).",
		},
		[]string{"result"},
	)

	mtxExitReasons = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bot_exit_reasons_total",
			Help: "Total exits split by reason and side",
		},
		[]string{"reason", "side"}, // side: LONG|SHORT
	)

	mtxLadderFills = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bot_ladder_fills_total",
			Help: "Martingale ladder rung fills",
		},
		[]string{"symbol"},
	)

	mtxPositionLevel = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "bot_position_level",
			Help: "Current martingale level (0 = no DCA fill yet).",
		},
		[]string{"symbol"},
	)

	mtxPositionSize = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "bot_position_size",
			Help: "Current total position size in base units.",
		},
		[]string{"symbol"},
	)

	mtxUnrealized = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "bot_unrealized_pnl",
			Help: "Unrealized PnL of the open position in quote units.",
		},
		[]string{"symbol"},
	)

	mtxRealized = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "bot_realized_pnl",
			Help: "Cumulative realized PnL since process start in quote units.",
		},
		[]string{"symbol"},
	)

	mtxWorkers = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "bot_workers_running",
			Help: "Number of live symbol workers currently running.",
		},
	)

	mtxGatewayRetries = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bot_gateway_retries_total",
			Help: "Transient gateway failures that were retried",
		},
		[]string{"op"},
	)

	mtxGatewayErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bot_gateway_errors_total",
			Help: "Gateway failures surfaced to the drivers, by kind",
		},
		[]string{"kind"},
	)

	mtxEventsDropped = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "bot_events_dropped_total",
			Help: "Events dropped because a subscriber buffer was full",
		},
	)

	mtxBacktestRuns = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "bot_backtest_runs_total",
			Help: "Completed backtest replays",
		},
	)
)

func init() {
	prometheus.MustRegister(mtxOrders, mtxTrades, mtxExitReasons, mtxLadderFills)
	prometheus.MustRegister(mtxPositionLevel, mtxPositionSize, mtxUnrealized, mtxRealized, mtxWorkers)
	prometheus.MustRegister(mtxGatewayRetries, mtxGatewayErrors)
	prometheus.MustRegister(mtxEventsDropped, mtxBacktestRuns)
}

// observeTrade records a closed trade.
func observeTrade(t Trade) {
	result := "flat"
	switch {
	case t.PnL > 0:
		result = "win"
	case t.PnL < 0:
		result = "loss"
	}
	mtxTrades.WithLabelValues(result).Inc()
	mtxExitReasons.WithLabelValues(string(t.Reason), string(t.Side)).Inc()
}

// observePosition mirrors a snapshot into the per-symbol gauges.
func observePosition(p Position, unrealized float64) {
	mtxPositionLevel.WithLabelValues(p.Symbol).Set(float64(p.Level))
	mtxPositionSize.WithLabelValues(p.Symbol).Set(p.TotalSize)
	mtxUnrealized.WithLabelValues(p.Symbol).Set(unrealized)
	mtxRealized.WithLabelValues(p.Symbol).Set(p.RealizedPnL)
}

func IncOrder(exchange, kind string, side OrderSide) {
	mtxOrders.WithLabelValues(exchange, kind, string(side)).Inc()
}
