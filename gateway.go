// FILE: gateway.go
// Package main – Exchange gateway abstraction shared by all execution backends.
//
// This file defines the uniform surface the drivers need to talk to one
// perpetual-futures venue for one symbol:
//   • Gateway interface: ticker, positions, open orders, market/limit orders,
//     cancels, leverage/margin mode, instrument precision
//   • Common types: OrderSide, Direction, Ticker, ExchangePosition, OrderResult
//   • Error taxonomy: GatewayError with kinds network|rate-limit|auth|rejected
//
// Concrete implementations live in separate files:
//   • gateway_paper.go    – in-memory simulated futures venue (dry runs, tests)
//   • gateway_bridge.go   – HTTP client for a local exchange sidecar
//   • gateway_binance.go  – Binance USDⓈ-M futures via go-binance
//   • gateway_retry.go    – rate-limit + bounded retry decorator for any Gateway
package main

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// OrderSide is the side of an order.
type OrderSide string

const (
	SideBuy  OrderSide = "BUY"
	SideSell OrderSide = "SELL"
)

// Direction is the position side (posSide). It decides which price move is favorable.
type Direction string

const (
	Long  Direction = "LONG"
	Short Direction = "SHORT"
)

// EntrySide is the order side that opens or adds to a position in direction d.
func (d Direction) EntrySide() OrderSide {
	if d == Short {
		return SideSell
	}
	return SideBuy
}

// ExitSide is the order side that reduces a position in direction d.
func (d Direction) ExitSide() OrderSide {
	if d == Short {
		return SideBuy
	}
	return SideSell
}

// MarginMode is isolated or cross.
type MarginMode string

const (
	MarginIsolated MarginMode = "isolated"
	MarginCross    MarginMode = "cross"
)

// Ticker is the latest market snapshot for a symbol.
type Ticker struct {
	Symbol    string
	Last      float64
	Bid       float64
	Ask       float64
	High      float64
	Low       float64
	Volume    float64
	Timestamp time.Time
}

// ExchangePosition is a normalized view of a venue-reported position.
type ExchangePosition struct {
	Symbol           string
	Side             Direction
	Size             float64 // always >= 0; Side carries the sign
	EntryPrice       float64
	MarkPrice        float64
	LiquidationPrice float64
	UnrealizedPnL    float64
	Leverage         int
	MarginMode       MarginMode
}

// OrderRequest carries everything PlaceMarketOrder/PlaceLimitOrder need.
type OrderRequest struct {
	Symbol     string
	Side       OrderSide
	Size       float64
	Price      float64 // limit only
	PosSide    Direction
	ReduceOnly bool
	Params     map[string]string // venue-specific extras (TP/SL presets etc.)
	ClientID   string
}

// OrderResult is a normalized view of a placed (and possibly filled) order.
type OrderResult struct {
	ID         string
	ClientID   string
	Symbol     string
	Side       OrderSide
	Price      float64 // average fill price when known, else limit/reference
	Size       float64 // requested base size
	FilledSize float64
	Fee        float64
	Status     string
	CreateTime time.Time
}

// OpenOrder is a resting order on the venue.
type OpenOrder struct {
	ID         string
	Symbol     string
	Side       OrderSide
	PosSide    Direction
	Price      float64
	Size       float64
	FilledSize float64
	ReduceOnly bool
}

// Instrument carries the precision rules used by the numeric policy.
type Instrument struct {
	Symbol          string
	PricePrecision  int     // decimal places for prices
	AmountPrecision int     // decimal places for sizes
	MinAmount       float64 // minimum order size in base units
}

// Gateway is the minimal surface the drivers need to operate one venue.
type Gateway interface {
	Name() string
	GetTicker(ctx context.Context, symbol string) (Ticker, error)
	GetPositions(ctx context.Context, symbol string) ([]ExchangePosition, error)
	PlaceMarketOrder(ctx context.Context, req OrderRequest) (OrderResult, error)
	PlaceLimitOrder(ctx context.Context, req OrderRequest) (OrderResult, error)
	CancelOrder(ctx context.Context, symbol, orderID string) error
	CancelAllOrders(ctx context.Context, symbol string) error
	GetOpenOrders(ctx context.Context, symbol string) ([]OpenOrder, error)
	SetLeverage(ctx context.Context, symbol string, leverage int, mode MarginMode) error
	GetInstrument(ctx context.Context, symbol string) (Instrument, error)
}

// ---- Error taxonomy ----

// ErrorKind classifies gateway failures for the retry and driver policies.
type ErrorKind string

const (
	KindNetwork   ErrorKind = "network"
	KindRateLimit ErrorKind = "rate-limit"
	KindAuth      ErrorKind = "auth"
	KindRejected  ErrorKind = "rejected"
)

// GatewayError wraps a venue failure with its kind and the failing operation.
type GatewayError struct {
	Kind   ErrorKind
	Op     string
	Symbol string
	Err    error
}

func (e *GatewayError) Error() string {
	if e.Symbol != "" {
		return fmt.Sprintf("%s %s (%s): %v", e.Op, e.Symbol, e.Kind, e.Err)
	}
	return fmt.Sprintf("%s (%s): %v", e.Op, e.Kind, e.Err)
}

func (e *GatewayError) Unwrap() error { return e.Err }

func newGatewayError(kind ErrorKind, op, symbol string, err error) *GatewayError {
	return &GatewayError{Kind: kind, Op: op, Symbol: symbol, Err: err}
}

// errorKind returns the kind of err, treating unclassified errors as network failures.
func errorKind(err error) ErrorKind {
	var ge *GatewayError
	if errors.As(err, &ge) {
		return ge.Kind
	}
	return KindNetwork
}

// IsTransient reports whether err is worth retrying (network or rate limit).
func IsTransient(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	k := errorKind(err)
	return k == KindNetwork || k == KindRateLimit
}

// IsAuth reports whether err is an authentication failure.
func IsAuth(err error) bool { return err != nil && errorKind(err) == KindAuth }

// IsRejected reports whether the venue refused the request (size, margin, filters).
func IsRejected(err error) bool { return err != nil && errorKind(err) == KindRejected }
