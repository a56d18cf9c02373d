// FILE: position.go
// Package main – Martingale position state machine.
//
// One PositionMachine owns one Position for one symbol. Both the live trader
// and the backtest replay feed it the same observations and execute the same
// intents, so PnL semantics live here and nowhere else.
//
// States:
//   FLAT → ENTERING → OPEN → (DCA_FILLING ⇄ OPEN) → CLOSING → FLAT
//   ERROR is reachable from any state via Fail.
//
// The machine never talks to a venue. It returns []Intent and the driver
// executes them (gateway orders live, immediate simulated fills in backtest),
// then reports back through ConfirmEntry / AckFill / AbandonFill / Close.
package main

import (
	"errors"
	"fmt"
	"sync"
	"time"
)

// PositionState is the machine's lifecycle state.
type PositionState string

const (
	StateFlat       PositionState = "FLAT"
	StateEntering   PositionState = "ENTERING"
	StateOpen       PositionState = "OPEN"
	StateDCAFilling PositionState = "DCA_FILLING"
	StateClosing    PositionState = "CLOSING"
	StateError      PositionState = "ERROR"
)

// ExitReason says why a Trade was closed.
type ExitReason string

const (
	ReasonTP            ExitReason = "TP"
	ReasonSL            ExitReason = "SL"
	ReasonManual        ExitReason = "manual"
	ReasonBotStop       ExitReason = "bot-stop"
	ReasonEndOfBacktest ExitReason = "end-of-backtest"
	ReasonReconcile     ExitReason = "reconcile"
)

// IntentKind enumerates the order intents the machine emits.
type IntentKind string

const (
	IntentPlaceMarket       IntentKind = "placeMarketOrder"
	IntentPlaceLadderOrders IntentKind = "placeLadderOrders"
	IntentLadderFill        IntentKind = "placeLadderFill"
	IntentClosePosition     IntentKind = "closePosition"
)

// Intent is an order the driver should execute.
type Intent struct {
	Kind       IntentKind
	Side       OrderSide
	PosSide    Direction
	Size       float64
	Price      float64 // reference (entry), trigger (ladder) or exit price
	Level      int     // ladder level for IntentLadderFill
	Reason     ExitReason
	ReduceOnly bool
	Triggers   Triggers     // exit levels at the time of the intent
	Rungs      []LadderRung // IntentPlaceLadderOrders only
	Resting    bool         // ladder fill of a rung already resting on the venue
}

// Trade is one closed position. Immutable once built.
type Trade struct {
	ID         string     `json:"id"`
	Symbol     string     `json:"symbol"`
	Side       Direction  `json:"side"`
	EntryTime  time.Time  `json:"entry_time"`
	EntryPrice float64    `json:"entry_price"` // weighted-average entry
	ExitTime   time.Time  `json:"exit_time"`
	ExitPrice  float64    `json:"exit_price"`
	Size       float64    `json:"size"`
	Leverage   int        `json:"leverage"`
	PnL        float64    `json:"pnl"` // net of fees
	Fees       float64    `json:"fees"`
	Reason     ExitReason `json:"reason"`
	Level      int        `json:"level"` // martingale level reached
}

// Position is the mutable state owned by one machine. Snapshot returns a copy.
type Position struct {
	Symbol       string        `json:"symbol"`
	Side         Direction     `json:"side"`
	State        PositionState `json:"state"`
	EntryPrice   float64       `json:"entry_price"` // initial fill
	InitialSize  float64       `json:"initial_size"`
	Level        int           `json:"level"`
	Ladder       []LadderRung  `json:"ladder,omitempty"`
	TotalSize    float64       `json:"total_size"`
	AvgPrice     float64       `json:"avg_price"`
	TP           float64       `json:"tp"`
	SL           float64       `json:"sl,omitempty"`
	HasSL        bool          `json:"has_sl"`
	OpenedAt     time.Time     `json:"opened_at"`
	PendingExit  ExitReason    `json:"pending_exit,omitempty"`
	LastError    string        `json:"last_error,omitempty"`
	RealizedPnL  float64       `json:"realized_pnl"` // cumulative across closed cycles
	ClosedTrades int           `json:"closed_trades"`
}

// ErrInvalidTransition is returned when an operation is not legal in the current state.
var ErrInvalidTransition = errors.New("invalid state transition")

func transitionError(op string, s PositionState) error {
	return fmt.Errorf("%s from %s: %w", op, s, ErrInvalidTransition)
}

// PositionMachine is the per-symbol state machine. Safe for concurrent
// Snapshot readers; mutations are expected from the owning driver only.
type PositionMachine struct {
	mu    sync.Mutex
	cfg   StrategyConfig
	inst  Instrument
	pos   Position
	trig  Triggers
	newID func() string

	confirmed bool    // entry fill acknowledged
	lastPrice float64 // last close fed to ObservePrice
}

// NewPositionMachine builds a FLAT machine. newID names closed trades; drivers
// pass uuid live and a deterministic counter in backtest.
func NewPositionMachine(cfg StrategyConfig, inst Instrument, newID func() string) *PositionMachine {
	if newID == nil {
		var n int
		newID = func() string { n++; return fmt.Sprintf("%s-%d", cfg.Symbol, n) }
	}
	m := &PositionMachine{cfg: cfg, inst: inst, newID: newID}
	m.reset()
	return m
}

func (m *PositionMachine) reset() {
	realized, closed := m.pos.RealizedPnL, m.pos.ClosedTrades
	m.pos = Position{
		Symbol:       m.cfg.Symbol,
		Side:         m.cfg.Direction,
		State:        StateFlat,
		RealizedPnL:  realized,
		ClosedTrades: closed,
	}
	m.trig = Triggers{}
	m.confirmed = false
}

// State returns the current lifecycle state.
func (m *PositionMachine) State() PositionState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.pos.State
}

// Config returns the strategy the machine was built with.
func (m *PositionMachine) Config() StrategyConfig { return m.cfg }

// Snapshot returns a deep copy of the position for monitoring readers.
func (m *PositionMachine) Snapshot() Position {
	m.mu.Lock()
	defer m.mu.Unlock()
	p := m.pos
	if m.pos.Ladder != nil {
		p.Ladder = append([]LadderRung(nil), m.pos.Ladder...)
	}
	return p
}

// hasExposure is true once an entry fill has been confirmed.
func (m *PositionMachine) hasExposure() bool {
	switch m.pos.State {
	case StateOpen, StateDCAFilling, StateClosing:
		return m.pos.TotalSize > 0
	case StateError:
		return m.confirmed && m.pos.TotalSize > 0
	}
	return false
}

// Enter opens a new cycle at ref. Sizes come from margin × leverage / ref,
// floored to the instrument; the ladder is planned up front.
func (m *PositionMachine) Enter(ref float64, at time.Time) ([]Intent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.pos.State != StateFlat {
		return nil, transitionError("enter", m.pos.State)
	}
	size, err := entrySize(m.inst, m.cfg.MarginAmount, m.cfg.Leverage, ref)
	if err != nil {
		return nil, err
	}
	m.pos.EntryPrice = ref
	m.pos.InitialSize = size
	m.pos.AvgPrice = ref
	m.pos.TotalSize = size
	m.pos.Level = 0
	m.pos.OpenedAt = at
	m.pos.PendingExit = ""
	m.pos.LastError = ""
	m.planFrom(ref)
	m.pos.State = StateEntering

	return []Intent{{
		Kind:     IntentPlaceMarket,
		Side:     m.cfg.Direction.EntrySide(),
		PosSide:  m.cfg.Direction,
		Size:     size,
		Price:    ref,
		Triggers: m.trig,
	}}, nil
}

// planFrom (re)plans the ladder and exit triggers around anchor.
func (m *PositionMachine) planFrom(anchor float64) {
	m.pos.Ladder = nil
	if m.cfg.Martingale {
		m.pos.Ladder = PlanLadder(anchor, m.cfg.Direction, m.cfg.LadderSteps, m.cfg.LadderOffsetPct, m.cfg.SizeRatios)
		for i := range m.pos.Ladder {
			m.pos.Ladder[i].Size = rungSize(m.inst, m.pos.InitialSize, m.pos.Ladder[i].SizeRatio)
		}
	}
	m.retrigger()
}

func (m *PositionMachine) retrigger() {
	m.trig = ComputeTPSL(m.pos.AvgPrice, m.cfg.Direction, m.cfg.TPPct, m.cfg.SLPct)
	m.pos.TP, m.pos.SL, m.pos.HasSL = m.trig.TP, m.trig.SL, m.trig.HasSL
}

// ConfirmEntry records the entry fill. A fill away from the reference
// re-anchors the ladder and triggers on the real price. With limit ladders it
// returns the intent to rest every rung on the venue.
func (m *PositionMachine) ConfirmEntry(fillPrice, fillSize float64) ([]Intent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.pos.State != StateEntering {
		return nil, transitionError("confirm entry", m.pos.State)
	}
	if fillSize > 0 && fillSize != m.pos.InitialSize {
		m.pos.InitialSize = fillSize
		m.pos.TotalSize = fillSize
	}
	if fillPrice > 0 && fillPrice != m.pos.EntryPrice {
		m.pos.EntryPrice = fillPrice
		m.pos.AvgPrice = fillPrice
	}
	m.planFrom(m.pos.EntryPrice)
	m.pos.State = StateOpen
	m.confirmed = true

	if m.cfg.LadderOrderType != LadderLimit || len(m.pos.Ladder) == 0 {
		return nil, nil
	}
	return []Intent{{
		Kind:    IntentPlaceLadderOrders,
		Side:    m.cfg.Direction.EntrySide(),
		PosSide: m.cfg.Direction,
		Rungs:   append([]LadderRung(nil), m.pos.Ladder...),
	}}, nil
}

// AbandonEntry returns to FLAT when the entry order never filled.
func (m *PositionMachine) AbandonEntry() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.pos.State != StateEntering {
		return transitionError("abandon entry", m.pos.State)
	}
	m.reset()
	return nil
}

// SetRungOrder records the venue order id of a resting ladder rung.
func (m *PositionMachine) SetRungOrder(level int, orderID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if r := m.rung(level); r != nil {
		r.OrderID = orderID
	}
}

func (m *PositionMachine) rung(level int) *LadderRung {
	for i := range m.pos.Ladder {
		if m.pos.Ladder[i].Level == level {
			return &m.pos.Ladder[i]
		}
	}
	return nil
}

// ObservePrice is the per-tick decision. In order: (a) the nearest unfilled
// rung, at most one per call; (b) TP; (c) SL. A rung fill is applied at its
// trigger before the exit checks, so TP/SL are tested against the re-averaged
// levels.
func (m *PositionMachine) ObservePrice(high, low, last float64) []Intent {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.pos.State != StateOpen {
		return nil
	}
	m.lastPrice = last

	var out []Intent
	if next := m.nextRung(); next != nil && rungCrossed(m.cfg.Direction, *next, high, low) {
		m.applyFill(next, next.TriggerPrice, next.Size)
		m.pos.State = StateDCAFilling
		out = append(out, Intent{
			Kind:     IntentLadderFill,
			Side:     m.cfg.Direction.EntrySide(),
			PosSide:  m.cfg.Direction,
			Size:     next.Size,
			Price:    next.TriggerPrice,
			Level:    next.Level,
			Triggers: m.trig,
			Resting:  next.OrderID != "",
		})
	}

	switch {
	case m.trig.TPCrossed(m.cfg.Direction, high, low):
		out = append(out, m.exitIntent(m.trig.TP, ReasonTP))
	case m.trig.SLCrossed(m.cfg.Direction, high, low):
		out = append(out, m.exitIntent(m.trig.SL, ReasonSL))
	}
	return out
}

func (m *PositionMachine) nextRung() *LadderRung {
	for i := range m.pos.Ladder {
		if !m.pos.Ladder[i].Filled {
			return &m.pos.Ladder[i]
		}
	}
	return nil
}

func (m *PositionMachine) exitIntent(price float64, reason ExitReason) Intent {
	m.pos.State = StateClosing
	m.pos.PendingExit = reason
	return Intent{
		Kind:       IntentClosePosition,
		Side:       m.cfg.Direction.ExitSide(),
		PosSide:    m.cfg.Direction,
		Size:       m.pos.TotalSize,
		Price:      price,
		Reason:     reason,
		ReduceOnly: true,
		Triggers:   m.trig,
	}
}

// applyFill marks r filled at price/size and re-averages the position.
func (m *PositionMachine) applyFill(r *LadderRung, price, size float64) {
	total := m.pos.TotalSize + size
	m.pos.AvgPrice = (m.pos.AvgPrice*m.pos.TotalSize + price*size) / total
	m.pos.TotalSize = total
	r.Filled = true
	r.FillPrice = price
	r.Size = size
	if r.Level > m.pos.Level {
		m.pos.Level = r.Level
	}
	m.retrigger()
}

// AckFill reports the venue fill of a ladder rung. When price/size differ
// from the trigger fill already applied, the rung's contribution is replaced.
func (m *PositionMachine) AckFill(level int, price, size float64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.pos.State != StateDCAFilling && m.pos.State != StateClosing {
		return transitionError("ack fill", m.pos.State)
	}
	r := m.rung(level)
	if r == nil || !r.Filled {
		return fmt.Errorf("ack fill: level %d not pending", level)
	}
	if price <= 0 {
		price = r.FillPrice
	}
	if size <= 0 {
		size = r.Size
	}
	if price != r.FillPrice || size != r.Size {
		rest := m.pos.TotalSize - r.Size
		notional := m.pos.AvgPrice*m.pos.TotalSize - r.FillPrice*r.Size
		m.pos.TotalSize = rest
		if rest > 0 {
			m.pos.AvgPrice = notional / rest
		}
		m.applyFill(r, price, size)
	}
	if m.pos.State == StateDCAFilling {
		m.pos.State = StateOpen
	}
	return nil
}

// AbandonFill is called when the venue rejected a ladder fill. The rung stays
// marked filled; the next desync check reconciles the position.
func (m *PositionMachine) AbandonFill(level int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.pos.State != StateDCAFilling && m.pos.State != StateClosing {
		return transitionError("abandon fill", m.pos.State)
	}
	if m.pos.State == StateDCAFilling {
		m.pos.State = StateOpen
	}
	return nil
}

// DeferFill undoes a trigger fill of a resting limit rung whose order is
// still open on the venue (price touched, no fill yet).
func (m *PositionMachine) DeferFill(level int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.pos.State != StateDCAFilling && m.pos.State != StateClosing {
		return transitionError("defer fill", m.pos.State)
	}
	r := m.rung(level)
	if r == nil || !r.Filled {
		return fmt.Errorf("defer fill: level %d not pending", level)
	}
	rest := m.pos.TotalSize - r.Size
	if rest > 0 {
		m.pos.AvgPrice = (m.pos.AvgPrice*m.pos.TotalSize - r.FillPrice*r.Size) / rest
	}
	m.pos.TotalSize = rest
	r.Filled = false
	r.FillPrice = 0
	m.pos.Level = 0
	for _, x := range m.pos.Ladder {
		if x.Filled && x.Level > m.pos.Level {
			m.pos.Level = x.Level
		}
	}
	m.retrigger()
	if m.pos.State == StateDCAFilling {
		m.pos.State = StateOpen
	}
	return nil
}

// AbortClose returns a CLOSING machine to OPEN after the exit order failed.
func (m *PositionMachine) AbortClose() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.pos.State != StateClosing {
		return transitionError("abort close", m.pos.State)
	}
	m.pos.State = StateOpen
	m.pos.PendingExit = ""
	return nil
}

// Close realizes the position at price and resets to FLAT.
func (m *PositionMachine) Close(price float64, reason ExitReason, at time.Time) (Trade, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	switch m.pos.State {
	case StateOpen, StateDCAFilling, StateClosing:
	default:
		return Trade{}, transitionError("close", m.pos.State)
	}
	return m.closeLocked(price, reason, at), nil
}

// ForceClose closes whatever is open at price. It never fails; ok is false
// when there was no confirmed exposure to close.
func (m *PositionMachine) ForceClose(price float64, reason ExitReason, at time.Time) (Trade, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.hasExposure() {
		if m.pos.State == StateEntering {
			m.reset()
		}
		return Trade{}, false
	}
	return m.closeLocked(price, reason, at), true
}

func (m *PositionMachine) closeLocked(price float64, reason ExitReason, at time.Time) Trade {
	net, fees := realizedPnL(m.cfg.Direction, m.pos.AvgPrice, price, m.pos.TotalSize, m.cfg.Leverage, m.cfg.FeeRate)
	t := Trade{
		ID:         m.newID(),
		Symbol:     m.cfg.Symbol,
		Side:       m.cfg.Direction,
		EntryTime:  m.pos.OpenedAt,
		EntryPrice: m.pos.AvgPrice,
		ExitTime:   at,
		ExitPrice:  price,
		Size:       m.pos.TotalSize,
		Leverage:   m.cfg.Leverage,
		PnL:        net,
		Fees:       fees,
		Reason:     reason,
		Level:      m.pos.Level,
	}
	m.pos.RealizedPnL += net
	m.pos.ClosedTrades++
	m.reset()
	return t
}

// Fail parks the machine in ERROR, keeping any position for a later ForceClose.
func (m *PositionMachine) Fail(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pos.State = StateError
	if err != nil {
		m.pos.LastError = err.Error()
	}
}

// LastPrice is the most recent close passed to ObservePrice.
func (m *PositionMachine) LastPrice() float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastPrice
}

// UnrealizedPnL is the gross mark-to-market PnL of the open position at mark.
func (m *PositionMachine) UnrealizedPnL(mark float64) float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.hasExposure() || m.pos.AvgPrice <= 0 {
		return 0
	}
	return m.cfg.Direction.sign() * (mark - m.pos.AvgPrice) / m.pos.AvgPrice * m.pos.TotalSize * m.pos.AvgPrice
}

func (d Direction) sign() float64 {
	if d == Short {
		return -1
	}
	return 1
}

// realizedPnL is the single PnL rule for both drivers:
//   leverage × %move(avg→exit) × (size × avg / leverage) − entry/exit fees.
// Returns (net, fees).
func realizedPnL(dir Direction, avg, exit, size float64, leverage int, feeRate float64) (float64, float64) {
	if avg <= 0 || size <= 0 {
		return 0, 0
	}
	lev := float64(leverage)
	if lev <= 0 {
		lev = 1
	}
	move := dir.sign() * (exit - avg) / avg
	margin := size * avg / lev
	gross := lev * move * margin
	fees := size*avg*feeRate + size*exit*feeRate
	return gross - fees, fees
}
