// ---------------------------------------------------------------------------------------------
// FILE: step.go — One live poll of a Trader (ENTER or OBSERVE), extracted from trader.go
//
// Overview
//   step(ctx) is the single-threaded decision tick of a live worker:
//     • FLAT   → (cooldown / AutoRestart gate) → Enter(last) → execute intents
//     • OPEN   → ticker + positions → desync check → ObservePrice(last,last,last)
//                → execute intents
//     • ENTERING (entry sent, fill not reported) → venue position confirms or
//                abandons it
//   It returns an error only when the worker must exit (auth failure, sizing
//   that can never succeed, or errCycleDone when AutoRestart is off).
//
// Intent execution
//   • placeMarketOrder   : entry market order (+ venue TP/SL params when no
//                          ladder can re-average) → ConfirmEntry
//   • placeLadderOrders  : rest each rung as a limit order → SetRungOrder
//   • placeLadderFill    : market rung (AckFill / AbandonFill) or resting rung
//                          (open on venue → DeferFill, gone → AckFill)
//   • closePosition      : reduce-only market exit → Close (AbortClose on failure)
//   The stop channel is checked before every order; intents left over when a
//   stop lands are unwound on the machine (AbandonEntry / DeferFill / AbortClose).
//
// Desync
//   The venue size must match the machine's total size within half an amount
//   step (resting limit rungs may add up to their size). A mismatch, or a flat
//   venue under an open machine, forces a reduce-only reconciliation close.
// ---------------------------------------------------------------------------------------------

package main

import (
	"context"
	"errors"
	"fmt"
	"math"

	"github.com/rs/zerolog/log"
)

// step runs one poll.
func (t *Trader) step(ctx context.Context) error {
	m := t.machine()
	switch m.State() {
	case StateFlat:
		return t.open(ctx)
	case StateError:
		return fmt.Errorf("%s: machine in ERROR: %s", t.cfg.Symbol, m.Snapshot().LastError)
	case StateEntering:
		return t.settleEntry(ctx)
	default:
		return t.poll(ctx)
	}
}

// open starts a new cycle when allowed.
func (t *Trader) open(ctx context.Context) error {
	if t.cycles > 0 {
		if !t.cfg.AutoRestart {
			return errCycleDone
		}
		if t.now().Before(t.restartAt) {
			return nil
		}
	}
	tk, err := t.gw.GetTicker(ctx, t.cfg.Symbol)
	if err != nil {
		return t.fault("ticker", err)
	}
	if tk.Last <= 0 {
		t.emit(EventError, "ticker without last price", nil, nil)
		return nil
	}
	intents, err := t.machine().Enter(tk.Last, t.now())
	if err != nil {
		// Sizing below the venue minimum will not fix itself; the worker exits.
		log.Error().Str("symbol", t.cfg.Symbol).Float64("price", tk.Last).Err(err).Msg("[LIVE] entry refused")
		t.emit(EventError, "entry refused", nil, err)
		return fmt.Errorf("%s enter: %w", t.cfg.Symbol, err)
	}
	return t.execute(ctx, intents)
}

// poll observes the market for an open position.
func (t *Trader) poll(ctx context.Context) error {
	sym := t.cfg.Symbol
	m := t.machine()
	tk, err := t.gw.GetTicker(ctx, sym)
	if err != nil {
		return t.fault("ticker", err)
	}
	positions, err := t.gw.GetPositions(ctx, sym)
	if err != nil {
		return t.fault("positions", err)
	}
	if venue, bad := t.desynced(positions); bad {
		return t.reconcileClose(ctx, tk.Last, venue)
	}
	if tk.Last <= 0 {
		return nil
	}
	intents := m.ObservePrice(tk.Last, tk.Last, tk.Last)
	observePosition(m.Snapshot(), m.UnrealizedPnL(tk.Last))
	if len(intents) == 0 {
		return nil
	}
	return t.execute(ctx, intents)
}

// desynced compares the venue size for our side with the machine.
func (t *Trader) desynced(positions []ExchangePosition) (float64, bool) {
	snap := t.machine().Snapshot()
	if snap.State != StateOpen || snap.TotalSize <= 0 {
		return 0, false
	}
	var venue float64
	for _, p := range positions {
		if t.ours(p) && p.Side == t.cfg.Direction {
			venue += p.Size
		}
	}
	var resting float64
	for _, r := range snap.Ladder {
		if !r.Filled && r.OrderID != "" {
			resting += r.Size
		}
	}
	half := math.Pow10(-t.inst.AmountPrecision) / 2
	switch {
	case venue <= 0:
		return venue, true
	case venue < snap.TotalSize-half:
		return venue, true
	case venue > snap.TotalSize+resting+half:
		return venue, true
	}
	return venue, false
}

// reconcileClose flattens the venue and closes the machine with reason reconcile.
func (t *Trader) reconcileClose(ctx context.Context, last, venue float64) error {
	m := t.machine()
	snap := m.Snapshot()
	log.Warn().
		Str("symbol", t.cfg.Symbol).
		Float64("venue_size", venue).
		Float64("bot_size", snap.TotalSize).
		Msg("[RECONCILE] position desync, forcing close")
	t.emit(EventError, fmt.Sprintf("desync: venue %.8g vs bot %.8g", venue, snap.TotalSize), nil, nil)

	if t.stopping(ctx) {
		return nil
	}
	px := last
	if venue > 0 {
		res, err := t.submit(ctx, "exit", OrderRequest{
			Symbol:     t.cfg.Symbol,
			Side:       t.cfg.Direction.ExitSide(),
			PosSide:    t.cfg.Direction,
			Size:       venue,
			ReduceOnly: true,
		}, false, 0)
		if err != nil {
			return t.fault("reconcile", err)
		}
		if res.Price > 0 {
			px = res.Price
		}
	}
	if px <= 0 {
		px = snap.AvgPrice
	}
	if tr, ok := m.ForceClose(px, ReasonReconcile, t.now()); ok {
		t.closed(ctx, tr)
	}
	t.persistPosition()
	return nil
}

// execute runs intents in order.
func (t *Trader) execute(ctx context.Context, intents []Intent) error {
	defer t.persistPosition()
	for i, in := range intents {
		if t.stopping(ctx) {
			t.unwind(intents[i:])
			return nil
		}
		var err error
		switch in.Kind {
		case IntentPlaceMarket:
			err = t.doEntry(ctx, in)
		case IntentPlaceLadderOrders:
			err = t.doLadderOrders(ctx, in)
		case IntentLadderFill:
			err = t.doLadderFill(ctx, in)
		case IntentClosePosition:
			err = t.doClose(ctx, in)
		}
		if err != nil {
			return err
		}
	}
	return nil
}

// unwind reverts machine transitions for intents that were never sent.
func (t *Trader) unwind(rest []Intent) {
	m := t.machine()
	for _, in := range rest {
		switch in.Kind {
		case IntentPlaceMarket:
			_ = m.AbandonEntry()
		case IntentLadderFill:
			_ = m.DeferFill(in.Level)
		case IntentClosePosition:
			_ = m.AbortClose()
		}
	}
}

func (t *Trader) doEntry(ctx context.Context, in Intent) error {
	m := t.machine()
	res, err := t.submit(ctx, "entry", OrderRequest{
		Symbol:  t.cfg.Symbol,
		Side:    in.Side,
		PosSide: in.PosSide,
		Size:    in.Size,
		Price:   in.Price,
		Params:  entryTPSLParams(t.cfg, t.exchange, in.Triggers, t.inst.PricePrecision),
	}, false, 0)
	if err != nil {
		_ = m.AbandonEntry()
		return t.fault("entry", err)
	}
	if res.FilledSize <= 0 {
		// Accepted but not reported filled; settleEntry asks the venue next poll.
		log.Warn().Str("symbol", t.cfg.Symbol).Str("order", res.ID).Msg("[LIVE] entry fill unknown")
		t.emit(EventError, "entry order not reported filled", nil, nil)
		return nil
	}
	px := res.Price
	if px <= 0 {
		px = in.Price
	}
	return t.opened(ctx, px, res.FilledSize)
}

// settleEntry resolves an entry whose fill was not reported: the venue
// position for our side confirms it, a flat venue abandons it.
func (t *Trader) settleEntry(ctx context.Context) error {
	m := t.machine()
	positions, err := t.gw.GetPositions(ctx, t.cfg.Symbol)
	if err != nil {
		return t.fault("positions", err)
	}
	var size, notional float64
	for _, p := range positions {
		if t.ours(p) && p.Side == t.cfg.Direction && p.Size > 0 {
			size += p.Size
			notional += p.Size * p.EntryPrice
		}
	}
	if size <= 0 {
		log.Info().Str("symbol", t.cfg.Symbol).Msg("[LIVE] entry never filled, back to FLAT")
		return m.AbandonEntry()
	}
	return t.opened(ctx, notional/size, size)
}

// opened confirms the entry fill and runs any follow-up intents.
func (t *Trader) opened(ctx context.Context, px, size float64) error {
	m := t.machine()
	more, err := m.ConfirmEntry(px, size)
	if err != nil {
		return fmt.Errorf("%s confirm entry: %w", t.cfg.Symbol, err)
	}
	snap := m.Snapshot()
	log.Info().
		Str("symbol", t.cfg.Symbol).
		Str("side", string(snap.Side)).
		Float64("price", snap.EntryPrice).
		Float64("size", snap.TotalSize).
		Float64("tp", snap.TP).
		Float64("sl", snap.SL).
		Int("rungs", len(snap.Ladder)).
		Msg("[LIVE] position opened")
	t.emit(EventPositionOpened, fmt.Sprintf("%s %.8g @ %.8g tp=%.8g", snap.Side, snap.TotalSize, snap.EntryPrice, snap.TP), nil, nil)
	return t.execute(ctx, more)
}

func (t *Trader) doLadderOrders(ctx context.Context, in Intent) error {
	m := t.machine()
	for _, r := range in.Rungs {
		if t.stopping(ctx) {
			return nil
		}
		res, err := t.submit(ctx, "ladder_limit", OrderRequest{
			Symbol:  t.cfg.Symbol,
			Side:    in.Side,
			PosSide: in.PosSide,
			Size:    r.Size,
			Price:   r.TriggerPrice,
		}, true, r.Level)
		if err != nil {
			// The rung falls back to a market fill when its trigger is crossed.
			if ferr := t.fault(fmt.Sprintf("ladder L%d", r.Level), err); ferr != nil {
				return ferr
			}
			continue
		}
		m.SetRungOrder(r.Level, res.ID)
	}
	return nil
}

func (t *Trader) doLadderFill(ctx context.Context, in Intent) error {
	m := t.machine()
	if in.Resting {
		id := t.rungOrderID(in.Level)
		open, err := t.gw.GetOpenOrders(ctx, t.cfg.Symbol)
		if err != nil {
			_ = m.DeferFill(in.Level)
			return t.fault("open orders", err)
		}
		for _, o := range open {
			if o.ID == id {
				_ = m.DeferFill(in.Level)
				return nil
			}
		}
		if err := m.AckFill(in.Level, in.Price, in.Size); err != nil {
			return fmt.Errorf("%s ack L%d: %w", t.cfg.Symbol, in.Level, err)
		}
		t.ladderFilled(in.Level, in.Price, in.Size)
		return nil
	}

	res, err := t.submit(ctx, "ladder", OrderRequest{
		Symbol:  t.cfg.Symbol,
		Side:    in.Side,
		PosSide: in.PosSide,
		Size:    in.Size,
		Price:   in.Price,
	}, false, in.Level)
	if err == nil && res.FilledSize <= 0 {
		err = newGatewayError(KindRejected, "PlaceMarketOrder", t.cfg.Symbol, errors.New("ladder order not filled"))
	}
	if err != nil {
		_ = m.AbandonFill(in.Level)
		return t.fault(fmt.Sprintf("ladder L%d", in.Level), err)
	}
	px := res.Price
	if px <= 0 {
		px = in.Price
	}
	if err := m.AckFill(in.Level, px, res.FilledSize); err != nil {
		return fmt.Errorf("%s ack L%d: %w", t.cfg.Symbol, in.Level, err)
	}
	t.ladderFilled(in.Level, px, res.FilledSize)
	return nil
}

func (t *Trader) rungOrderID(level int) string {
	for _, r := range t.machine().Snapshot().Ladder {
		if r.Level == level {
			return r.OrderID
		}
	}
	return ""
}

func (t *Trader) ladderFilled(level int, price, size float64) {
	snap := t.machine().Snapshot()
	mtxLadderFills.WithLabelValues(t.cfg.Symbol).Inc()
	log.Info().
		Str("symbol", t.cfg.Symbol).
		Int("level", level).
		Float64("price", price).
		Float64("size", size).
		Float64("avg", snap.AvgPrice).
		Float64("tp", snap.TP).
		Msg("[LIVE] ladder filled")
	t.emit(EventLadderFilled, fmt.Sprintf("L%d %.8g @ %.8g avg=%.8g tp=%.8g", level, size, price, snap.AvgPrice, snap.TP), nil, nil)
}

func (t *Trader) doClose(ctx context.Context, in Intent) error {
	m := t.machine()
	res, err := t.submit(ctx, "exit", OrderRequest{
		Symbol:     t.cfg.Symbol,
		Side:       in.Side,
		PosSide:    in.PosSide,
		Size:       in.Size,
		Price:      in.Price,
		ReduceOnly: true,
	}, false, 0)
	if err != nil {
		_ = m.AbortClose()
		return t.fault("exit", err)
	}
	px := res.Price
	if px <= 0 {
		px = in.Price
	}
	tr, err := m.Close(px, in.Reason, t.now())
	if err != nil {
		return fmt.Errorf("%s close: %w", t.cfg.Symbol, err)
	}
	t.closed(ctx, tr)
	return nil
}

// closed books a finished cycle and arms the restart cooldown.
func (t *Trader) closed(ctx context.Context, tr Trade) {
	if t.cfg.LadderOrderType == LadderLimit {
		if err := t.gw.CancelAllOrders(ctx, t.cfg.Symbol); err != nil {
			_ = t.fault("cancel ladder", err)
		}
	}
	t.recordTrade(tr)
	t.cycles++
	t.restartAt = t.now().Add(t.cooldown)
}
