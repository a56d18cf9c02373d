// FILE: trader.go
// Package main – Live per-symbol trader: lifecycle, recovery, stop and persistence.
//
// A Trader owns one PositionMachine and one Gateway for one symbol and runs on
// its own goroutine (Run). The per-poll decision lives in step.go.
//
// Lifecycle:
//   1) setup: SetLeverage, GetInstrument, build the machine
//   2) reconcile: cancel stale orders and close any position found on the venue
//      (the worker never inherits exposure it did not open)
//   3) loop: step() every PollInterval until stopped, a cycle ends without
//      AutoRestart, or an auth failure makes the worker unusable
//   4) finish: clean stop cancels orders and flattens; a "stopped" event is
//      always published
//
// Notes:
//   - Stop is cooperative: the stop channel is checked between polls and
//     before every new order; a call already in flight completes.
//   - Transient gateway failures were already retried by the RetryGateway;
//     here they become "error" events and the loop carries on.
//   - Every order, position change and closed trade goes to the Store.
package main

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// StopMode says what happens to the exchange position when a worker stops.
type StopMode string

const (
	StopKeep  StopMode = "keep"  // leave the position and orders on the venue
	StopClean StopMode = "clean" // cancel orders and close the position
)

// errCycleDone ends the worker after a closed cycle when AutoRestart is off.
var errCycleDone = errors.New("cycle complete")

// TraderOptions carries the driver plumbing that is not strategy.
type TraderOptions struct {
	PollInterval    time.Duration
	RestartCooldown time.Duration
	Store           Store
	Bus             *EventBus
	Now             func() time.Time
	NewID           func() string // trade ids; uuid when nil
}

// Trader is the live driver for one symbol.
type Trader struct {
	cfg      StrategyConfig
	gw       Gateway
	exchange string
	store    Store
	bus      *EventBus
	interval time.Duration
	cooldown time.Duration
	now      func() time.Time
	newID    func() string

	pm   atomic.Pointer[PositionMachine]
	inst Instrument

	cycles    int
	restartAt time.Time

	mu       sync.Mutex
	mode     StopMode
	stop     chan struct{}
	stopOnce sync.Once
	done     chan struct{}
	err      error
}

// NewTrader builds an idle worker. Call Run on its own goroutine.
func NewTrader(cfg StrategyConfig, gw Gateway, opt TraderOptions) *Trader {
	if opt.PollInterval <= 0 {
		opt.PollInterval = 3 * time.Second
	}
	if opt.Now == nil {
		opt.Now = func() time.Time { return time.Now().UTC() }
	}
	if opt.NewID == nil {
		opt.NewID = uuid.NewString
	}
	cooldown := opt.RestartCooldown
	if cooldown <= 0 {
		cooldown = cfg.RestartCooldown
	}
	exchange := strings.ToLower(cfg.Exchange)
	if exchange == "" {
		exchange = strings.ToLower(gw.Name())
	}
	return &Trader{
		cfg:      cfg,
		gw:       gw,
		exchange: exchange,
		store:    opt.Store,
		bus:      opt.Bus,
		interval: opt.PollInterval,
		cooldown: cooldown,
		now:      opt.Now,
		newID:    opt.NewID,
		mode:     StopKeep,
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Symbol is the market this worker trades.
func (t *Trader) Symbol() string { return t.cfg.Symbol }

func (t *Trader) machine() *PositionMachine { return t.pm.Load() }

// Snapshot returns a copy of the current position (FLAT before setup).
func (t *Trader) Snapshot() Position {
	if m := t.machine(); m != nil {
		return m.Snapshot()
	}
	return Position{Symbol: t.cfg.Symbol, Side: t.cfg.Direction, State: StateFlat}
}

// Stop asks the worker to exit. The first call fixes the mode.
func (t *Trader) Stop(mode StopMode) {
	t.stopOnce.Do(func() {
		t.mu.Lock()
		t.mode = mode
		t.mu.Unlock()
		close(t.stop)
	})
}

// Done is closed once Run has returned.
func (t *Trader) Done() <-chan struct{} { return t.done }

// Wait blocks until Run returns and yields its error.
func (t *Trader) Wait() error {
	<-t.done
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.err
}

func (t *Trader) stopMode() StopMode {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.mode
}

// stopping reports whether the worker should place no further orders.
func (t *Trader) stopping(ctx context.Context) bool {
	select {
	case <-t.stop:
		return true
	case <-ctx.Done():
		return true
	default:
		return false
	}
}

// sleep waits d; false means the worker was stopped meanwhile.
func (t *Trader) sleep(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-t.stop:
		return false
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

// Run drives the worker until it stops. The returned error is nil for a
// normal stop; auth failures and clean-stop failures are returned.
func (t *Trader) Run(ctx context.Context) (err error) {
	mtxWorkers.Inc()
	defer mtxWorkers.Dec()
	defer func() { err = t.finish(ctx, err) }()

	log.Info().
		Str("symbol", t.cfg.Symbol).
		Str("exchange", t.exchange).
		Str("side", string(t.cfg.Direction)).
		Int("leverage", t.cfg.Leverage).
		Float64("margin", t.cfg.MarginAmount).
		Float64("tp_pct", t.cfg.TPPct).
		Float64("sl_pct", t.cfg.SLPct).
		Bool("martingale", t.cfg.Martingale).
		Int("steps", t.cfg.LadderSteps).
		Msg("[LIVE] worker starting")

	if err := t.start(ctx); err != nil {
		return err
	}
	for !t.stopping(ctx) {
		if err := t.step(ctx); err != nil {
			if errors.Is(err, errCycleDone) {
				return nil
			}
			return err
		}
		if !t.sleep(ctx, t.interval) {
			break
		}
	}
	return nil
}

// start retries setup until it succeeds, the worker stops, or it fails fatally.
func (t *Trader) start(ctx context.Context) error {
	for {
		err := t.setup(ctx)
		if err == nil {
			return nil
		}
		if t.stopping(ctx) {
			return nil
		}
		if ferr := t.fault("setup", err); ferr != nil {
			return ferr
		}
		if IsRejected(err) {
			return fmt.Errorf("%s setup: %w", t.cfg.Symbol, err)
		}
		if !t.sleep(ctx, t.interval) {
			return nil
		}
	}
}

func (t *Trader) setup(ctx context.Context) error {
	sym := t.cfg.Symbol
	if err := t.gw.SetLeverage(ctx, sym, t.cfg.Leverage, t.cfg.MarginMode); err != nil {
		return err
	}
	inst, err := t.gw.GetInstrument(ctx, sym)
	if err != nil {
		return err
	}
	t.inst = inst
	if t.machine() == nil {
		t.pm.Store(NewPositionMachine(t.cfg, inst, t.newID))
	}
	return t.reconcileStartup(ctx)
}

// reconcileStartup cancels leftover orders and closes any position the venue already
// holds for the symbol.
func (t *Trader) reconcileStartup(ctx context.Context) error {
	sym := t.cfg.Symbol
	if err := t.gw.CancelAllOrders(ctx, sym); err != nil {
		return err
	}
	positions, err := t.gw.GetPositions(ctx, sym)
	if err != nil {
		return err
	}
	for _, p := range positions {
		if !t.ours(p) || p.Size <= 0 {
			continue
		}
		log.Warn().Str("symbol", sym).Str("side", string(p.Side)).Float64("size", p.Size).Float64("entry", p.EntryPrice).
			Msg("[RECOVER] closing position not opened by this worker")
		res, err := t.submit(ctx, "recover", OrderRequest{
			Symbol:     sym,
			Side:       p.Side.ExitSide(),
			PosSide:    p.Side,
			Size:       p.Size,
			ReduceOnly: true,
		}, false, 0)
		if err != nil {
			return fmt.Errorf("recover %s %s: %w", sym, p.Side, err)
		}
		t.emit(EventRecovered, fmt.Sprintf("closed foreign %s position %.8g @ %.8g", p.Side, p.Size, res.Price), nil, nil)
	}
	return nil
}

// ours filters venue positions to this worker's symbol.
func (t *Trader) ours(p ExchangePosition) bool {
	return p.Symbol == "" || strings.EqualFold(p.Symbol, t.cfg.Symbol)
}

// finish runs the stop policy and records the final error.
func (t *Trader) finish(ctx context.Context, err error) error {
	if t.stopMode() == StopClean && t.machine() != nil {
		cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
		if cerr := t.cleanup(cctx); cerr != nil {
			err = errors.Join(err, cerr)
		}
		cancel()
	}
	t.persistPosition()
	msg := fmt.Sprintf("worker stopped (%s)", t.stopMode())
	if err != nil {
		msg = "worker stopped on error"
	}
	t.emit(EventStopped, msg, nil, err)
	log.Info().Str("symbol", t.cfg.Symbol).Str("state", string(t.Snapshot().State)).Err(err).Msg("[LIVE] worker stopped")

	t.mu.Lock()
	t.err = err
	t.mu.Unlock()
	close(t.done)
	return err
}

// cleanup cancels resting orders and flattens the venue position. The
// machine is force-closed only when the venue close went through.
func (t *Trader) cleanup(ctx context.Context) error {
	sym := t.cfg.Symbol
	m := t.machine()
	var errs []error
	if err := t.gw.CancelAllOrders(ctx, sym); err != nil {
		errs = append(errs, fmt.Errorf("cancel orders: %w", err))
	}
	positions, err := t.gw.GetPositions(ctx, sym)
	if err != nil {
		return errors.Join(append(errs, fmt.Errorf("positions: %w", err))...)
	}
	px := m.LastPrice()
	if px <= 0 {
		px = m.Snapshot().AvgPrice
	}
	flat := true
	for _, p := range positions {
		if !t.ours(p) || p.Size <= 0 {
			continue
		}
		res, err := t.submit(ctx, "exit", OrderRequest{
			Symbol:     sym,
			Side:       p.Side.ExitSide(),
			PosSide:    p.Side,
			Size:       p.Size,
			ReduceOnly: true,
		}, false, 0)
		if err != nil {
			flat = false
			errs = append(errs, fmt.Errorf("close %s: %w", p.Side, err))
			continue
		}
		if res.Price > 0 && p.Side == t.cfg.Direction {
			px = res.Price
		}
	}
	if flat {
		if tr, ok := m.ForceClose(px, ReasonBotStop, t.now()); ok {
			t.recordTrade(tr)
		}
	}
	if len(errs) > 0 {
		err := errors.Join(errs...)
		t.emit(EventError, "clean stop incomplete", nil, err)
		return err
	}
	return nil
}

// fault reports a gateway failure. It returns non-nil only when the worker
// cannot continue (authentication).
func (t *Trader) fault(op string, err error) error {
	if err == nil || t.stoppedBy(err) {
		return nil
	}
	if IsAuth(err) {
		if m := t.machine(); m != nil {
			m.Fail(err)
		}
		log.Error().Str("symbol", t.cfg.Symbol).Str("op", op).Err(err).Msg("[LIVE] authentication failed, worker exiting")
		t.emit(EventError, op+": authentication failed", nil, err)
		return fmt.Errorf("%s %s: %w", t.cfg.Symbol, op, err)
	}
	log.Warn().Str("symbol", t.cfg.Symbol).Str("op", op).Str("kind", string(errorKind(err))).Err(err).Msg("[LIVE] gateway error")
	t.emit(EventError, op+" failed", nil, err)
	return nil
}

// stoppedBy is true for context errors caused by our own shutdown.
func (t *Trader) stoppedBy(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}

// ---- Orders, persistence, events ----

// submit places one order and records it, successful or not.
func (t *Trader) submit(ctx context.Context, kind string, req OrderRequest, limit bool, level int) (OrderResult, error) {
	var (
		res OrderResult
		err error
	)
	if limit {
		res, err = t.gw.PlaceLimitOrder(ctx, req)
	} else {
		res, err = t.gw.PlaceMarketOrder(ctx, req)
	}
	rec := OrderRecord{
		ID:         res.ID,
		ClientID:   firstNonEmpty(res.ClientID, req.ClientID),
		Exchange:   t.exchange,
		Symbol:     req.Symbol,
		Kind:       kind,
		Side:       req.Side,
		PosSide:    req.PosSide,
		Price:      res.Price,
		Size:       req.Size,
		FilledSize: res.FilledSize,
		Level:      level,
		ReduceOnly: req.ReduceOnly,
		Status:     res.Status,
		Time:       t.now(),
	}
	if rec.Price <= 0 {
		rec.Price = req.Price
	}
	if err != nil {
		rec.Status = "FAILED"
		rec.Error = err.Error()
	} else {
		IncOrder(t.exchange, kind, req.Side)
		t.emit(EventOrderPlaced, fmt.Sprintf("%s %s %s %.8g @ %.8g", kind, req.Side, req.PosSide, req.Size, rec.Price), nil, nil)
	}
	if t.store != nil {
		if serr := t.store.AppendOrder(rec); serr != nil {
			log.Warn().Str("symbol", req.Symbol).Err(serr).Msg("[STORE] order not persisted")
		}
	}
	return res, err
}

func (t *Trader) persistPosition() {
	m := t.machine()
	if t.store == nil || m == nil {
		return
	}
	if err := t.store.AppendPosition(PositionRecord{Exchange: t.exchange, Time: t.now(), Position: m.Snapshot()}); err != nil {
		log.Warn().Str("symbol", t.cfg.Symbol).Err(err).Msg("[STORE] position not persisted")
	}
}

// recordTrade persists and announces a closed trade.
func (t *Trader) recordTrade(tr Trade) {
	observeTrade(tr)
	if t.store != nil {
		if err := t.store.AppendTrade(TradeRecord{Exchange: t.exchange, Trade: tr}); err != nil {
			log.Warn().Str("symbol", tr.Symbol).Err(err).Msg("[STORE] trade not persisted")
		}
	}
	log.Info().
		Str("symbol", tr.Symbol).
		Str("reason", string(tr.Reason)).
		Int("level", tr.Level).
		Float64("entry", tr.EntryPrice).
		Float64("exit", tr.ExitPrice).
		Float64("size", tr.Size).
		Float64("pnl", tr.PnL).
		Msg("[LIVE] position closed")
	t.emit(EventPositionClosed, fmt.Sprintf("%s closed %s @ %.8g pnl=%.4f", tr.Side, tr.Reason, tr.ExitPrice, tr.PnL), &tr, nil)
}

func (t *Trader) emit(kind EventKind, msg string, tr *Trade, err error) {
	if t.bus == nil {
		return
	}
	ev := Event{
		Kind:    kind,
		Symbol:  t.cfg.Symbol,
		Message: msg,
		State:   t.Snapshot().State,
		Time:    t.now(),
		Trade:   tr,
	}
	if err != nil {
		ev.Err = err.Error()
	}
	t.bus.Publish(ev)
}
