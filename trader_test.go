package main

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type liveRig struct {
	tr    *Trader
	pg    *PaperGateway
	store *MemoryStore
	bus   *EventBus
	evs   <-chan Event
}

func newPaper(price float64) *PaperGateway {
	pg := NewPaperGateway(price, 0.0005)
	pg.SetInstrument(Instrument{PricePrecision: 8, AmountPrecision: 8})
	return pg
}

// newLiveRig builds a trader on a paper venue with a fixed clock. setup is
// run unless the caller wants to drive Run itself.
func newLiveRig(t *testing.T, cfg StrategyConfig, pg *PaperGateway, setup bool) *liveRig {
	t.Helper()
	return newLiveRigOn(t, cfg, pg, pg, setup)
}

// newLiveRigOn trades through gw, a wrapper around pg.
func newLiveRigOn(t *testing.T, cfg StrategyConfig, pg *PaperGateway, gw Gateway, setup bool) *liveRig {
	t.Helper()
	store := NewMemoryStore()
	bus := NewEventBus()
	evs, cancel := bus.Channel(256)
	t.Cleanup(cancel)
	n := 0
	tr := NewTrader(cfg, gw, TraderOptions{
		PollInterval: 2 * time.Millisecond,
		Store:        store,
		Bus:          bus,
		Now:          func() time.Time { return t0 },
		NewID:        func() string { n++; return fmt.Sprintf("live-%d", n) },
	})
	if setup {
		require.NoError(t, tr.setup(context.Background()))
	}
	return &liveRig{tr: tr, pg: pg, store: store, bus: bus, evs: evs}
}

func (r *liveRig) step(t *testing.T) {
	t.Helper()
	require.NoError(t, r.tr.step(context.Background()))
}

// kinds drains buffered events.
func (r *liveRig) kinds() []EventKind {
	var out []EventKind
	for {
		select {
		case ev := <-r.evs:
			out = append(out, ev.Kind)
		default:
			return out
		}
	}
}

func venueSize(t *testing.T, pg *PaperGateway, symbol string) float64 {
	t.Helper()
	ps, err := pg.GetPositions(context.Background(), symbol)
	require.NoError(t, err)
	var sz float64
	for _, p := range ps {
		sz += p.Size
	}
	return sz
}

func ladderStrategy() StrategyConfig {
	cfg := testStrategy(Long)
	cfg.Martingale = true
	cfg.LadderSteps = 2
	cfg.LadderOffsetPct = 1
	return cfg
}

func Test_Trader_LiveMatchesBacktestPnL(t *testing.T) {
	cfg := ladderStrategy()

	// Backtest: enter at 100 on bar 1, rung 1 at 99 on bar 2, TP on bar 3.
	res, err := RunBacktest([]Candle{
		flat(0, 100),
		flat(1, 100),
		flat(2, 99),
		bar(3, 99, 101, 99, 100.6),
		flat(4, 100.6),
	}, btOptions(cfg))
	require.NoError(t, err)
	require.Len(t, res.Trades, 1)
	bt := res.Trades[0]
	require.Equal(t, ReasonTP, bt.Reason)

	// Live on the paper venue, same path.
	pg := newPaper(100)
	rig := newLiveRig(t, cfg, pg, true)
	rig.step(t)
	require.Equal(t, StateOpen, rig.tr.Snapshot().State)

	pg.SetPrice(cfg.Symbol, 99)
	rig.step(t)
	snap := rig.tr.Snapshot()
	require.Equal(t, 1, snap.Level)
	require.InDelta(t, 99.5, snap.AvgPrice, 1e-12)
	require.InDelta(t, 2.0, venueSize(t, pg, cfg.Symbol), 1e-12)

	pg.SetPrice(cfg.Symbol, snap.TP)
	rig.step(t)
	require.Equal(t, StateFlat, rig.tr.Snapshot().State)

	live := rig.store.TradesFor(cfg.Symbol)
	require.Len(t, live, 1)
	require.Equal(t, bt.Reason, live[0].Reason)
	require.Equal(t, bt.Level, live[0].Level)
	require.InDelta(t, bt.EntryPrice, live[0].EntryPrice, 1e-9)
	require.InDelta(t, bt.ExitPrice, live[0].ExitPrice, 1e-9)
	require.InDelta(t, bt.Size, live[0].Size, 1e-12)
	require.InDelta(t, bt.Fees, live[0].Fees, 1e-9)
	require.InDelta(t, bt.PnL, live[0].PnL, 1e-9)
	require.Zero(t, venueSize(t, pg, cfg.Symbol))

	// AutoRestart is off: the worker is done after one cycle.
	require.ErrorIs(t, rig.tr.step(context.Background()), errCycleDone)

	kinds := rig.kinds()
	require.Contains(t, kinds, EventPositionOpened)
	require.Contains(t, kinds, EventLadderFilled)
	require.Contains(t, kinds, EventPositionClosed)
	require.Len(t, rig.store.OrdersFor(cfg.Symbol), 3) // entry, ladder, exit
}

func Test_Trader_AutoRestartHonoursCooldown(t *testing.T) {
	cfg := testStrategy(Long)
	cfg.AutoRestart = true
	pg := newPaper(100)
	clock := t0
	tr := NewTrader(cfg, pg, TraderOptions{
		RestartCooldown: time.Minute,
		Store:           NewMemoryStore(),
		Now:             func() time.Time { return clock },
	})
	ctx := context.Background()
	require.NoError(t, tr.setup(ctx))
	require.NoError(t, tr.step(ctx))

	pg.SetPrice(cfg.Symbol, 101)
	require.NoError(t, tr.step(ctx))
	require.Equal(t, StateFlat, tr.Snapshot().State)

	clock = t0.Add(30 * time.Second)
	require.NoError(t, tr.step(ctx))
	require.Equal(t, StateFlat, tr.Snapshot().State)

	clock = t0.Add(61 * time.Second)
	require.NoError(t, tr.step(ctx))
	require.Equal(t, StateOpen, tr.Snapshot().State)
	require.InDelta(t, 101.0, tr.Snapshot().EntryPrice, 1e-12)
}

func Test_Trader_RecoversForeignPosition(t *testing.T) {
	cfg := testStrategy(Long)
	pg := newPaper(100)
	pg.InjectPosition(cfg.Symbol, Short, 0.5, 100)

	rig := newLiveRig(t, cfg, pg, true)
	require.Zero(t, venueSize(t, pg, cfg.Symbol))
	require.Equal(t, StateFlat, rig.tr.Snapshot().State)

	orders := rig.store.OrdersFor(cfg.Symbol)
	require.Len(t, orders, 1)
	require.Equal(t, "recover", orders[0].Kind)
	require.Equal(t, SideBuy, orders[0].Side)
	require.True(t, orders[0].ReduceOnly)
	require.Contains(t, rig.kinds(), EventRecovered)
}

func Test_Trader_DesyncVenueFlatForcesReconcile(t *testing.T) {
	cfg := testStrategy(Long)
	pg := newPaper(100)
	rig := newLiveRig(t, cfg, pg, true)
	rig.step(t)
	require.Equal(t, StateOpen, rig.tr.Snapshot().State)

	// The venue lost the position (e.g. liquidated or closed by hand).
	pg.InjectPosition(cfg.Symbol, Long, 0, 0)
	pg.SetPrice(cfg.Symbol, 100.5)
	rig.step(t)

	require.Equal(t, StateFlat, rig.tr.Snapshot().State)
	trades := rig.store.TradesFor(cfg.Symbol)
	require.Len(t, trades, 1)
	require.Equal(t, ReasonReconcile, trades[0].Reason)
	require.InDelta(t, 100.5, trades[0].ExitPrice, 1e-12)
	require.Contains(t, rig.kinds(), EventError)
}

func Test_Trader_DesyncSizeMismatchFlattensVenue(t *testing.T) {
	cfg := testStrategy(Long)
	pg := newPaper(100)
	rig := newLiveRig(t, cfg, pg, true)
	rig.step(t)

	pg.InjectPosition(cfg.Symbol, Long, 3, 100)
	rig.step(t)

	require.Equal(t, StateFlat, rig.tr.Snapshot().State)
	require.Zero(t, venueSize(t, pg, cfg.Symbol))
	trades := rig.store.TradesFor(cfg.Symbol)
	require.Len(t, trades, 1)
	require.Equal(t, ReasonReconcile, trades[0].Reason)
}

func Test_Trader_LimitLadderRestingRungs(t *testing.T) {
	cfg := ladderStrategy()
	cfg.LadderOrderType = LadderLimit
	pg := newPaper(100)
	rig := newLiveRig(t, cfg, pg, true)
	rig.step(t)

	snap := rig.tr.Snapshot()
	require.Len(t, snap.Ladder, 2)
	for _, r := range snap.Ladder {
		require.NotEmpty(t, r.OrderID)
	}
	open, err := pg.GetOpenOrders(context.Background(), cfg.Symbol)
	require.NoError(t, err)
	require.Len(t, open, 2)

	// The venue fills rung 1; the next poll acknowledges it without a new order.
	pg.SetPrice(cfg.Symbol, 99)
	rig.step(t)
	snap = rig.tr.Snapshot()
	require.Equal(t, StateOpen, snap.State)
	require.Equal(t, 1, snap.Level)
	require.InDelta(t, 99.5, snap.AvgPrice, 1e-12)
	require.Equal(t, 1, pg.Calls("PlaceMarketOrder"))

	pg.SetPrice(cfg.Symbol, snap.TP)
	rig.step(t)
	require.Equal(t, StateFlat, rig.tr.Snapshot().State)
	open, err = pg.GetOpenOrders(context.Background(), cfg.Symbol)
	require.NoError(t, err)
	require.Empty(t, open)
}

func Test_Trader_RejectedEntryIsAbandoned(t *testing.T) {
	cfg := testStrategy(Long)
	pg := newPaper(100)
	rig := newLiveRig(t, cfg, pg, true)
	pg.FailNext("PlaceMarketOrder", newGatewayError(KindRejected, "PlaceMarketOrder", cfg.Symbol, errors.New("insufficient margin")))

	rig.step(t)
	require.Equal(t, StateFlat, rig.tr.Snapshot().State)
	orders := rig.store.OrdersFor(cfg.Symbol)
	require.Len(t, orders, 1)
	require.Equal(t, "FAILED", orders[0].Status)
	require.Contains(t, orders[0].Error, "insufficient margin")
	require.Contains(t, rig.kinds(), EventError)

	// Next poll tries again.
	rig.step(t)
	require.Equal(t, StateOpen, rig.tr.Snapshot().State)
}

func Test_Trader_RejectedLadderFillReconcilesNextPoll(t *testing.T) {
	cfg := ladderStrategy()
	pg := newPaper(100)
	rig := newLiveRig(t, cfg, pg, true)
	rig.step(t)

	pg.FailNext("PlaceMarketOrder", newGatewayError(KindRejected, "PlaceMarketOrder", cfg.Symbol, errors.New("rejected")))
	pg.SetPrice(cfg.Symbol, 99)
	rig.step(t)
	snap := rig.tr.Snapshot()
	require.Equal(t, StateOpen, snap.State)
	require.True(t, snap.Ladder[0].Filled)
	require.InDelta(t, 2.0, snap.TotalSize, 1e-12)
	require.InDelta(t, 1.0, venueSize(t, pg, cfg.Symbol), 1e-12)

	rig.step(t)
	require.Equal(t, StateFlat, rig.tr.Snapshot().State)
	trades := rig.store.TradesFor(cfg.Symbol)
	require.Len(t, trades, 1)
	require.Equal(t, ReasonReconcile, trades[0].Reason)
}

func Test_Trader_FailedExitRetriesNextPoll(t *testing.T) {
	cfg := testStrategy(Long)
	pg := newPaper(100)
	rig := newLiveRig(t, cfg, pg, true)
	rig.step(t)

	pg.FailNext("PlaceMarketOrder", newGatewayError(KindNetwork, "PlaceMarketOrder", cfg.Symbol, errors.New("timeout")))
	pg.SetPrice(cfg.Symbol, 101)
	rig.step(t)
	require.Equal(t, StateOpen, rig.tr.Snapshot().State)

	rig.step(t)
	require.Equal(t, StateFlat, rig.tr.Snapshot().State)
	require.Len(t, rig.store.TradesFor(cfg.Symbol), 1)
}

func Test_Trader_TransientErrorKeepsLooping(t *testing.T) {
	cfg := testStrategy(Long)
	pg := newPaper(100)
	rig := newLiveRig(t, cfg, pg, true)
	rig.step(t)

	pg.FailNext("GetTicker", newGatewayError(KindNetwork, "GetTicker", cfg.Symbol, errors.New("reset by peer")))
	rig.step(t)
	require.Equal(t, StateOpen, rig.tr.Snapshot().State)
	require.Contains(t, rig.kinds(), EventError)
}

func Test_Trader_AuthErrorIsFatal(t *testing.T) {
	cfg := testStrategy(Long)
	pg := newPaper(100)
	rig := newLiveRig(t, cfg, pg, true)
	rig.step(t)

	pg.FailNext("GetTicker", newGatewayError(KindAuth, "GetTicker", cfg.Symbol, errors.New("invalid api key")))
	err := rig.tr.step(context.Background())
	require.Error(t, err)
	require.True(t, IsAuth(err))
	snap := rig.tr.Snapshot()
	require.Equal(t, StateError, snap.State)
	require.Contains(t, snap.LastError, "invalid api key")
}

func Test_Trader_SizingErrorStopsWorker(t *testing.T) {
	cfg := testStrategy(Long)
	pg := newPaper(100)
	pg.SetInstrument(Instrument{PricePrecision: 2, AmountPrecision: 3, MinAmount: 5})
	rig := newLiveRig(t, cfg, pg, true)

	err := rig.tr.step(context.Background())
	var se *SizingError
	require.ErrorAs(t, err, &se)
	require.Equal(t, StateFlat, rig.tr.Snapshot().State)
	require.Zero(t, pg.Calls("PlaceMarketOrder"))
}

func Test_Trader_StopBeforeOrderPlacesNothing(t *testing.T) {
	cfg := testStrategy(Long)
	pg := newPaper(100)
	rig := newLiveRig(t, cfg, pg, true)
	rig.tr.Stop(StopKeep)

	rig.step(t)
	require.Equal(t, StateFlat, rig.tr.Snapshot().State)
	require.Zero(t, pg.Calls("PlaceMarketOrder"))
}

func runRig(t *testing.T, rig *liveRig) {
	t.Helper()
	go func() { _ = rig.tr.Run(context.Background()) }()
	require.Eventually(t, func() bool { return rig.tr.Snapshot().State == StateOpen }, 2*time.Second, 5*time.Millisecond)
}

func Test_Trader_StopKeepLeavesPosition(t *testing.T) {
	cfg := testStrategy(Long)
	pg := newPaper(100)
	rig := newLiveRig(t, cfg, pg, false)
	runRig(t, rig)

	rig.tr.Stop(StopKeep)
	require.NoError(t, rig.tr.Wait())
	require.Equal(t, StateOpen, rig.tr.Snapshot().State)
	require.InDelta(t, 1.0, venueSize(t, pg, cfg.Symbol), 1e-12)
	require.Empty(t, rig.store.TradesFor(cfg.Symbol))
	require.Contains(t, rig.kinds(), EventStopped)
}

func Test_Trader_StopCleanFlattens(t *testing.T) {
	cfg := ladderStrategy()
	cfg.LadderOrderType = LadderLimit
	pg := newPaper(100)
	rig := newLiveRig(t, cfg, pg, false)
	runRig(t, rig)
	require.Eventually(t, func() bool {
		open, _ := pg.GetOpenOrders(context.Background(), cfg.Symbol)
		return len(open) == 2
	}, 2*time.Second, 5*time.Millisecond)

	rig.tr.Stop(StopClean)
	require.NoError(t, rig.tr.Wait())
	require.Equal(t, StateFlat, rig.tr.Snapshot().State)
	require.Zero(t, venueSize(t, pg, cfg.Symbol))
	open, err := pg.GetOpenOrders(context.Background(), cfg.Symbol)
	require.NoError(t, err)
	require.Empty(t, open)

	trades := rig.store.TradesFor(cfg.Symbol)
	require.Len(t, trades, 1)
	require.Equal(t, ReasonBotStop, trades[0].Reason)
}

func Test_Trader_StopCleanSurfacesFailures(t *testing.T) {
	cfg := testStrategy(Long)
	pg := newPaper(100)
	rig := newLiveRig(t, cfg, pg, false)
	runRig(t, rig)

	pg.FailNext("CancelAllOrders", newGatewayError(KindNetwork, "CancelAllOrders", cfg.Symbol, errors.New("timeout")))
	rig.tr.Stop(StopClean)
	err := rig.tr.Wait()
	require.Error(t, err)
	require.Contains(t, err.Error(), "cancel orders")

	// The close itself went through, so the position is booked.
	require.Equal(t, StateFlat, rig.tr.Snapshot().State)
	require.Zero(t, venueSize(t, pg, cfg.Symbol))
}

func Test_Supervisor_StartStop(t *testing.T) {
	pg := newPaper(100)
	reg := NewGatewayRegistry(0, RetryPolicy{Attempts: 1})
	reg.Put("paper", pg)
	store := NewMemoryStore()
	sup := NewSupervisor(context.Background(), reg, store, NewEventBus(), 2*time.Millisecond, 0)

	cfg := testStrategy(Long)
	eth := testStrategy(Long)
	eth.Symbol = "ETHUSDT"
	require.NoError(t, sup.Start(cfg))
	require.NoError(t, sup.Start(eth))
	require.Error(t, sup.Start(cfg), "second worker for the same symbol")

	require.Eventually(t, func() bool {
		ps := sup.Snapshots()
		return len(ps) == 2 && ps[0].State == StateOpen && ps[1].State == StateOpen
	}, 2*time.Second, 5*time.Millisecond)
	ps := sup.Snapshots()
	require.Equal(t, "BTCUSDT", ps[0].Symbol)
	require.Equal(t, "ETHUSDT", ps[1].Symbol)

	require.NoError(t, sup.Stop("ETHUSDT", StopKeep))
	snap, ok := sup.Snapshot("ETHUSDT")
	require.True(t, ok)
	require.Equal(t, StateOpen, snap.State)

	require.NoError(t, sup.StopAll(StopClean))
	sup.Wait()
	snap, ok = sup.Snapshot("BTCUSDT")
	require.True(t, ok)
	require.Equal(t, StateFlat, snap.State)
	require.Len(t, store.TradesFor("BTCUSDT"), 1)

	require.Error(t, sup.Stop("XRPUSDT", StopKeep))
	_, ok = sup.Snapshot("XRPUSDT")
	require.False(t, ok)

	bad := testStrategy(Long)
	bad.Leverage = 0
	require.Error(t, sup.Start(bad))
}

// recordingGateway keeps every market order request and can hide the fill of
// the next entry, like a venue that acks before it reports executions.
type recordingGateway struct {
	*PaperGateway
	mu       sync.Mutex
	market   []OrderRequest
	hideFill bool
}

func (g *recordingGateway) PlaceMarketOrder(ctx context.Context, req OrderRequest) (OrderResult, error) {
	res, err := g.PaperGateway.PlaceMarketOrder(ctx, req)
	g.mu.Lock()
	defer g.mu.Unlock()
	g.market = append(g.market, req)
	if err == nil && g.hideFill && !req.ReduceOnly {
		g.hideFill = false
		res.FilledSize = 0
		res.Status = "NEW"
	}
	return res, err
}

func (g *recordingGateway) requests() []OrderRequest {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]OrderRequest(nil), g.market...)
}

func Test_Trader_LadderEntryCarriesNoVenuePresets(t *testing.T) {
	cfg := ladderStrategy()
	cfg.Exchange = "okx"
	cfg.SLPct = 2
	pg := newPaper(100)
	gw := &recordingGateway{PaperGateway: pg}
	rig := newLiveRigOn(t, cfg, pg, gw, true)

	rig.step(t)
	pg.SetPrice(cfg.Symbol, 99)
	rig.step(t)
	snap := rig.tr.Snapshot()
	require.Equal(t, 1, snap.Level)
	require.InDelta(t, 99.5*1.01, snap.TP, 1e-9)

	reqs := gw.requests()
	require.Len(t, reqs, 2) // entry, rung 1
	for _, req := range reqs {
		require.Empty(t, req.Params)
	}

	// Exits follow the re-averaged TP, not the entry's 101.
	pg.SetPrice(cfg.Symbol, snap.TP)
	rig.step(t)
	trades := rig.store.TradesFor(cfg.Symbol)
	require.Len(t, trades, 1)
	require.Equal(t, ReasonTP, trades[0].Reason)
	require.InDelta(t, snap.TP, trades[0].ExitPrice, 1e-9)
}

func Test_Trader_SingleEntryCarriesVenuePresets(t *testing.T) {
	cfg := testStrategy(Long)
	cfg.Exchange = "okx"
	cfg.SLPct = 2
	pg := newPaper(100)
	gw := &recordingGateway{PaperGateway: pg}
	rig := newLiveRigOn(t, cfg, pg, gw, true)

	rig.step(t)
	snap := rig.tr.Snapshot()
	require.Equal(t, StateOpen, snap.State)
	reqs := gw.requests()
	require.Len(t, reqs, 1)
	require.Equal(t, map[string]string{
		"tpTriggerPx": formatFixed(snap.TP, 8),
		"slTriggerPx": formatFixed(snap.SL, 8),
	}, reqs[0].Params)
}

func Test_Trader_UnreportedEntryFillSettlesFromVenue(t *testing.T) {
	cfg := testStrategy(Long)
	pg := newPaper(100)
	gw := &recordingGateway{PaperGateway: pg, hideFill: true}
	rig := newLiveRigOn(t, cfg, pg, gw, true)

	rig.step(t)
	require.Equal(t, StateEntering, rig.tr.Snapshot().State)
	held := venueSize(t, pg, cfg.Symbol)
	require.Positive(t, held)

	// The venue holds the fill: confirmed, not re-entered.
	rig.step(t)
	snap := rig.tr.Snapshot()
	require.Equal(t, StateOpen, snap.State)
	require.InDelta(t, held, snap.TotalSize, 1e-12)
	require.InDelta(t, 100, snap.EntryPrice, 1e-9)
	require.Len(t, gw.requests(), 1)
	require.InDelta(t, held, venueSize(t, pg, cfg.Symbol), 1e-12)
	require.Contains(t, rig.kinds(), EventPositionOpened)
}

func Test_Trader_UnfilledEntryAbandonsOnFlatVenue(t *testing.T) {
	cfg := testStrategy(Long)
	pg := newPaper(100)
	gw := &recordingGateway{PaperGateway: pg, hideFill: true}
	rig := newLiveRigOn(t, cfg, pg, gw, true)

	rig.step(t)
	require.Equal(t, StateEntering, rig.tr.Snapshot().State)
	// The order never executed after all.
	flatten(t, pg, cfg.Symbol)

	rig.step(t)
	require.Equal(t, StateFlat, rig.tr.Snapshot().State)
}

// flatten closes every paper position for symbol.
func flatten(t *testing.T, pg *PaperGateway, symbol string) {
	t.Helper()
	ps, err := pg.GetPositions(context.Background(), symbol)
	require.NoError(t, err)
	for _, p := range ps {
		_, err := pg.PlaceMarketOrder(context.Background(), OrderRequest{
			Symbol: symbol, Side: p.Side.ExitSide(), PosSide: p.Side, Size: p.Size, ReduceOnly: true,
		})
		require.NoError(t, err)
	}
	require.Zero(t, venueSize(t, pg, symbol))
}
