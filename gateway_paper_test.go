package main

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

// stubFeed is a settable market price.
type stubFeed struct {
	mu   sync.Mutex
	last float64
	err  error
}

func (f *stubFeed) set(px float64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.last = px
}

func (f *stubFeed) GetTicker(_ context.Context, symbol string) (Ticker, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return Ticker{}, f.err
	}
	return Ticker{Symbol: symbol, Last: f.last, Bid: f.last, Ask: f.last}, nil
}

func Test_PaperGateway_FollowsFeed(t *testing.T) {
	ctx := context.Background()
	pg := NewPaperGateway(60000, 0)
	feed := &stubFeed{last: 100}
	pg.SetFeed(feed)

	tk, err := pg.GetTicker(ctx, "BTCUSDT")
	require.NoError(t, err)
	require.Equal(t, 100.0, tk.Last)

	res, err := pg.PlaceMarketOrder(ctx, OrderRequest{Symbol: "BTCUSDT", Side: SideBuy, PosSide: Long, Size: 1})
	require.NoError(t, err)
	require.Equal(t, 100.0, res.Price)
	_, err = pg.PlaceLimitOrder(ctx, OrderRequest{Symbol: "BTCUSDT", Side: SideBuy, PosSide: Long, Size: 1, Price: 99})
	require.NoError(t, err)

	// The feed crosses the resting buy; the next ticker poll fills it.
	feed.set(98.5)
	tk, err = pg.GetTicker(ctx, "BTCUSDT")
	require.NoError(t, err)
	require.Equal(t, 98.5, tk.Last)

	open, err := pg.GetOpenOrders(ctx, "BTCUSDT")
	require.NoError(t, err)
	require.Empty(t, open)
	ps, err := pg.GetPositions(ctx, "BTCUSDT")
	require.NoError(t, err)
	require.Len(t, ps, 1)
	require.InDelta(t, 2, ps[0].Size, 1e-12)
	require.InDelta(t, 99.5, ps[0].EntryPrice, 1e-12)
	require.Equal(t, 98.5, ps[0].MarkPrice)
}

func Test_PaperGateway_FeedErrorsAndGaps(t *testing.T) {
	ctx := context.Background()
	pg := NewPaperGateway(60000, 0)
	feed := &stubFeed{err: newGatewayError(KindNetwork, "GetTicker", "BTCUSDT", errors.New("timeout"))}
	pg.SetFeed(feed)

	_, err := pg.GetTicker(ctx, "BTCUSDT")
	require.Error(t, err)
	require.True(t, IsTransient(err))

	// A feed without a last price leaves the book where it was.
	feed.err = nil
	tk, err := pg.GetTicker(ctx, "BTCUSDT")
	require.NoError(t, err)
	require.Equal(t, 60000.0, tk.Last)
}

func Test_Trader_DryRunTradesOnFeedPrices(t *testing.T) {
	cfg := ladderStrategy()
	pg := newPaper(60000)
	feed := &stubFeed{last: 100}
	pg.SetFeed(feed)
	rig := newLiveRig(t, cfg, pg, true)

	rig.step(t)
	snap := rig.tr.Snapshot()
	require.Equal(t, StateOpen, snap.State)
	require.InDelta(t, 100, snap.EntryPrice, 1e-9)

	feed.set(99)
	rig.step(t)
	snap = rig.tr.Snapshot()
	require.Equal(t, 1, snap.Level)

	feed.set(snap.TP)
	rig.step(t)
	trades := rig.store.TradesFor(cfg.Symbol)
	require.Len(t, trades, 1)
	require.Equal(t, ReasonTP, trades[0].Reason)
	require.Zero(t, venueSize(t, pg, cfg.Symbol))
}

func Test_Registry_PaperFeedSelection(t *testing.T) {
	g, err := newRegistryFromConfig(Config{PaperFeed: "none", PaperStartPrice: 123}).Get("paper")
	require.NoError(t, err)
	tk, err := g.GetTicker(context.Background(), "BTCUSDT")
	require.NoError(t, err)
	require.Equal(t, 123.0, tk.Last)

	g, err = newRegistryFromConfig(Config{PaperFeed: "binance"}).Get("paper")
	require.NoError(t, err)
	require.IsType(t, &BinanceGateway{}, g.(*PaperGateway).feed)

	_, err = newRegistryFromConfig(Config{PaperFeed: "bridge"}).Get("paper")
	require.Error(t, err)
	_, err = newRegistryFromConfig(Config{PaperFeed: "ticker-tape"}).Get("paper")
	require.Error(t, err)
}
