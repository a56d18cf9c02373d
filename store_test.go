package main

import (
	"bufio"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func countLines(t *testing.T, path string) int {
	t.Helper()
	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()
	n := 0
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		var v map[string]any
		require.NoError(t, json.Unmarshal(sc.Bytes(), &v))
		n++
	}
	require.NoError(t, sc.Err())
	return n
}

func Test_FileStore_AppendsJSONLines(t *testing.T) {
	dir := t.TempDir()
	s, err := NewFileStore(dir)
	require.NoError(t, err)

	rec := OrderRecord{ID: "1", Exchange: "paper", Symbol: "BTCUSDT", Kind: "entry", Side: SideBuy, Size: 1, Time: t0}
	require.NoError(t, s.AppendOrder(rec))
	rec.ID = "2"
	require.NoError(t, s.AppendOrder(rec))
	require.NoError(t, s.AppendOrder(OrderRecord{ID: "3", Exchange: "paper", Symbol: "ETHUSDT"}))

	require.Equal(t, 2, countLines(t, filepath.Join(dir, "orders", "paper_BTCUSDT.jsonl")))
	require.Equal(t, 1, countLines(t, filepath.Join(dir, "orders", "paper_ETHUSDT.jsonl")))

	require.NoError(t, s.AppendPosition(PositionRecord{Exchange: "okx", Time: t0, Position: Position{Symbol: "BTCUSDT", State: StateOpen}}))
	require.Equal(t, 1, countLines(t, filepath.Join(dir, "positions", "okx_BTCUSDT.jsonl")))

	tr := Trade{ID: "t1", Symbol: "BTCUSDT", Side: Long, PnL: 1.5, Reason: ReasonTP}
	require.NoError(t, s.AppendTrade(TradeRecord{Exchange: "paper", Trade: tr}))
	bs, err := os.ReadFile(filepath.Join(dir, "trades", "paper_BTCUSDT.jsonl"))
	require.NoError(t, err)
	var got TradeRecord
	require.NoError(t, json.Unmarshal(bs, &got))
	require.Equal(t, "paper", got.Exchange)
	require.Equal(t, tr.ID, got.ID)
	require.Equal(t, tr.Reason, got.Reason)
	require.InDelta(t, tr.PnL, got.PnL, 1e-12)
}

func Test_FileStore_SaveBacktestAtomic(t *testing.T) {
	dir := t.TempDir()
	s, err := NewFileStore(dir)
	require.NoError(t, err)

	res, err := RunBacktest(wave(200), btOptions(martingaleStrategy()))
	require.NoError(t, err)
	res.RunID = "run-1"
	require.NoError(t, s.SaveBacktest(res))

	path := s.BacktestPath(res)
	require.FileExists(t, path)
	require.NoFileExists(t, path+".tmp")

	back, err := LoadBacktest(path)
	require.NoError(t, err)
	require.Equal(t, res.RunID, back.RunID)
	require.Equal(t, res.Strategy, back.Strategy)
	require.Len(t, back.Trades, len(res.Trades))
	require.Len(t, back.Equity, len(res.Equity))
	require.InDelta(t, res.Summary.TotalReturnPct, back.Summary.TotalReturnPct, 1e-9)
}

func Test_MemoryStore_Filters(t *testing.T) {
	s := NewMemoryStore()
	require.NoError(t, s.AppendTrade(TradeRecord{Trade: Trade{ID: "a", Symbol: "BTCUSDT"}}))
	require.NoError(t, s.AppendTrade(TradeRecord{Trade: Trade{ID: "b", Symbol: "ETHUSDT"}}))
	require.NoError(t, s.AppendOrder(OrderRecord{ID: "o", Symbol: "ETHUSDT"}))

	require.Len(t, s.TradesFor("BTCUSDT"), 1)
	require.Equal(t, "b", s.TradesFor("ETHUSDT")[0].ID)
	require.Len(t, s.OrdersFor("ETHUSDT"), 1)
	require.Empty(t, s.OrdersFor("BTCUSDT"))
}

func Test_FileKeySanitizes(t *testing.T) {
	require.Equal(t, "bridge_BTC-USDT", fileKey("bridge", "BTC/USDT"))
	require.Equal(t, "____x", fileKey("", "", "x"))
}
