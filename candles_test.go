package main

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/adshao/go-binance/v2/futures"
	"github.com/stretchr/testify/require"
)

func Test_ReadCSV_HeadersTimesAndOrder(t *testing.T) {
	in := strings.Join([]string{
		"Timestamp, Open, High, Low, Close, Vol",
		"2024-01-01T02:00:00Z,102,103,101,102.5,7",
		"1704067200,100,101,99,100.5,5",   // 00:00, unix seconds
		"1704070800000,101,,,101.5,6",     // 01:00, unix millis, no high/low
		"not-a-time,1,1,1,1,1",            // skipped
		"2024-01-01T03:00:00Z,,104,102,,", // no open/close: skipped
	}, "\n")

	got, err := readCSV(strings.NewReader(in))
	require.NoError(t, err)
	require.Len(t, got, 3)

	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	for i, c := range got {
		require.Equal(t, base.Add(time.Duration(i)*time.Hour), c.Time)
	}
	require.Equal(t, Candle{Time: base, Open: 100, High: 101, Low: 99, Close: 100.5, Volume: 5}, got[0])
	require.Equal(t, 101.5, got[1].High) // max(open, close)
	require.Equal(t, 101.0, got[1].Low)  // min(open, close)
	require.Equal(t, 6.0, got[1].Volume)
	require.Equal(t, 7.0, got[2].Volume)
}

func Test_LoadCSV_TimeHeaderAndWindow(t *testing.T) {
	path := filepath.Join(t.TempDir(), "btc_1h.csv")
	var b strings.Builder
	b.WriteString("time,open,high,low,close,volume\n")
	for i := 4; i >= 0; i-- {
		ts := t0.Add(time.Duration(i) * time.Hour).Format(time.RFC3339)
		b.WriteString(ts + ",100,101,99,100," + strconv.Itoa(i) + "\n")
	}
	require.NoError(t, os.WriteFile(path, []byte(b.String()), 0o644))

	all, err := loadCSV(path)
	require.NoError(t, err)
	require.Len(t, all, 5)
	require.Equal(t, t0, all[0].Time)

	got, err := CSVSource{Path: path}.Candles(context.Background(), "BTCUSDT", "1h", t0.Add(time.Hour), t0.Add(3*time.Hour))
	require.NoError(t, err)
	require.Len(t, got, 3)
	require.Equal(t, t0.Add(time.Hour), got[0].Time)
	require.Equal(t, t0.Add(3*time.Hour), got[2].Time)

	open, err := CSVSource{Path: path}.Candles(context.Background(), "BTCUSDT", "1h", t0.Add(4*time.Hour), time.Time{})
	require.NoError(t, err)
	require.Len(t, open, 1)

	_, err = loadCSV(filepath.Join(t.TempDir(), "missing.csv"))
	require.Error(t, err)
}

func Test_ParseTimeFlexible(t *testing.T) {
	want := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	for _, in := range []string{"2024-01-01T00:00:00Z", "2024-01-01T01:00:00+01:00", "1704067200", "1704067200000"} {
		got, err := parseTimeFlexible(in)
		require.NoError(t, err, in)
		require.True(t, want.Equal(got), in)
		require.Equal(t, time.UTC, got.Location(), in)
	}
	_, err := parseTimeFlexible("01/01/2024")
	require.Error(t, err)
}

func Test_ParseTimeframe(t *testing.T) {
	cases := map[string]time.Duration{"1m": time.Minute, "15m": 15 * time.Minute, "4H": 4 * time.Hour, "1d": 24 * time.Hour, "1w": 7 * 24 * time.Hour}
	for in, want := range cases {
		got, err := parseTimeframe(in)
		require.NoError(t, err, in)
		require.Equal(t, want, got, in)
	}
	for _, bad := range []string{"", "h", "0h", "5y", "xh"} {
		_, err := parseTimeframe(bad)
		require.Error(t, err, bad)
	}
}

func Test_CheckCandleGaps(t *testing.T) {
	series := []Candle{flat(0, 1), flat(1, 1), flat(3, 1), flat(4, 1)} // bar 2 missing
	require.Equal(t, 1, checkCandleGaps("BTCUSDT", series, time.Hour))
	require.Equal(t, 0, checkCandleGaps("BTCUSDT", series, 2*time.Hour))
	require.Equal(t, 0, checkCandleGaps("BTCUSDT", series, 0))

	// Gaps are reported, never filled.
	res, err := RunBacktest(series, btOptions(testStrategy(Long)))
	require.NoError(t, err)
	require.Equal(t, 1, res.Gaps)
	require.Equal(t, 4, res.Candles)
	require.Len(t, res.Equity, 4)
}

func Test_BinanceKlineSource_Pages(t *testing.T) {
	var calls int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		if r.URL.Path != "/fapi/v1/klines" || q.Get("symbol") != "BTCUSDT" || q.Get("interval") != "1h" {
			http.NotFound(w, r)
			return
		}
		start, _ := strconv.ParseInt(q.Get("startTime"), 10, 64)
		calls++
		n := 2
		if calls > 1 {
			n = 1 // short page ends the walk
		}
		var rows [][]any
		for i := 0; i < n; i++ {
			ot := start + int64(i)*time.Hour.Milliseconds()
			px := strconv.Itoa(100 + int(ot/time.Hour.Milliseconds())%10)
			rows = append(rows, []any{ot, px, px, px, px, "1", ot + time.Hour.Milliseconds() - 1, "0", 1, "0", "0", "0"})
		}
		_ = json.NewEncoder(w).Encode(rows)
	}))
	defer srv.Close()

	client := futures.NewClient("", "")
	client.BaseURL = srv.URL
	src := &BinanceKlineSource{Client: client, PageSize: 2}

	got, err := src.Candles(context.Background(), "BTCUSDT", "1h", t0, t0.Add(10*time.Hour))
	require.NoError(t, err)
	require.Equal(t, 2, calls)
	require.Len(t, got, 3)
	for i, c := range got {
		require.Equal(t, t0.Add(time.Duration(i)*time.Hour), c.Time)
		require.Positive(t, c.Close)
	}

	_, err = src.Candles(context.Background(), "BTCUSDT", "7x", t0, t0.Add(time.Hour))
	require.Error(t, err)
}
