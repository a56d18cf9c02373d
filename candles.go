// FILE: candles.go
// Package main – Historical candle providers for the backtest replay.
//
// What’s here:
//   • Candle                    : time/open/high/low/close/volume bar
//   • CandleSource              : ordered bars for symbol/timeframe/range
//   • CSVSource / loadCSV       : reads time,open,high,low,close,volume
//   • BinanceKlineSource        : paged USDⓈ-M futures klines via go-binance
//   • checkCandleGaps           : logs gaps wider than the timeframe (never fills)
//
// Notes:
//   • Time column accepts RFC3339 or UNIX seconds (or ms).
//   • Unknown columns are ignored; headers are case-insensitive.
package main

import (
	"context"
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/adshao/go-binance/v2/futures"
	"github.com/rs/zerolog/log"
)

// Candle is one OHLCV bar.
type Candle struct {
	Time   time.Time `json:"time"`
	Open   float64   `json:"open"`
	High   float64   `json:"high"`
	Low    float64   `json:"low"`
	Close  float64   `json:"close"`
	Volume float64   `json:"volume"`
}

// CandleSource yields chronologically ordered candles.
type CandleSource interface {
	Candles(ctx context.Context, symbol, timeframe string, from, to time.Time) ([]Candle, error)
}

// CSVSource serves candles from a CSV file; symbol/timeframe are informational
// and an optional [from,to] window trims the rows.
type CSVSource struct {
	Path string
}

func (s CSVSource) Candles(_ context.Context, _ string, _ string, from, to time.Time) ([]Candle, error) {
	all, err := loadCSV(s.Path)
	if err != nil {
		return nil, err
	}
	return windowCandles(all, from, to), nil
}

// windowCandles keeps bars with from <= t <= to; zero bounds are open.
func windowCandles(c []Candle, from, to time.Time) []Candle {
	if from.IsZero() && to.IsZero() {
		return c
	}
	out := c[:0:0]
	for _, x := range c {
		if !from.IsZero() && x.Time.Before(from) {
			continue
		}
		if !to.IsZero() && x.Time.After(to) {
			continue
		}
		out = append(out, x)
	}
	return out
}

// loadCSV reads a generic candle CSV with headers:
// time|timestamp, open, high, low, close, volume
func loadCSV(path string) ([]Candle, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return readCSV(f)
}

func readCSV(in io.Reader) ([]Candle, error) {
	r := csv.NewReader(in)
	r.FieldsPerRecord = -1

	var out []Candle
	var headers []string
	rowIdx := 0

	for {
		rec, err := r.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, err
		}
		if rowIdx == 0 {
			headers = rec
			rowIdx++
			continue
		}
		row := map[string]string{}
		for j, h := range headers {
			k := strings.ToLower(strings.TrimSpace(h))
			if j < len(rec) {
				row[k] = strings.TrimSpace(rec[j])
			}
		}
		ts := first(row, "time", "timestamp", "open_time")
		op := first(row, "open")
		hp := first(row, "high")
		lp := first(row, "low")
		cp := first(row, "close")
		vp := first(row, "volume", "vol")
		if ts == "" || op == "" || cp == "" {
			continue
		}
		tt, err := parseTimeFlexible(ts)
		if err != nil {
			continue
		}
		o, _ := strconv.ParseFloat(op, 64)
		h, _ := strconv.ParseFloat(hp, 64)
		l, _ := strconv.ParseFloat(lp, 64)
		c, _ := strconv.ParseFloat(cp, 64)
		v, _ := strconv.ParseFloat(vp, 64)
		if hp == "" {
			h = maxf(o, c)
		}
		if lp == "" {
			l = minf(o, c)
		}
		out = append(out, Candle{Time: tt, Open: o, High: h, Low: l, Close: c, Volume: v})
		rowIdx++
	}

	sortCandles(out)
	return out, nil
}

// parseTimeFlexible supports RFC3339, UNIX seconds, or UNIX milliseconds.
func parseTimeFlexible(s string) (time.Time, error) {
	if ts, err := time.Parse(time.RFC3339, s); err == nil {
		return ts.UTC(), nil
	}
	if n, err := strconv.ParseInt(s, 10, 64); err == nil {
		if n > 1e12 {
			return time.UnixMilli(n).UTC(), nil
		}
		return time.Unix(n, 0).UTC(), nil
	}
	return time.Time{}, fmt.Errorf("bad time: %s", s)
}

// sortCandles ensures ascending time (stable, so equal stamps keep file order).
func sortCandles(c []Candle) {
	sort.SliceStable(c, func(i, j int) bool { return c[i].Time.Before(c[j].Time) })
}

// first returns the first non-empty value for keys in m.
func first(m map[string]string, keys ...string) string {
	for _, k := range keys {
		if v := m[k]; v != "" {
			return v
		}
	}
	return ""
}

func maxf(a, b float64) float64 {
	if a > b {
		return a
	}
	return b
}

func minf(a, b float64) float64 {
	if a < b {
		return a
	}
	return b
}

// parseTimeframe maps "1m","15m","1h","4h","1d" style strings to durations.
func parseTimeframe(tf string) (time.Duration, error) {
	tf = strings.TrimSpace(strings.ToLower(tf))
	if len(tf) < 2 {
		return 0, fmt.Errorf("bad timeframe %q", tf)
	}
	n, err := strconv.Atoi(tf[:len(tf)-1])
	if err != nil || n <= 0 {
		return 0, fmt.Errorf("bad timeframe %q", tf)
	}
	switch tf[len(tf)-1] {
	case 'm':
		return time.Duration(n) * time.Minute, nil
	case 'h':
		return time.Duration(n) * time.Hour, nil
	case 'd':
		return time.Duration(n) * 24 * time.Hour, nil
	case 'w':
		return time.Duration(n) * 7 * 24 * time.Hour, nil
	}
	return 0, fmt.Errorf("bad timeframe %q", tf)
}

// checkCandleGaps returns how many consecutive pairs are further apart than
// step, logging each. Gaps are tolerated, not filled.
func checkCandleGaps(symbol string, c []Candle, step time.Duration) int {
	if step <= 0 {
		return 0
	}
	gaps := 0
	for i := 1; i < len(c); i++ {
		if d := c[i].Time.Sub(c[i-1].Time); d > step {
			gaps++
			log.Warn().Str("symbol", symbol).Time("from", c[i-1].Time).Time("to", c[i].Time).
				Dur("gap", d).Msg("[BACKTEST] candle gap")
		}
	}
	return gaps
}

// ---- Binance futures klines ----

// BinanceKlineSource pages klines from Binance USDⓈ-M futures (public endpoint).
type BinanceKlineSource struct {
	Client   *futures.Client
	PageSize int
}

func NewBinanceKlineSource(testnet bool) *BinanceKlineSource {
	futures.UseTestnet = testnet
	return &BinanceKlineSource{Client: futures.NewClient("", ""), PageSize: 1500}
}

func (s *BinanceKlineSource) Candles(ctx context.Context, symbol, timeframe string, from, to time.Time) ([]Candle, error) {
	step, err := parseTimeframe(timeframe)
	if err != nil {
		return nil, err
	}
	if to.IsZero() {
		to = time.Now().UTC()
	}
	limit := s.PageSize
	if limit <= 0 || limit > 1500 {
		limit = 1500
	}
	if from.IsZero() {
		from = to.Add(-time.Duration(limit) * step)
	}
	var out []Candle
	cursor := from
	for cursor.Before(to) {
		ks, err := s.Client.NewKlinesService().
			Symbol(symbol).
			Interval(strings.ToLower(timeframe)).
			StartTime(cursor.UnixMilli()).
			EndTime(to.UnixMilli()).
			Limit(limit).
			Do(ctx)
		if err != nil {
			return nil, classifyBinanceError("klines", symbol, err)
		}
		if len(ks) == 0 {
			break
		}
		for _, k := range ks {
			out = append(out, klineToCandle(k))
		}
		last := time.UnixMilli(ks[len(ks)-1].OpenTime).UTC()
		cursor = last.Add(step)
		if len(ks) < limit {
			break
		}
	}
	sortCandles(out)
	return out, nil
}

func klineToCandle(k *futures.Kline) Candle {
	o, _ := strconv.ParseFloat(k.Open, 64)
	h, _ := strconv.ParseFloat(k.High, 64)
	l, _ := strconv.ParseFloat(k.Low, 64)
	c, _ := strconv.ParseFloat(k.Close, 64)
	v, _ := strconv.ParseFloat(k.Volume, 64)
	return Candle{Time: time.UnixMilli(k.OpenTime).UTC(), Open: o, High: h, Low: l, Close: c, Volume: v}
}
