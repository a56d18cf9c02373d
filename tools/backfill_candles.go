// Build a backtest CSV by paging candles backward in time.
//
// Usage:
//   go run ./tools -source binance -symbol BTCUSDT -interval 1h -limit 1500 -pages 10 -out data/BTCUSDT_1h.csv
//   BRIDGE_URL=http://localhost:8787 go run ./tools -source bridge -symbol BTCUSDT -interval 1h -out data/BTCUSDT_1h.csv
//
// Notes:
// - binance pages USDⓈ-M futures klines (public endpoint, no key needed).
// - bridge pages the sidecar's /candles endpoint, which returns
//   [{"start","open","high","low","close","volume"}] with numbers or strings.
// - Rows are deduped by open time, sorted ascending and written with RFC3339
//   timestamps; the header is what the backtest loader wants.

package main

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"flag"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/adshao/go-binance/v2/futures"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

type candleRow struct {
	Start  int64 // unix seconds
	Open   string
	High   string
	Low    string
	Close  string
	Volume string
}

func main() {
	var (
		source   = flag.String("source", "binance", "binance | bridge")
		symbol   = flag.String("symbol", "BTCUSDT", "Symbol (e.g., BTCUSDT)")
		interval = flag.String("interval", "1h", "Candle interval (1m, 5m, 15m, 1h, 4h, 1d)")
		limit    = flag.Int("limit", 1000, "Candles per page")
		pages    = flag.Int("pages", 10, "How many pages to fetch (backwards)")
		testnet  = flag.Bool("testnet", false, "Use the Binance futures testnet")
		outPath  = flag.String("out", "data/candles.csv", "Output CSV path")
	)
	flag.Parse()
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})

	step, err := intervalDuration(*interval)
	if err != nil {
		log.Fatal().Err(err).Msg("interval")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Minute)
	defer cancel()

	var fetch func(ctx context.Context, start, end time.Time) ([]candleRow, error)
	switch *source {
	case "binance":
		futures.UseTestnet = *testnet
		client := futures.NewClient("", "")
		fetch = func(ctx context.Context, start, end time.Time) ([]candleRow, error) {
			return fetchBinance(ctx, client, *symbol, *interval, *limit, start, end)
		}
	case "bridge":
		bridge := strings.TrimRight(getenv("BRIDGE_URL", "http://bridge:8787"), "/")
		hc := &http.Client{Timeout: 15 * time.Second}
		fetch = func(ctx context.Context, start, end time.Time) ([]candleRow, error) {
			return fetchBridge(ctx, hc, bridge, *symbol, *interval, *limit, start, end)
		}
	default:
		log.Fatal().Str("source", *source).Msg("unknown source")
	}

	end := time.Now().UTC()
	all := make([]candleRow, 0, (*limit)*(*pages))
	for p := 0; p < *pages; p++ {
		start := end.Add(-time.Duration(*limit) * step)
		batch, err := fetch(ctx, start, end)
		if err != nil {
			log.Fatal().Err(err).Int("page", p).Msg("fetch")
		}
		if len(batch) == 0 {
			// Nothing older in this window; stop early.
			break
		}
		all = append(all, batch...)
		log.Info().Int("page", p).Int("rows", len(batch)).Time("from", start).Msg("[BACKFILL]")
		end = start
	}

	// Dedupe by open time and sort ascending
	dedup := make(map[int64]candleRow, len(all))
	for _, r := range all {
		dedup[r.Start] = r
	}
	all = all[:0]
	for _, r := range dedup {
		all = append(all, r)
	}
	sort.Slice(all, func(i, j int) bool { return all[i].Start < all[j].Start })

	if err := writeCSV(*outPath, all); err != nil {
		log.Fatal().Err(err).Msg("write")
	}
	fmt.Printf("Wrote %s (%d rows)\n", *outPath, len(all))
}

func fetchBinance(ctx context.Context, client *futures.Client, symbol, interval string, limit int, start, end time.Time) ([]candleRow, error) {
	if limit <= 0 || limit > 1500 {
		limit = 1500
	}
	ks, err := client.NewKlinesService().
		Symbol(symbol).
		Interval(interval).
		StartTime(start.UnixMilli()).
		EndTime(end.UnixMilli() - 1).
		Limit(limit).
		Do(ctx)
	if err != nil {
		return nil, fmt.Errorf("klines %s: %w", symbol, err)
	}
	out := make([]candleRow, 0, len(ks))
	for _, k := range ks {
		out = append(out, candleRow{
			Start:  k.OpenTime / 1000,
			Open:   k.Open,
			High:   k.High,
			Low:    k.Low,
			Close:  k.Close,
			Volume: k.Volume,
		})
	}
	return out, nil
}

func fetchBridge(ctx context.Context, hc *http.Client, bridge, symbol, interval string, limit int, start, end time.Time) ([]candleRow, error) {
	url := fmt.Sprintf("%s/candles?symbol=%s&interval=%s&limit=%d&start=%d&end=%d",
		bridge, symbol, interval, limit, start.Unix(), end.Unix())
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := hc.Do(req)
	if err != nil {
		return nil, fmt.Errorf("GET %s: %w", url, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("bridge status %d for %s", resp.StatusCode, url)
	}
	var raw any
	if err := json.NewDecoder(resp.Body).Decode(&raw); err != nil {
		return nil, fmt.Errorf("decode JSON: %w", err)
	}
	return normalizeList(raw), nil
}

func writeCSV(path string, rows []candleRow) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()

	w := csv.NewWriter(f)
	if err := w.Write([]string{"time", "open", "high", "low", "close", "volume"}); err != nil {
		return err
	}
	for _, r := range rows {
		ts := time.Unix(r.Start, 0).UTC().Format(time.RFC3339)
		if err := w.Write([]string{ts, r.Open, r.High, r.Low, r.Close, r.Volume}); err != nil {
			return err
		}
	}
	w.Flush()
	return w.Error()
}

func getenv(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}

func intervalDuration(s string) (time.Duration, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	if len(s) < 2 {
		return 0, fmt.Errorf("unsupported interval %q", s)
	}
	n, err := strconv.Atoi(s[:len(s)-1])
	if err != nil || n <= 0 {
		return 0, fmt.Errorf("unsupported interval %q", s)
	}
	switch s[len(s)-1] {
	case 'm':
		return time.Duration(n) * time.Minute, nil
	case 'h':
		return time.Duration(n) * time.Hour, nil
	case 'd':
		return time.Duration(n) * 24 * time.Hour, nil
	case 'w':
		return time.Duration(n) * 7 * 24 * time.Hour, nil
	}
	return 0, fmt.Errorf("unsupported interval %q", s)
}

func normalizeList(raw any) []candleRow {
	// Accept either a bare array or {"candles":[...]}
	switch v := raw.(type) {
	case []any:
		return toRows(v)
	case map[string]any:
		if c, ok := v["candles"]; ok {
			if arr, ok := c.([]any); ok {
				return toRows(arr)
			}
		}
	}
	return nil
}

func toRows(arr []any) []candleRow {
	out := make([]candleRow, 0, len(arr))
	for _, it := range arr {
		m, ok := it.(map[string]any)
		if !ok {
			continue
		}
		start, err := strconv.ParseInt(asString(m["start"]), 10, 64)
		if err != nil {
			continue
		}
		if start > 1e12 { // milliseconds
			start /= 1000
		}
		out = append(out, candleRow{
			Start:  start,
			Open:   asString(m["open"]),
			High:   asString(m["high"]),
			Low:    asString(m["low"]),
			Close:  asString(m["close"]),
			Volume: asString(m["volume"]),
		})
	}
	return out
}

func asString(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	default:
		return ""
	}
}
