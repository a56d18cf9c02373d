// FILE: store.go
// Package main – Persistence sinks for orders, positions, trades and backtests.
//
// The live trader appends one JSON line per record; backtest results are one
// JSON document per run, written atomically (tmp file + rename) the same way
// the bot has always persisted its state file.
//
// Layout under STATE_DIR:
//   orders/<exchange>_<symbol>.jsonl
//   positions/<exchange>_<symbol>.jsonl
//   trades/<exchange>_<symbol>.jsonl
//   backtests/<symbol>_<runID>.json
//
// MemoryStore keeps everything in slices for tests.
package main

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// OrderRecord is one order the live driver submitted (or tried to).
type OrderRecord struct {
	ID         string    `json:"id"`
	ClientID   string    `json:"client_id,omitempty"`
	Exchange   string    `json:"exchange"`
	Symbol     string    `json:"symbol"`
	Kind       string    `json:"kind"` // entry|ladder|ladder_limit|exit
	Side       OrderSide `json:"side"`
	PosSide    Direction `json:"pos_side"`
	Price      float64   `json:"price"`
	Size       float64   `json:"size"`
	FilledSize float64   `json:"filled_size"`
	Level      int       `json:"level,omitempty"`
	ReduceOnly bool      `json:"reduce_only,omitempty"`
	Status     string    `json:"status"`
	Error      string    `json:"error,omitempty"`
	Time       time.Time `json:"time"`
}

// PositionRecord is a position snapshot at a point in time.
type PositionRecord struct {
	Exchange string    `json:"exchange"`
	Time     time.Time `json:"time"`
	Position Position  `json:"position"`
}

// TradeRecord is a closed trade keyed by venue.
type TradeRecord struct {
	Exchange string `json:"exchange"`
	Trade
}

// Store receives everything the drivers persist.
type Store interface {
	AppendOrder(rec OrderRecord) error
	AppendPosition(rec PositionRecord) error
	AppendTrade(rec TradeRecord) error
	SaveBacktest(res BacktestResult) error
}

// ---- File store ----

// FileStore writes JSON lines and atomic JSON files below dir.
type FileStore struct {
	dir string
	mu  sync.Mutex // serializes appends across workers sharing a file
}

// NewFileStore creates the directory tree.
func NewFileStore(dir string) (*FileStore, error) {
	if dir == "" {
		dir = "state"
	}
	for _, sub := range []string{"orders", "positions", "trades", "backtests"} {
		if err := os.MkdirAll(filepath.Join(dir, sub), 0o755); err != nil {
			return nil, fmt.Errorf("store: %w", err)
		}
	}
	return &FileStore{dir: dir}, nil
}

func fileKey(parts ...string) string {
	for i, p := range parts {
		p = strings.NewReplacer("/", "-", "\\", "-", " ", "").Replace(p)
		if p == "" {
			p = "_"
		}
		parts[i] = p
	}
	return strings.Join(parts, "_")
}

func (s *FileStore) appendLine(kind, key string, v any) error {
	bs, err := json.Marshal(v)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	path := filepath.Join(s.dir, kind, key+".jsonl")
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("store %s: %w", kind, err)
	}
	defer f.Close()
	if _, err := f.Write(append(bs, '\n')); err != nil {
		return fmt.Errorf("store %s: %w", kind, err)
	}
	return nil
}

func (s *FileStore) AppendOrder(rec OrderRecord) error {
	return s.appendLine("orders", fileKey(rec.Exchange, rec.Symbol), rec)
}

func (s *FileStore) AppendPosition(rec PositionRecord) error {
	return s.appendLine("positions", fileKey(rec.Exchange, rec.Position.Symbol), rec)
}

func (s *FileStore) AppendTrade(rec TradeRecord) error {
	return s.appendLine("trades", fileKey(rec.Exchange, rec.Symbol), rec)
}

// SaveBacktest writes the full result (config, summary, trades, equity).
func (s *FileStore) SaveBacktest(res BacktestResult) error {
	bs, err := json.MarshalIndent(res, "", " ")
	if err != nil {
		return err
	}
	path := s.BacktestPath(res)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, bs, 0o644); err != nil {
		return fmt.Errorf("store backtest: %w", err)
	}
	return os.Rename(tmp, path)
}

// BacktestPath is where SaveBacktest puts res.
func (s *FileStore) BacktestPath(res BacktestResult) string {
	return filepath.Join(s.dir, "backtests", fileKey(res.Strategy.Symbol, res.RunID)+".json")
}

// LoadBacktest reads a saved result back.
func LoadBacktest(path string) (BacktestResult, error) {
	var res BacktestResult
	bs, err := os.ReadFile(path)
	if err != nil {
		return res, err
	}
	err = json.Unmarshal(bs, &res)
	return res, err
}

// ---- Memory store ----

// MemoryStore is an in-process Store for tests and dry runs without STATE_DIR.
type MemoryStore struct {
	mu        sync.Mutex
	Orders    []OrderRecord
	Positions []PositionRecord
	Trades    []TradeRecord
	Backtests []BacktestResult
}

func NewMemoryStore() *MemoryStore { return &MemoryStore{} }

func (s *MemoryStore) AppendOrder(rec OrderRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Orders = append(s.Orders, rec)
	return nil
}

func (s *MemoryStore) AppendPosition(rec PositionRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Positions = append(s.Positions, rec)
	return nil
}

func (s *MemoryStore) AppendTrade(rec TradeRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Trades = append(s.Trades, rec)
	return nil
}

func (s *MemoryStore) SaveBacktest(res BacktestResult) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Backtests = append(s.Backtests, res)
	return nil
}

// TradesFor returns a copy of the trades recorded for symbol.
func (s *MemoryStore) TradesFor(symbol string) []Trade {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Trade
	for _, r := range s.Trades {
		if r.Symbol == symbol {
			out = append(out, r.Trade)
		}
	}
	return out
}

// OrdersFor returns a copy of the orders recorded for symbol.
func (s *MemoryStore) OrdersFor(symbol string) []OrderRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []OrderRecord
	for _, r := range s.Orders {
		if r.Symbol == symbol {
			out = append(out, r)
		}
	}
	return out
}
