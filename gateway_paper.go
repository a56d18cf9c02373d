// FILE: gateway_paper.go
// Package main – In-memory paper futures venue (no external calls).
//
// This gateway simulates a hedge-mode perpetual venue using the latest known
// price per symbol. It’s used for dry runs and tests: market orders fill at
// the current price, limit orders rest until the price crosses them, and
// positions are tracked per symbol+posSide with a weighted entry.
//
// With a feed (SetFeed) every GetTicker pulls the real market price and moves
// the paper book to it, so a dry run sees real prices while orders never
// leave the process. Without one the price only moves through SetPrice.
//
// Test hooks:
//   • SetPrice(symbol, price)          – move the market (fills crossed limits)
//   • FailNext(op, err)                – queue an error for the next call of op
//   • InjectPosition(symbol, side, ..) – plant a position the bot didn't open
package main

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"
)

// PriceFeed supplies market prices to the paper venue (any Gateway will do).
type PriceFeed interface {
	GetTicker(ctx context.Context, symbol string) (Ticker, error)
}

type paperPosition struct {
	size  float64
	entry float64
}

// PaperGateway keeps per-symbol prices, positions and resting orders.
type PaperGateway struct {
	mu        sync.Mutex
	start     float64
	feeRate   float64
	feed      PriceFeed
	inst      Instrument
	prices    map[string]float64
	positions map[string]*paperPosition // symbol|LONG, symbol|SHORT
	orders    map[string]*OpenOrder
	leverage  map[string]int
	margin    map[string]MarginMode
	failures  map[string][]error
	calls     map[string]int
	seq       int64
}

func NewPaperGateway(startPrice, feeRate float64) *PaperGateway {
	if startPrice <= 0 {
		startPrice = 60000 // bootstrap price if none seen yet
	}
	return &PaperGateway{
		start:     startPrice,
		feeRate:   feeRate,
		inst:      Instrument{PricePrecision: 2, AmountPrecision: 3, MinAmount: 0.001},
		prices:    map[string]float64{},
		positions: map[string]*paperPosition{},
		orders:    map[string]*OpenOrder{},
		leverage:  map[string]int{},
		margin:    map[string]MarginMode{},
		failures:  map[string][]error{},
		calls:     map[string]int{},
	}
}

func (p *PaperGateway) Name() string { return "paper" }

// SetInstrument overrides the precision rules reported for every symbol.
func (p *PaperGateway) SetInstrument(inst Instrument) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.inst = inst
}

// SetFeed makes GetTicker follow feed.
func (p *PaperGateway) SetFeed(feed PriceFeed) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.feed = feed
}

// SetPrice moves the market and fills any crossed resting limit orders.
func (p *PaperGateway) SetPrice(symbol string, price float64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.setPriceLocked(symbol, price)
}

func (p *PaperGateway) setPriceLocked(symbol string, price float64) {
	p.prices[symbol] = price
	for id, o := range p.orders {
		if o.Symbol != symbol {
			continue
		}
		crossed := (o.Side == SideBuy && price <= o.Price) || (o.Side == SideSell && price >= o.Price)
		if !crossed {
			continue
		}
		p.apply(o.Symbol, o.PosSide, o.Side, o.Size, o.Price, o.ReduceOnly)
		delete(p.orders, id)
	}
}

// FailNext queues err for the next call of op (e.g. "PlaceMarketOrder").
func (p *PaperGateway) FailNext(op string, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.failures[op] = append(p.failures[op], err)
}

// Calls returns how many times op was invoked.
func (p *PaperGateway) Calls(op string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls[op]
}

// InjectPosition plants a position as if opened outside the bot.
func (p *PaperGateway) InjectPosition(symbol string, side Direction, size, entry float64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.positions[symbol+"|"+string(side)] = &paperPosition{size: size, entry: entry}
}

// enter counts the call and pops a queued failure. Caller holds mu.
func (p *PaperGateway) enter(op string) error {
	p.calls[op]++
	if q := p.failures[op]; len(q) > 0 {
		p.failures[op] = q[1:]
		return q[0]
	}
	return nil
}

func (p *PaperGateway) priceLocked(symbol string) float64 {
	if px := p.prices[symbol]; px > 0 {
		return px
	}
	p.prices[symbol] = p.start
	return p.start
}

func (p *PaperGateway) nextID() string {
	p.seq++
	return "paper-" + strconv.FormatInt(p.seq, 10)
}

// apply books a fill against the symbol|posSide position. Caller holds mu.
func (p *PaperGateway) apply(symbol string, posSide Direction, side OrderSide, size, price float64, reduceOnly bool) float64 {
	if posSide == "" {
		posSide = Long
		if side == SideSell && !reduceOnly {
			posSide = Short
		}
	}
	key := symbol + "|" + string(posSide)
	pos := p.positions[key]
	opening := side == posSide.EntrySide()
	if opening && !reduceOnly {
		if pos == nil {
			pos = &paperPosition{}
			p.positions[key] = pos
		}
		total := pos.size + size
		pos.entry = (pos.entry*pos.size + price*size) / total
		pos.size = total
		return size
	}
	if pos == nil {
		return 0
	}
	filled := size
	if filled > pos.size {
		filled = pos.size
	}
	pos.size -= filled
	if pos.size <= 1e-12 {
		delete(p.positions, key)
	}
	return filled
}

func (p *PaperGateway) GetTicker(ctx context.Context, symbol string) (Ticker, error) {
	p.mu.Lock()
	err := p.enter("GetTicker")
	feed := p.feed
	p.mu.Unlock()
	if err != nil {
		return Ticker{}, err
	}

	if feed != nil {
		// Fetched outside mu; the feed may block on the network.
		tk, err := feed.GetTicker(ctx, symbol)
		if err != nil {
			return Ticker{}, err
		}
		if tk.Last > 0 {
			p.mu.Lock()
			p.setPriceLocked(symbol, tk.Last)
			p.mu.Unlock()
			tk.Symbol = symbol
			return tk, nil
		}
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	px := p.priceLocked(symbol)
	return Ticker{Symbol: symbol, Last: px, Bid: px, Ask: px, High: px, Low: px, Timestamp: time.Now().UTC()}, nil
}

func (p *PaperGateway) GetPositions(ctx context.Context, symbol string) ([]ExchangePosition, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.enter("GetPositions"); err != nil {
		return nil, err
	}
	var out []ExchangePosition
	for _, side := range []Direction{Long, Short} {
		pos := p.positions[symbol+"|"+string(side)]
		if pos == nil || pos.size <= 0 {
			continue
		}
		mark := p.priceLocked(symbol)
		out = append(out, ExchangePosition{
			Symbol:        symbol,
			Side:          side,
			Size:          pos.size,
			EntryPrice:    pos.entry,
			MarkPrice:     mark,
			UnrealizedPnL: side.sign() * (mark - pos.entry) * pos.size,
			Leverage:      p.leverage[symbol],
			MarginMode:    p.margin[symbol],
		})
	}
	return out, nil
}

func (p *PaperGateway) checkSize(op, symbol string, size float64) error {
	if size <= 0 {
		return newGatewayError(KindRejected, op, symbol, errors.New("size must be > 0"))
	}
	if size < p.inst.MinAmount {
		return newGatewayError(KindRejected, op, symbol, fmt.Errorf("size %v below minimum %v", size, p.inst.MinAmount))
	}
	return nil
}

// PlaceMarketOrder fills immediately at the current price.
func (p *PaperGateway) PlaceMarketOrder(ctx context.Context, req OrderRequest) (OrderResult, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.enter("PlaceMarketOrder"); err != nil {
		return OrderResult{}, err
	}
	if err := p.checkSize("PlaceMarketOrder", req.Symbol, req.Size); err != nil {
		return OrderResult{}, err
	}
	px := p.priceLocked(req.Symbol)
	filled := p.apply(req.Symbol, req.PosSide, req.Side, req.Size, px, req.ReduceOnly)
	return OrderResult{
		ID:         p.nextID(),
		ClientID:   req.ClientID,
		Symbol:     req.Symbol,
		Side:       req.Side,
		Price:      px,
		Size:       req.Size,
		FilledSize: filled,
		Fee:        filled * px * p.feeRate,
		Status:     "FILLED",
		CreateTime: time.Now().UTC(),
	}, nil
}

// PlaceLimitOrder rests the order until SetPrice crosses it.
func (p *PaperGateway) PlaceLimitOrder(ctx context.Context, req OrderRequest) (OrderResult, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.enter("PlaceLimitOrder"); err != nil {
		return OrderResult{}, err
	}
	if err := p.checkSize("PlaceLimitOrder", req.Symbol, req.Size); err != nil {
		return OrderResult{}, err
	}
	if req.Price <= 0 {
		return OrderResult{}, newGatewayError(KindRejected, "PlaceLimitOrder", req.Symbol, errors.New("price must be > 0"))
	}
	id := p.nextID()
	p.orders[id] = &OpenOrder{
		ID:         id,
		Symbol:     req.Symbol,
		Side:       req.Side,
		PosSide:    req.PosSide,
		Price:      req.Price,
		Size:       req.Size,
		ReduceOnly: req.ReduceOnly,
	}
	return OrderResult{
		ID:         id,
		ClientID:   req.ClientID,
		Symbol:     req.Symbol,
		Side:       req.Side,
		Price:      req.Price,
		Size:       req.Size,
		Status:     "NEW",
		CreateTime: time.Now().UTC(),
	}, nil
}

func (p *PaperGateway) CancelOrder(ctx context.Context, symbol, orderID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.enter("CancelOrder"); err != nil {
		return err
	}
	if _, ok := p.orders[orderID]; !ok {
		return newGatewayError(KindRejected, "CancelOrder", symbol, fmt.Errorf("unknown order %s", orderID))
	}
	delete(p.orders, orderID)
	return nil
}

func (p *PaperGateway) CancelAllOrders(ctx context.Context, symbol string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.enter("CancelAllOrders"); err != nil {
		return err
	}
	for id, o := range p.orders {
		if o.Symbol == symbol {
			delete(p.orders, id)
		}
	}
	return nil
}

func (p *PaperGateway) GetOpenOrders(ctx context.Context, symbol string) ([]OpenOrder, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.enter("GetOpenOrders"); err != nil {
		return nil, err
	}
	var out []OpenOrder
	for _, o := range p.orders {
		if symbol == "" || o.Symbol == symbol {
			out = append(out, *o)
		}
	}
	return out, nil
}

func (p *PaperGateway) SetLeverage(ctx context.Context, symbol string, leverage int, mode MarginMode) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.enter("SetLeverage"); err != nil {
		return err
	}
	if leverage < 1 {
		return newGatewayError(KindRejected, "SetLeverage", symbol, fmt.Errorf("leverage %d", leverage))
	}
	p.leverage[symbol] = leverage
	p.margin[symbol] = mode
	return nil
}

func (p *PaperGateway) GetInstrument(ctx context.Context, symbol string) (Instrument, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.enter("GetInstrument"); err != nil {
		return Instrument{}, err
	}
	inst := p.inst
	inst.Symbol = symbol
	return inst, nil
}
