// FILE: gateway_binance.go
// Package main – Binance USDⓈ-M futures gateway (go-binance).
//
// Implements Gateway on top of github.com/adshao/go-binance/v2/futures.
// - Hedge-mode aware: posSide maps to PositionSide LONG/SHORT.
// - Precision/min size come from exchangeInfo (pricePrecision,
//   quantityPrecision, LOT_SIZE.minQty) and are cached per symbol.
// - Errors are classified from *common.APIError codes:
//     -1003 (too many requests)            → rate-limit
//     -2014/-2015/-1022 (key/signature)     → auth
//     any other API code                    → rejected
//     transport failures                    → network
//
// Required env (loaded via bot.env or process env):
//   EXCHANGE=binance
//   BINANCE_API_KEY=<key>
//   BINANCE_API_SECRET=<secret>
// Optional:
//   BINANCE_TESTNET=true
package main

import (
	"context"
	"errors"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/adshao/go-binance/v2/common"
	"github.com/adshao/go-binance/v2/futures"
)

// BinanceGateway talks to Binance futures directly.
type BinanceGateway struct {
	client *futures.Client

	mu    sync.Mutex
	insts map[string]Instrument
}

func NewBinanceGateway(apiKey, apiSecret string, testnet bool) *BinanceGateway {
	futures.UseTestnet = testnet
	return &BinanceGateway{
		client: futures.NewClient(apiKey, apiSecret),
		insts:  map[string]Instrument{},
	}
}

func (bg *BinanceGateway) Name() string { return "binance" }

// classifyBinanceError maps go-binance errors onto the gateway taxonomy.
func classifyBinanceError(op, symbol string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	var apiErr *common.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.Code {
		case -1003:
			return newGatewayError(KindRateLimit, op, symbol, err)
		case -2014, -2015, -1022:
			return newGatewayError(KindAuth, op, symbol, err)
		case -1001, -1007:
			// disconnected / timeout waiting for backend
			return newGatewayError(KindNetwork, op, symbol, err)
		}
		return newGatewayError(KindRejected, op, symbol, err)
	}
	return newGatewayError(KindNetwork, op, symbol, err)
}

func pf(s string) float64 {
	f, _ := strconv.ParseFloat(strings.TrimSpace(s), 64)
	return f
}

// ----- Market data -----

func (bg *BinanceGateway) GetTicker(ctx context.Context, symbol string) (Ticker, error) {
	stats, err := bg.client.NewListPriceChangeStatsService().Symbol(symbol).Do(ctx)
	if err != nil {
		return Ticker{}, classifyBinanceError("GetTicker", symbol, err)
	}
	if len(stats) == 0 {
		return Ticker{}, newGatewayError(KindNetwork, "GetTicker", symbol, errors.New("empty ticker"))
	}
	s := stats[0]
	tk := Ticker{
		Symbol:    symbol,
		Last:      pf(s.LastPrice),
		High:      pf(s.HighPrice),
		Low:       pf(s.LowPrice),
		Volume:    pf(s.Volume),
		Timestamp: time.UnixMilli(s.CloseTime).UTC(),
	}
	// Book ticker is best-effort; the last price is what the machine needs.
	if books, err := bg.client.NewListBookTickersService().Symbol(symbol).Do(ctx); err == nil && len(books) > 0 {
		tk.Bid = pf(books[0].BidPrice)
		tk.Ask = pf(books[0].AskPrice)
	}
	return tk, nil
}

func (bg *BinanceGateway) GetPositions(ctx context.Context, symbol string) ([]ExchangePosition, error) {
	svc := bg.client.NewGetPositionRiskService()
	if symbol != "" {
		svc = svc.Symbol(symbol)
	}
	risks, err := svc.Do(ctx)
	if err != nil {
		return nil, classifyBinanceError("GetPositions", symbol, err)
	}
	var out []ExchangePosition
	for _, r := range risks {
		amt := pf(r.PositionAmt)
		if amt == 0 {
			continue
		}
		side := Direction(strings.ToUpper(r.PositionSide))
		if side != Long && side != Short { // one-way mode reports BOTH
			side = Long
			if amt < 0 {
				side = Short
			}
		}
		if amt < 0 {
			amt = -amt
		}
		out = append(out, ExchangePosition{
			Symbol:           r.Symbol,
			Side:             side,
			Size:             amt,
			EntryPrice:       pf(r.EntryPrice),
			MarkPrice:        pf(r.MarkPrice),
			LiquidationPrice: pf(r.LiquidationPrice),
			UnrealizedPnL:    pf(r.UnRealizedProfit),
		})
	}
	return out, nil
}

// ----- Orders -----

func binanceSide(s OrderSide) futures.SideType {
	if s == SideSell {
		return futures.SideTypeSell
	}
	return futures.SideTypeBuy
}

func binancePosSide(d Direction) futures.PositionSideType {
	switch d {
	case Long:
		return futures.PositionSideTypeLong
	case Short:
		return futures.PositionSideTypeShort
	}
	return futures.PositionSideTypeBoth
}

func (bg *BinanceGateway) orderService(ctx context.Context, req OrderRequest) (*futures.CreateOrderService, Instrument, error) {
	inst, err := bg.GetInstrument(ctx, req.Symbol)
	if err != nil {
		return nil, inst, err
	}
	svc := bg.client.NewCreateOrderService().
		Symbol(req.Symbol).
		Side(binanceSide(req.Side)).
		Quantity(formatFixed(floorTo(req.Size, inst.AmountPrecision), inst.AmountPrecision))
	if req.PosSide != "" {
		// Hedge mode rejects reduceOnly; the posSide already makes the exit side reducing.
		svc = svc.PositionSide(binancePosSide(req.PosSide))
	} else if req.ReduceOnly {
		svc = svc.ReduceOnly(true)
	}
	if req.ClientID != "" {
		svc = svc.NewClientOrderID(req.ClientID)
	}
	return svc, inst, nil
}

func binanceResult(req OrderRequest, r *futures.CreateOrderResponse) OrderResult {
	price := pf(r.AvgPrice)
	if price <= 0 {
		price = pf(r.Price)
	}
	return OrderResult{
		ID:         strconv.FormatInt(r.OrderID, 10),
		ClientID:   r.ClientOrderID,
		Symbol:     req.Symbol,
		Side:       req.Side,
		Price:      price,
		Size:       pf(r.OrigQuantity),
		FilledSize: pf(r.ExecutedQuantity),
		Status:     string(r.Status),
		CreateTime: time.UnixMilli(r.UpdateTime).UTC(),
	}
}

func (bg *BinanceGateway) PlaceMarketOrder(ctx context.Context, req OrderRequest) (OrderResult, error) {
	svc, _, err := bg.orderService(ctx, req)
	if err != nil {
		return OrderResult{}, err
	}
	res, err := svc.Type(futures.OrderTypeMarket).
		NewOrderResponseType(futures.NewOrderRespTypeRESULT).
		Do(ctx)
	if err != nil {
		return OrderResult{}, classifyBinanceError("PlaceMarketOrder", req.Symbol, err)
	}
	return binanceResult(req, res), nil
}

func (bg *BinanceGateway) PlaceLimitOrder(ctx context.Context, req OrderRequest) (OrderResult, error) {
	svc, inst, err := bg.orderService(ctx, req)
	if err != nil {
		return OrderResult{}, err
	}
	res, err := svc.Type(futures.OrderTypeLimit).
		TimeInForce(futures.TimeInForceTypeGTC).
		Price(formatFixed(req.Price, inst.PricePrecision)).
		Do(ctx)
	if err != nil {
		return OrderResult{}, classifyBinanceError("PlaceLimitOrder", req.Symbol, err)
	}
	out := binanceResult(req, res)
	if out.Price <= 0 {
		out.Price = req.Price
	}
	return out, nil
}

func (bg *BinanceGateway) CancelOrder(ctx context.Context, symbol, orderID string) error {
	id, err := strconv.ParseInt(orderID, 10, 64)
	if err != nil {
		return newGatewayError(KindRejected, "CancelOrder", symbol, err)
	}
	_, err = bg.client.NewCancelOrderService().Symbol(symbol).OrderID(id).Do(ctx)
	return classifyBinanceError("CancelOrder", symbol, err)
}

func (bg *BinanceGateway) CancelAllOrders(ctx context.Context, symbol string) error {
	err := bg.client.NewCancelAllOpenOrdersService().Symbol(symbol).Do(ctx)
	return classifyBinanceError("CancelAllOrders", symbol, err)
}

func (bg *BinanceGateway) GetOpenOrders(ctx context.Context, symbol string) ([]OpenOrder, error) {
	svc := bg.client.NewListOpenOrdersService()
	if symbol != "" {
		svc = svc.Symbol(symbol)
	}
	orders, err := svc.Do(ctx)
	if err != nil {
		return nil, classifyBinanceError("GetOpenOrders", symbol, err)
	}
	out := make([]OpenOrder, 0, len(orders))
	for _, o := range orders {
		out = append(out, OpenOrder{
			ID:         strconv.FormatInt(o.OrderID, 10),
			Symbol:     o.Symbol,
			Side:       OrderSide(o.Side),
			PosSide:    Direction(o.PositionSide),
			Price:      pf(o.Price),
			Size:       pf(o.OrigQuantity),
			FilledSize: pf(o.ExecutedQuantity),
			ReduceOnly: o.ReduceOnly,
		})
	}
	return out, nil
}

// SetLeverage sets margin type then leverage. "No need to change margin type"
// (-4046) means it is already set and is not an error.
func (bg *BinanceGateway) SetLeverage(ctx context.Context, symbol string, leverage int, mode MarginMode) error {
	mt := futures.MarginTypeIsolated
	if mode == MarginCross {
		mt = futures.MarginTypeCrossed
	}
	if err := bg.client.NewChangeMarginTypeService().Symbol(symbol).MarginType(mt).Do(ctx); err != nil {
		var apiErr *common.APIError
		if !(errors.As(err, &apiErr) && apiErr.Code == -4046) {
			return classifyBinanceError("SetMarginType", symbol, err)
		}
	}
	if _, err := bg.client.NewChangeLeverageService().Symbol(symbol).Leverage(leverage).Do(ctx); err != nil {
		return classifyBinanceError("SetLeverage", symbol, err)
	}
	return nil
}

// GetInstrument loads and caches precision rules from exchangeInfo.
func (bg *BinanceGateway) GetInstrument(ctx context.Context, symbol string) (Instrument, error) {
	bg.mu.Lock()
	if inst, ok := bg.insts[symbol]; ok {
		bg.mu.Unlock()
		return inst, nil
	}
	bg.mu.Unlock()

	info, err := bg.client.NewExchangeInfoService().Do(ctx)
	if err != nil {
		return Instrument{}, classifyBinanceError("GetInstrument", symbol, err)
	}
	bg.mu.Lock()
	defer bg.mu.Unlock()
	for _, s := range info.Symbols {
		inst := Instrument{
			Symbol:          s.Symbol,
			PricePrecision:  s.PricePrecision,
			AmountPrecision: s.QuantityPrecision,
		}
		for _, f := range s.Filters {
			if f["filterType"] == "LOT_SIZE" {
				if v, ok := f["minQty"].(string); ok {
					inst.MinAmount = pf(v)
				}
			}
		}
		bg.insts[s.Symbol] = inst
	}
	inst, ok := bg.insts[symbol]
	if !ok {
		return Instrument{}, newGatewayError(KindRejected, "GetInstrument", symbol, errors.New("unknown symbol"))
	}
	return inst, nil
}
