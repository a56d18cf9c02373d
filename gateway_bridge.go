// FILE: gateway_bridge.go
// Package main – HTTP gateway that talks to a local exchange sidecar.
//
// The sidecar fronts any perpetual venue (okx, bybit, bitget, ...) and speaks a
// small normalized JSON API. This gateway implements:
//   • GetTicker:        GET    /ticker?symbol=...
//   • GetPositions:     GET    /positions?symbol=...
//   • PlaceMarketOrder: POST   /order/market {symbol, side, size, pos_side, reduce_only, params, client_order_id}
//   • PlaceLimitOrder:  POST   /order/limit  {... price}
//   • CancelOrder:      DELETE /order/{id}?symbol=...
//   • CancelAllOrders:  DELETE /orders?symbol=...
//   • GetOpenOrders:    GET    /orders?symbol=...
//   • SetLeverage:      POST   /leverage {symbol, leverage, margin_mode}
//   • GetInstrument:    GET    /instrument?symbol=...
//
// Every request carries a short-lived HS256 bearer token when a shared secret
// is configured. Numbers may arrive as JSON numbers or strings.
//
// After placing a market order, poll GET /order/{order_id} (micro-retry) and
// populate filled size / average price. If enrichment fails or times out, the
// order is returned with the sidecar's immediate response.
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// BridgeGateway talks to the sidecar for one venue.
type BridgeGateway struct {
	base     string
	venue    string
	secret   []byte
	hc       *http.Client
	pollWait time.Duration
}

func NewBridgeGateway(base, venue, jwtSecret string) *BridgeGateway {
	base = strings.TrimSpace(base)
	if i := strings.IndexAny(base, " \t#"); i >= 0 { // cut trailing comment/space
		base = strings.TrimSpace(base[:i])
	}
	if base == "" {
		base = "http://127.0.0.1:8787"
	}
	if venue == "" {
		venue = "bridge"
	}
	return &BridgeGateway{
		base:     strings.TrimRight(base, "/"),
		venue:    strings.ToLower(venue),
		secret:   []byte(jwtSecret),
		hc:       &http.Client{Timeout: 15 * time.Second},
		pollWait: 250 * time.Millisecond,
	}
}

func (bg *BridgeGateway) Name() string { return bg.venue }

// token mints a 60s HS256 bearer for the sidecar.
func (bg *BridgeGateway) token() (string, error) {
	now := time.Now().UTC()
	claims := jwt.RegisteredClaims{
		Subject:   "perpdca",
		Audience:  jwt.ClaimStrings{bg.venue},
		IssuedAt:  jwt.NewNumericDate(now),
		NotBefore: jwt.NewNumericDate(now.Add(-5 * time.Second)),
		ExpiresAt: jwt.NewNumericDate(now.Add(60 * time.Second)),
		ID:        uuid.NewString(),
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(bg.secret)
}

// do sends a request and decodes a 2xx JSON body into out (may be nil).
func (bg *BridgeGateway) do(ctx context.Context, op, symbol, method, path string, q url.Values, body any, out any) error {
	u := bg.base + path
	if len(q) > 0 {
		u += "?" + q.Encode()
	}
	var rdr io.Reader
	if body != nil {
		bs, err := json.Marshal(body)
		if err != nil {
			return newGatewayError(KindRejected, op, symbol, err)
		}
		rdr = bytes.NewReader(bs)
	}
	req, err := http.NewRequestWithContext(ctx, method, u, rdr)
	if err != nil {
		return newGatewayError(KindRejected, op, symbol, fmt.Errorf("newrequest: %w (url=%s)", err, u))
	}
	req.Header.Set("User-Agent", "perpdca/bridge")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if len(bg.secret) > 0 {
		tok, err := bg.token()
		if err != nil {
			return newGatewayError(KindAuth, op, symbol, err)
		}
		req.Header.Set("Authorization", "Bearer "+tok)
	}

	res, err := bg.hc.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return newGatewayError(KindNetwork, op, symbol, err)
	}
	defer res.Body.Close()
	b, _ := io.ReadAll(res.Body)

	if res.StatusCode >= 300 {
		return newGatewayError(kindForStatus(res.StatusCode), op, symbol,
			fmt.Errorf("%s %d: %s", path, res.StatusCode, strings.TrimSpace(string(b))))
	}
	if out == nil || len(b) == 0 {
		return nil
	}
	if err := json.Unmarshal(b, out); err != nil {
		return newGatewayError(KindNetwork, op, symbol, fmt.Errorf("decode %s: %w", path, err))
	}
	return nil
}

// kindForStatus maps sidecar HTTP statuses onto the gateway error taxonomy.
func kindForStatus(code int) ErrorKind {
	switch {
	case code == http.StatusUnauthorized || code == http.StatusForbidden:
		return KindAuth
	case code == http.StatusTooManyRequests:
		return KindRateLimit
	case code == http.StatusRequestTimeout || code >= 500:
		return KindNetwork
	default:
		return KindRejected
	}
}

// num accepts JSON numbers or numeric strings.
type num float64

func (n *num) UnmarshalJSON(b []byte) error {
	s := strings.Trim(strings.TrimSpace(string(b)), `"`)
	if s == "" || s == "null" {
		*n = 0
		return nil
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return err
	}
	*n = num(f)
	return nil
}

func symbolQuery(symbol string) url.Values {
	q := url.Values{}
	if symbol != "" {
		q.Set("symbol", symbol)
	}
	return q
}

// --- Market data ---

func (bg *BridgeGateway) GetTicker(ctx context.Context, symbol string) (Ticker, error) {
	var out struct {
		Last   num   `json:"last"`
		Bid    num   `json:"bid"`
		Ask    num   `json:"ask"`
		High   num   `json:"high"`
		Low    num   `json:"low"`
		Volume num   `json:"volume"`
		TS     int64 `json:"timestamp"` // ms
	}
	if err := bg.do(ctx, "GetTicker", symbol, http.MethodGet, "/ticker", symbolQuery(symbol), nil, &out); err != nil {
		return Ticker{}, err
	}
	if out.Last <= 0 {
		return Ticker{}, newGatewayError(KindNetwork, "GetTicker", symbol, errors.New("empty last price"))
	}
	ts := time.Now().UTC()
	if out.TS > 0 {
		ts = time.UnixMilli(out.TS).UTC()
	}
	return Ticker{
		Symbol: symbol, Last: float64(out.Last), Bid: float64(out.Bid), Ask: float64(out.Ask),
		High: float64(out.High), Low: float64(out.Low), Volume: float64(out.Volume), Timestamp: ts,
	}, nil
}

func (bg *BridgeGateway) GetPositions(ctx context.Context, symbol string) ([]ExchangePosition, error) {
	var rows []struct {
		Symbol           string `json:"symbol"`
		Side             string `json:"side"`
		Size             num    `json:"size"`
		EntryPrice       num    `json:"entry_price"`
		MarkPrice        num    `json:"mark_price"`
		LiquidationPrice num    `json:"liquidation_price"`
		UnrealizedPnL    num    `json:"unrealized_pnl"`
		Leverage         num    `json:"leverage"`
		MarginMode       string `json:"margin_mode"`
	}
	if err := bg.do(ctx, "GetPositions", symbol, http.MethodGet, "/positions", symbolQuery(symbol), nil, &rows); err != nil {
		return nil, err
	}
	out := make([]ExchangePosition, 0, len(rows))
	for _, r := range rows {
		size := float64(r.Size)
		side := Direction(strings.ToUpper(r.Side))
		if side != Long && side != Short {
			side = Long
			if size < 0 {
				side = Short
			}
		}
		if size < 0 {
			size = -size
		}
		if size == 0 {
			continue
		}
		out = append(out, ExchangePosition{
			Symbol: r.Symbol, Side: side, Size: size,
			EntryPrice: float64(r.EntryPrice), MarkPrice: float64(r.MarkPrice),
			LiquidationPrice: float64(r.LiquidationPrice), UnrealizedPnL: float64(r.UnrealizedPnL),
			Leverage: int(r.Leverage), MarginMode: MarginMode(strings.ToLower(r.MarginMode)),
		})
	}
	return out, nil
}

// --- Orders ---

type bridgeOrder struct {
	OrderID       string `json:"order_id"`
	ClientOrderID string `json:"client_order_id"`
	Status        string `json:"status"`
	Price         num    `json:"price"`
	AvgPrice      num    `json:"avg_price"`
	Size          num    `json:"size"`
	FilledSize    num    `json:"filled_size"`
	Fee           num    `json:"fee"`
}

func (o bridgeOrder) result(req OrderRequest) OrderResult {
	price := float64(o.AvgPrice)
	if price <= 0 {
		price = float64(o.Price)
	}
	size := float64(o.Size)
	if size <= 0 {
		size = req.Size
	}
	return OrderResult{
		ID:         o.OrderID,
		ClientID:   firstNonEmpty(o.ClientOrderID, req.ClientID),
		Symbol:     req.Symbol,
		Side:       req.Side,
		Price:      price,
		Size:       size,
		FilledSize: float64(o.FilledSize),
		Fee:        float64(o.Fee),
		Status:     o.Status,
		CreateTime: time.Now().UTC(),
	}
}

func (bg *BridgeGateway) orderBody(req OrderRequest, withPrice bool) map[string]any {
	body := map[string]any{
		"symbol":          req.Symbol,
		"side":            strings.ToUpper(string(req.Side)),
		"size":            strconv.FormatFloat(req.Size, 'f', -1, 64),
		"reduce_only":     req.ReduceOnly,
		"client_order_id": firstNonEmpty(req.ClientID, uuid.NewString()),
	}
	if req.PosSide != "" {
		body["pos_side"] = strings.ToLower(string(req.PosSide))
	}
	if len(req.Params) > 0 {
		body["params"] = req.Params
	}
	if withPrice {
		body["price"] = strconv.FormatFloat(req.Price, 'f', -1, 64)
	}
	return body
}

func (bg *BridgeGateway) PlaceMarketOrder(ctx context.Context, req OrderRequest) (OrderResult, error) {
	var o bridgeOrder
	if err := bg.do(ctx, "PlaceMarketOrder", req.Symbol, http.MethodPost, "/order/market", nil, bg.orderBody(req, false), &o); err != nil {
		return OrderResult{}, err
	}
	res := o.result(req)
	if res.FilledSize > 0 && res.Price > 0 {
		return res, nil
	}

	// Micro-retry enrichment: poll /order/{order_id} briefly for fills.
	const attempts = 6
	for i := 0; i < attempts && res.ID != ""; i++ {
		if f, err := bg.fetchOrder(ctx, req.Symbol, res.ID); err == nil && f.FilledSize > 0 && (f.AvgPrice > 0 || f.Price > 0) {
			filled := f.result(req)
			filled.ID = res.ID
			return filled, nil
		}
		select {
		case <-ctx.Done():
			return res, nil
		case <-time.After(bg.pollWait):
		}
	}
	return res, nil
}

func (bg *BridgeGateway) fetchOrder(ctx context.Context, symbol, orderID string) (bridgeOrder, error) {
	var o bridgeOrder
	err := bg.do(ctx, "GetOrder", symbol, http.MethodGet, "/order/"+url.PathEscape(orderID), symbolQuery(symbol), nil, &o)
	return o, err
}

func (bg *BridgeGateway) PlaceLimitOrder(ctx context.Context, req OrderRequest) (OrderResult, error) {
	var o bridgeOrder
	if err := bg.do(ctx, "PlaceLimitOrder", req.Symbol, http.MethodPost, "/order/limit", nil, bg.orderBody(req, true), &o); err != nil {
		return OrderResult{}, err
	}
	res := o.result(req)
	if res.Price <= 0 {
		res.Price = req.Price
	}
	return res, nil
}

func (bg *BridgeGateway) CancelOrder(ctx context.Context, symbol, orderID string) error {
	return bg.do(ctx, "CancelOrder", symbol, http.MethodDelete, "/order/"+url.PathEscape(orderID), symbolQuery(symbol), nil, nil)
}

func (bg *BridgeGateway) CancelAllOrders(ctx context.Context, symbol string) error {
	return bg.do(ctx, "CancelAllOrders", symbol, http.MethodDelete, "/orders", symbolQuery(symbol), nil, nil)
}

func (bg *BridgeGateway) GetOpenOrders(ctx context.Context, symbol string) ([]OpenOrder, error) {
	var rows []struct {
		OrderID    string `json:"order_id"`
		Symbol     string `json:"symbol"`
		Side       string `json:"side"`
		PosSide    string `json:"pos_side"`
		Price      num    `json:"price"`
		Size       num    `json:"size"`
		FilledSize num    `json:"filled_size"`
		ReduceOnly bool   `json:"reduce_only"`
	}
	if err := bg.do(ctx, "GetOpenOrders", symbol, http.MethodGet, "/orders", symbolQuery(symbol), nil, &rows); err != nil {
		return nil, err
	}
	out := make([]OpenOrder, 0, len(rows))
	for _, r := range rows {
		out = append(out, OpenOrder{
			ID: r.OrderID, Symbol: r.Symbol,
			Side:    OrderSide(strings.ToUpper(r.Side)),
			PosSide: Direction(strings.ToUpper(r.PosSide)),
			Price:   float64(r.Price), Size: float64(r.Size), FilledSize: float64(r.FilledSize),
			ReduceOnly: r.ReduceOnly,
		})
	}
	return out, nil
}

func (bg *BridgeGateway) SetLeverage(ctx context.Context, symbol string, leverage int, mode MarginMode) error {
	body := map[string]any{"symbol": symbol, "leverage": leverage, "margin_mode": string(mode)}
	return bg.do(ctx, "SetLeverage", symbol, http.MethodPost, "/leverage", nil, body, nil)
}

func (bg *BridgeGateway) GetInstrument(ctx context.Context, symbol string) (Instrument, error) {
	var out struct {
		PricePrecision  int `json:"price_precision"`
		AmountPrecision int `json:"amount_precision"`
		MinAmount       num `json:"min_amount"`
	}
	if err := bg.do(ctx, "GetInstrument", symbol, http.MethodGet, "/instrument", symbolQuery(symbol), nil, &out); err != nil {
		return Instrument{}, err
	}
	return Instrument{
		Symbol:          symbol,
		PricePrecision:  out.PricePrecision,
		AmountPrecision: out.AmountPrecision,
		MinAmount:       float64(out.MinAmount),
	}, nil
}

// --- small helpers local to this file ---

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}
