// FILE: gateway_retry.go
// Package main – Rate limiting and bounded retry around any Gateway.
//
// RetryGateway waits on a token bucket before every venue call and retries
// transient failures (network, rate-limit) with exponential backoff up to a
// bounded attempt count. Auth and rejection errors return immediately.
//
// One RetryGateway is built per live worker, so a throttled symbol only
// blocks its own goroutine.
package main

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"
)

// RetryPolicy bounds the retry loop.
type RetryPolicy struct {
	Attempts int           // total tries, >= 1
	Base     time.Duration // first backoff
	Max      time.Duration // backoff ceiling
}

func (p RetryPolicy) backoff(attempt int) time.Duration {
	d := p.Base << uint(attempt)
	if d <= 0 || (p.Max > 0 && d > p.Max) {
		d = p.Max
	}
	return d
}

// RetryGateway decorates a Gateway with rate limiting and bounded retry.
type RetryGateway struct {
	inner   Gateway
	limiter *rate.Limiter
	policy  RetryPolicy
}

// NewRetryGateway wraps g. perSec <= 0 disables rate limiting.
func NewRetryGateway(g Gateway, perSec float64, policy RetryPolicy) *RetryGateway {
	if policy.Attempts < 1 {
		policy.Attempts = 1
	}
	if policy.Max <= 0 {
		policy.Max = 5 * time.Second
	}
	lim := rate.NewLimiter(rate.Inf, 1)
	if perSec > 0 {
		burst := int(perSec)
		if burst < 1 {
			burst = 1
		}
		lim = rate.NewLimiter(rate.Limit(perSec), burst)
	}
	return &RetryGateway{inner: g, limiter: lim, policy: policy}
}

func (r *RetryGateway) Name() string { return r.inner.Name() }

// Unwrap exposes the decorated gateway.
func (r *RetryGateway) Unwrap() Gateway { return r.inner }

// call runs fn until it succeeds, fails permanently, or attempts run out.
func call[T any](ctx context.Context, r *RetryGateway, op string, fn func(context.Context) (T, error)) (T, error) {
	var zero T
	var err error
	for attempt := 0; attempt < r.policy.Attempts; attempt++ {
		if werr := r.limiter.Wait(ctx); werr != nil {
			if err != nil {
				return zero, err
			}
			return zero, werr
		}
		var v T
		v, err = fn(ctx)
		if err == nil {
			return v, nil
		}
		if !IsTransient(err) || attempt == r.policy.Attempts-1 {
			break
		}
		mtxGatewayRetries.WithLabelValues(op).Inc()
		wait := r.policy.backoff(attempt)
		log.Debug().Str("op", op).Int("attempt", attempt+1).Dur("backoff", wait).Err(err).Msg("[GATEWAY] transient, retrying")
		select {
		case <-ctx.Done():
			return zero, err
		case <-time.After(wait):
		}
	}
	mtxGatewayErrors.WithLabelValues(string(errorKind(err))).Inc()
	return zero, err
}

// callErr adapts error-only operations to call.
func callErr(ctx context.Context, r *RetryGateway, op string, fn func(context.Context) error) error {
	_, err := call(ctx, r, op, func(ctx context.Context) (struct{}, error) { return struct{}{}, fn(ctx) })
	return err
}

func (r *RetryGateway) GetTicker(ctx context.Context, symbol string) (Ticker, error) {
	return call(ctx, r, "GetTicker", func(ctx context.Context) (Ticker, error) { return r.inner.GetTicker(ctx, symbol) })
}

func (r *RetryGateway) GetPositions(ctx context.Context, symbol string) ([]ExchangePosition, error) {
	return call(ctx, r, "GetPositions", func(ctx context.Context) ([]ExchangePosition, error) {
		return r.inner.GetPositions(ctx, symbol)
	})
}

// PlaceMarketOrder pins a client id before the first try so the venue can
// deduplicate a retry whose original response was lost.
func (r *RetryGateway) PlaceMarketOrder(ctx context.Context, req OrderRequest) (OrderResult, error) {
	if req.ClientID == "" {
		req.ClientID = uuid.NewString()
	}
	return call(ctx, r, "PlaceMarketOrder", func(ctx context.Context) (OrderResult, error) {
		return r.inner.PlaceMarketOrder(ctx, req)
	})
}

func (r *RetryGateway) PlaceLimitOrder(ctx context.Context, req OrderRequest) (OrderResult, error) {
	if req.ClientID == "" {
		req.ClientID = uuid.NewString()
	}
	return call(ctx, r, "PlaceLimitOrder", func(ctx context.Context) (OrderResult, error) {
		return r.inner.PlaceLimitOrder(ctx, req)
	})
}

func (r *RetryGateway) CancelOrder(ctx context.Context, symbol, orderID string) error {
	return callErr(ctx, r, "CancelOrder", func(ctx context.Context) error { return r.inner.CancelOrder(ctx, symbol, orderID) })
}

func (r *RetryGateway) CancelAllOrders(ctx context.Context, symbol string) error {
	return callErr(ctx, r, "CancelAllOrders", func(ctx context.Context) error { return r.inner.CancelAllOrders(ctx, symbol) })
}

func (r *RetryGateway) GetOpenOrders(ctx context.Context, symbol string) ([]OpenOrder, error) {
	return call(ctx, r, "GetOpenOrders", func(ctx context.Context) ([]OpenOrder, error) {
		return r.inner.GetOpenOrders(ctx, symbol)
	})
}

func (r *RetryGateway) SetLeverage(ctx context.Context, symbol string, leverage int, mode MarginMode) error {
	return callErr(ctx, r, "SetLeverage", func(ctx context.Context) error {
		return r.inner.SetLeverage(ctx, symbol, leverage, mode)
	})
}

func (r *RetryGateway) GetInstrument(ctx context.Context, symbol string) (Instrument, error) {
	return call(ctx, r, "GetInstrument", func(ctx context.Context) (Instrument, error) {
		return r.inner.GetInstrument(ctx, symbol)
	})
}
