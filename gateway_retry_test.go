package main

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func fastPolicy(n int) RetryPolicy {
	return RetryPolicy{Attempts: n, Base: time.Millisecond, Max: 2 * time.Millisecond}
}

func Test_RetryGateway_RetriesTransient(t *testing.T) {
	paper := NewPaperGateway(100, 0)
	paper.FailNext("GetTicker", newGatewayError(KindNetwork, "GetTicker", "BTCUSDT", errors.New("timeout")))
	paper.FailNext("GetTicker", newGatewayError(KindRateLimit, "GetTicker", "BTCUSDT", errors.New("429")))
	g := NewRetryGateway(paper, 0, fastPolicy(4))

	tk, err := g.GetTicker(context.Background(), "BTCUSDT")
	require.NoError(t, err)
	require.Equal(t, 100.0, tk.Last)
	require.Equal(t, 3, paper.Calls("GetTicker"))
}

func Test_RetryGateway_NoRetryOnAuthOrReject(t *testing.T) {
	paper := NewPaperGateway(100, 0)
	paper.FailNext("GetPositions", newGatewayError(KindAuth, "GetPositions", "BTCUSDT", errors.New("bad key")))
	g := NewRetryGateway(paper, 0, fastPolicy(5))

	_, err := g.GetPositions(context.Background(), "BTCUSDT")
	require.True(t, IsAuth(err))
	require.Equal(t, 1, paper.Calls("GetPositions"))

	_, err = g.PlaceMarketOrder(context.Background(), OrderRequest{Symbol: "BTCUSDT", Side: SideBuy, Size: 0})
	require.True(t, IsRejected(err))
	require.Equal(t, 1, paper.Calls("PlaceMarketOrder"))
}

func Test_RetryGateway_BoundedAttempts(t *testing.T) {
	paper := NewPaperGateway(100, 0)
	for i := 0; i < 10; i++ {
		paper.FailNext("CancelAllOrders", errors.New("connection reset"))
	}
	g := NewRetryGateway(paper, 0, fastPolicy(3))
	err := g.CancelAllOrders(context.Background(), "BTCUSDT")
	require.Error(t, err)
	require.True(t, IsTransient(err))
	require.Equal(t, 3, paper.Calls("CancelAllOrders"))
}

func Test_RetryGateway_StopsOnCancelledContext(t *testing.T) {
	paper := NewPaperGateway(100, 0)
	paper.FailNext("GetTicker", errors.New("timeout"))
	g := NewRetryGateway(paper, 0, RetryPolicy{Attempts: 5, Base: time.Hour, Max: time.Hour})

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := g.GetTicker(ctx, "BTCUSDT")
	require.Error(t, err)
	require.Equal(t, 1, paper.Calls("GetTicker"))
}

func Test_RetryGateway_AssignsClientID(t *testing.T) {
	paper := NewPaperGateway(100, 0)
	paper.SetInstrument(Instrument{AmountPrecision: 3})
	g := NewRetryGateway(paper, 0, fastPolicy(1))
	res, err := g.PlaceMarketOrder(context.Background(), OrderRequest{Symbol: "BTCUSDT", Side: SideBuy, Size: 1, PosSide: Long})
	require.NoError(t, err)
	require.NotEmpty(t, res.ClientID)
}

func Test_IsTransient(t *testing.T) {
	require.False(t, IsTransient(nil))
	require.False(t, IsTransient(context.Canceled))
	require.True(t, IsTransient(errors.New("eof")))
	require.False(t, IsTransient(newGatewayError(KindRejected, "x", "", errors.New("min size"))))
	require.True(t, IsTransient(newGatewayError(KindRateLimit, "x", "", errors.New("429"))))
}
