package main

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func Test_TPSLParams_PerVenue(t *testing.T) {
	tr := ComputeTPSL(100, Long, 1, 2)
	require.Equal(t, map[string]string{"tpTriggerPx": "101.00", "slTriggerPx": "98.00"}, tpslParams("okx", tr, 2))
	require.Equal(t, map[string]string{"takeProfit": "101.0", "stopLoss": "98.0"}, tpslParams("bybit", tr, 1))
	require.Equal(t, "101", tpslParams("bitget", tr, 0)["presetTakeProfitPrice"])

	noSL := ComputeTPSL(100, Short, 1, 0)
	require.Equal(t, map[string]string{"tpTriggerPx": "99.00"}, tpslParams("okx", noSL, 2))

	require.Nil(t, tpslParams("binance", tr, 2))
	require.Nil(t, tpslParams("paper", tr, 2))
}

func Test_EntryTPSLParams_NoPresetsOnMartingale(t *testing.T) {
	tr := ComputeTPSL(100, Long, 1, 2)

	single := testStrategy(Long)
	require.Equal(t, tpslParams("okx", tr, 2), entryTPSLParams(single, "okx", tr, 2))

	ladder := single
	ladder.Martingale = true
	ladder.LadderSteps = 2
	ladder.LadderOffsetPct = 1
	for _, ex := range []string{"okx", "bybit", "bitget", "gate"} {
		require.Nil(t, entryTPSLParams(ladder, ex, tr, 2), ex)
	}
}
