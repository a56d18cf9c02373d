// FILE: tpsl_params.go
// Package main – Venue-specific TP/SL order parameters.
//
// Each venue wants exchange-side TP/SL attached to the entry order under its
// own keys. The table maps an exchange id to a pure function from the current
// triggers to those params; venues that can't attach them get nil and rely on
// the bot's own polling exits.
//
// Presets are fixed once the entry is sent. A martingale position re-averages
// on every rung, so it never carries them: its exits are always the poll
// loop's, recomputed from the current average.
package main

// TPSLParamFunc renders exit triggers as gateway params at the given price precision.
type TPSLParamFunc func(t Triggers, pricePrecision int) map[string]string

func tpslKeys(tpKey, slKey string) TPSLParamFunc {
	return func(t Triggers, prec int) map[string]string {
		if t.TP <= 0 {
			return nil
		}
		out := map[string]string{tpKey: formatFixed(t.TP, prec)}
		if t.HasSL && t.SL > 0 {
			out[slKey] = formatFixed(t.SL, prec)
		}
		return out
	}
}

var tpslParamTable = map[string]TPSLParamFunc{
	"okx":    tpslKeys("tpTriggerPx", "slTriggerPx"),
	"bybit":  tpslKeys("takeProfit", "stopLoss"),
	"bitget": tpslKeys("presetTakeProfitPrice", "presetStopLossPrice"),
	"gate":   tpslKeys("tp_price", "sl_price"),
}

// tpslParams returns the params for exchange, or nil when the venue has no entry.
func tpslParams(exchange string, t Triggers, pricePrecision int) map[string]string {
	if fn, ok := tpslParamTable[exchange]; ok {
		return fn(t, pricePrecision)
	}
	return nil
}

// entryTPSLParams is tpslParams for the entry order of cfg. Nil whenever the
// ladder can move the average entry after the fact.
func entryTPSLParams(cfg StrategyConfig, exchange string, t Triggers, pricePrecision int) map[string]string {
	if cfg.Martingale && cfg.LadderSteps > 0 {
		return nil
	}
	return tpslParams(exchange, t, pricePrecision)
}
