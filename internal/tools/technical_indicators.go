package tools

import (
	"github.com/markcheno/go-talib"

	"github.com/casualtrader/agent-orchestrator/pkg/formulas"
)

// TechnicalIndicators is the bundle of indicator readings the technical-agent sub-agent
// exposes as a tool result, backed by go-talib.
type TechnicalIndicators struct {
	RSI14       *float64 `json:"rsi_14"`
	MACD        *float64 `json:"macd"`
	MACDSignal  *float64 `json:"macd_signal"`
	BollingerUp *float64 `json:"bollinger_upper"`
	BollingerLo *float64 `json:"bollinger_lower"`
}

// ComputeTechnicalIndicators runs the standard indicator set over a closing-price
// series, used by the technical-agent sub-agent tool bound in the Agent Runtime.
func ComputeTechnicalIndicators(closes []float64) TechnicalIndicators {
	out := TechnicalIndicators{RSI14: formulas.CalculateRSI(closes, 14)}

	if len(closes) >= 35 {
		macd, signal, _ := talib.Macd(closes, 12, 26, 9)
		if n := len(macd); n > 0 {
			v := macd[n-1]
			out.MACD = &v
		}
		if n := len(signal); n > 0 {
			v := signal[n-1]
			out.MACDSignal = &v
		}
	}

	if len(closes) >= 20 {
		upper, _, lower := talib.BBands(closes, 20, 2, 2, talib.SMA)
		if n := len(upper); n > 0 {
			v := upper[n-1]
			out.BollingerUp = &v
		}
		if n := len(lower); n > 0 {
			v := lower[n-1]
			out.BollingerLo = &v
		}
	}

	return out
}
