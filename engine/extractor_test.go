package engine

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"signalcopier/registry"
)

func TestLineExtractor(t *testing.T) {
	tests := []struct {
		name string
		text string
		ok   bool
		want Extraction
	}{
		{
			name: "limit with two targets",
			text: "BUY EURUSD @ 1.2000 SL 1.1950 TP 1.2050 TP 1.2100",
			ok:   true,
			want: Extraction{Symbol: "EURUSD", Direction: registry.Buy, Entry: 1.2, StopLoss: 1.195, Targets: []float64{1.205, 1.21}},
		},
		{
			name: "numbered targets and colons",
			text: "Sell GBPJPY 187.40\nSL: 188.00\nTP1: 186.90\nTP2: 186.40",
			ok:   true,
			want: Extraction{Symbol: "GBPJPY", Direction: registry.Sell, Entry: 187.4, StopLoss: 188, Targets: []float64{186.9, 186.4}},
		},
		{
			name: "symbol before direction",
			text: "XAUUSD buy now sl 2310 tp 2350",
			ok:   false,
		},
		{
			name: "order type word before symbol",
			text: "BUY LIMIT XAUUSD@2320 SL=2310 TP=2350",
			ok:   true,
			want: Extraction{Symbol: "XAUUSD", Direction: registry.Buy, Entry: 2320, StopLoss: 2310, Targets: []float64{2350}},
		},
		{
			name: "market entry",
			text: "SELL NOW US30 SL 39500",
			ok:   true,
			want: Extraction{Symbol: "US30", Direction: registry.Sell, StopLoss: 39500},
		},
		{
			name: "modification text",
			text: "TP1 hit, move SL to BE",
			ok:   false,
		},
		{
			name: "no stop or target",
			text: "buy eurusd 1.2000",
			ok:   false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := LineExtractor{}.Extract(tt.text)
			require.Equal(t, tt.ok, ok)
			if !tt.ok {
				return
			}
			assert.Equal(t, tt.want.Symbol, got.Symbol)
			assert.Equal(t, tt.want.Direction, got.Direction)
			assert.InDelta(t, tt.want.Entry, got.Entry, 1e-9)
			assert.InDelta(t, tt.want.StopLoss, got.StopLoss, 1e-9)
			require.Len(t, got.Targets, len(tt.want.Targets))
			for i := range tt.want.Targets {
				assert.InDelta(t, tt.want.Targets[i], got.Targets[i], 1e-9)
			}
		})
	}
}
