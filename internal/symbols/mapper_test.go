package symbols

import (
	"testing"

	"qingxi/models"
)

func TestCompact(t *testing.T) {
	tests := []struct {
		exchange string
		in       string
		want     string
	}{
		{"okx", "BTC-USDT-SWAP", "BTCUSDT"},
		{"okx", "eth-usdt", "ETHUSDT"},
		{"binance", "ETHUSDT", "ETHUSDT"},
		{"bybit", "XBTUSDT", "BTCUSDT"},
		{"unknown", "SOL/USDC", "SOLUSDC"},
	}
	for _, tt := range tests {
		if got := Compact(tt.exchange, tt.in); got != tt.want {
			t.Errorf("Compact(%s,%s)=%s want %s", tt.exchange, tt.in, got, tt.want)
		}
	}
}

func TestResolvePrefersSubscription(t *testing.T) {
	sub := models.Symbol{Base: "1000PEPE", Quote: "USDT"}
	subs := []models.Subscription{{Symbol: sub, Channel: models.ChannelTrades}}

	got, err := Resolve("binance", "1000PEPEUSDT", subs)
	if err != nil || got != sub {
		t.Fatalf("got %v, %v", got, err)
	}
	got, err = Resolve("okx", "BTC-USDT-SWAP", nil)
	if err != nil || got != models.NewSymbol("BTC", "USDT") {
		t.Fatalf("got %v, %v", got, err)
	}
	if _, err := Resolve("binance", "???", nil); err == nil {
		t.Fatalf("expected error for unparsable instrument")
	}
}
