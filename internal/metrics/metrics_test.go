package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"qingxi/logger"
)

func TestHelpersAreSafeBeforeInit(t *testing.T) {
	IncMessage("binance", "trade")
	IncParseError("binance")
	IncReconnect("binance")
	SetConnectionUp("binance", true)
	ObserveClean("unified", "", time.Millisecond)
	AddPoolExhausted(1)
	IncBatchError("snapshots")
	EmitDropMetric(nil, DropMetricParse, "binance", "BTC/USDT", "read")
}

func TestCountersAfterInit(t *testing.T) {
	Init("127.0.0.1:0")

	before := value(t, "qingxi_reconnects_total", "okx")
	IncReconnect("okx")
	IncReconnect("okx")
	if got := value(t, "qingxi_reconnects_total", "okx") - before; got != 2 {
		t.Fatalf("expected 2 reconnects, got %v", got)
	}

	SetConnectionUp("okx", true)
	if v := value(t, "qingxi_connection_up", "okx"); v != 1 {
		t.Fatalf("connection gauge = %v", v)
	}
	SetConnectionUp("okx", false)
	if v := value(t, "qingxi_connection_up", "okx"); v != 0 {
		t.Fatalf("connection gauge = %v", v)
	}

	rej := value(t, "qingxi_cleaner_rejections_total", "unified")
	ObserveClean("unified", "", time.Microsecond)
	ObserveClean("unified", "fast", time.Microsecond)
	if value(t, "qingxi_cleaner_rejections_total", "unified")-rej != 1 {
		t.Fatalf("rejection not counted")
	}

	d := value(t, "qingxi_dropped_total", string(DropMetricStaleDelta))
	EmitDropMetric(logger.GetLogger(), DropMetricStaleDelta, "bybit", "", "")
	if value(t, "qingxi_dropped_total", string(DropMetricStaleDelta))-d != 1 {
		t.Fatalf("drop not counted")
	}
}

// value reads a counter or gauge from the default registry by its single
// label value.
func value(t *testing.T, name, label string) float64 {
	t.Helper()
	families, err := prometheus.DefaultGatherer.Gather()
	if err != nil {
		t.Fatalf("gather: %v", err)
	}
	for _, f := range families {
		if f.GetName() != name {
			continue
		}
		for _, m := range f.GetMetric() {
			for _, l := range m.GetLabel() {
				if l.GetValue() != label {
					continue
				}
				if c := m.GetCounter(); c != nil {
					return c.GetValue()
				}
				return m.GetGauge().GetValue()
			}
		}
	}
	return 0
}
