package logger

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/sirupsen/logrus"
)

func TestFeedFields(t *testing.T) {
	log := New()
	entry := log.WithComponent("collector").WithExchange("OKX").WithSymbol("BTC/USDT").WithStage("deep")
	want := map[string]string{
		FieldComponent: "collector",
		FieldExchange:  "okx",
		FieldSymbol:    "BTC/USDT",
		FieldStage:     "deep",
	}
	for k, v := range want {
		if got := entry.Entry.Data[k]; got != v {
			t.Errorf("%s = %v, want %s", k, got, v)
		}
	}
}

func TestConfigure(t *testing.T) {
	t.Setenv("LOG_LEVEL", "")

	log := New()
	if err := log.Configure(Options{Level: "invalid", Format: "json"}); err == nil {
		t.Fatalf("expected error for invalid level")
	}
	if err := log.Configure(Options{Level: "info", Format: "xml"}); err == nil {
		t.Fatalf("expected error for invalid format")
	}

	path := filepath.Join(t.TempDir(), "qingxi.log")
	if err := log.Configure(Options{Level: "report", Format: "text", Output: path}); err != nil {
		t.Fatalf("configure: %v", err)
	}
	log.WithExchange("binance").Info("hello")
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read log file: %v", err)
	}
	if !bytes.Contains(data, []byte("exchange=binance")) {
		t.Fatalf("log file missing entry: %s", data)
	}
}

func TestLevelEnvOverride(t *testing.T) {
	t.Setenv("LOG_LEVEL", "debug")
	log := New()
	if err := log.Configure(Options{Level: "error", Format: "json"}); err != nil {
		t.Fatalf("configure: %v", err)
	}
	if log.GetLevel() != logrus.DebugLevel {
		t.Fatalf("LOG_LEVEL should win, got %v", log.GetLevel())
	}
}

func TestCallerHookPackagePrefix(t *testing.T) {
	hook := newCallerHook()
	if hook.pkg != "qingxi/logger." {
		t.Fatalf("package prefix = %q", hook.pkg)
	}
}

func TestReportIncludesPipelineCounters(t *testing.T) {
	log := New()
	var buf bytes.Buffer
	log.SetOutput(&buf)

	before := Counters()
	IncrementCleaned(3)
	IncrementRejected(1)
	IncrementFrameRead("binance", 128)
	log.WithComponent("bybit_collector").Warn("reconnecting")

	after := Counters()
	if after.Cleaned-before.Cleaned != 3 || after.Rejected-before.Rejected != 1 || after.FrameReads-before.FrameReads != 1 {
		t.Fatalf("unexpected counters %+v -> %+v", before, after)
	}
	if after.WarnsReader-before.WarnsReader != 1 {
		t.Fatalf("collector warning not counted")
	}

	buf.Reset()
	Report(context.Background(), log, Fields{"books": 2})
	var entry map[string]interface{}
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("failed to unmarshal report: %v", err)
	}
	for _, key := range []string{"cpu_percent", "cleaned", "rejected", "channels", "books"} {
		if _, ok := entry[key]; !ok {
			t.Errorf("%s missing from report", key)
		}
	}
}

func TestLogMetricWritesOnce(t *testing.T) {
	log := New()
	var buf bytes.Buffer
	log.SetOutput(&buf)
	log.LogMetric("pipeline", "snapshots", 5, "", nil)
	if n := bytes.Count(buf.Bytes(), []byte("\n")); n != 1 {
		t.Fatalf("expected one line, got %d: %s", n, buf.String())
	}
	if !bytes.Contains(buf.Bytes(), []byte(`"metric_type":"counter"`)) {
		t.Fatalf("metric type missing: %s", buf.String())
	}

	fields := Fields{FieldExchange: "bybit"}
	log.LogMetric("bybit_rest", "used_weight", 3.0, "gauge", fields)
	if len(fields) != 1 {
		t.Fatalf("caller fields were modified: %v", fields)
	}
}
