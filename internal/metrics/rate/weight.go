package rate

import (
	"net/http"
	"strconv"
	"strings"

	"qingxi/internal/metrics"
	"qingxi/logger"
)

// Weight is the request budget consumed in one exchange window.
type Weight struct {
	Used   float64
	Window string
}

// UsedWeight reads the venue specific rate limit headers of a REST response.
// ok is false when the exchange reported nothing usable.
func UsedWeight(exchange string, header http.Header) (w Weight, ok bool) {
	switch strings.ToLower(exchange) {
	case "binance":
		for _, h := range []struct{ key, window string }{
			{"X-MBX-USED-WEIGHT-1M", "1m"},
			{"X-MBX-USED-WEIGHT", "1m"},
			{"X-MBX-USED-WEIGHT-1S", "1s"},
		} {
			if v, err := strconv.ParseFloat(header.Get(h.key), 64); err == nil {
				return Weight{Used: v, Window: h.window}, true
			}
		}
	case "bybit":
		// header names changed over time; both sets are still served
		limit, okl := headerInt(header, "X-Bapi-Limit", "X-RateLimit-Limit")
		remaining, okr := headerInt(header, "X-Bapi-Limit-Status", "X-RateLimit-Remaining")
		if okl && okr {
			return Weight{Used: float64(max(limit-remaining, 0)), Window: "1s"}, true
		}
	case "okx":
		if used, ok := headerInt(header, "Rate-Limit-Used", "X-RateLimit-Used"); ok {
			return Weight{Used: float64(used), Window: "2s"}, true
		}
		limit, okl := headerInt(header, "Rate-Limit-Limit", "X-RateLimit-Limit")
		remaining, okr := headerInt(header, "Rate-Limit-Remaining", "X-RateLimit-Remaining")
		if okl && okr {
			return Weight{Used: float64(max(limit-remaining, 0)), Window: "2s"}, true
		}
	}
	return Weight{}, false
}

// headerInt returns the leading integer of the first non-empty header among
// keys. Values such as "40;w=2" yield 40.
func headerInt(header http.Header, keys ...string) (int64, bool) {
	for _, k := range keys {
		v := strings.TrimSpace(header.Get(k))
		end := strings.IndexFunc(v, func(r rune) bool { return r < '0' || r > '9' })
		if end < 0 {
			end = len(v)
		}
		if n, err := strconv.ParseInt(v[:end], 10, 64); err == nil {
			return n, true
		}
	}
	return 0, false
}

// ReportUsedWeight publishes the weight found in header, if any.
func ReportUsedWeight(log *logger.Log, exchange, ip string, header http.Header) (Weight, bool) {
	w, ok := UsedWeight(exchange, header)
	if !ok {
		return w, false
	}
	if log == nil {
		log = logger.GetLogger()
	}
	component := strings.ToLower(exchange) + "_rest"
	fields := logger.Fields{logger.FieldExchange: strings.ToLower(exchange), "window": w.Window}
	if ip != "" {
		fields["ip"] = ip
	}
	log.LogMetric(component, "used_weight", w.Used, "gauge", fields)
	metrics.SetUsedWeight(strings.ToLower(exchange), w.Window, w.Used)
	return w, true
}
