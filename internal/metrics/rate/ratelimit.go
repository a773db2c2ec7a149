package rate

import (
	"strings"

	"qingxi/internal/metrics"
	"qingxi/logger"
)

const (
	EventRateLimit = "rate_limit"
	EventIPBan     = "ip_ban"
)

// ReportRateLimitExceeded counts a rate limit response and emits the metric to
// CloudWatch. Exchange, ip and op are attached to the log entry.
func ReportRateLimitExceeded(log *logger.Log, exchange, ip, op string) {
	report(log, exchange, ip, op, EventRateLimit).Warn("rate limit exceeded")
}

// ReportIPBan counts an IP ban response and emits the metric to CloudWatch.
func ReportIPBan(log *logger.Log, exchange, ip, op string) {
	report(log, exchange, ip, op, EventIPBan).Error("ip banned")
}

func report(log *logger.Log, exchange, ip, op, event string) *logger.Entry {
	if log == nil {
		log = logger.GetLogger()
	}
	exchange = strings.ToLower(exchange)
	component := exchange + "_rest"
	fields := logger.Fields{logger.FieldExchange: exchange, "operation": op}
	if ip != "" {
		fields["ip"] = ip
	}
	l := log.WithComponent(component)
	l.LogMetric(component, event, int64(1), "counter", fields)
	metrics.IncLimitEvent(exchange, event)
	return l.WithFields(fields)
}

// detectLimit inspects an exchange error message for rate limit or IP ban
// wording. Each venue phrases these differently.
func detectLimit(exchange, msg string) (rateLimit bool, ipBan bool) {
	lowerMsg := strings.ToLower(msg)
	switch strings.ToLower(exchange) {
	case "binance":
		rateLimit = strings.Contains(lowerMsg, "too many requests") || strings.Contains(lowerMsg, "rate limit")
		ipBan = strings.Contains(lowerMsg, "ip") && strings.Contains(lowerMsg, "ban")
	case "okx":
		rateLimit = strings.Contains(lowerMsg, "too many requests") || strings.Contains(lowerMsg, "frequency limit")
		ipBan = strings.Contains(lowerMsg, "ip") && (strings.Contains(lowerMsg, "blocked") || strings.Contains(lowerMsg, "ban"))
	case "bybit":
		ipBan = strings.Contains(lowerMsg, "ip rate limit") || (strings.Contains(lowerMsg, "ip") && strings.Contains(lowerMsg, "ban"))
		rateLimit = !ipBan && (strings.Contains(lowerMsg, "rate limit") || strings.Contains(lowerMsg, "too many requests") || strings.Contains(lowerMsg, "too many visits"))
	default:
		rateLimit = strings.Contains(lowerMsg, "rate limit") || strings.Contains(lowerMsg, "too many requests")
		ipBan = strings.Contains(lowerMsg, "ip") && strings.Contains(lowerMsg, "ban")
	}
	return
}

// ReportLimitFromMessage records a rate limit or IP ban when msg matches the
// exchange wording and reports which one matched.
func ReportLimitFromMessage(log *logger.Log, exchange, ip, op, msg string) (rateLimit bool, ipBan bool) {
	rateLimit, ipBan = detectLimit(exchange, msg)
	if rateLimit {
		ReportRateLimitExceeded(log, exchange, ip, op)
	}
	if ipBan {
		ReportIPBan(log, exchange, ip, op)
	}
	return
}
