package metrics

import "qingxi/logger"

// DropMetric identifies the metric name emitted when a message is dropped.
type DropMetric string

const (
	// DropMetricBatchQueue records low priority items refused by a full batch queue.
	DropMetricBatchQueue DropMetric = "batch_queue_dropped"
	// DropMetricStaleDelta records deltas older than the local book.
	DropMetricStaleDelta DropMetric = "stale_delta_dropped"
	// DropMetricRejected records snapshots refused by the cleaner quality gate.
	DropMetricRejected DropMetric = "rejected_snapshot_dropped"
	// DropMetricParse records frames that could not be parsed.
	DropMetricParse DropMetric = "parse_dropped"
)

// EmitDropMetric logs a dropped message and counts it in prometheus. Optional
// metadata is attached to the log entry when provided.
func EmitDropMetric(log *logger.Log, metric DropMetric, exchange, symbol, stage string) {
	if log == nil {
		log = logger.GetLogger()
	}
	fields := logger.Fields{"metric": string(metric), "value": 1, "metric_type": "counter"}
	if exchange != "" {
		fields["exchange"] = exchange
	}
	if symbol != "" {
		fields["symbol"] = symbol
	}
	if stage != "" {
		fields["stage"] = stage
	}
	log.WithComponent("drops").WithFields(fields).Debug("message dropped")
	incDropped(string(metric))
}
