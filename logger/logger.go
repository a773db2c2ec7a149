package logger

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	cwtypes "github.com/aws/aws-sdk-go-v2/service/cloudwatch/types"
	"github.com/sirupsen/logrus"
	lumberjack "gopkg.in/natefinch/lumberjack.v2"
)

// Fields mirrors logrus.Fields so callers do not import logrus.
type Fields map[string]interface{}

// Field keys shared by collectors, cleaners and the pipeline.
const (
	FieldComponent = "component"
	FieldExchange  = "exchange"
	FieldSymbol    = "symbol"
	FieldStage     = "stage"
)

// Log wraps logrus.Logger.
type Log struct {
	*logrus.Logger
}

// Entry wraps logrus.Entry. Warn and Error feed the runtime report counters.
type Entry struct {
	*logrus.Entry
}

// Options selects level, format and destination. Output is "stdout",
// "stderr" or a file path; MaxAge > 0 rotates the file with lumberjack.
type Options struct {
	Level  string
	Format string
	Output string
	MaxAge int
}

var globalLogger = New()

// New returns a JSON logger on stdout at LOG_LEVEL (info when unset or invalid).
func New() *Log {
	l := &Log{Logger: logrus.New()}
	l.SetReportCaller(true)
	l.SetFormatter(newFormatter("json"))
	level, err := parseLevel(os.Getenv("LOG_LEVEL"))
	if err != nil {
		level = logrus.InfoLevel
	}
	l.SetLevel(level)
	l.AddHook(newCallerHook())
	return l
}

func GetLogger() *Log {
	return globalLogger
}

// Configure applies opts. LOG_LEVEL overrides opts.Level.
func (l *Log) Configure(opts Options) error {
	if env := os.Getenv("LOG_LEVEL"); env != "" {
		opts.Level = env
	}
	level, err := parseLevel(opts.Level)
	if err != nil {
		return err
	}
	f := newFormatter(opts.Format)
	if f == nil {
		return fmt.Errorf("invalid log format '%s'", opts.Format)
	}
	out, err := openOutput(opts.Output, opts.MaxAge)
	if err != nil {
		return err
	}
	l.SetLevel(level)
	l.SetFormatter(f)
	l.SetOutput(out)
	l.SetReportCaller(true)
	return nil
}

// parseLevel accepts logrus level names plus "report", an alias for info
// kept for deployments that only want the periodic runtime report.
func parseLevel(s string) (logrus.Level, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	switch s {
	case "", "report":
		return logrus.InfoLevel, nil
	}
	lvl, err := logrus.ParseLevel(s)
	if err != nil {
		return 0, fmt.Errorf("invalid log level '%s'", s)
	}
	return lvl, nil
}

func shortCaller(f *runtime.Frame) (string, string) {
	return "", fmt.Sprintf("%s:%d", filepath.Base(f.File), f.Line)
}

// newFormatter returns nil for an unknown format.
func newFormatter(format string) logrus.Formatter {
	switch format {
	case "json", "":
		return &logrus.JSONFormatter{
			TimestampFormat: time.RFC3339Nano,
			FieldMap: logrus.FieldMap{
				logrus.FieldKeyTime:  "timestamp",
				logrus.FieldKeyLevel: "level",
				logrus.FieldKeyMsg:   "message",
			},
			CallerPrettyfier: shortCaller,
		}
	case "text":
		return &logrus.TextFormatter{
			FullTimestamp:    true,
			TimestampFormat:  time.RFC3339,
			CallerPrettyfier: shortCaller,
		}
	}
	return nil
}

func openOutput(output string, maxAge int) (io.Writer, error) {
	switch output {
	case "stdout", "":
		return os.Stdout, nil
	case "stderr":
		return os.Stderr, nil
	}
	if maxAge > 0 {
		return &lumberjack.Logger{Filename: output, MaxAge: maxAge, MaxSize: 100, Compress: true}, nil
	}
	file, err := os.OpenFile(output, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("failed to open log file '%s': %w", output, err)
	}
	return file, nil
}

func (l *Log) entry() *Entry {
	return &Entry{Entry: logrus.NewEntry(l.Logger)}
}

func (l *Log) WithComponent(component string) *Entry { return l.entry().WithComponent(component) }

func (l *Log) WithExchange(exchange string) *Entry { return l.entry().WithExchange(exchange) }

func (l *Log) WithFields(fields Fields) *Entry { return l.entry().WithFields(fields) }

func (l *Log) WithError(err error) *Entry { return l.entry().WithError(err) }

func (e *Entry) WithComponent(component string) *Entry {
	return &Entry{Entry: e.Entry.WithField(FieldComponent, component)}
}

// WithExchange tags the entry with a lower-case exchange id.
func (e *Entry) WithExchange(exchange string) *Entry {
	return &Entry{Entry: e.Entry.WithField(FieldExchange, strings.ToLower(exchange))}
}

func (e *Entry) WithSymbol(symbol string) *Entry {
	return &Entry{Entry: e.Entry.WithField(FieldSymbol, symbol)}
}

// WithStage tags the entry with a cleaning stage or mode.
func (e *Entry) WithStage(stage string) *Entry {
	return &Entry{Entry: e.Entry.WithField(FieldStage, stage)}
}

func (e *Entry) WithFields(fields Fields) *Entry {
	return &Entry{Entry: e.Entry.WithFields(logrus.Fields(fields))}
}

func (e *Entry) WithError(err error) *Entry {
	return &Entry{Entry: e.Entry.WithError(err)}
}

func (e *Entry) component() string {
	c, _ := e.Entry.Data[FieldComponent].(string)
	return c
}

func (e *Entry) Warn(args ...interface{}) {
	if c := e.component(); c != "" {
		recordWarn(c)
	}
	e.Entry.Warn(args...)
}

func (e *Entry) Error(args ...interface{}) {
	if c := e.component(); c != "" {
		recordError(c)
	}
	e.Entry.Error(args...)
}

// LogMetric logs one metric line and publishes numeric values to CloudWatch
// with the component and every string field as dimensions.
func (e *Entry) LogMetric(component, metric string, value interface{}, metricType string, fields Fields) {
	if metricType == "" {
		metricType = "counter"
	}
	out := make(Fields, len(fields)+3)
	for k, v := range fields {
		out[k] = v
	}
	out["metric"] = metric
	out["value"] = value
	out["metric_type"] = metricType
	e.WithComponent(component).WithFields(out).Info("metric")

	val, ok := metricValue(value)
	if !ok {
		return
	}
	dims := []cwtypes.Dimension{{Name: aws.String(FieldComponent), Value: aws.String(component)}}
	for k, v := range fields {
		if s, ok := v.(string); ok {
			dims = append(dims, cwtypes.Dimension{Name: aws.String(k), Value: aws.String(s)})
		}
	}
	publishMetrics(context.Background(), []cwtypes.MetricDatum{{
		MetricName: aws.String(metric),
		Dimensions: dims,
		Unit:       cwtypes.StandardUnitCount,
		Value:      aws.Float64(val),
	}})
}

func (l *Log) LogMetric(component, metric string, value interface{}, metricType string, fields Fields) {
	l.entry().LogMetric(component, metric, value, metricType, fields)
}

func metricValue(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint64:
		return float64(n), true
	case float32:
		return float64(n), true
	case float64:
		return n, true
	}
	return 0, false
}

// LogPerformanceEntry logs how long operation took. fields is not modified.
func LogPerformanceEntry(entry *Entry, component, operation string, duration time.Duration, fields Fields) {
	entry.WithComponent(component).WithFields(fields).WithFields(Fields{
		"operation":   operation,
		"duration_ms": float64(duration.Nanoseconds()) / 1e6,
	}).Info("performance metric")
}

// LogDataFlowEntry logs recordCount records of dataType moving from source to
// destination.
func LogDataFlowEntry(entry *Entry, source, destination string, recordCount int, dataType string) {
	entry.WithFields(Fields{
		"source":       source,
		"destination":  destination,
		"record_count": recordCount,
		"data_type":    dataType,
		"flow_type":    "data_flow",
	}).Info("data flow metric")
}
