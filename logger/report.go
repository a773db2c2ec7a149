package logger

import (
	"context"
	"runtime"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/mem"
	gnet "github.com/shirou/gopsutil/v3/net"

	"github.com/aws/aws-sdk-go-v2/aws"
	cwtypes "github.com/aws/aws-sdk-go-v2/service/cloudwatch/types"
)

type channelStat struct {
	messages int64
	bytes    int64
}

var (
	errorsReader  int64
	errorsCleaner int64
	warnsReader   int64
	warnsCleaner  int64
	frameReads    int64
	snapshotReads int64
	cleaned       int64
	rejected      int64
	channels      sync.Map // map[string]*channelStat
)

func isReader(component string) bool {
	return strings.Contains(component, "collector") || strings.Contains(component, "adapter")
}

func isCleaner(component string) bool {
	return strings.Contains(component, "cleaner") || strings.Contains(component, "batch")
}

func recordWarn(component string) {
	if isReader(component) {
		atomic.AddInt64(&warnsReader, 1)
	} else if isCleaner(component) {
		atomic.AddInt64(&warnsCleaner, 1)
	}
}

func recordError(component string) {
	if isReader(component) {
		atomic.AddInt64(&errorsReader, 1)
	} else if isCleaner(component) {
		atomic.AddInt64(&errorsCleaner, 1)
	}
}

// IncrementFrameRead counts one websocket frame from exchange.
func IncrementFrameRead(exchange string, size int) {
	atomic.AddInt64(&frameReads, 1)
	recordChannel(exchange+"_ws", size)
}

// IncrementSnapshotRead counts one REST order book snapshot of levels entries.
func IncrementSnapshotRead(levels int) {
	atomic.AddInt64(&snapshotReads, 1)
	recordChannel("snapshot_rest", levels)
}

func IncrementCleaned(n int) {
	atomic.AddInt64(&cleaned, int64(n))
}

func IncrementRejected(n int) {
	atomic.AddInt64(&rejected, int64(n))
}

func RecordChannelMessage(name string, size int) {
	recordChannel(name, size)
}

func recordChannel(name string, size int) {
	v, _ := channels.LoadOrStore(name, &channelStat{})
	cs := v.(*channelStat)
	atomic.AddInt64(&cs.messages, 1)
	atomic.AddInt64(&cs.bytes, int64(size))
}

// ReportCounters is a snapshot of the process wide counters.
type ReportCounters struct {
	ErrorsReader  int64
	ErrorsCleaner int64
	WarnsReader   int64
	WarnsCleaner  int64
	FrameReads    int64
	SnapshotReads int64
	Cleaned       int64
	Rejected      int64
}

func Counters() ReportCounters {
	return ReportCounters{
		ErrorsReader:  atomic.LoadInt64(&errorsReader),
		ErrorsCleaner: atomic.LoadInt64(&errorsCleaner),
		WarnsReader:   atomic.LoadInt64(&warnsReader),
		WarnsCleaner:  atomic.LoadInt64(&warnsCleaner),
		FrameReads:    atomic.LoadInt64(&frameReads),
		SnapshotReads: atomic.LoadInt64(&snapshotReads),
		Cleaned:       atomic.LoadInt64(&cleaned),
		Rejected:      atomic.LoadInt64(&rejected),
	}
}

// Report logs system and pipeline statistics once and publishes them to
// CloudWatch when a client is configured. extra is merged into the log entry.
func Report(ctx context.Context, log *Log, extra Fields) {
	cpuPercent, _ := cpu.Percent(0, false)
	memStats, _ := mem.VirtualMemory()
	diskStats, _ := disk.Usage("/")
	netStats, _ := gnet.IOCounters(false)
	channelData := map[string]map[string]int64{}
	channels.Range(func(k, v any) bool {
		name := k.(string)
		cs := v.(*channelStat)
		channelData[name] = map[string]int64{
			"messages": atomic.LoadInt64(&cs.messages),
			"bytes":    atomic.LoadInt64(&cs.bytes),
		}
		return true
	})

	cpuPct := 0.0
	if len(cpuPercent) > 0 {
		cpuPct = cpuPercent[0]
	}
	var memUsed, diskUsed uint64
	if memStats != nil {
		memUsed = memStats.Used
	}
	if diskStats != nil {
		diskUsed = diskStats.Used
	}

	bytesSent := uint64(0)
	bytesRecv := uint64(0)
	if len(netStats) > 0 {
		bytesSent = netStats[0].BytesSent
		bytesRecv = netStats[0].BytesRecv
	}

	c := Counters()
	fields := Fields{
		"errors_reader":  c.ErrorsReader,
		"errors_cleaner": c.ErrorsCleaner,
		"warns_reader":   c.WarnsReader,
		"warns_cleaner":  c.WarnsCleaner,
		"frame_reads":    c.FrameReads,
		"snapshot_reads": c.SnapshotReads,
		"cleaned":        c.Cleaned,
		"rejected":       c.Rejected,
		"goroutines":     runtime.NumGoroutine(),
		"cpu_percent":    cpuPct,
		"memory_mb":      int64(memUsed) / 1024 / 1024,
		"disk_mb":        int64(diskUsed) / 1024 / 1024,
		"channels":       channelData,
		"net_bytes_sent": int64(bytesSent),
		"net_bytes_recv": int64(bytesRecv),
	}
	for k, v := range extra {
		fields[k] = v
	}

	log.WithComponent("report").WithFields(fields).Info("runtime report")

	count := func(name string, v int64) cwtypes.MetricDatum {
		return cwtypes.MetricDatum{MetricName: aws.String(name), Unit: cwtypes.StandardUnitCount, Value: aws.Float64(float64(v))}
	}
	data := []cwtypes.MetricDatum{
		{MetricName: aws.String("Qingxi-CPUPercent"), Unit: cwtypes.StandardUnitPercent, Value: aws.Float64(cpuPct)},
		{MetricName: aws.String("Qingxi-MemoryMB"), Unit: cwtypes.StandardUnitMegabytes, Value: aws.Float64(float64(memUsed) / 1024 / 1024)},
		{MetricName: aws.String("Qingxi-DiskMB"), Unit: cwtypes.StandardUnitMegabytes, Value: aws.Float64(float64(diskUsed) / 1024 / 1024)},
		count("Qingxi-ErrorsReader", c.ErrorsReader),
		count("Qingxi-ErrorsCleaner", c.ErrorsCleaner),
		count("Qingxi-WarnsReader", c.WarnsReader),
		count("Qingxi-WarnsCleaner", c.WarnsCleaner),
		count("Qingxi-FrameReads", c.FrameReads),
		count("Qingxi-SnapshotReads", c.SnapshotReads),
		count("Qingxi-Cleaned", c.Cleaned),
		count("Qingxi-Rejected", c.Rejected),
		{MetricName: aws.String("Qingxi-NetBytesSent"), Unit: cwtypes.StandardUnitBytes, Value: aws.Float64(float64(bytesSent))},
		{MetricName: aws.String("Qingxi-NetBytesRecv"), Unit: cwtypes.StandardUnitBytes, Value: aws.Float64(float64(bytesRecv))},
	}

	for name, stats := range channelData {
		data = append(data,
			cwtypes.MetricDatum{
				MetricName: aws.String("Qingxi-ChannelMessages"),
				Unit:       cwtypes.StandardUnitCount,
				Dimensions: []cwtypes.Dimension{{Name: aws.String("Channel"), Value: aws.String(name)}},
				Value:      aws.Float64(float64(stats["messages"])),
			},
			cwtypes.MetricDatum{
				MetricName: aws.String("Qingxi-ChannelBytes"),
				Unit:       cwtypes.StandardUnitBytes,
				Dimensions: []cwtypes.Dimension{{Name: aws.String("Channel"), Value: aws.String(name)}},
				Value:      aws.Float64(float64(stats["bytes"])),
			},
		)
	}

	publishMetrics(ctx, data)
}
