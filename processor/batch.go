package processor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"qingxi/internal/metrics"
	"qingxi/internal/threadpool"
	"qingxi/logger"
)

var (
	ErrProcessorStopped = errors.New("batch processor stopped")
	ErrQueueFull        = errors.New("batch queue full")
)

// BatchItem wraps a payload with the time it was queued and its priority.
// Priority only matters when the queue is full: items with priority <= 0 are
// dropped, higher priorities are always accepted.
type BatchItem[T any] struct {
	Payload    T
	EnqueuedAt time.Time
	Priority   int
}

// Batch is one drained group of items handed to the process function.
type Batch[T any] struct {
	ID        string
	Items     []BatchItem[T]
	CreatedAt time.Time
}

// ProcessFunc is invoked once per batch, never once per item.
type ProcessFunc[T any] func(ctx context.Context, batch Batch[T]) error

// Executor runs flushed batches. *threadpool.Pool satisfies it.
type Executor interface {
	Submit(task threadpool.Task) error
}

type BatchConfig struct {
	MaxBatchSize int
	MaxWaitTime  time.Duration
	Concurrency  int
	// MaxQueueLen bounds the pending queue; 0 means unbounded.
	MaxQueueLen    int
	ReportInterval time.Duration
}

func (c BatchConfig) withDefaults() BatchConfig {
	if c.MaxBatchSize <= 0 {
		c.MaxBatchSize = 100
	}
	if c.MaxWaitTime <= 0 {
		c.MaxWaitTime = 10 * time.Millisecond
	}
	if c.Concurrency <= 0 {
		c.Concurrency = 1
	}
	return c
}

type BatchStats struct {
	Enqueued        uint64
	Dropped         uint64
	ProcessedItems  uint64
	Batches         uint64
	Errors          uint64
	QueueDepth      int
	AvgFlushLatency time.Duration
}

// BatchProcessor accumulates items and flushes them when MaxBatchSize is
// reached or the oldest item has waited long enough, whichever comes first.
// A non-empty queue is always drained within MaxWaitTime.
type BatchProcessor[T any] struct {
	name     string
	config   BatchConfig
	process  ProcessFunc[T]
	exec     Executor
	describe func(T) logger.Fields

	ctx      context.Context
	wg       *sync.WaitGroup
	inflight sync.WaitGroup
	mu       sync.RWMutex
	running  bool
	stopped  atomic.Bool
	quit     chan struct{}
	log      *logger.Log

	qmu    sync.Mutex
	queue  []BatchItem[T]
	notify chan struct{}

	enqueued       atomic.Uint64
	dropped        atomic.Uint64
	processedItems atomic.Uint64
	batches        atomic.Uint64
	errorsCount    atomic.Uint64
	flushNanos     atomic.Int64
}

// NewBatchProcessor creates a processor. exec may be nil, in which case
// batches run on the worker goroutine that drained them.
func NewBatchProcessor[T any](name string, cfg BatchConfig, process ProcessFunc[T], exec Executor) *BatchProcessor[T] {
	return &BatchProcessor[T]{
		name:    name,
		config:  cfg.withDefaults(),
		process: process,
		exec:    exec,
		wg:      &sync.WaitGroup{},
		quit:    make(chan struct{}),
		log:     logger.GetLogger(),
		notify:  make(chan struct{}, 1),
	}
}

// WithDescriber sets a function that extracts log fields (exchange, symbol)
// from a payload for error reports.
func (p *BatchProcessor[T]) WithDescriber(fn func(T) logger.Fields) *BatchProcessor[T] {
	p.describe = fn
	return p
}

func (p *BatchProcessor[T]) Start(ctx context.Context) error {
	p.mu.Lock()
	if p.running {
		p.mu.Unlock()
		return fmt.Errorf("batch processor %s already running", p.name)
	}
	if p.stopped.Load() {
		p.mu.Unlock()
		return ErrProcessorStopped
	}
	p.running = true
	p.ctx = ctx
	p.mu.Unlock()

	log := p.log.WithComponent("batch_processor").WithFields(logger.Fields{"name": p.name, "operation": "start"})
	log.WithFields(logger.Fields{
		"workers":        p.config.Concurrency,
		"max_batch_size": p.config.MaxBatchSize,
		"max_wait_ms":    p.config.MaxWaitTime.Milliseconds(),
	}).Info("starting batch processor")

	for i := 0; i < p.config.Concurrency; i++ {
		p.wg.Add(1)
		go p.worker(i)
	}

	if p.config.ReportInterval > 0 {
		p.wg.Add(1)
		go p.metricsReporter(ctx)
	}
	return nil
}

// Enqueue appends payload to the queue. It only blocks on the queue lock.
func (p *BatchProcessor[T]) Enqueue(payload T, priority int) error {
	if p.stopped.Load() {
		return ErrProcessorStopped
	}
	p.qmu.Lock()
	if p.stopped.Load() {
		p.qmu.Unlock()
		return ErrProcessorStopped
	}
	if p.config.MaxQueueLen > 0 && len(p.queue) >= p.config.MaxQueueLen && priority <= 0 {
		p.qmu.Unlock()
		p.dropped.Add(1)
		return ErrQueueFull
	}
	p.queue = append(p.queue, BatchItem[T]{Payload: payload, EnqueuedAt: time.Now(), Priority: priority})
	p.qmu.Unlock()
	p.enqueued.Add(1)

	select {
	case p.notify <- struct{}{}:
	default:
	}
	return nil
}

func (p *BatchProcessor[T]) worker(workerID int) {
	defer p.wg.Done()

	tick := p.config.MaxWaitTime / 2
	if tick <= 0 {
		tick = time.Millisecond
	}
	ticker := time.NewTicker(tick)
	defer ticker.Stop()

	for {
		select {
		case <-p.ctx.Done():
			return
		case <-p.quit:
			return
		case <-p.notify:
			for p.queueLen() >= p.config.MaxBatchSize {
				if !p.flushOnce() {
					break
				}
			}
		case <-ticker.C:
			if p.oldestAge() >= tick {
				for p.flushOnce() {
				}
			}
		}
	}
}

func (p *BatchProcessor[T]) queueLen() int {
	p.qmu.Lock()
	defer p.qmu.Unlock()
	return len(p.queue)
}

func (p *BatchProcessor[T]) oldestAge() time.Duration {
	p.qmu.Lock()
	defer p.qmu.Unlock()
	if len(p.queue) == 0 {
		return 0
	}
	return time.Since(p.queue[0].EnqueuedAt)
}

// drain removes up to MaxBatchSize items from the head of the queue.
func (p *BatchProcessor[T]) drain() []BatchItem[T] {
	p.qmu.Lock()
	defer p.qmu.Unlock()
	n := len(p.queue)
	if n == 0 {
		return nil
	}
	if n > p.config.MaxBatchSize {
		n = p.config.MaxBatchSize
	}
	items := make([]BatchItem[T], n)
	copy(items, p.queue[:n])
	clear(p.queue[:n])
	p.queue = p.queue[n:]
	if len(p.queue) == 0 {
		p.queue = nil
	}
	return items
}

// flushOnce drains one batch and dispatches it. False when the queue was empty.
func (p *BatchProcessor[T]) flushOnce() bool {
	items := p.drain()
	if len(items) == 0 {
		return false
	}
	p.dispatch(p.ctx, Batch[T]{ID: uuid.New().String(), Items: items, CreatedAt: time.Now()})
	return true
}

// dispatch runs batch to completion before the calling worker drains again,
// so each worker hands over its batches in queue order. With an executor the
// batch runs on a pool worker and the caller waits for it.
func (p *BatchProcessor[T]) dispatch(ctx context.Context, batch Batch[T]) {
	p.inflight.Add(1)
	done := make(chan struct{})
	task := func() {
		defer close(done)
		defer p.inflight.Done()
		p.run(ctx, batch)
	}
	if p.exec == nil {
		task()
		return
	}
	if err := p.exec.Submit(task); err != nil {
		task()
		return
	}
	<-done
}

func (p *BatchProcessor[T]) run(ctx context.Context, batch Batch[T]) {
	start := time.Now()
	err := p.process(ctx, batch)
	elapsed := time.Since(start)

	p.batches.Add(1)
	p.flushNanos.Add(elapsed.Nanoseconds())
	if err != nil {
		p.errorsCount.Add(1)
		metrics.IncBatchError(p.name)
		fields := logger.Fields{
			"name":       p.name,
			"batch_id":   batch.ID,
			"batch_size": len(batch.Items),
		}
		if p.describe != nil && len(batch.Items) > 0 {
			for k, v := range p.describe(batch.Items[0].Payload) {
				fields[k] = v
			}
		}
		p.log.WithComponent("batch_processor").WithError(err).WithFields(fields).Warn("batch processing failed; batch dropped")
		return
	}
	p.processedItems.Add(uint64(len(batch.Items)))
}

// Stop halts the workers, flushes whatever is still queued and waits for every
// in-flight batch to finish.
func (p *BatchProcessor[T]) Stop() {
	p.mu.Lock()
	wasRunning := p.running
	p.running = false
	p.mu.Unlock()

	p.qmu.Lock()
	alreadyStopped := p.stopped.Swap(true)
	p.qmu.Unlock()
	if alreadyStopped {
		return
	}

	log := p.log.WithComponent("batch_processor").WithFields(logger.Fields{"name": p.name})
	log.Info("stopping batch processor")

	close(p.quit)
	p.wg.Wait()

	ctx := context.Background()
	if wasRunning && p.ctx != nil {
		ctx = context.WithoutCancel(p.ctx)
	}
	for {
		items := p.drain()
		if len(items) == 0 {
			break
		}
		p.dispatch(ctx, Batch[T]{ID: uuid.New().String(), Items: items, CreatedAt: time.Now()})
	}
	p.inflight.Wait()
	log.Info("batch processor stopped")
}

func (p *BatchProcessor[T]) Stats() BatchStats {
	batches := p.batches.Load()
	var avg time.Duration
	if batches > 0 {
		avg = time.Duration(p.flushNanos.Load() / int64(batches))
	}
	return BatchStats{
		Enqueued:        p.enqueued.Load(),
		Dropped:         p.dropped.Load(),
		ProcessedItems:  p.processedItems.Load(),
		Batches:         batches,
		Errors:          p.errorsCount.Load(),
		QueueDepth:      p.queueLen(),
		AvgFlushLatency: avg,
	}
}

func (p *BatchProcessor[T]) metricsReporter(ctx context.Context) {
	defer p.wg.Done()
	ticker := time.NewTicker(p.config.ReportInterval)
	defer ticker.Stop()

	log := p.log.WithComponent("batch_processor").WithFields(logger.Fields{"name": p.name, "worker": "metrics_reporter"})
	for {
		select {
		case <-ctx.Done():
			return
		case <-p.quit:
			return
		case <-ticker.C:
			st := p.Stats()
			log.WithFields(logger.Fields{
				"enqueued":        st.Enqueued,
				"dropped":         st.Dropped,
				"processed_items": st.ProcessedItems,
				"batches":         st.Batches,
				"errors":          st.Errors,
				"queue_depth":     st.QueueDepth,
				"avg_flush_us":    st.AvgFlushLatency.Microseconds(),
			}).Info("batch processor metrics")
		}
	}
}
