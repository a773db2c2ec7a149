package threadpool

import (
	"errors"
	"fmt"
	"math"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"

	"qingxi/logger"
)

var ErrPoolShutdown = errors.New("threadpool: pool is shut down")

// Task is a unit of work run by a pool worker.
type Task func()

type WorkerState int32

const (
	StateIdle WorkerState = iota
	StateWorking
	StateTerminating
)

func (s WorkerState) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateWorking:
		return "working"
	case StateTerminating:
		return "terminating"
	default:
		return "unknown"
	}
}

// CPUSampler returns system-wide CPU utilisation in percent.
type CPUSampler func() (float64, error)

// GopsutilSampler samples CPU usage since the previous call.
func GopsutilSampler() (float64, error) {
	pct, err := cpu.Percent(0, false)
	if err != nil {
		return 0, err
	}
	if len(pct) == 0 {
		return 0, fmt.Errorf("no cpu samples")
	}
	return pct[0], nil
}

type Config struct {
	CoreWorkers     int
	MaxWorkers      int
	IdleSleep       time.Duration
	MonitorInterval time.Duration
	// ScaleCPUCeiling blocks scale-up while sampled CPU is above it. 0 disables the check.
	ScaleCPUCeiling float64
	PinCPU          bool
	Sampler         CPUSampler
}

func (c Config) withDefaults() Config {
	if c.CoreWorkers <= 0 {
		c.CoreWorkers = runtime.NumCPU()
	}
	if c.MaxWorkers < c.CoreWorkers {
		c.MaxWorkers = c.CoreWorkers
	}
	if c.IdleSleep <= 0 {
		c.IdleSleep = 100 * time.Microsecond
	}
	if c.MonitorInterval <= 0 {
		c.MonitorInterval = time.Second
	}
	if c.Sampler == nil {
		c.Sampler = GopsutilSampler
	}
	return c
}

type worker struct {
	id    int
	core  bool
	state atomic.Int32
}

func (w *worker) setState(s WorkerState) { w.state.Store(int32(s)) }

// Pool runs tasks on a self-scaling set of goroutines. Core workers start
// eagerly; extra workers are added while the queue is deeper than twice the
// live worker count, up to MaxWorkers.
type Pool struct {
	cfg Config
	log *logger.Entry

	mu      sync.Mutex
	queue   []Task
	workers []*worker

	wg        sync.WaitGroup
	stopCh    chan struct{}
	stopOnce  sync.Once
	shutdown  atomic.Bool
	cpuBits   atomic.Uint64
	active    atomic.Int32
	submitted atomic.Uint64
	completed atomic.Uint64
	panics    atomic.Uint64
	scaleUps  atomic.Uint64
}

type Stats struct {
	Workers    int
	Active     int
	QueueDepth int
	Submitted  uint64
	Completed  uint64
	Panics     uint64
	ScaleUps   uint64
	CPUPercent float64
}

func New(cfg Config) *Pool {
	cfg = cfg.withDefaults()
	p := &Pool{
		cfg:    cfg,
		log:    logger.GetLogger().WithComponent("threadpool"),
		stopCh: make(chan struct{}),
	}
	p.mu.Lock()
	for i := 0; i < cfg.CoreWorkers; i++ {
		p.spawnLocked(true)
	}
	p.mu.Unlock()

	p.wg.Add(1)
	go p.monitor()

	p.log.WithFields(logger.Fields{
		"core_workers": cfg.CoreWorkers,
		"max_workers":  cfg.MaxWorkers,
		"pin_cpu":      cfg.PinCPU,
	}).Info("thread pool started")
	return p
}

func (p *Pool) spawnLocked(core bool) {
	w := &worker{id: len(p.workers), core: core}
	p.workers = append(p.workers, w)
	p.wg.Add(1)
	go p.run(w)
}

// Submit queues task. It never blocks beyond the queue lock.
func (p *Pool) Submit(task Task) error {
	if task == nil {
		return fmt.Errorf("threadpool: nil task")
	}
	if p.shutdown.Load() {
		return ErrPoolShutdown
	}
	p.mu.Lock()
	if p.shutdown.Load() {
		p.mu.Unlock()
		return ErrPoolShutdown
	}
	p.queue = append(p.queue, task)
	p.submitted.Add(1)
	p.maybeScaleLocked()
	p.mu.Unlock()
	return nil
}

func (p *Pool) maybeScaleLocked() {
	live := len(p.workers)
	if live >= p.cfg.MaxWorkers || len(p.queue) <= 2*live {
		return
	}
	if p.cfg.ScaleCPUCeiling > 0 && p.CPUPercent() > p.cfg.ScaleCPUCeiling {
		return
	}
	p.spawnLocked(false)
	p.scaleUps.Add(1)
	p.log.WithFields(logger.Fields{"workers": live + 1, "queue_depth": len(p.queue)}).Debug("scaled up thread pool")
}

func (p *Pool) next() Task {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.queue) == 0 {
		return nil
	}
	t := p.queue[0]
	p.queue[0] = nil
	p.queue = p.queue[1:]
	if len(p.queue) == 0 {
		p.queue = nil
	}
	return t
}

func (p *Pool) run(w *worker) {
	defer p.wg.Done()
	defer w.setState(StateTerminating)

	if p.cfg.PinCPU {
		runtime.LockOSThread()
		defer runtime.UnlockOSThread()
		core := w.id % runtime.NumCPU()
		if err := pinToCPU(core); err != nil {
			p.log.WithError(err).WithFields(logger.Fields{"worker_id": w.id, "cpu": core}).Warn("failed to pin worker")
		}
	}

	for {
		task := p.next()
		if task == nil {
			if p.shutdown.Load() {
				return
			}
			time.Sleep(p.cfg.IdleSleep)
			continue
		}
		w.setState(StateWorking)
		p.active.Add(1)
		p.execute(w, task)
		p.active.Add(-1)
		w.setState(StateIdle)
	}
}

func (p *Pool) execute(w *worker, task Task) {
	defer func() {
		if r := recover(); r != nil {
			p.panics.Add(1)
			p.log.WithFields(logger.Fields{"worker_id": w.id, "panic": fmt.Sprint(r)}).Error("task panicked")
		}
		p.completed.Add(1)
	}()
	task()
}

func (p *Pool) monitor() {
	defer p.wg.Done()
	ticker := time.NewTicker(p.cfg.MonitorInterval)
	defer ticker.Stop()
	for {
		select {
		case <-p.stopCh:
			return
		case <-ticker.C:
			pct, err := p.cfg.Sampler()
			if err != nil {
				p.log.WithError(err).Debug("cpu sample failed")
				continue
			}
			p.cpuBits.Store(math.Float64bits(pct))
			p.mu.Lock()
			p.maybeScaleLocked()
			p.mu.Unlock()
		}
	}
}

// CPUPercent returns the most recent CPU sample.
func (p *Pool) CPUPercent() float64 {
	return math.Float64frombits(p.cpuBits.Load())
}

// Shutdown stops accepting tasks, lets workers drain the queue and joins
// every worker and the monitor before returning.
func (p *Pool) Shutdown() {
	p.stopOnce.Do(func() {
		p.mu.Lock()
		p.shutdown.Store(true)
		p.mu.Unlock()
		close(p.stopCh)
		p.wg.Wait()
		p.log.WithFields(logger.Fields{
			"completed": p.completed.Load(),
			"panics":    p.panics.Load(),
		}).Info("thread pool stopped")
	})
}

// WorkerStates returns the current state of each worker.
func (p *Pool) WorkerStates() []WorkerState {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]WorkerState, len(p.workers))
	for i, w := range p.workers {
		out[i] = WorkerState(w.state.Load())
	}
	return out
}

func (p *Pool) Stats() Stats {
	p.mu.Lock()
	workers, depth := len(p.workers), len(p.queue)
	p.mu.Unlock()
	return Stats{
		Workers:    workers,
		Active:     int(p.active.Load()),
		QueueDepth: depth,
		Submitted:  p.submitted.Load(),
		Completed:  p.completed.Load(),
		Panics:     p.panics.Load(),
		ScaleUps:   p.scaleUps.Load(),
		CPUPercent: p.CPUPercent(),
	}
}
