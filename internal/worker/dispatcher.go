package worker

import (
	"container/list"
	"context"
	"errors"
	"sync"
	"time"
)

var (
	// ErrDispatcherBusy is returned when the pending queue is full.
	ErrDispatcherBusy    = errors.New("dispatcher busy")
	ErrDispatcherStopped = errors.New("dispatcher stopped")
	ErrJobCancelled      = errors.New("job cancelled")
)

type Config struct {
	MinWorkers  int
	MaxWorkers  int
	QueueSize   int
	IdleTimeout time.Duration
}

// Job is one unit of work bound to a key (a session id).
type Job struct {
	Key  string
	ctx  context.Context
	fn   func(context.Context) error
	done chan error
}

func (j *Job) finish(err error) {
	j.done <- err
}

type keyQueue struct {
	jobs     []*Job
	inFlight bool
	queued   bool // is in the ready list
}

// Dispatcher runs jobs FIFO per key with at most one job in flight per key.
// Keys take turns through a round-robin ready list, so one busy session
// cannot starve the others.
type Dispatcher struct {
	pool      *jobChannelPool
	queueSize int

	mu        sync.Mutex
	queues    map[string]*keyQueue
	ready     *list.List // keys with a runnable job, in turn order
	positions map[string]*list.Element
	pending   int
	stopped   bool

	wake     chan struct{}
	quit     chan struct{}
	stopOnce sync.Once
	loopDone chan struct{}
}

func NewDispatcher(cfg Config) *Dispatcher {
	if cfg.MinWorkers <= 0 {
		cfg.MinWorkers = 1
	}
	if cfg.MaxWorkers < cfg.MinWorkers {
		cfg.MaxWorkers = cfg.MinWorkers
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 64
	}
	d := &Dispatcher{
		queueSize: cfg.QueueSize,
		queues:    make(map[string]*keyQueue),
		ready:     list.New(),
		positions: make(map[string]*list.Element),
		wake:      make(chan struct{}, 1),
		quit:      make(chan struct{}),
		loopDone:  make(chan struct{}),
	}
	d.pool = newJobChannelPool(cfg.MinWorkers, cfg.MaxWorkers, cfg.IdleTimeout, d)

	// Warm up workers.
	for i := 0; i < cfg.MinWorkers; i++ {
		d.pool.spawnWorker()
	}

	go d.run()
	return d
}

// Do runs fn on a worker after every earlier job for key has finished and
// returns its error. A job whose ctx is done before it starts is skipped.
func (d *Dispatcher) Do(ctx context.Context, key string, fn func(context.Context) error) error {
	job := &Job{Key: key, ctx: ctx, fn: fn, done: make(chan error, 1)}
	if err := d.enqueueJob(job); err != nil {
		return err
	}
	return <-job.done
}

// Cancel drops every queued job of key; a job already running is not interrupted.
func (d *Dispatcher) Cancel(key string) {
	d.mu.Lock()
	q := d.queues[key]
	if q == nil {
		d.mu.Unlock()
		return
	}
	dropped := q.jobs
	q.jobs = nil
	d.pending -= len(dropped)
	d.unreadyLocked(key, q)
	if !q.inFlight {
		delete(d.queues, key)
	}
	d.mu.Unlock()

	for _, job := range dropped {
		job.finish(ErrJobCancelled)
	}
}

// Stop fails all queued jobs, waits for running ones and stops the workers.
func (d *Dispatcher) Stop() {
	d.stopOnce.Do(func() {
		d.mu.Lock()
		d.stopped = true
		var dropped []*Job
		for key, q := range d.queues {
			dropped = append(dropped, q.jobs...)
			q.jobs = nil
			d.unreadyLocked(key, q)
		}
		d.pending = 0
		d.mu.Unlock()

		for _, job := range dropped {
			job.finish(ErrDispatcherStopped)
		}
		close(d.quit)
		d.pool.close()
		<-d.loopDone
		d.pool.shutdown()
	})
}

func (d *Dispatcher) run() {
	defer close(d.loopDone)
	for {
		// dispatch one job of the key in the front of the ready list
		if d.dispatchOne() {
			continue
		}
		select {
		case <-d.wake:
		case <-d.quit:
			return
		}
	}
}

func (d *Dispatcher) enqueueJob(job *Job) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.stopped {
		return ErrDispatcherStopped
	}
	if d.pending >= d.queueSize {
		return ErrDispatcherBusy
	}

	q := d.queues[job.Key]
	if q == nil {
		q = &keyQueue{}
		d.queues[job.Key] = q
	}
	q.jobs = append(q.jobs, job)
	d.pending++
	if !q.inFlight && !q.queued {
		d.readyLocked(job.Key, q)
	}
	d.signal()
	return nil
}

// dispatchOne hands the first runnable job to a worker. It blocks while
// every worker is busy.
func (d *Dispatcher) dispatchOne() bool {
	d.mu.Lock()
	elem := d.ready.Front()
	if elem == nil {
		d.mu.Unlock()
		return false
	}
	key := elem.Value.(string)
	q := d.queues[key]
	job := q.jobs[0]
	q.jobs = q.jobs[1:]
	d.pending--
	q.inFlight = true
	d.unreadyLocked(key, q)
	d.mu.Unlock()

	if err := job.ctx.Err(); err != nil {
		debugLog("[dispatcher] skip cancelled job for %s", key)
		d.complete(key)
		job.finish(err)
		return true
	}

	workerChan, ok := d.pool.acquire()
	if !ok {
		d.complete(key)
		job.finish(ErrDispatcherStopped)
		return false
	}
	debugLog("[dispatcher] assign job for %s to worker-%d", key, d.pool.workerID(workerChan))
	workerChan <- job
	return true
}

// complete marks the in-flight job of key as done and re-queues the key
// when it has more work.
func (d *Dispatcher) complete(key string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	q := d.queues[key]
	if q == nil {
		return
	}
	q.inFlight = false
	if len(q.jobs) == 0 {
		delete(d.queues, key)
		return
	}
	if !d.stopped {
		d.readyLocked(key, q)
		d.signal()
	}
}

func (d *Dispatcher) readyLocked(key string, q *keyQueue) {
	q.queued = true
	d.positions[key] = d.ready.PushBack(key)
}

func (d *Dispatcher) unreadyLocked(key string, q *keyQueue) {
	if elem, ok := d.positions[key]; ok {
		d.ready.Remove(elem)
		delete(d.positions, key)
	}
	q.queued = false
}

func (d *Dispatcher) signal() {
	select {
	case d.wake <- struct{}{}:
	default:
	}
}
