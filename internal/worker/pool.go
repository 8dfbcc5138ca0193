package worker

import (
	"sync"
	"time"
)

type workerMeta struct {
	id        int
	ch        chan *Job
	lastUsed  time.Time
	enqueued  bool // is in the idle queue
	discarded bool // is targeted as delete
}

type jobChannelPool struct {
	mu         sync.Mutex
	cond       *sync.Cond
	idle       []*workerMeta
	metadata   map[chan *Job]*workerMeta
	min        int
	max        int
	running    int
	nextID     int
	expiry     time.Duration
	closed     bool
	stopPurge  chan struct{}
	workers    sync.WaitGroup
	dispatcher *Dispatcher
}

const defaultWorkerIdle = 30 * time.Second

func newJobChannelPool(minWorkers, maxWorkers int, idle time.Duration, d *Dispatcher) *jobChannelPool {
	if idle <= 0 {
		idle = defaultWorkerIdle
	}
	if maxWorkers < minWorkers {
		maxWorkers = minWorkers
	}
	p := &jobChannelPool{
		metadata:   make(map[chan *Job]*workerMeta),
		min:        minWorkers,
		max:        maxWorkers,
		expiry:     idle,
		stopPurge:  make(chan struct{}),
		dispatcher: d,
	}
	p.cond = sync.NewCond(&p.mu)
	go p.purgeStaleWorkers()
	return p
}

// spawnWorker adds an idle worker, used for warm-up.
func (p *jobChannelPool) spawnWorker() {
	p.mu.Lock()
	if p.closed || p.running >= p.max {
		p.mu.Unlock()
		return
	}
	w := p.newWorkerLocked()
	meta := p.metadata[w.jobChannel]
	meta.enqueued = true
	meta.lastUsed = time.Now()
	p.idle = append(p.idle, meta)
	p.mu.Unlock()
	w.Start()
}

// acquire gets an idle worker, or spawns a new one while under max. It
// returns false once the pool is closed.
func (p *jobChannelPool) acquire() (chan *Job, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for {
		if p.closed {
			return nil, false
		}
		if meta := p.popIdleLocked(); meta != nil {
			return meta.ch, true
		}
		if p.running < p.max {
			w := p.newWorkerLocked()
			w.Start()
			return w.jobChannel, true
		}
		p.cond.Wait()
	}
}

func (p *jobChannelPool) newWorkerLocked() *Worker {
	p.nextID++
	w := NewWorker(p.nextID, p, p.dispatcher)
	p.metadata[w.jobChannel] = &workerMeta{id: p.nextID, ch: w.jobChannel}
	p.running++
	p.workers.Add(1)
	return w
}

func (p *jobChannelPool) workerID(ch chan *Job) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	if meta, ok := p.metadata[ch]; ok {
		return meta.id
	}
	return 0
}

// Release puts a worker back into the idle queue. It returns false when the
// worker should exit instead.
func (p *jobChannelPool) Release(ch chan *Job) bool {
	p.mu.Lock()
	meta, ok := p.metadata[ch]
	if !ok || meta.discarded {
		p.mu.Unlock()
		return false
	}
	if p.closed {
		p.retireLocked(ch, meta)
		p.mu.Unlock()
		p.cond.Broadcast()
		return false
	}
	if !meta.enqueued {
		meta.enqueued = true
		meta.lastUsed = time.Now()
		p.idle = append(p.idle, meta)
	}
	p.mu.Unlock()
	p.cond.Signal()
	return true
}

// retire deletes a worker
func (p *jobChannelPool) retire(ch chan *Job) {
	p.mu.Lock()
	if meta, ok := p.metadata[ch]; ok {
		p.retireLocked(ch, meta)
	}
	p.mu.Unlock()
	p.cond.Broadcast()
}

func (p *jobChannelPool) retireLocked(ch chan *Job, meta *workerMeta) {
	delete(p.metadata, ch)
	meta.discarded = true
	if p.running > 0 {
		p.running--
	}
}

// popIdleLocked checks if pool has an idle worker, then returns it
func (p *jobChannelPool) popIdleLocked() *workerMeta {
	for len(p.idle) > 0 {
		meta := p.idle[0]
		p.idle = p.idle[1:]
		if meta.discarded {
			continue
		}
		meta.enqueued = false
		return meta
	}
	return nil
}

// close stops handing out workers and wakes anyone waiting in acquire.
func (p *jobChannelPool) close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	close(p.stopPurge)
	p.mu.Unlock()
	p.cond.Broadcast()
}

// shutdown stops idle workers and waits for busy ones to finish their job.
func (p *jobChannelPool) shutdown() {
	p.close()
	p.mu.Lock()
	idle := p.idle
	p.idle = nil
	for _, meta := range idle {
		if !meta.discarded {
			meta.discarded = true
			meta.enqueued = false
		}
	}
	p.mu.Unlock()
	for _, meta := range idle {
		meta.ch <- nil
	}
	p.workers.Wait()
}

// purgeStaleWorkers calls shutdownExpired when expiry time comes
func (p *jobChannelPool) purgeStaleWorkers() {
	ticker := time.NewTicker(p.expiry)
	defer ticker.Stop()
	for {
		select {
		case <-p.stopPurge:
			return
		case <-ticker.C:
			p.shutdownExpired()
		}
	}
}

// shutdownExpired retires idle workers unused for longer than the expiry,
// keeping at least min running.
func (p *jobChannelPool) shutdownExpired() {
	var stale []*workerMeta
	now := time.Now()

	p.mu.Lock()
	if p.closed || len(p.idle) == 0 || p.running <= p.min {
		p.mu.Unlock()
		return
	}
	remaining := p.idle[:0] // keep the original array
	for _, meta := range p.idle {
		if meta.discarded {
			continue
		}
		if now.Sub(meta.lastUsed) >= p.expiry && p.running-len(stale) > p.min {
			meta.discarded = true
			meta.enqueued = false
			stale = append(stale, meta)
			continue
		}
		remaining = append(remaining, meta)
	}
	p.idle = remaining
	p.mu.Unlock()

	for _, meta := range stale {
		meta.ch <- nil
	}
}
