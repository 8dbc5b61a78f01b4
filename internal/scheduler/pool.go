package scheduler

import (
	"sync"
	"time"
)

type workerMeta struct {
	ch        chan string
	lastUsed  time.Time
	enqueued  bool // is in the idle queue
	discarded bool // is targeted as delete
}

// workerPool hands job ids to worker goroutines. It never runs more than max
// workers, so at most max jobs execute at once.
type workerPool struct {
	mu       sync.Mutex
	cond     *sync.Cond
	idle     []*workerMeta
	metadata map[chan string]*workerMeta
	min      int
	max      int
	running  int
	nextID   int
	expiry   time.Duration
	run      func(workerID int, jobID string)
	closed   bool
	stop     chan struct{}
	stopOnce sync.Once
}

const defaultWorkerIdle = 30 * time.Second

func newWorkerPool(minWorkers, maxWorkers int, idle time.Duration, run func(workerID int, jobID string)) *workerPool {
	if idle <= 0 {
		idle = defaultWorkerIdle
	}
	if maxWorkers < 1 {
		maxWorkers = 1
	}
	if minWorkers > maxWorkers {
		minWorkers = maxWorkers
	}
	p := &workerPool{
		metadata: make(map[chan string]*workerMeta),
		min:      minWorkers,
		max:      maxWorkers,
		expiry:   idle,
		run:      run,
		stop:     make(chan struct{}),
	}
	p.cond = sync.NewCond(&p.mu)
	for i := 0; i < minWorkers; i++ {
		p.spawnWorker()
	}
	go p.purgeStaleWorkers()
	return p
}

// spawnWorker adds a new idle worker.
func (p *workerPool) spawnWorker() {
	p.mu.Lock()
	if p.running >= p.max {
		p.mu.Unlock()
		return
	}
	w := p.newWorkerLocked()
	meta := p.metadata[w.jobs]
	meta.enqueued = true
	meta.lastUsed = time.Now()
	p.idle = append(p.idle, meta)
	p.mu.Unlock()
	w.start()
}

func (p *workerPool) newWorkerLocked() *worker {
	p.nextID++
	w := newWorker(p.nextID, p)
	p.metadata[w.jobs] = &workerMeta{ch: w.jobs}
	p.running++
	return w
}

// acquire returns an idle worker's channel, spawning one while under max and
// waiting otherwise.
func (p *workerPool) acquire() chan string {
	p.mu.Lock()
	defer p.mu.Unlock()
	for {
		if meta := p.popIdleLocked(); meta != nil {
			return meta.ch
		}
		if p.running < p.max {
			w := p.newWorkerLocked()
			w.start()
			return w.jobs
		}
		p.cond.Wait()
	}
}

// release puts a worker back into the idle queue.
func (p *workerPool) release(ch chan string) {
	p.mu.Lock()
	meta, ok := p.metadata[ch]
	if !ok || meta.discarded || meta.enqueued {
		p.mu.Unlock()
		return
	}
	if p.closed {
		meta.discarded = true
		close(ch)
		p.mu.Unlock()
		return
	}
	meta.enqueued = true
	meta.lastUsed = time.Now()
	p.idle = append(p.idle, meta)
	p.mu.Unlock()
	p.cond.Signal()
}

// retire forgets a worker that has exited.
func (p *workerPool) retire(ch chan string) {
	p.mu.Lock()
	if meta, ok := p.metadata[ch]; ok {
		delete(p.metadata, ch)
		meta.discarded = true
		if p.running > 0 {
			p.running--
		}
	}
	p.mu.Unlock()
	p.cond.Broadcast()
}

// size returns the number of live workers.
func (p *workerPool) size() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.running
}

func (p *workerPool) popIdleLocked() *workerMeta {
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

func (p *workerPool) purgeStaleWorkers() {
	ticker := time.NewTicker(p.expiry)
	defer ticker.Stop()
	for {
		select {
		case <-p.stop:
			return
		case <-ticker.C:
			p.shutdownExpired()
		}
	}
}

// shutdownExpired retires idle workers above min that have not run a job
// within the expiry.
func (p *workerPool) shutdownExpired() {
	var stale []*workerMeta
	now := time.Now()

	p.mu.Lock()
	if len(p.idle) == 0 || p.running <= p.min {
		p.mu.Unlock()
		return
	}
	remaining := p.idle[:0]
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
		close(meta.ch)
	}
}

// close stops the purge loop and every idle worker. Busy workers exit when
// they next go idle.
func (p *workerPool) close() {
	p.stopOnce.Do(func() {
		close(p.stop)
		p.mu.Lock()
		idle := p.idle
		p.idle = nil
		p.closed = true
		for _, meta := range idle {
			if !meta.discarded {
				meta.discarded = true
				close(meta.ch)
			}
		}
		p.mu.Unlock()
		p.cond.Broadcast()
	})
}
