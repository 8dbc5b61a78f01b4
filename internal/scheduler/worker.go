package scheduler

// worker runs one job at a time. It only ever holds a job id; the job itself
// lives in the scheduler's table.
type worker struct {
	id   int
	jobs chan string
	pool *workerPool
}

func newWorker(id int, pool *workerPool) *worker {
	return &worker{id: id, jobs: make(chan string), pool: pool}
}

func (w *worker) start() {
	go func() {
		defer w.pool.retire(w.jobs)
		for jobID := range w.jobs {
			w.pool.run(w.id, jobID)
			w.pool.release(w.jobs)
		}
	}()
}
