// Package scheduler owns every queued and running job of this instance.
//
// Jobs live in an id-keyed table. Each chat has a FIFO queue of job ids and a
// ready list rotates between chats so one busy chat cannot starve the others.
// A job starts when a worker is free (at most GlobalConcurrency run at once)
// and its chat runs fewer than PerChatConcurrency jobs. Workers receive only
// the job id.
package scheduler

import (
	"container/list"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"mediabot/internal/admission"
	"mediabot/internal/clock"
	"mediabot/internal/config"
	"mediabot/internal/ledger"
	"mediabot/internal/models"
	"mediabot/internal/redis"
	"mediabot/internal/workdir"
)

var (
	ErrJobNotFound = errors.New("job not found")
	ErrJobFinished = errors.New("job already finished")
	ErrClosed      = errors.New("scheduler is shutting down")
	// ErrCancelled is the cancel cause of a job stopped on request.
	ErrCancelled = errors.New("job cancelled")

	errShutdown = errors.New("scheduler shut down")
)

const defaultQuotaRetry = 5 * time.Second

// Pipeline runs a job's stages inside its work dir.
type Pipeline interface {
	Run(ctx context.Context, req models.JobRequest, dir string, enter func(models.JobState)) error
}

// Sender delivers chat messages.
type Sender interface {
	SendText(ctx context.Context, chatID int64, text string) error
}

// Deps wires a Scheduler.
type Deps struct {
	Config    config.SchedulerConfig
	Admission *admission.Controller
	Ledger    ledger.Ledger
	Pipeline  Pipeline
	WorkDirs  *workdir.Manager
	Chat      Sender
	// Redis is optional; when set job records are mirrored there and cancels
	// reach jobs running on other instances.
	Redis  *redis.Client
	Clock  clock.Clock
	Logger *slog.Logger
	// QuotaRetry is how long a chat's queue waits after the ledger refused
	// to admit its head job. Default 5s.
	QuotaRetry time.Duration
}

// Stats is a point-in-time view for health reporting.
type Stats struct {
	Running int `json:"running"`
	Queued  int `json:"queued"`
	Workers int `json:"workers"`
}

type job struct {
	rec       *models.JobRecord
	req       models.JobRequest
	started   bool
	concluded bool
	ctx       context.Context
	cancel    context.CancelCauseFunc
}

type chatQueue struct {
	ids       []string
	heldUntil time.Time
}

type Scheduler struct {
	admission *admission.Controller
	ledger    ledger.Ledger
	pipeline  Pipeline
	dirs      *workdir.Manager
	chat      Sender
	cache     *jobCache
	clock     clock.Clock
	logger    *slog.Logger

	globalCap  int
	perChatCap int
	quotaRetry time.Duration

	base    context.Context
	stopAll context.CancelCauseFunc

	mu            sync.Mutex
	jobs          map[string]*job
	queues        map[int64]*chatQueue
	ready         *list.List
	positions     map[int64]*list.Element
	runningByChat map[int64]int
	running       int
	closed        bool

	obsMu     sync.Mutex
	observers map[int]func(models.JobEvent)
	nextObs   int

	wake     chan struct{}
	stop     chan struct{}
	done     chan struct{}
	inflight sync.WaitGroup
	notes    sync.WaitGroup
	pool     *workerPool
}

// New starts the dispatcher and the worker pool.
func New(deps Deps) *Scheduler {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	clk := deps.Clock
	if clk == nil {
		clk = clock.Real()
	}
	quotaRetry := deps.QuotaRetry
	if quotaRetry <= 0 {
		quotaRetry = defaultQuotaRetry
	}
	limits := deps.Admission.Limits()
	base, stopAll := context.WithCancelCause(context.Background())

	s := &Scheduler{
		admission:     deps.Admission,
		ledger:        deps.Ledger,
		pipeline:      deps.Pipeline,
		dirs:          deps.WorkDirs,
		chat:          deps.Chat,
		cache:         newJobCache(deps.Redis, uuid.NewString(), logger),
		clock:         clk,
		logger:        logger,
		globalCap:     max(limits.GlobalConcurrency, 1),
		perChatCap:    max(limits.PerChatConcurrency, 1),
		quotaRetry:    quotaRetry,
		base:          base,
		stopAll:       stopAll,
		jobs:          make(map[string]*job),
		queues:        make(map[int64]*chatQueue),
		ready:         list.New(),
		positions:     make(map[int64]*list.Element),
		runningByChat: make(map[int64]int),
		observers:     make(map[int]func(models.JobEvent)),
		wake:          make(chan struct{}, 1),
		stop:          make(chan struct{}),
		done:          make(chan struct{}),
	}
	s.pool = newWorkerPool(deps.Config.MinWorkers, s.globalCap, deps.Config.WorkerIdleTimeout.Std(), s.runJob)
	go s.dispatchLoop()
	return s
}

// Submit admits req into the queue. On any rejection nothing is recorded.
func (s *Scheduler) Submit(ctx context.Context, req models.JobRequest) (*models.JobRecord, error) {
	rec, err := s.submit(ctx, req)
	if err != nil {
		return nil, err
	}
	s.publish(rec)
	s.signal()
	s.logger.Info("job queued", "job_id", rec.ID, "chat_id", rec.ChatID, "kind", rec.Kind, "url", rec.URL)
	return rec, nil
}

func (s *Scheduler) submit(ctx context.Context, req models.JobRequest) (*models.JobRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrClosed
	}
	usage := admission.Usage{Chat: s.outstandingLocked(req.ChatID), Total: len(s.jobs)}
	if err := s.admission.Check(ctx, req, usage); err != nil {
		return nil, err
	}
	rec := models.NewRecord(req)
	if err := s.ledger.Create(ctx, rec); err != nil {
		return nil, fmt.Errorf("record job: %w", err)
	}
	s.jobs[rec.ID] = &job{rec: rec, req: req}
	s.enqueueLocked(rec.ChatID, rec.ID)
	out := *rec
	return &out, nil
}

// Cancel stops a job. A queued job is dropped without ever getting a work
// dir; a running job has its context cancelled and is cleaned up by its
// worker. Jobs held by another instance are reached through redis.
func (s *Scheduler) Cancel(ctx context.Context, jobID string) error {
	if held, err := s.cancelLocal(jobID); held {
		return err
	}
	rec, err := s.ledger.Get(ctx, jobID)
	if err != nil {
		if errors.Is(err, ledger.ErrNotFound) {
			return ErrJobNotFound
		}
		return err
	}
	if rec.State.Terminal() {
		return ErrJobFinished
	}
	if err := s.cache.publishCancel(ctx, jobID); err != nil {
		return fmt.Errorf("%w: not running on this instance", ErrJobNotFound)
	}
	s.logger.Info("cancel forwarded", "job_id", jobID)
	return nil
}

// cancelLocal cancels jobID if this instance holds it. held reports whether
// it does; err is ErrJobFinished when the job already has its outcome.
func (s *Scheduler) cancelLocal(jobID string) (held bool, err error) {
	s.mu.Lock()
	j, ok := s.jobs[jobID]
	if !ok {
		s.mu.Unlock()
		return false, nil
	}
	if j.concluded {
		s.mu.Unlock()
		return true, ErrJobFinished
	}
	if j.started {
		cancel := j.cancel
		s.mu.Unlock()
		cancel(ErrCancelled)
		s.logger.Info("cancelling running job", "job_id", jobID)
		return true, nil
	}
	s.removeQueuedLocked(j.rec.ChatID, jobID)
	delete(s.jobs, jobID)
	s.mu.Unlock()
	if j.cancel != nil {
		j.cancel(ErrCancelled)
	}

	s.record(j, models.StateCancelled, models.FailureNone, "cancelled while queued")
	s.logger.Info("queued job cancelled", "job_id", jobID)
	return true, nil
}

// CancelChat cancels every job of chatID held by this instance and returns
// how many were cancelled.
func (s *Scheduler) CancelChat(ctx context.Context, chatID int64) int {
	s.mu.Lock()
	var ids []string
	for id, j := range s.jobs {
		if j.rec.ChatID == chatID {
			ids = append(ids, id)
		}
	}
	s.mu.Unlock()

	n := 0
	for _, id := range ids {
		if held, err := s.cancelLocal(id); held && err == nil {
			n++
		}
	}
	return n
}

// Lookup returns the freshest known record for jobID.
func (s *Scheduler) Lookup(ctx context.Context, jobID string) (*models.JobRecord, error) {
	s.mu.Lock()
	if j, ok := s.jobs[jobID]; ok {
		out := *j.rec
		s.mu.Unlock()
		return &out, nil
	}
	s.mu.Unlock()

	if rec, ok := s.cache.load(ctx, jobID); ok {
		return rec, nil
	}
	rec, err := s.ledger.Get(ctx, jobID)
	if errors.Is(err, ledger.ErrNotFound) {
		return nil, ErrJobNotFound
	}
	return rec, err
}

// ListChat returns the chat's most recent jobs, newest first.
func (s *Scheduler) ListChat(ctx context.Context, chatID int64, limit int) ([]*models.JobRecord, error) {
	return s.ledger.ListByChat(ctx, chatID, limit)
}

// Snapshot reports current load.
func (s *Scheduler) Snapshot() Stats {
	s.mu.Lock()
	st := Stats{Running: s.running, Queued: len(s.jobs) - s.running}
	s.mu.Unlock()
	st.Workers = s.pool.size()
	return st
}

// Live reports whether jobID is queued or running here. The work dir sweeper
// keeps the directories of live jobs.
func (s *Scheduler) Live(jobID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.jobs[jobID]
	return ok
}

// Subscribe registers fn for every job event and returns a function that
// removes it. fn runs on the goroutine that changed the job and must not block.
func (s *Scheduler) Subscribe(fn func(models.JobEvent)) func() {
	s.obsMu.Lock()
	id := s.nextObs
	s.nextObs++
	s.observers[id] = fn
	s.obsMu.Unlock()
	return func() {
		s.obsMu.Lock()
		delete(s.observers, id)
		s.obsMu.Unlock()
	}
}

// ListenForCancels applies cancel requests published by other instances
// until ctx is done. It is a no-op without redis.
func (s *Scheduler) ListenForCancels(ctx context.Context) error {
	return s.cache.listenCancel(ctx, func(jobID string) {
		if held, err := s.cancelLocal(jobID); held && err == nil {
			s.logger.Info("remote cancel applied", "job_id", jobID)
		}
	})
}

// Shutdown stops dispatching, cancels running jobs, fails queued ones as
// interrupted and waits for the workers to finish their cleanup.
func (s *Scheduler) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	var queued []*job
	for _, q := range s.queues {
		for _, id := range q.ids {
			queued = append(queued, s.jobs[id])
			delete(s.jobs, id)
		}
	}
	s.queues = make(map[int64]*chatQueue)
	s.positions = make(map[int64]*list.Element)
	s.ready.Init()
	s.mu.Unlock()

	s.stopAll(errShutdown)
	close(s.stop)
	<-s.done

	for _, j := range queued {
		rec := s.record(j, models.StateFailed, models.FailureInterrupted, "shut down while queued")
		s.notify(rec.ChatID, FailureText(rec, nil))
	}

	finished := make(chan struct{})
	go func() {
		s.inflight.Wait()
		s.notes.Wait()
		close(finished)
	}()
	select {
	case <-finished:
	case <-ctx.Done():
		return fmt.Errorf("waiting for jobs: %w", ctx.Err())
	}
	s.pool.close()
	return nil
}

func (s *Scheduler) dispatchLoop() {
	defer close(s.done)
	for {
		for s.dispatchOne() {
		}
		select {
		case <-s.stop:
			return
		case <-s.wake:
		}
	}
}

// dispatchOne starts the next eligible job, if any.
func (s *Scheduler) dispatchOne() bool {
	s.mu.Lock()
	if s.closed || s.running >= s.globalCap {
		s.mu.Unlock()
		return false
	}
	j := s.nextLocked()
	if j == nil {
		s.mu.Unlock()
		return false
	}
	j.started = true
	if j.ctx == nil {
		j.ctx, j.cancel = context.WithCancelCause(s.base)
	}
	s.running++
	s.runningByChat[j.rec.ChatID]++
	s.inflight.Add(1)
	id := j.rec.ID
	s.mu.Unlock()

	ch := s.pool.acquire()
	ch <- id
	return true
}

// nextLocked pops the head of the first chat queue allowed to start a job
// and rotates that chat to the back of the ready list.
func (s *Scheduler) nextLocked() *job {
	now := s.clock.Now()
	for elem := s.ready.Front(); elem != nil; {
		next := elem.Next()
		chatID := elem.Value.(int64)
		q := s.queues[chatID]
		if q == nil || len(q.ids) == 0 {
			s.dropChatLocked(chatID)
			elem = next
			continue
		}
		if s.runningByChat[chatID] >= s.perChatCap || now.Before(q.heldUntil) {
			elem = next
			continue
		}
		id := q.ids[0]
		q.ids = q.ids[1:]
		if len(q.ids) == 0 {
			s.dropChatLocked(chatID)
		} else {
			s.ready.MoveToBack(elem)
		}
		return s.jobs[id]
	}
	return nil
}

func (s *Scheduler) enqueueLocked(chatID int64, jobID string) {
	q := s.queues[chatID]
	if q == nil {
		q = &chatQueue{}
		s.queues[chatID] = q
	}
	q.ids = append(q.ids, jobID)
	if _, ok := s.positions[chatID]; !ok {
		s.positions[chatID] = s.ready.PushBack(chatID)
	}
}

func (s *Scheduler) removeQueuedLocked(chatID int64, jobID string) {
	q := s.queues[chatID]
	if q == nil {
		return
	}
	for i, id := range q.ids {
		if id == jobID {
			q.ids = append(q.ids[:i], q.ids[i+1:]...)
			break
		}
	}
	if len(q.ids) == 0 {
		s.dropChatLocked(chatID)
	}
}

func (s *Scheduler) dropChatLocked(chatID int64) {
	if elem, ok := s.positions[chatID]; ok {
		s.ready.Remove(elem)
		delete(s.positions, chatID)
	}
	delete(s.queues, chatID)
}

func (s *Scheduler) outstandingLocked(chatID int64) int {
	n := s.runningByChat[chatID]
	if q := s.queues[chatID]; q != nil {
		n += len(q.ids)
	}
	return n
}

func (s *Scheduler) signal() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// requeue puts a dispatched job that could not be admitted back at the head
// of its chat's queue and holds the chat for quotaRetry. It reports false
// when the job must end instead.
func (s *Scheduler) requeue(j *job) bool {
	s.mu.Lock()
	if s.closed || j.ctx.Err() != nil {
		s.mu.Unlock()
		return false
	}
	chatID := j.rec.ChatID
	s.running--
	s.runningByChat[chatID]--
	if s.runningByChat[chatID] <= 0 {
		delete(s.runningByChat, chatID)
	}
	j.started = false
	q := s.queues[chatID]
	if q == nil {
		q = &chatQueue{}
		s.queues[chatID] = q
	}
	q.ids = append([]string{j.rec.ID}, q.ids...)
	q.heldUntil = s.clock.Now().Add(s.quotaRetry)
	if _, ok := s.positions[chatID]; !ok {
		s.positions[chatID] = s.ready.PushBack(chatID)
	}
	s.mu.Unlock()

	s.inflight.Done()
	wait := s.clock.After(s.quotaRetry)
	go func() {
		select {
		case <-wait:
			s.signal()
		case <-s.stop:
		}
	}()
	s.signal()
	return true
}

// finish frees the job's slot and wakes the dispatcher.
func (s *Scheduler) finish(j *job) {
	s.mu.Lock()
	delete(s.jobs, j.rec.ID)
	s.running--
	chatID := j.rec.ChatID
	s.runningByChat[chatID]--
	if s.runningByChat[chatID] <= 0 {
		delete(s.runningByChat, chatID)
	}
	s.mu.Unlock()
	j.cancel(nil)
	s.inflight.Done()
	s.signal()
}

// record writes a state change to the ledger and publishes it. Ledger
// failures are logged and never fail the job; the local copy still moves on.
func (s *Scheduler) record(j *job, to models.JobState, failure models.FailureKind, detail string) *models.JobRecord {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	rec, err := s.ledger.Transition(ctx, j.req.ID, to, failure, detail)
	if err != nil {
		s.logger.Error("ledger transition failed", "job_id", j.req.ID, "to", to, "error", err)
		s.mu.Lock()
		fallback := *j.rec
		s.mu.Unlock()
		fallback.State = to
		fallback.Failure = failure
		fallback.Detail = detail
		fallback.UpdatedAt = s.clock.Now().UTC()
		rec = &fallback
	}
	s.setRecord(j, rec)
	s.publish(rec)
	return rec
}

func (s *Scheduler) setRecord(j *job, rec *models.JobRecord) {
	out := *rec
	s.mu.Lock()
	j.rec = &out
	s.mu.Unlock()
}

func (s *Scheduler) publish(rec *models.JobRecord) {
	s.cache.store(rec)
	ev := models.JobEvent{
		JobID:     rec.ID,
		ChatID:    rec.ChatID,
		State:     rec.State,
		Failure:   rec.Failure,
		Detail:    rec.Detail,
		Timestamp: rec.UpdatedAt,
	}
	s.obsMu.Lock()
	fns := make([]func(models.JobEvent), 0, len(s.observers))
	for _, fn := range s.observers {
		fns = append(fns, fn)
	}
	s.obsMu.Unlock()
	for _, fn := range fns {
		fn(ev)
	}
}

// notify sends text to the chat in the background.
func (s *Scheduler) notify(chatID int64, text string) {
	if s.chat == nil || chatID == 0 {
		return
	}
	s.notes.Add(1)
	go func() {
		defer s.notes.Done()
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := s.chat.SendText(ctx, chatID, text); err != nil {
			s.logger.Warn("send chat notification failed", "chat_id", chatID, "error", err)
		}
	}()
}
