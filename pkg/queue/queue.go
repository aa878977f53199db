// Package queue holds the authoritative job store. Every mutation is
// serialized through a single mutex; no operation performs I/O while
// holding it.
package queue

import (
	"strings"
	"sync"
	"time"

	"github.com/jkaessens/qmanager/pkg/qerr"
)

// Queue is the single source of truth for job existence and state.
//
// Jobs live in submission order in one slice, queued and running ones
// first by construction of the scheduling rules, terminal ones retained
// in place so status queries can report them. The zero retention limit
// means terminal jobs are kept forever.
type Queue struct {
	mu      sync.Mutex
	lastID  uint64
	jobs    []*Job
	running bool

	// retain caps the number of retained terminal jobs (0 = unbounded).
	retain int

	// onEvict receives the ids of jobs dropped by the retention cap,
	// invoked outside the lock.
	onEvict func(ids []uint64)
}

// Option configures a Queue.
type Option func(*Queue)

// WithRetention caps the number of terminal jobs kept for status queries.
// The oldest terminal jobs are evicted first. Zero keeps everything.
func WithRetention(n int) Option {
	return func(q *Queue) {
		if n > 0 {
			q.retain = n
		}
	}
}

// WithEvictionHook registers fn to receive the ids of jobs evicted by the
// retention cap. It is called after the lock is released, so it may perform
// I/O such as deleting persisted rows.
func WithEvictionHook(fn func(ids []uint64)) Option {
	return func(q *Queue) {
		q.onEvict = fn
	}
}

// New creates an empty queue. The first submitted job gets id 1.
func New(opts ...Option) *Queue {
	q := &Queue{}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

// Submit validates and appends a queued job, returning its new id.
// It never blocks on execution.
func (q *Queue) Submit(args []string, expectedDuration *uint64, notifyCmd string) (uint64, error) {
	if len(args) == 0 {
		return 0, qerr.Newf(qerr.CodeInvalidRequest, "empty command line")
	}
	empty := true
	for _, a := range args {
		if strings.TrimSpace(a) != "" {
			empty = false
			break
		}
	}
	if empty {
		return 0, qerr.Newf(qerr.CodeInvalidRequest, "command line contains only empty arguments")
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	q.lastID++
	job := &Job{
		ID:          q.lastID,
		Args:        append([]string(nil), args...),
		NotifyCmd:   notifyCmd,
		Status:      StatusQueued,
		SubmittedAt: time.Now(),
	}
	if expectedDuration != nil {
		d := *expectedDuration
		job.ExpectedDuration = &d
	}
	q.jobs = append(q.jobs, job)
	return job.ID, nil
}

// Snapshot returns a point-in-time copy of every job (queued, running and
// terminal) in submission order. The copies never alias queue state.
func (q *Queue) Snapshot() []Job {
	q.mu.Lock()
	defer q.mu.Unlock()

	out := make([]Job, 0, len(q.jobs))
	for _, j := range q.jobs {
		out = append(out, j.clone())
	}
	return out
}

// TryStartNext atomically picks the head queued job, marks it running and
// returns a copy of it. This is the sole enforcement point of the
// one-job-at-a-time invariant: it returns false while another job is
// running or when nothing is queued.
func (q *Queue) TryStartNext() (Job, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.running {
		return Job{}, false
	}
	for _, j := range q.jobs {
		if j.Status == StatusQueued {
			now := time.Now()
			j.Status = StatusRunning
			j.StartedAt = &now
			q.running = true
			return j.clone(), true
		}
	}
	return Job{}, false
}

// Complete transitions a running job to completed with the child's exit
// code. Non-zero exit codes still complete; only spawn failures and
// signal deaths fail a job.
func (q *Queue) Complete(id uint64, exitCode int, stdout, stderr string) (Job, error) {
	return q.finish(id, func(j *Job) {
		j.Status = StatusCompleted
		j.ExitCode = &exitCode
		j.Stdout = stdout
		j.Stderr = stderr
	})
}

// Fail transitions a running job to failed with the given reason.
func (q *Queue) Fail(id uint64, reason string, stdout, stderr string) (Job, error) {
	return q.finish(id, func(j *Job) {
		j.Status = StatusFailed
		j.Reason = reason
		j.Stdout = stdout
		j.Stderr = stderr
	})
}

func (q *Queue) finish(id uint64, apply func(*Job)) (Job, error) {
	q.mu.Lock()

	j := q.byID(id)
	if j == nil {
		q.mu.Unlock()
		return Job{}, qerr.Newf(qerr.CodeNotFound, "no job with id %d", id)
	}
	if j.Status != StatusRunning {
		status := j.Status
		q.mu.Unlock()
		return Job{}, qerr.Newf(qerr.CodeInvalidTransition, "job %d is %s, not running", id, status)
	}

	now := time.Now()
	j.FinishedAt = &now
	apply(j)
	q.running = false
	out := j.clone()
	evicted := q.evictLocked()
	q.mu.Unlock()

	q.reportEvicted(evicted)
	return out, nil
}

// Remove evicts one terminal job from retention and returns it.
func (q *Queue) Remove(id uint64) (Job, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	for i, j := range q.jobs {
		if j.ID != id {
			continue
		}
		if !j.Status.Terminal() {
			return Job{}, qerr.Newf(qerr.CodeInvalidTransition, "job %d is %s and cannot be removed", id, j.Status)
		}
		out := j.clone()
		q.jobs = append(q.jobs[:i], q.jobs[i+1:]...)
		return out, nil
	}
	return Job{}, qerr.Newf(qerr.CodeNotFound, "no job with id %d", id)
}

// Restore seeds the queue from persisted state. Jobs found running were
// interrupted by a daemon restart and are failed so clients can re-submit.
// The retention cap applies to the restored set as well. Must be called
// before the queue is shared with other goroutines.
func (q *Queue) Restore(jobs []Job) {
	q.mu.Lock()

	for _, j := range jobs {
		restored := j.clone()
		if restored.Status == StatusRunning {
			now := time.Now()
			restored.Status = StatusFailed
			restored.Reason = "interrupted by daemon restart, please re-submit"
			restored.FinishedAt = &now
		}
		if restored.ID > q.lastID {
			q.lastID = restored.ID
		}
		q.jobs = append(q.jobs, &restored)
	}
	evicted := q.evictLocked()
	q.mu.Unlock()

	q.reportEvicted(evicted)
}

// Len reports the number of jobs currently tracked, terminal ones included.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.jobs)
}

func (q *Queue) byID(id uint64) *Job {
	for _, j := range q.jobs {
		if j.ID == id {
			return j
		}
	}
	return nil
}

// evictLocked drops the oldest terminal jobs beyond the retention cap and
// returns their ids so callers can propagate the eviction.
func (q *Queue) evictLocked() []uint64 {
	if q.retain <= 0 {
		return nil
	}
	terminal := 0
	for _, j := range q.jobs {
		if j.Status.Terminal() {
			terminal++
		}
	}
	if terminal <= q.retain {
		return nil
	}
	var evicted []uint64
	kept := q.jobs[:0]
	for _, j := range q.jobs {
		if j.Status.Terminal() && terminal > q.retain {
			terminal--
			evicted = append(evicted, j.ID)
			continue
		}
		kept = append(kept, j)
	}
	q.jobs = kept
	return evicted
}

func (q *Queue) reportEvicted(ids []uint64) {
	if q.onEvict != nil && len(ids) > 0 {
		q.onEvict(ids)
	}
}
