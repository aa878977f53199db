// Package executor turns running jobs into operating-system processes and
// resolves them to a terminal state, one at a time. The underlying hybrid
// device admits exactly one job, so the loop is strictly serial.
package executor

import (
	"bytes"
	"context"
	"errors"
	"os/exec"

	"github.com/jkaessens/qmanager/pkg/qlog"
	"github.com/jkaessens/qmanager/pkg/queue"
)

// outputTailLimit bounds how much child output is retained per stream.
const outputTailLimit = 64 << 10

// Persister receives terminal and running job states for durable storage.
// Implemented by state.Store; nil disables persistence.
type Persister interface {
	SaveJob(queue.Job) error
}

// Executor drains the queue. Submissions wake it through Wake; it otherwise
// sleeps until the context is cancelled.
type Executor struct {
	queue    *queue.Queue
	log      *qlog.Logger
	notifier *Notifier
	store    Persister

	wake chan struct{}
}

// Option configures an Executor.
type Option func(*Executor)

// WithNotifier enables the post-job notification side effect.
func WithNotifier(n *Notifier) Option {
	return func(e *Executor) { e.notifier = n }
}

// WithPersister stores job state after every transition.
func WithPersister(p Persister) Option {
	return func(e *Executor) { e.store = p }
}

// New creates an executor for the given queue.
func New(q *queue.Queue, log *qlog.Logger, opts ...Option) *Executor {
	e := &Executor{
		queue: q,
		log:   log,
		wake:  make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Wake nudges the executor after a submission. Non-blocking; a single
// pending wakeup is enough because the loop re-checks the queue each pass.
func (e *Executor) Wake() {
	select {
	case e.wake <- struct{}{}:
	default:
	}
}

// Run processes jobs until ctx is cancelled. It blocks the calling
// goroutine only; connection handling never runs here.
func (e *Executor) Run(ctx context.Context) {
	for {
		job, ok := e.queue.TryStartNext()
		if !ok {
			select {
			case <-ctx.Done():
				return
			case <-e.wake:
				continue
			}
		}

		e.persist(job)
		e.log.Info("running job", "job", job.ID, "cmdline", job.Cmdline())

		final, ok := e.execute(ctx, job)
		if ok {
			e.persist(final)
			if final.NotifyCmd != "" {
				if e.notifier != nil {
					e.notifier.Notify(ctx, final)
				} else {
					// Restored jobs can carry a notify command even when
					// this daemon instance has notifications turned off.
					e.log.Warn("dropping notify command, notifications are disabled", "job", final.ID)
				}
			}
		}

		select {
		case <-ctx.Done():
			return
		default:
		}
	}
}

// execute spawns the job's argv and resolves it against the queue. A normal
// exit completes the job whatever the code; spawn failures and signal
// deaths fail it.
func (e *Executor) execute(ctx context.Context, job queue.Job) (queue.Job, bool) {
	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, job.Args[0], job.Args[1:]...)
	cmd.Stdout = &tailWriter{buf: &stdout}
	cmd.Stderr = &tailWriter{buf: &stderr}

	err := cmd.Run()

	outTail := stdout.String()
	errTail := stderr.String()

	var (
		final    queue.Job
		transErr error
	)
	switch {
	case err == nil:
		e.log.Info("job terminated", "job", job.ID, "exit_code", 0)
		final, transErr = e.queue.Complete(job.ID, 0, outTail, errTail)

	default:
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			if code := exitErr.ExitCode(); code >= 0 {
				e.log.Info("job terminated", "job", job.ID, "exit_code", code)
				final, transErr = e.queue.Complete(job.ID, code, outTail, errTail)
				break
			}
			// Killed by a signal; ExitCode is -1 and the status string
			// names the signal.
			e.log.Warn("job killed", "job", job.ID, "status", exitErr.String())
			final, transErr = e.queue.Fail(job.ID, exitErr.String(), outTail, errTail)
			break
		}
		e.log.Error("failed to launch job", "job", job.ID, "err", err)
		final, transErr = e.queue.Fail(job.ID, err.Error(), outTail, errTail)
	}

	if transErr != nil {
		// Transitions can only fail if something else mutated the job,
		// which would be a bug in the queue's exclusion.
		e.log.Error("job transition rejected", "job", job.ID, "err", transErr)
		return queue.Job{}, false
	}
	return final, true
}

func (e *Executor) persist(j queue.Job) {
	if e.store == nil {
		return
	}
	if err := e.store.SaveJob(j); err != nil {
		e.log.Error("failed to persist job", "job", j.ID, "err", err)
	}
}

// tailWriter keeps only the last outputTailLimit bytes written.
type tailWriter struct {
	buf *bytes.Buffer
}

func (w *tailWriter) Write(p []byte) (int, error) {
	w.buf.Write(p)
	if w.buf.Len() > outputTailLimit {
		excess := w.buf.Len() - outputTailLimit
		w.buf.Next(excess)
	}
	return len(p), nil
}
