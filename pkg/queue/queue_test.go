package queue_test

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jkaessens/qmanager/pkg/qerr"
	"github.com/jkaessens/qmanager/pkg/queue"
)

func submit(t *testing.T, q *queue.Queue, args ...string) uint64 {
	t.Helper()
	id, err := q.Submit(args, nil, "")
	require.NoError(t, err)
	return id
}

func TestSubmit_AssignsSequentialIDs(t *testing.T) {
	q := queue.New()

	assert.Equal(t, uint64(1), submit(t, q, "echo", "hi"))
	assert.Equal(t, uint64(2), submit(t, q, "true"))
	assert.Equal(t, uint64(3), submit(t, q, "false"))
}

func TestSubmit_RejectsEmptyCmdline(t *testing.T) {
	q := queue.New()

	_, err := q.Submit(nil, nil, "")
	assert.True(t, qerr.IsCode(err, qerr.CodeInvalidRequest))

	_, err = q.Submit([]string{"", ""}, nil, "")
	assert.True(t, qerr.IsCode(err, qerr.CodeInvalidRequest))

	// Nothing was allocated.
	assert.Equal(t, 0, q.Len())
	assert.Equal(t, uint64(1), submit(t, q, "echo"))
}

func TestSnapshot_ReflectsSubmissionOrder(t *testing.T) {
	q := queue.New()
	submit(t, q, "first")
	submit(t, q, "second")
	submit(t, q, "third")

	jobs := q.Snapshot()
	require.Len(t, jobs, 3)
	for i, j := range jobs {
		assert.Equal(t, uint64(i+1), j.ID)
		assert.Equal(t, queue.StatusQueued, j.Status)
		assert.False(t, j.SubmittedAt.IsZero())
	}
}

func TestSnapshot_CopiesDoNotAliasQueueState(t *testing.T) {
	q := queue.New()
	submit(t, q, "echo", "hi")

	jobs := q.Snapshot()
	jobs[0].Args[0] = "mutated"
	jobs[0].Status = queue.StatusFailed

	fresh := q.Snapshot()
	assert.Equal(t, "echo", fresh[0].Args[0])
	assert.Equal(t, queue.StatusQueued, fresh[0].Status)
}

func TestTryStartNext_FIFOAndSingleRunning(t *testing.T) {
	q := queue.New()
	first := submit(t, q, "one")
	second := submit(t, q, "two")

	j1, ok := q.TryStartNext()
	require.True(t, ok)
	assert.Equal(t, first, j1.ID)
	assert.Equal(t, queue.StatusRunning, j1.Status)
	require.NotNil(t, j1.StartedAt)

	// Second job must not start while the first is running.
	_, ok = q.TryStartNext()
	assert.False(t, ok)

	_, err := q.Complete(first, 0, "", "")
	require.NoError(t, err)

	j2, ok := q.TryStartNext()
	require.True(t, ok)
	assert.Equal(t, second, j2.ID)
}

func TestTryStartNext_EmptyQueue(t *testing.T) {
	q := queue.New()
	_, ok := q.TryStartNext()
	assert.False(t, ok)
}

func TestComplete_StampsTerminalState(t *testing.T) {
	q := queue.New()
	id := submit(t, q, "true")

	started, ok := q.TryStartNext()
	require.True(t, ok)

	done, err := q.Complete(id, 7, "out", "err")
	require.NoError(t, err)
	assert.Equal(t, queue.StatusCompleted, done.Status)
	require.NotNil(t, done.ExitCode)
	assert.Equal(t, 7, *done.ExitCode)
	assert.Equal(t, "out", done.Stdout)
	assert.Equal(t, "err", done.Stderr)
	require.NotNil(t, done.FinishedAt)
	assert.False(t, done.FinishedAt.Before(*started.StartedAt))
}

func TestFail_RecordsReason(t *testing.T) {
	q := queue.New()
	id := submit(t, q, "nope")
	_, ok := q.TryStartNext()
	require.True(t, ok)

	failed, err := q.Fail(id, "no such binary", "", "boom")
	require.NoError(t, err)
	assert.Equal(t, queue.StatusFailed, failed.Status)
	assert.Equal(t, "no such binary", failed.Reason)
	assert.Nil(t, failed.ExitCode)
}

func TestTransitions_RejectInvalidStates(t *testing.T) {
	q := queue.New()
	id := submit(t, q, "job")

	// Completing a queued job is a state machine violation.
	_, err := q.Complete(id, 0, "", "")
	assert.True(t, qerr.IsCode(err, qerr.CodeInvalidTransition))

	_, err = q.Fail(999, "unknown", "", "")
	assert.True(t, qerr.IsCode(err, qerr.CodeNotFound))

	_, ok := q.TryStartNext()
	require.True(t, ok)
	_, err = q.Complete(id, 0, "", "")
	require.NoError(t, err)

	// Terminal jobs never transition again.
	_, err = q.Complete(id, 0, "", "")
	assert.True(t, qerr.IsCode(err, qerr.CodeInvalidTransition))
	_, err = q.Fail(id, "again", "", "")
	assert.True(t, qerr.IsCode(err, qerr.CodeInvalidTransition))
}

func TestStatus_MonotoneAcrossSnapshots(t *testing.T) {
	rank := map[queue.Status]int{
		queue.StatusQueued:    0,
		queue.StatusRunning:   1,
		queue.StatusCompleted: 2,
		queue.StatusFailed:    2,
	}

	q := queue.New()
	id := submit(t, q, "watched")

	last := rank[q.Snapshot()[0].Status]
	observe := func() {
		t.Helper()
		cur := rank[q.Snapshot()[0].Status]
		assert.GreaterOrEqual(t, cur, last, "job %d status went backwards", id)
		last = cur
	}

	_, ok := q.TryStartNext()
	require.True(t, ok)
	observe()

	_, err := q.Complete(id, 0, "", "")
	require.NoError(t, err)
	observe()
}

func TestConcurrentSubmits_UniqueIDsAndArrivalOrder(t *testing.T) {
	q := queue.New()

	const n = 64
	ids := make(chan uint64, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			id, err := q.Submit([]string{"work"}, nil, "")
			assert.NoError(t, err)
			ids <- id
		}()
	}
	wg.Wait()
	close(ids)

	seen := make(map[uint64]bool)
	for id := range ids {
		assert.False(t, seen[id], "id %d returned twice", id)
		seen[id] = true
	}
	assert.Len(t, seen, n)

	// Snapshot order must equal the linearized arrival order, i.e. ids ascend.
	jobs := q.Snapshot()
	require.Len(t, jobs, n)
	for i := 1; i < len(jobs); i++ {
		assert.Greater(t, jobs[i].ID, jobs[i-1].ID)
	}
}

func TestRemove_TerminalOnly(t *testing.T) {
	q := queue.New()
	id := submit(t, q, "victim")

	_, err := q.Remove(id)
	assert.True(t, qerr.IsCode(err, qerr.CodeInvalidTransition))

	_, ok := q.TryStartNext()
	require.True(t, ok)
	_, err = q.Remove(id)
	assert.True(t, qerr.IsCode(err, qerr.CodeInvalidTransition))

	_, err = q.Complete(id, 0, "", "")
	require.NoError(t, err)

	removed, err := q.Remove(id)
	require.NoError(t, err)
	assert.Equal(t, id, removed.ID)
	assert.Equal(t, 0, q.Len())

	_, err = q.Remove(id)
	assert.True(t, qerr.IsCode(err, qerr.CodeNotFound))
}

func TestRetention_EvictsOldestTerminal(t *testing.T) {
	q := queue.New(queue.WithRetention(2))

	var ids []uint64
	for i := 0; i < 4; i++ {
		id := submit(t, q, "batch")
		ids = append(ids, id)
	}
	for range ids {
		j, ok := q.TryStartNext()
		require.True(t, ok)
		_, err := q.Complete(j.ID, 0, "", "")
		require.NoError(t, err)
	}

	jobs := q.Snapshot()
	require.Len(t, jobs, 2)
	assert.Equal(t, ids[2], jobs[0].ID)
	assert.Equal(t, ids[3], jobs[1].ID)
}

func TestRetention_ReportsEvictedIDs(t *testing.T) {
	var evicted []uint64
	q := queue.New(
		queue.WithRetention(1),
		queue.WithEvictionHook(func(ids []uint64) { evicted = append(evicted, ids...) }),
	)

	var ids []uint64
	for i := 0; i < 3; i++ {
		ids = append(ids, submit(t, q, "batch"))
	}
	for range ids {
		j, ok := q.TryStartNext()
		require.True(t, ok)
		_, err := q.Complete(j.ID, 0, "", "")
		require.NoError(t, err)
	}

	require.Len(t, q.Snapshot(), 1)
	assert.Equal(t, []uint64{ids[0], ids[1]}, evicted)
}

func TestRestore_AppliesRetentionCap(t *testing.T) {
	var evicted []uint64
	q := queue.New(
		queue.WithRetention(1),
		queue.WithEvictionHook(func(ids []uint64) { evicted = append(evicted, ids...) }),
	)

	exit := 0
	q.Restore([]queue.Job{
		{ID: 1, Args: []string{"a"}, Status: queue.StatusCompleted, ExitCode: &exit},
		{ID: 2, Args: []string{"b"}, Status: queue.StatusCompleted, ExitCode: &exit},
		{ID: 3, Args: []string{"c"}, Status: queue.StatusQueued},
	})

	jobs := q.Snapshot()
	require.Len(t, jobs, 2)
	assert.Equal(t, uint64(2), jobs[0].ID)
	assert.Equal(t, uint64(3), jobs[1].ID)
	assert.Equal(t, []uint64{1}, evicted)
}

func TestRestore_FailsInterruptedJobsAndKeepsIDs(t *testing.T) {
	q := queue.New()
	q.Restore([]queue.Job{
		{ID: 3, Args: []string{"done"}, Status: queue.StatusCompleted},
		{ID: 5, Args: []string{"interrupted"}, Status: queue.StatusRunning},
		{ID: 6, Args: []string{"waiting"}, Status: queue.StatusQueued},
	})

	jobs := q.Snapshot()
	require.Len(t, jobs, 3)
	assert.Equal(t, queue.StatusCompleted, jobs[0].Status)
	assert.Equal(t, queue.StatusFailed, jobs[1].Status)
	assert.Contains(t, jobs[1].Reason, "interrupted")
	assert.Equal(t, queue.StatusQueued, jobs[2].Status)

	// New submissions continue after the highest restored id.
	assert.Equal(t, uint64(7), submit(t, q, "new"))

	// The restored queued job is the execution head.
	j, ok := q.TryStartNext()
	require.True(t, ok)
	assert.Equal(t, uint64(6), j.ID)
}
