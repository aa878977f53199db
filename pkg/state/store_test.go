package state_test

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jkaessens/qmanager/pkg/queue"
	"github.com/jkaessens/qmanager/pkg/state"
)

func setupStore(t *testing.T) *state.Store {
	t.Helper()
	s, err := state.Open(filepath.Join(t.TempDir(), "qmanager.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestStore_SaveAndLoadRoundTrip(t *testing.T) {
	s := setupStore(t)

	dur := uint64(120)
	exit := 2
	started := time.Now().Add(-time.Minute).Round(time.Millisecond).UTC()
	finished := started.Add(30 * time.Second)

	jobs := []queue.Job{
		{
			ID:          1,
			Args:        []string{"sh", "-c", "echo done"},
			Status:      queue.StatusCompleted,
			SubmittedAt: started.Add(-time.Second),
			StartedAt:   &started,
			FinishedAt:  &finished,
			ExitCode:    &exit,
			Stdout:      "done\n",
		},
		{
			ID:               2,
			Args:             []string{"/opt/hybrid/run"},
			Status:           queue.StatusQueued,
			ExpectedDuration: &dur,
			NotifyCmd:        "mailer --to ops",
			SubmittedAt:      started,
		},
	}
	for _, j := range jobs {
		require.NoError(t, s.SaveJob(j))
	}

	loaded, err := s.LoadAll()
	require.NoError(t, err)
	require.Len(t, loaded, 2)

	assert.Equal(t, jobs[0].Args, loaded[0].Args)
	assert.Equal(t, queue.StatusCompleted, loaded[0].Status)
	require.NotNil(t, loaded[0].ExitCode)
	assert.Equal(t, 2, *loaded[0].ExitCode)
	assert.Equal(t, "done\n", loaded[0].Stdout)
	require.NotNil(t, loaded[0].StartedAt)
	assert.True(t, started.Equal(*loaded[0].StartedAt))

	assert.Equal(t, queue.StatusQueued, loaded[1].Status)
	require.NotNil(t, loaded[1].ExpectedDuration)
	assert.Equal(t, uint64(120), *loaded[1].ExpectedDuration)
	assert.Equal(t, "mailer --to ops", loaded[1].NotifyCmd)
	assert.Nil(t, loaded[1].ExitCode)
}

func TestStore_SaveJobUpserts(t *testing.T) {
	s := setupStore(t)

	job := queue.Job{ID: 7, Args: []string{"true"}, Status: queue.StatusQueued, SubmittedAt: time.Now()}
	require.NoError(t, s.SaveJob(job))

	exit := 0
	job.Status = queue.StatusCompleted
	job.ExitCode = &exit
	require.NoError(t, s.SaveJob(job))

	loaded, err := s.LoadAll()
	require.NoError(t, err)
	require.Len(t, loaded, 1)
	assert.Equal(t, queue.StatusCompleted, loaded[0].Status)
	require.NotNil(t, loaded[0].ExitCode)
}

func TestStore_SaveJobNeverRegressesLifecycle(t *testing.T) {
	s := setupStore(t)

	exit := 0
	done := queue.Job{ID: 4, Args: []string{"true"}, Status: queue.StatusCompleted, ExitCode: &exit}
	require.NoError(t, s.SaveJob(done))

	// A slow writer holding a pre-terminal snapshot must not overwrite the
	// finished row; on restore that would re-run (or fail) a done job.
	require.NoError(t, s.SaveJob(queue.Job{ID: 4, Args: []string{"true"}, Status: queue.StatusQueued}))
	require.NoError(t, s.SaveJob(queue.Job{ID: 4, Args: []string{"true"}, Status: queue.StatusRunning}))

	loaded, err := s.LoadAll()
	require.NoError(t, err)
	require.Len(t, loaded, 1)
	assert.Equal(t, queue.StatusCompleted, loaded[0].Status)
	require.NotNil(t, loaded[0].ExitCode)
}

func TestStore_DeleteJob(t *testing.T) {
	s := setupStore(t)

	require.NoError(t, s.SaveJob(queue.Job{ID: 1, Args: []string{"a"}, Status: queue.StatusCompleted}))
	require.NoError(t, s.SaveJob(queue.Job{ID: 2, Args: []string{"b"}, Status: queue.StatusCompleted}))

	require.NoError(t, s.DeleteJob(1))

	loaded, err := s.LoadAll()
	require.NoError(t, err)
	require.Len(t, loaded, 1)
	assert.Equal(t, uint64(2), loaded[0].ID)

	// Deleting an absent row is not an error.
	assert.NoError(t, s.DeleteJob(99))
}

func TestStore_LoadAllOrdersByID(t *testing.T) {
	s := setupStore(t)

	for _, id := range []uint64{5, 1, 3} {
		require.NoError(t, s.SaveJob(queue.Job{ID: id, Args: []string{"x"}, Status: queue.StatusQueued}))
	}

	loaded, err := s.LoadAll()
	require.NoError(t, err)
	require.Len(t, loaded, 3)
	assert.Equal(t, uint64(1), loaded[0].ID)
	assert.Equal(t, uint64(3), loaded[1].ID)
	assert.Equal(t, uint64(5), loaded[2].ID)
}
