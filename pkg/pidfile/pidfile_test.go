package pidfile_test

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jkaessens/qmanager/pkg/pidfile"
)

func TestAcquire_WritesOwnPID(t *testing.T) {
	path := filepath.Join(t.TempDir(), "qmanager.pid")

	h, err := pidfile.Acquire(path)
	require.NoError(t, err)
	defer h.Release()

	data, err := os.ReadFile(path)
	require.NoError(t, err)

	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	require.NoError(t, err)
	assert.Equal(t, os.Getpid(), pid)
}

func TestAcquire_SecondHolderIsRejected(t *testing.T) {
	path := filepath.Join(t.TempDir(), "qmanager.pid")

	h, err := pidfile.Acquire(path)
	require.NoError(t, err)
	defer h.Release()

	// flock is per open file description, so a second open in the same
	// process conflicts just like a second daemon would.
	_, err = pidfile.Acquire(path)
	assert.ErrorIs(t, err, pidfile.ErrAlreadyRunning)
}

func TestRelease_AllowsReacquisition(t *testing.T) {
	path := filepath.Join(t.TempDir(), "qmanager.pid")

	h, err := pidfile.Acquire(path)
	require.NoError(t, err)
	require.NoError(t, h.Release())

	// The file is gone after release.
	_, err = os.Stat(path)
	assert.True(t, os.IsNotExist(err))

	h2, err := pidfile.Acquire(path)
	require.NoError(t, err)
	assert.NoError(t, h2.Release())
}
