package owner

import (
	"fmt"
	"os"
	"os/exec"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func ownerTestName(t *testing.T) string {
	return fmt.Sprintf("wsproxy_test_owner_%s", t.Name())
}

func TestAcquireFreshSegmentStoresOwnPID(t *testing.T) {
	name := ownerTestName(t)
	w, err := Acquire(name)
	require.NoError(t, err)
	defer os.Remove(segmentPath(name))
	defer w.Release()

	assert.Equal(t, uint64(os.Getpid()), *w.ptr)
}

func TestAcquireFailsWhileOwnerIsAlive(t *testing.T) {
	name := ownerTestName(t)
	first, err := Acquire(name)
	require.NoError(t, err)
	defer os.Remove(segmentPath(name))
	defer first.Release()

	_, err = Acquire(name)
	assert.ErrorIs(t, err, ErrOwnerAlive)
}

func TestReleaseClearsOwnPIDOnly(t *testing.T) {
	name := ownerTestName(t)
	w, err := Acquire(name)
	require.NoError(t, err)
	defer os.Remove(segmentPath(name))

	require.NoError(t, w.Release())

	reacquired, err := Acquire(name)
	require.NoError(t, err)
	defer reacquired.Release()
	assert.Equal(t, uint64(os.Getpid()), *reacquired.ptr)
}

// TestAcquireTakesOverDeadOwner spawns a real child process, lets it exit so
// its PID is no longer live, then verifies a new Acquire recovers the word
// rather than reporting ErrOwnerAlive.
func TestAcquireTakesOverDeadOwner(t *testing.T) {
	name := ownerTestName(t)

	cmd := exec.Command("true")
	require.NoError(t, cmd.Start())
	deadPID := uint64(cmd.Process.Pid)
	require.NoError(t, cmd.Wait())

	w, err := Acquire(name)
	require.NoError(t, err)
	defer os.Remove(segmentPath(name))
	defer w.Release()
	require.NotEqual(t, deadPID, *w.ptr)

	// Forge the word to look owned by the now-dead child, simulating a
	// broker that crashed without releasing it.
	*w.ptr = deadPID

	second, err := Acquire(name)
	require.NoError(t, err)
	defer second.Release()
	assert.Equal(t, uint64(os.Getpid()), *second.ptr)
}

func TestPidAliveDetectsCurrentProcess(t *testing.T) {
	assert.True(t, pidAlive(uint64(os.Getpid())))
}

func TestPidAliveFalseForZero(t *testing.T) {
	assert.False(t, pidAlive(0))
}
