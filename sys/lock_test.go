package sys

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAcquireOSFileLock_Exclusive(t *testing.T) {
	lockPath := LockPath(filepath.Join(t.TempDir(), "00000001.ledger"))

	release, err := AcquireOSFileLock(lockPath, 500*time.Millisecond)
	if errors.Is(err, ErrOSFileLockNotSupported) {
		t.Skip("OS file locking not supported on this platform")
	}
	require.NoError(t, err)

	// flock is per open file description, so a second open in this process conflicts.
	_, err = AcquireOSFileLock(lockPath, 50*time.Millisecond)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrLocked)

	require.NoError(t, release())
	_, statErr := os.Stat(lockPath)
	assert.True(t, os.IsNotExist(statErr), "release must remove the lock file")

	release, err = AcquireOSFileLock(lockPath, 200*time.Millisecond)
	require.NoError(t, err)
	require.NoError(t, release())
}

func TestPreallocate(t *testing.T) {
	f, err := os.Create(filepath.Join(t.TempDir(), "prealloc"))
	require.NoError(t, err)
	defer f.Close()

	err = Preallocate(f, 1<<20)
	if errors.Is(err, ErrPreallocNotSupported) {
		t.Skip("preallocation not supported here")
	}
	require.NoError(t, err)

	info, err := f.Stat()
	require.NoError(t, err)
	assert.Equal(t, int64(0), info.Size(), "preallocation must keep the visible size")
	assert.NoError(t, Preallocate(f, 0))
}
