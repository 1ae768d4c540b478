package pull

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistryTool_PullHoldsStagingLock(t *testing.T) {
	r := &fakeRunner{}
	tool := newTool(t, r)
	dir := filepath.Join(tool.StagingRoot, "c1")

	var inUse []bool
	r.onRun = func(Command) {
		inUse = append(inUse, StagingInUse(dir))
		_, ok, err := TryLockStaging(dir)
		require.NoError(t, err)
		assert.False(t, ok, "staging lock should be held while tools run")
	}

	require.NoError(t, tool.Pull(context.Background(), Request{Image: "busybox", ContainerID: "c1"}))
	assert.Equal(t, []bool{true, true}, inUse)
	assert.NoDirExists(t, dir)
}

func TestTryLockStaging(t *testing.T) {
	dir := t.TempDir()

	unlock, ok, err := TryLockStaging(dir)
	require.NoError(t, err)
	require.True(t, ok)
	assert.True(t, StagingInUse(dir))

	_, ok, err = TryLockStaging(dir)
	require.NoError(t, err)
	assert.False(t, ok)

	unlock()
	assert.False(t, StagingInUse(dir))

	_, _, err = TryLockStaging(filepath.Join(dir, "absent"))
	assert.ErrorIs(t, err, os.ErrNotExist)
}

func TestStagingInUse_NoLockFile(t *testing.T) {
	dir := t.TempDir()
	assert.False(t, StagingInUse(dir))
	assert.NoFileExists(t, filepath.Join(dir, LockFileName))
}

func TestLockStaging_WaitsForHolder(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "c1")
	require.NoError(t, os.MkdirAll(dir, 0755))

	release, ok, err := TryLockStaging(dir)
	require.NoError(t, err)
	require.True(t, ok)

	acquired := make(chan func())
	go func() {
		unlock, err := lockStaging(dir)
		if err != nil {
			close(acquired)
			return
		}
		acquired <- unlock
	}()

	select {
	case <-acquired:
		t.Fatal("lock acquired while another holder had it")
	case <-time.After(50 * time.Millisecond):
	}

	// The holder removes the directory, as the sweeper does, before releasing.
	require.NoError(t, os.RemoveAll(dir))
	release()

	select {
	case unlock, ok := <-acquired:
		require.True(t, ok, "lockStaging failed")
		defer unlock()
		assert.FileExists(t, filepath.Join(dir, LockFileName))
		assert.True(t, StagingInUse(dir))
	case <-time.After(5 * time.Second):
		t.Fatal("lockStaging did not return after release")
	}
}
