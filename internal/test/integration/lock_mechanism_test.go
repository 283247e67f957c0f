package integration

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/harunnryd/kiroku/internal/store"
)

// Two workers on the same workspace would race the JSONL logs; the second
// must fail to acquire the workspace lock instead of degrading.
func TestSecondWorkerOnSameWorkspaceIsRejected(t *testing.T) {
	root := t.TempDir()

	first, err := store.NewWorker("locked", root, store.RuntimeConfig{})
	require.NoError(t, err)
	first.Start()
	defer first.Stop()

	lockPath, err := store.GetLockPath("locked", root)
	require.NoError(t, err)
	assert.FileExists(t, lockPath)

	_, err = store.NewWorker("locked", root, store.RuntimeConfig{
		LockTimeout:  200 * time.Millisecond,
		LockRetry:    20 * time.Millisecond,
		LockMaxRetry: 3,
	})
	assert.Error(t, err)
}

func TestLockReleasedOnStop(t *testing.T) {
	root := t.TempDir()

	first, err := store.NewWorker("relock", root, store.RuntimeConfig{})
	require.NoError(t, err)
	first.Start()
	first.Stop()

	second, err := store.NewWorker("relock", root, store.RuntimeConfig{})
	require.NoError(t, err)
	second.Start()
	second.Stop()
}

func TestDifferentWorkspacesDoNotContend(t *testing.T) {
	root := t.TempDir()

	a, err := store.NewWorker("ws-a", root, store.RuntimeConfig{})
	require.NoError(t, err)
	a.Start()
	defer a.Stop()

	b, err := store.NewWorker("ws-b", root, store.RuntimeConfig{})
	require.NoError(t, err)
	b.Start()
	defer b.Stop()
}
