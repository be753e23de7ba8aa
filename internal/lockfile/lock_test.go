//go:build unix

package lockfile

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAcquireAndRelease(t *testing.T) {
	dir := t.TempDir()
	lock, err := Acquire(dir, "LONGITUDINAL_MANAGER")
	require.NoError(t, err)
	assert.FileExists(t, lock.Path())

	require.NoError(t, lock.Release())
	_, err = os.Stat(filepath.Join(dir, "LONGITUDINAL_MANAGER.lock"))
	assert.True(t, os.IsNotExist(err))
}

func TestSecondAcquireBusy(t *testing.T) {
	dir := t.TempDir()
	lock, err := Acquire(dir, "LONGITUDINAL_MANAGER")
	require.NoError(t, err)
	defer lock.Release()

	_, err = Acquire(dir, "LONGITUDINAL_MANAGER")
	assert.ErrorIs(t, err, ErrLockBusy)
}

func TestReacquireAfterRelease(t *testing.T) {
	dir := t.TempDir()
	lock, err := Acquire(dir, "LONGITUDINAL_MANAGER")
	require.NoError(t, err)
	require.NoError(t, lock.Release())

	again, err := Acquire(dir, "LONGITUDINAL_MANAGER")
	require.NoError(t, err)
	assert.NoError(t, again.Release())
}

func TestReleaseTwiceIsSafe(t *testing.T) {
	lock, err := Acquire(t.TempDir(), "x")
	require.NoError(t, err)
	require.NoError(t, lock.Release())
	assert.NoError(t, lock.Release())
}
