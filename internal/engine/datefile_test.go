package engine

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDateFileRoundTrip(t *testing.T) {
	dir := t.TempDir()
	date := time.Date(2011, 3, 4, 0, 0, 0, 0, time.UTC)
	require.NoError(t, WriteDateFile(dir, date))

	got, err := ReadDateFile(dir)
	require.NoError(t, err)
	assert.True(t, date.Equal(got))
}

func TestReadDateFileMissing(t *testing.T) {
	_, err := ReadDateFile(t.TempDir())
	assert.Error(t, err)
}

func TestAdvanceDateFile(t *testing.T) {
	dir := t.TempDir()
	date := time.Date(2011, 3, 4, 0, 0, 0, 0, time.UTC)
	require.NoError(t, WriteDateFile(dir, date))

	next, err := AdvanceDateFile(dir, CountdownBackwards, date)
	require.NoError(t, err)
	assert.Equal(t, 3, next.Day())

	stored, err := ReadDateFile(dir)
	require.NoError(t, err)
	assert.True(t, next.Equal(stored))

	next, err = AdvanceDateFile(dir, CountdownForwards, next)
	require.NoError(t, err)
	assert.Equal(t, 4, next.Day())

	_, err = AdvanceDateFile(dir, "sideways", next)
	assert.Error(t, err)
}

func TestValidCountdown(t *testing.T) {
	assert.True(t, ValidCountdown("forwards"))
	assert.True(t, ValidCountdown("backwards"))
	assert.False(t, ValidCountdown(""))
	assert.False(t, ValidCountdown("up"))
}
