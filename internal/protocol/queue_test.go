package protocol

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWriteQueueEnqueueAccounting(t *testing.T) {
	var q writeQueue
	assert.False(t, q.HasDataToWrite())
	q.Enqueue([]byte("abc"))
	q.Enqueue([]byte("de"))
	assert.True(t, q.HasDataToWrite())
	assert.Equal(t, 2, q.Count())
	assert.Equal(t, 5, q.BufferedOutputSize())
}

func TestWriteQueueDoWriteDrainsFIFO(t *testing.T) {
	var q writeQueue
	q.Enqueue([]byte("abc"))
	q.Enqueue([]byte("de"))

	var written []byte
	n, err := q.DoWrite(func(p []byte) (int, error) {
		written = append(written, p...)
		return len(p), nil
	})
	require.NoError(t, err)
	assert.Equal(t, 5, n)
	assert.Equal(t, "abcde", string(written))
	assert.False(t, q.HasDataToWrite())
	assert.Equal(t, 0, q.BufferedOutputSize())
}

func TestWriteQueueDoWritePartialAdvancesPos(t *testing.T) {
	var q writeQueue
	q.Enqueue([]byte("abcdef"))

	n, err := q.DoWrite(func(p []byte) (int, error) { return 2, nil })
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.True(t, q.HasDataToWrite())
	assert.Equal(t, 4, q.BufferedOutputSize())

	n, err = q.DoWrite(func(p []byte) (int, error) {
		assert.Equal(t, "cdef", string(p))
		return len(p), nil
	})
	require.NoError(t, err)
	assert.Equal(t, 4, n)
	assert.False(t, q.HasDataToWrite())
}

func TestWriteQueueDoWriteWouldBlock(t *testing.T) {
	var q writeQueue
	q.Enqueue([]byte("abc"))
	n, err := q.DoWrite(func(p []byte) (int, error) { return 0, nil })
	require.NoError(t, err)
	assert.Equal(t, 0, n)
	assert.True(t, q.HasDataToWrite())
}

func TestWriteQueueDoWriteFatalError(t *testing.T) {
	var q writeQueue
	q.Enqueue([]byte("abc"))
	fatal := errors.New("boom")
	n, err := q.DoWrite(func(p []byte) (int, error) { return -1, fatal })
	assert.Equal(t, 0, n)
	assert.ErrorIs(t, err, fatal)
}

func TestWriteQueueDoWriteOwnedRequiresFullDrain(t *testing.T) {
	var q writeQueue
	q.Enqueue([]byte("abcdef"))
	err := q.DoWriteOwned(func(p []byte) (int, error) { return 3, nil })
	assert.ErrorIs(t, err, errShortOwnedWrite)
}

func TestWriteQueueDoWriteOwnedFullDrainSucceeds(t *testing.T) {
	var q writeQueue
	q.Enqueue([]byte("abcdef"))
	q.Enqueue([]byte("ghi"))
	var calls int
	err := q.DoWriteOwned(func(p []byte) (int, error) {
		calls++
		return len(p), nil
	})
	require.NoError(t, err)
	assert.Equal(t, 2, calls)
	assert.False(t, q.HasDataToWrite())
}

func TestWriteQueueSnapshotAndRestore(t *testing.T) {
	var q writeQueue
	q.Enqueue([]byte("one"))
	q.Enqueue([]byte("two"))
	snap := q.snapshot()
	require.Len(t, snap, 2)
	assert.Equal(t, "one", string(snap[0]))
	assert.Equal(t, "two", string(snap[1]))

	var q2 writeQueue
	q2.restore(snap)
	assert.Equal(t, q.BufferedOutputSize(), q2.BufferedOutputSize())
	assert.Equal(t, q.Count(), q2.Count())
}
