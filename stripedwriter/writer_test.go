package stripedwriter

import (
	"bytes"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mkuchin/spillway/internal/sinktest"
)

func TestSmallWriteIsRetained(t *testing.T) {
	t.Parallel()

	sink := sinktest.New()
	w, err := New(sink)
	require.NoError(t, err)

	n, err := w.Write([]byte{'a'})
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	// Below capacity nothing moves downstream.
	assert.Equal(t, 0, sink.Len())
	assert.Equal(t, 0, sink.Flushes())
	assert.False(t, sink.Closed())
}

func TestRotationAtCapacity(t *testing.T) {
	t.Parallel()

	sink := sinktest.New()
	w, err := New(sink)
	require.NoError(t, err)

	// A single goroutine always lands on the same stripe, so 32000
	// single-byte writes rotate that stripe exactly once, at capacity.
	for i := 0; i < 32000; i++ {
		_, err := w.Write([]byte{'a'})
		require.NoError(t, err)
	}

	got := sink.Bytes()
	require.Len(t, got, bufferSize)
	assert.Equal(t, bytes.Repeat([]byte{'a'}, bufferSize), got)
	assert.False(t, sink.Closed())
}

func TestCloseDrainsResidual(t *testing.T) {
	t.Parallel()

	sink := sinktest.New()
	w, err := New(sink)
	require.NoError(t, err)

	chunk := []byte("0123456789")
	var want []byte
	for i := 0; i < 3200; i++ {
		_, err := w.Write(chunk)
		require.NoError(t, err)
		want = append(want, chunk...)
	}
	require.NoError(t, w.Close())

	// One goroutine, one stripe: rotation order is write order.
	assert.Equal(t, want, sink.Bytes())
	assert.True(t, sink.Closed())
}

func TestFlushEmptiesEveryStripe(t *testing.T) {
	t.Parallel()

	sink := sinktest.New()
	w, err := New(sink)
	require.NoError(t, err)

	_, err = w.Write([]byte("buffered"))
	require.NoError(t, err)
	require.NoError(t, w.Flush())

	assert.Equal(t, []byte("buffered"), sink.Bytes())
	assert.GreaterOrEqual(t, sink.Flushes(), 1)

	for i := range w.stripes {
		st := w.stripes[i].Load()
		assert.Equal(t, 0, st.claimed)
		assert.Equal(t, 0, st.published)
	}

	// Flush with nothing buffered writes nothing further.
	require.NoError(t, w.Flush())
	assert.Equal(t, len("buffered"), sink.Len())
}

func TestOversizedWriteRejected(t *testing.T) {
	t.Parallel()

	sink := sinktest.New()
	w, err := New(sink)
	require.NoError(t, err)

	_, err = w.Write(make([]byte, bufferSize+1))
	require.ErrorIs(t, err, ErrWriteTooLarge)

	// Exactly one buffer is still acceptable.
	n, err := w.Write(make([]byte, bufferSize))
	require.NoError(t, err)
	assert.Equal(t, bufferSize, n)
}

func TestCloseIsNotIdempotent(t *testing.T) {
	t.Parallel()

	sink := sinktest.New()
	w, err := New(sink)
	require.NoError(t, err)

	require.NoError(t, w.Close())
	require.ErrorIs(t, w.Close(), ErrClosed)

	_, err = w.Write([]byte("late"))
	require.ErrorIs(t, err, ErrClosed)
	require.ErrorIs(t, w.Flush(), ErrClosed)
	assert.True(t, sink.Closed())
}

func TestSingleWriteStaysContiguous(t *testing.T) {
	t.Parallel()

	sink := sinktest.New()
	w, err := New(sink)
	require.NoError(t, err)

	const producers = 8
	const writes = 400

	pattern := func(id int) []byte {
		p := bytes.Repeat([]byte{byte(id)}, 64)
		p[0] = 0xFE
		p[63] = 0xFF
		return p
	}

	var wg sync.WaitGroup
	for i := 0; i < producers; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			p := pattern(id)
			for j := 0; j < writes; j++ {
				_, err := w.Write(p)
				assert.NoError(t, err)
			}
		}(i)
	}
	wg.Wait()
	require.NoError(t, w.Close())

	got := sink.Bytes()
	require.Len(t, got, producers*writes*64)
	// Concurrent calls may interleave on a stripe, but each call's
	// bytes land as one contiguous run.
	for i := 0; i < producers; i++ {
		assert.Equal(t, writes, bytes.Count(got, pattern(i)))
	}
}
