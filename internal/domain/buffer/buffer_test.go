// ABOUTME: Tests for sample buffers
// ABOUTME: Covers queue accounting, locking, wait slots, sharing, refcount and convert
package buffer

import (
	"context"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/harper/motion-cue-streamer/internal/domain/fault"
	"github.com/harper/motion-cue-streamer/internal/domain/filter"
	"github.com/harper/motion-cue-streamer/internal/domain/format"
)

func motionFormat() format.Format {
	return format.Format{Type: format.DOF, SampleRate: 50, Channels: 3, Element: format.S16}
}

func sine(f format.Format, samples int) []byte {
	values := make([]float64, samples*f.Channels)
	for i := 0; i < samples; i++ {
		tm := float64(i) / float64(f.SampleRate)
		values[i*f.Channels] = 32767 * math.Sin(2*math.Pi*tm)
	}
	out := make([]byte, samples*f.BlockAlign())
	f.Encode(values, out)
	return out
}

func TestBuffer_OneSecondScenario(t *testing.T) {
	f := motionFormat()
	b, err := New(f, 50, 1)
	require.NoError(t, err)

	n, err := b.Enqueue(sine(f, 50))
	require.NoError(t, err)
	assert.Equal(t, 300, n)
	assert.Equal(t, time.Second, b.Duration())

	out := make([]byte, 300)
	n, err = b.Dequeue(out)
	require.NoError(t, err)
	assert.Equal(t, 50*3*2, n)
	assert.Equal(t, 0, b.Queued())
}

func TestBuffer_RejectsBadFormat(t *testing.T) {
	f := motionFormat()
	f.Channels = 9
	_, err := New(f, 10, 1)
	assert.Equal(t, fault.ConfigurationError, fault.Of(err))

	_, err = New(motionFormat(), 0, 1)
	assert.Equal(t, fault.ConfigurationError, fault.Of(err))
}

func TestBuffer_StrictOverflow(t *testing.T) {
	f := motionFormat()
	b, _ := New(f, 4, 1)

	n, err := b.Enqueue(make([]byte, 6*f.BlockAlign()))
	assert.Equal(t, fault.Overflow, fault.Of(err))
	assert.Equal(t, 4*f.BlockAlign(), n)
	assert.Equal(t, 4, b.Queued())
}

func TestBuffer_StreamingOverwrites(t *testing.T) {
	f := format.Format{Type: format.DOF, SampleRate: 50, Channels: 1, Element: format.S16}
	b, _ := New(f, 3, 1, Streaming())

	data := make([]byte, 5*2)
	f.Encode([]float64{1, 2, 3, 4, 5}, data)
	n, err := b.Enqueue(data)
	require.NoError(t, err)
	assert.Equal(t, len(data), n)

	assert.Equal(t, []float64{3, 4, 5}, f.Decode(b.Snapshot(), nil))
}

func TestBuffer_Underflow(t *testing.T) {
	f := motionFormat()
	b, _ := New(f, 10, 1)
	b.Enqueue(make([]byte, 2*f.BlockAlign()))

	out := make([]byte, 5*f.BlockAlign())
	n, err := b.Dequeue(out)
	assert.Equal(t, fault.Underflow, fault.Of(err))
	assert.Equal(t, 2*f.BlockAlign(), n)
}

func TestBuffer_WriteLockCommitsOnUnlock(t *testing.T) {
	f := motionFormat()
	b, _ := New(f, 4, 2)

	view, err := b.Lock(2*f.BlockAlign(), LockWrite)
	require.NoError(t, err)
	assert.Len(t, view, 12)
	view[0] = 7
	assert.Equal(t, 0, b.Queued())

	require.NoError(t, b.Unlock())
	assert.Equal(t, 2, b.Queued())
	assert.Equal(t, byte(7), b.Snapshot()[0])
}

func TestBuffer_ReadLockConsumesUnlessPeek(t *testing.T) {
	f := motionFormat()
	b, _ := New(f, 4, 1)
	b.Enqueue(make([]byte, 3*f.BlockAlign()))

	view, err := b.Lock(2*f.BlockAlign(), LockPeek)
	require.NoError(t, err)
	assert.Len(t, view, 12)
	require.NoError(t, b.Unlock())
	assert.Equal(t, 3, b.Queued())

	_, err = b.Lock(2*f.BlockAlign(), 0)
	require.NoError(t, err)
	require.NoError(t, b.Unlock())
	assert.Equal(t, 1, b.Queued())
}

func TestBuffer_DiscardResets(t *testing.T) {
	f := motionFormat()
	b, _ := New(f, 4, 1)
	b.Enqueue(make([]byte, 3*f.BlockAlign()))

	_, err := b.Lock(f.BlockAlign(), LockWrite|LockDiscard)
	require.NoError(t, err)
	assert.Equal(t, 0, b.Queued())
	require.NoError(t, b.Unlock())
	assert.Equal(t, 1, b.Queued())
}

func TestBuffer_SingleLock(t *testing.T) {
	b, _ := New(motionFormat(), 4, 1)
	_, err := b.Lock(0, LockWrite)
	require.NoError(t, err)

	_, err = b.Lock(0, LockWrite)
	assert.Equal(t, fault.Busy, fault.Of(err))

	require.NoError(t, b.Unlock())
	assert.Equal(t, fault.ConfigurationError, fault.Of(b.Unlock()))
}

func TestBuffer_WaitBlocksProducerUntilChunkRead(t *testing.T) {
	f := motionFormat()
	b, _ := New(f, 4, 2)
	chunk := 4 * f.BlockAlign()

	for i := 0; i < 2; i++ {
		view, err := b.Lock(chunk, LockWrite|LockWait)
		require.NoError(t, err)
		for j := range view {
			view[j] = byte(i + 1)
		}
		require.NoError(t, b.Unlock())
	}
	assert.Equal(t, 2, b.InFlight())

	acquired := make(chan struct{})
	go func() {
		view, err := b.Lock(chunk, LockWrite|LockWait)
		if err == nil {
			for j := range view {
				view[j] = 3
			}
			b.Unlock()
		}
		close(acquired)
	}()

	select {
	case <-acquired:
		t.Fatal("producer should block while both slots are in flight")
	case <-time.After(50 * time.Millisecond):
	}
	// Nothing was overwritten while the producer waited
	assert.Equal(t, byte(1), b.Snapshot()[0])

	out := make([]byte, chunk)
	_, err := b.Dequeue(out)
	require.NoError(t, err)
	assert.Equal(t, byte(1), out[0])

	select {
	case <-acquired:
	case <-time.After(time.Second):
		t.Fatal("producer should resume after a chunk is read")
	}
	snap := b.Snapshot()
	assert.Equal(t, byte(2), snap[0])
	assert.Equal(t, byte(3), snap[chunk])
}

func TestBuffer_WaitHonorsContext(t *testing.T) {
	f := motionFormat()
	b, _ := New(f, 1, 1)
	_, err := b.Lock(0, LockWrite|LockWait)
	require.NoError(t, err)
	require.NoError(t, b.Unlock())

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = b.LockContext(ctx, 0, LockWrite|LockWait)
	assert.Equal(t, fault.Busy, fault.Of(err))
	assert.False(t, b.Locked())
}

func TestBuffer_SharedMirrors(t *testing.T) {
	f := motionFormat()
	src, _ := New(f, 8, 1)
	a, _ := New(f, 8, 1)
	c, _ := New(f, 8, 1)
	require.NoError(t, a.SetShared(src))
	require.NoError(t, c.SetShared(src))

	src.Enqueue(make([]byte, 2*f.BlockAlign()))
	assert.Equal(t, 2, a.Queued())
	assert.Equal(t, 2, c.Queued())

	out := make([]byte, 2*f.BlockAlign())
	a.Dequeue(out)
	assert.Equal(t, 0, a.Queued())
	assert.Equal(t, 2, c.Queued())
	assert.Equal(t, 2, src.Queued())

	require.NoError(t, c.SetShared(nil))
	src.Enqueue(make([]byte, f.BlockAlign()))
	assert.Equal(t, 2, c.Queued())

	other := format.Default()
	other.SampleRate = 100
	d, _ := New(other, 8, 1)
	assert.Equal(t, fault.ConfigurationError, fault.Of(d.SetShared(src)))
}

func TestBuffer_RefCount(t *testing.T) {
	b, _ := New(motionFormat(), 4, 1)
	b.Retain()
	assert.Equal(t, 2, b.Refs())

	assert.False(t, b.Release())
	assert.False(t, b.Released())
	assert.True(t, b.Release())
	assert.True(t, b.Released())

	_, err := b.Enqueue(make([]byte, 6))
	assert.Equal(t, fault.ConfigurationError, fault.Of(err))
}

func TestBuffer_Convert(t *testing.T) {
	f := motionFormat()
	b, _ := New(f, 50, 1)
	b.Enqueue(sine(f, 50))

	desired := format.Format{Type: format.DOF, SampleRate: 25, Channels: 6, Element: format.S16}
	nb, ratio, err := b.Convert(desired, nil)
	require.NoError(t, err)
	assert.Equal(t, 1.0, ratio)
	assert.Equal(t, desired, nb.Format())
	assert.Equal(t, 25, nb.Queued())
	assert.Equal(t, 50, b.Queued(), "source buffer keeps its content")
	assert.Equal(t, time.Second, nb.Duration())
}

func TestBuffer_ConvertBuildFailure(t *testing.T) {
	f := motionFormat()
	b, _ := New(f, 50, 1)
	b.Enqueue(sine(f, 50))

	tilt, _ := filter.New(filter.KindTiltCoordinator)
	nb, ratio, err := b.Convert(f, tilt)
	assert.Nil(t, nb)
	assert.Equal(t, 0.0, ratio)
	assert.Equal(t, fault.ConfigurationError, fault.Of(err))
	assert.Equal(t, 50, b.Queued())
}
