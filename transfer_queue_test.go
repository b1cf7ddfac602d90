package picostream

import (
	"bytes"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testSnapshot(seq, n int) *Snapshot {
	s := &Snapshot{Sequence: seq, Taken: time.Now(), channels: []ChannelID{ChannelA}}
	s.data[ChannelA] = make([]int16, n)
	return s
}

func TestQueueFIFO(t *testing.T) {
	q, err := NewTransferQueue(6)
	require.NoError(t, err)
	for i := 0; i < 5; i++ {
		require.NoError(t, q.Put(testSnapshot(i, 1), nil))
	}
	require.NoError(t, q.Stop(time.Second))
	for i := 0; i < 5; i++ {
		s, err := q.Get(time.Second)
		require.NoError(t, err)
		if s.Sequence != i {
			t.Errorf("Get() returned sequence %d, want %d", s.Sequence, i)
		}
	}
	_, err = q.Get(time.Second)
	assert.ErrorIs(t, err, ErrQueueStopped, "the stop marker follows everything queued before it")

	_, err = q.Get(10 * time.Millisecond)
	assert.ErrorIs(t, err, ErrGetTimeout)
	assert.Error(t, q.Put(nil, nil))

	_, err = NewTransferQueue(0)
	assert.Error(t, err)
}

// With capacity 2 and two snapshots queued, a third Put blocks until one is consumed.
func TestQueuePutBlocks(t *testing.T) {
	q, err := NewTransferQueue(2)
	require.NoError(t, err)
	require.NoError(t, q.Put(testSnapshot(0, 1), nil))
	require.NoError(t, q.Put(testSnapshot(1, 1), nil))
	assert.Equal(t, 1.0, q.FillRatio())

	putDone := make(chan error)
	go func() { putDone <- q.Put(testSnapshot(2, 1), nil) }()
	select {
	case <-putDone:
		t.Fatal("third Put returned while the queue was full")
	case <-time.After(50 * time.Millisecond):
	}

	s, err := q.Get(time.Second)
	require.NoError(t, err)
	assert.Equal(t, 0, s.Sequence)
	select {
	case err := <-putDone:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("third Put still blocked after a Get")
	}
	assert.Equal(t, 2, q.Len())
}

func TestQueuePutAbort(t *testing.T) {
	q, err := NewTransferQueue(1)
	require.NoError(t, err)
	abort := make(chan struct{})
	close(abort)
	// Room in the queue wins over a closed abort channel.
	require.NoError(t, q.Put(testSnapshot(0, 1), abort))

	err = q.Put(testSnapshot(1, 1), abort)
	assert.ErrorIs(t, err, ErrPutAborted)
	assert.Equal(t, 1, q.Len(), "an aborted Put enqueues nothing")

	assert.Error(t, q.Stop(10*time.Millisecond), "Stop cannot enqueue the marker into a full queue")
}

func TestFillRatio(t *testing.T) {
	q, err := NewTransferQueue(4)
	require.NoError(t, err)
	for i := 0; i < 4; i++ {
		want := float64(i) / 4
		if r := q.FillRatio(); r != want {
			t.Errorf("FillRatio() = %v with %d queued, want %v", r, i, want)
		}
		require.NoError(t, q.Put(testSnapshot(i, 1), nil))
	}
	assert.LessOrEqual(t, q.FillRatio(), 1.0)
	assert.Equal(t, 4, q.Cap())
}

func TestFillMonitor(t *testing.T) {
	var buf bytes.Buffer
	q, err := NewTransferQueue(10)
	require.NoError(t, err)
	m := NewFillMonitor(q)
	m.Logger = NewLogger(&buf, slog.LevelInfo)

	assert.Equal(t, FillNormal, m.Check())
	assert.Empty(t, buf.String(), "a normal fill level is not logged")

	for i := 0; i < 5; i++ {
		require.NoError(t, q.Put(testSnapshot(i, 1), nil))
	}
	assert.Equal(t, FillWarning, m.Check())
	assert.Contains(t, buf.String(), "level=WARN")
	assert.Contains(t, buf.String(), "fill=50.0%")

	for i := 5; i < 8; i++ {
		require.NoError(t, q.Put(testSnapshot(i, 1), nil))
	}
	buf.Reset()
	assert.Equal(t, FillCritical, m.Check())
	assert.Contains(t, buf.String(), "level=CRITICAL")
	assert.Equal(t, FillCritical, m.Last())

	assert.Equal(t, FillNormal, m.Classify(0.49))
	assert.Equal(t, FillWarning, m.Classify(0.79))
	assert.Equal(t, FillCritical, m.Classify(1.0))
	assert.Equal(t, "warning", FillWarning.String())
}

func TestFillMonitorInterval(t *testing.T) {
	q, err := NewTransferQueue(2)
	require.NoError(t, err)
	m := NewFillMonitor(q)
	m.Logger = NewLogger(&bytes.Buffer{}, slog.LevelInfo)

	t0 := time.Now()
	_, checked := m.MaybeCheck(t0)
	assert.True(t, checked, "the first call always checks")
	require.NoError(t, q.Put(testSnapshot(0, 1), nil))
	level, checked := m.MaybeCheck(t0.Add(4 * time.Second))
	assert.False(t, checked)
	assert.Equal(t, FillNormal, level, "an unchecked call reports the previous level")
	level, checked = m.MaybeCheck(t0.Add(5 * time.Second))
	assert.True(t, checked)
	assert.Equal(t, FillWarning, level)
}
