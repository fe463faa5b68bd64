package playback

import (
	"bytes"
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/habibshahid/aiva-advanced-sub007/internal/audio"
)

type recordingEmitter struct {
	mu     sync.Mutex
	frames [][]byte
	done   int32
}

func (r *recordingEmitter) AudioDelta(frame []byte) {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := make([]byte, len(frame))
	copy(cp, frame)
	r.frames = append(r.frames, cp)
}

func (r *recordingEmitter) AudioDone() { atomic.AddInt32(&r.done, 1) }

func (r *recordingEmitter) frameCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.frames)
}

func (r *recordingEmitter) snapshot() [][]byte {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([][]byte, len(r.frames))
	copy(out, r.frames)
	return out
}

func TestPlay_FramesClipAndCompletesOnce(t *testing.T) {
	em := &recordingEmitter{}
	c := New(em, nil, nil)
	defer c.Close()

	clip := bytes.Repeat([]byte{0x31}, 3*audio.FrameBytes+10) // forces a padded tail
	require.NoError(t, c.Play(context.Background(), clip))

	frames := em.snapshot()
	require.Len(t, frames, 4)
	for _, f := range frames {
		assert.Len(t, f, audio.FrameBytes)
	}
	// padded region of the tail frame is mu-law silence
	tail := frames[3]
	for _, b := range tail[10:] {
		require.Equal(t, byte(0xFF), b)
	}
	assert.EqualValues(t, 1, atomic.LoadInt32(&em.done))
	assert.False(t, c.Playing())
}

func TestPlay_PacedNearRealTime(t *testing.T) {
	em := &recordingEmitter{}
	c := New(em, nil, nil)
	defer c.Close()

	start := time.Now()
	clip := bytes.Repeat([]byte{0x00}, 5*audio.FrameBytes)
	require.NoError(t, c.Play(context.Background(), clip))
	elapsed := time.Since(start)

	// 5 frames at 20ms each; generous lower bound to stay robust under load
	assert.GreaterOrEqual(t, elapsed, 80*time.Millisecond)
}

func TestStop_IsIdempotentWithSingleDone(t *testing.T) {
	em := &recordingEmitter{}
	c := New(em, nil, nil)
	defer c.Close()

	go func() {
		_ = c.Play(context.Background(), bytes.Repeat([]byte{0x00}, 100*audio.FrameBytes))
	}()
	require.Eventually(t, c.Playing, time.Second, 5*time.Millisecond)

	c.Stop()
	c.Stop()
	c.Stop()
	assert.EqualValues(t, 1, atomic.LoadInt32(&em.done))
	assert.False(t, c.Playing())
}

func TestEnqueueChunk_ReframesArbitrarySizes(t *testing.T) {
	em := &recordingEmitter{}
	c := New(em, nil, nil)
	defer c.Close()

	// 3 chunks whose sizes do not align with the frame size
	c.EnqueueChunk(bytes.Repeat([]byte{0x01}, 100))
	c.EnqueueChunk(bytes.Repeat([]byte{0x02}, 100))
	c.EnqueueChunk(bytes.Repeat([]byte{0x03}, 130))
	c.FinishStream()

	require.Eventually(t, func() bool {
		return atomic.LoadInt32(&em.done) == 1
	}, 2*time.Second, 10*time.Millisecond)

	// 330 bytes -> 2 full frames + padded tail
	assert.Equal(t, 3, em.frameCount())
}

func TestBargeIn_FiresOncePerPlayback(t *testing.T) {
	em := &recordingEmitter{}
	var cancels int32
	c := New(em, func() { atomic.AddInt32(&cancels, 1) }, nil)
	defer c.Close()

	go func() {
		_ = c.Play(context.Background(), bytes.Repeat([]byte{0x00}, 100*audio.FrameBytes))
	}()
	require.Eventually(t, c.Playing, time.Second, 5*time.Millisecond)

	// several interim transcripts land in a burst; only one stop+cancel
	assert.True(t, c.BargeIn())
	assert.False(t, c.BargeIn())
	assert.False(t, c.BargeIn())

	assert.EqualValues(t, 1, atomic.LoadInt32(&cancels))
	assert.EqualValues(t, 1, atomic.LoadInt32(&em.done))
}

func TestBargeIn_NoopWhenIdle(t *testing.T) {
	em := &recordingEmitter{}
	var cancels int32
	c := New(em, func() { atomic.AddInt32(&cancels, 1) }, nil)
	defer c.Close()

	assert.False(t, c.BargeIn())
	assert.EqualValues(t, 0, atomic.LoadInt32(&cancels))
	assert.EqualValues(t, 0, atomic.LoadInt32(&em.done))
}

func TestProtect_SuppressesBargeInAndAlwaysClears(t *testing.T) {
	em := &recordingEmitter{}
	c := New(em, nil, nil)
	defer c.Close()

	go func() {
		_ = c.Play(context.Background(), bytes.Repeat([]byte{0x00}, 200*audio.FrameBytes))
	}()
	require.Eventually(t, c.Playing, time.Second, 5*time.Millisecond)

	c.Protect(func() {
		assert.False(t, c.BargeIn(), "barge-in must not fire inside a protected section")
	})

	// the flag cleared, so barge-in works again
	assert.True(t, c.BargeIn())

	// and it clears even when the protected section panics
	go func() {
		_ = c.Play(context.Background(), bytes.Repeat([]byte{0x00}, 200*audio.FrameBytes))
	}()
	require.Eventually(t, c.Playing, time.Second, 5*time.Millisecond)
	func() {
		defer func() { _ = recover() }()
		c.Protect(func() { panic("boom") })
	}()
	assert.True(t, c.BargeIn())
}
