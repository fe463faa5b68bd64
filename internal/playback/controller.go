package playback

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/habibshahid/aiva-advanced-sub007/internal/audio"
)

// Emitter receives paced outbound audio. AudioDelta is called once per
// 20 ms frame; AudioDone exactly once per playback, however it ended.
type Emitter interface {
	AudioDelta(frame []byte)
	AudioDone()
}

// Controller paces mu-law audio to the caller at real time: one 160-byte
// frame every 20 ms. Audio arrives either whole (Play) or as streaming
// chunks (EnqueueChunk + FinishStream). Stop halts immediately; barge-in is
// a guarded Stop that also cancels the upstream synthesis, fired at most
// once per playback.
type Controller struct {
	emitter   Emitter
	onBargeIn func() // cancels the in-flight synthesis
	log       *zap.Logger

	frames chan []byte
	stopCh chan struct{}

	mu         sync.Mutex
	partial    []byte
	playing    bool
	draining   bool
	protected  bool
	bargeFired bool
	closed     bool
	endCh      chan struct{}
}

// New builds a controller and starts its pacer. onBargeIn may be nil.
func New(emitter Emitter, onBargeIn func(), log *zap.Logger) *Controller {
	if log == nil {
		log = zap.NewNop()
	}
	c := &Controller{
		emitter:   emitter,
		onBargeIn: onBargeIn,
		log:       log,
		frames:    make(chan []byte, 512),
		stopCh:    make(chan struct{}),
	}
	go c.pacer()
	return c
}

// Play frames the clip and blocks until it finished playing, was stopped,
// or ctx expired. The final partial frame is padded with mu-law silence.
func (c *Controller) Play(ctx context.Context, clip []byte) error {
	end := c.begin()
	for off := 0; off < len(clip); off += audio.FrameBytes {
		hi := off + audio.FrameBytes
		frame := audio.SilenceFrame()
		if hi > len(clip) {
			hi = len(clip)
		}
		copy(frame, clip[off:hi])
		if !c.push(frame) {
			break
		}
	}
	c.FinishStream()

	select {
	case <-end:
		return nil
	case <-ctx.Done():
		c.Stop()
		return ctx.Err()
	}
}

// EnqueueChunk feeds streaming synthesis audio. Chunks of any size are
// re-framed to the wire cadence; a trailing partial frame is held until the
// next chunk or FinishStream. Single producer.
func (c *Controller) EnqueueChunk(chunk []byte) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	if !c.playing {
		c.startLocked()
	}
	c.partial = append(c.partial, chunk...)
	var ready [][]byte
	for len(c.partial) >= audio.FrameBytes {
		frame := make([]byte, audio.FrameBytes)
		copy(frame, c.partial[:audio.FrameBytes])
		c.partial = c.partial[audio.FrameBytes:]
		ready = append(ready, frame)
	}
	c.mu.Unlock()

	for _, f := range ready {
		if !c.push(f) {
			return
		}
	}
}

// FinishStream marks the end of streamed input: the held partial frame is
// padded out, and once the queue drains the playback completes.
func (c *Controller) FinishStream() {
	c.mu.Lock()
	if !c.playing || c.draining {
		c.mu.Unlock()
		return
	}
	var tail []byte
	if len(c.partial) > 0 {
		tail = audio.SilenceFrame()
		copy(tail, c.partial)
		c.partial = nil
	}
	c.mu.Unlock()

	if tail != nil {
		c.push(tail)
	}

	c.mu.Lock()
	if c.playing {
		c.draining = true
	}
	c.mu.Unlock()
}

// Stop halts playback immediately, discarding queued audio. The single
// playback-ended notification still fires. Idempotent.
func (c *Controller) Stop() {
	c.mu.Lock()
	if !c.playing {
		c.mu.Unlock()
		return
	}
	c.drainLocked()
	c.partial = nil
	end := c.finishLocked()
	c.mu.Unlock()

	if end != nil {
		close(end)
	}
	c.emitter.AudioDone()
}

// BargeIn stops playback because the caller started speaking. Fires at most
// once per playback, never while protected, and reports whether it fired.
func (c *Controller) BargeIn() bool {
	c.mu.Lock()
	if !c.playing || c.protected || c.bargeFired {
		c.mu.Unlock()
		return false
	}
	c.bargeFired = true
	c.mu.Unlock()

	if c.onBargeIn != nil {
		c.onBargeIn()
	}
	c.Stop()
	return true
}

// Protect runs fn with barge-in disabled. The flag always clears, panics
// included.
func (c *Controller) Protect(fn func()) {
	c.mu.Lock()
	c.protected = true
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		c.protected = false
		c.mu.Unlock()
	}()
	fn()
}

// Wait blocks until the current playback finishes (including via Stop) or
// ctx expires. Returns immediately when nothing is playing.
func (c *Controller) Wait(ctx context.Context) error {
	c.mu.Lock()
	end := c.endCh
	c.mu.Unlock()
	if end == nil {
		return nil
	}
	select {
	case <-end:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Playing reports whether audio is being paced out.
func (c *Controller) Playing() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.playing
}

// Close stops the pacer goroutine. The controller is unusable afterwards.
func (c *Controller) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	close(c.stopCh)
	c.mu.Unlock()
	c.Stop()
}

func (c *Controller) begin() <-chan struct{} {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.playing {
		c.startLocked()
	}
	return c.endCh
}

func (c *Controller) startLocked() {
	c.playing = true
	c.draining = false
	c.bargeFired = false
	c.endCh = make(chan struct{})
}

func (c *Controller) finishLocked() chan struct{} {
	c.playing = false
	c.draining = false
	end := c.endCh
	c.endCh = nil
	return end
}

func (c *Controller) drainLocked() {
	for {
		select {
		case <-c.frames:
		default:
			return
		}
	}
}

// push enqueues one frame, re-checking for Stop while the queue is full so
// a halted playback never keeps accepting audio.
func (c *Controller) push(frame []byte) bool {
	for {
		c.mu.Lock()
		playing := c.playing
		c.mu.Unlock()
		if !playing {
			return false
		}
		select {
		case c.frames <- frame:
			return true
		case <-c.stopCh:
			return false
		case <-time.After(5 * time.Millisecond):
		}
	}
}

func (c *Controller) pacer() {
	ticker := time.NewTicker(audio.FrameDuration)
	defer ticker.Stop()
	for {
		select {
		case <-c.stopCh:
			return
		case <-ticker.C:
			select {
			case frame := <-c.frames:
				c.emitter.AudioDelta(frame)
			default:
				c.mu.Lock()
				finished := c.playing && c.draining && len(c.partial) == 0
				var end chan struct{}
				if finished {
					end = c.finishLocked()
				}
				c.mu.Unlock()
				if finished {
					if end != nil {
						close(end)
					}
					c.emitter.AudioDone()
				}
			}
		}
	}
}
