package audio

import (
	"errors"
	"fmt"
	"io"
	"os/exec"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"go.uber.org/zap"
)

// ErrStopped is returned by Write after the transcoder has been stopped.
var ErrStopped = errors.New("transcoder stopped")

// TranscoderConfig configures a streaming decode pipeline.
type TranscoderConfig struct {
	FFmpegPath  string
	InputFormat string // e.g. "mp3"; empty lets ffmpeg probe

	// MinBufferFrames is how many decoded frames must accumulate before the
	// first frame is released, to avoid choppy playback at stream start.
	MinBufferFrames int

	InactivityTimeout time.Duration
	KillGrace         time.Duration
}

func (c *TranscoderConfig) withDefaults() {
	if c.FFmpegPath == "" {
		c.FFmpegPath = "ffmpeg"
	}
	if c.MinBufferFrames <= 0 {
		c.MinBufferFrames = 10
	}
	if c.InactivityTimeout <= 0 {
		c.InactivityTimeout = 30 * time.Second
	}
	if c.KillGrace <= 0 {
		c.KillGrace = 2 * time.Second
	}
}

// Transcoder converts a compressed audio stream to 8kHz mono mu-law using an
// external decoder process. Output is delivered in fixed-size frames on
// Frames(); delivery starts only once MinBufferFrames have accumulated.
//
// The process is an owned resource: Stop is guaranteed to terminate it,
// escalating from SIGTERM to SIGKILL after KillGrace, and an inactivity
// watchdog stops a converter that receives no input for InactivityTimeout.
type Transcoder struct {
	cfg TranscoderConfig
	log *zap.Logger

	cmd    *exec.Cmd
	stdin  io.WriteCloser
	frames chan []byte

	stopCh   chan struct{}
	stopOnce sync.Once
	endOnce  sync.Once
	readDone chan struct{}
	waitCh   chan error

	watchdog *time.Timer

	mu       sync.Mutex
	stopped  bool
	bytesOut int64
}

// NewTranscoder starts the decoder process and begins streaming.
func NewTranscoder(cfg TranscoderConfig, log *zap.Logger) (*Transcoder, error) {
	cfg.withDefaults()

	args := []string{"-hide_banner", "-loglevel", "error"}
	if cfg.InputFormat != "" {
		args = append(args, "-f", cfg.InputFormat)
	}
	args = append(args,
		"-i", "pipe:0",
		"-f", "mulaw", "-ar", "8000", "-ac", "1",
		"pipe:1",
	)
	return newWithCommand(exec.Command(cfg.FFmpegPath, args...), cfg, log)
}

// newWithCommand wires an arbitrary decoder command; split out so tests can
// substitute a trivial process.
func newWithCommand(cmd *exec.Cmd, cfg TranscoderConfig, log *zap.Logger) (*Transcoder, error) {
	cfg.withDefaults()
	if log == nil {
		log = zap.NewNop()
	}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("transcoder stdin: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("transcoder stdout: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start decoder %q: %w", cmd.Path, err)
	}

	t := &Transcoder{
		cfg:      cfg,
		log:      log,
		cmd:      cmd,
		stdin:    stdin,
		frames:   make(chan []byte, 256),
		stopCh:   make(chan struct{}),
		readDone: make(chan struct{}),
		waitCh:   make(chan error, 1),
	}
	t.watchdog = time.AfterFunc(cfg.InactivityTimeout, func() {
		t.log.Warn("transcoder inactive, stopping decoder process")
		t.Stop()
	})

	// cmd.Wait closes the stdout pipe; it must not run until the read loop
	// has drained it, or buffered decoded audio is lost
	go func() {
		<-t.readDone
		t.waitCh <- cmd.Wait()
	}()
	go t.readLoop(stdout)
	return t, nil
}

// Frames returns the decoded output channel. It is closed after the decoder
// emits its last frame (following End) or after Stop.
func (t *Transcoder) Frames() <-chan []byte { return t.frames }

// BytesOut reports total decoded mu-law bytes emitted so far.
func (t *Transcoder) BytesOut() int { return int(atomic.LoadInt64(&t.bytesOut)) }

// Write appends compressed input to the decoder.
func (t *Transcoder) Write(p []byte) error {
	t.mu.Lock()
	if t.stopped {
		t.mu.Unlock()
		return ErrStopped
	}
	t.watchdog.Reset(t.cfg.InactivityTimeout)
	t.mu.Unlock()

	if _, err := t.stdin.Write(p); err != nil {
		return fmt.Errorf("transcoder write: %w", err)
	}
	return nil
}

// End signals end-of-input; remaining buffered audio is flushed and the
// frames channel is closed once the decoder drains.
func (t *Transcoder) End() {
	t.endOnce.Do(func() { _ = t.stdin.Close() })
}

// Stop terminates the decoder process. Graceful first: close stdin and send
// SIGTERM; if the process has not exited within KillGrace, kill it. Safe to
// call multiple times and after End.
func (t *Transcoder) Stop() {
	t.stopOnce.Do(func() {
		t.mu.Lock()
		t.stopped = true
		t.watchdog.Stop()
		t.mu.Unlock()

		close(t.stopCh)
		t.endOnce.Do(func() { _ = t.stdin.Close() })

		if t.cmd.Process != nil {
			_ = t.cmd.Process.Signal(syscall.SIGTERM)
		}
		select {
		case <-t.waitCh:
		case <-time.After(t.cfg.KillGrace):
			t.log.Warn("decoder did not exit after SIGTERM, killing")
			if t.cmd.Process != nil {
				_ = t.cmd.Process.Kill()
			}
			<-t.waitCh
		}
	})
}

// readLoop frames decoder stdout. Frames are withheld until the priming
// threshold is reached, then streamed; a short tail is zero-padded to a full
// frame at EOF.
func (t *Transcoder) readLoop(r io.Reader) {
	defer close(t.frames)
	defer close(t.readDone)

	var (
		buf    []byte
		primed bool
	)
	minBytes := t.cfg.MinBufferFrames * FrameBytes
	chunk := make([]byte, 4096)

	flush := func(final bool) bool {
		for len(buf) >= FrameBytes {
			frame := make([]byte, FrameBytes)
			copy(frame, buf[:FrameBytes])
			buf = buf[FrameBytes:]
			atomic.AddInt64(&t.bytesOut, FrameBytes)
			select {
			case t.frames <- frame:
			case <-t.stopCh:
				return false
			}
		}
		if final && len(buf) > 0 {
			frame := SilenceFrame()
			copy(frame, buf)
			atomic.AddInt64(&t.bytesOut, int64(len(buf)))
			buf = nil
			select {
			case t.frames <- frame:
			case <-t.stopCh:
				return false
			}
		}
		return true
	}

	for {
		n, err := r.Read(chunk)
		if n > 0 {
			buf = append(buf, chunk[:n]...)
			if !primed && len(buf) >= minBytes {
				primed = true
			}
			if primed {
				if !flush(false) {
					return
				}
			}
		}
		if err != nil {
			if err != io.EOF {
				t.log.Debug("decoder read ended", zap.Error(err))
			}
			flush(true)
			return
		}
	}
}
