package asr

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// Event kinds emitted by a Stream.
type EventKind int

const (
	EventInterim EventKind = iota
	EventFinal
	EventDisconnected
)

// Event is one recognition event. Interim and Final carry Text; Disconnected
// carries Code and Reason.
type Event struct {
	Kind   EventKind
	Text   string
	Code   int
	Reason string
}

// Options configures the recognition session sent on connect.
type Options struct {
	URL        string
	APIKey     string
	Language   string // primary language hint, e.g. "en"
	AltLangs   []string
	SampleRate int // defaults to 8000

	HandshakeTimeout  time.Duration // defaults to 10s
	KeepAliveInterval time.Duration // defaults to 15s
	MaxReconnects     int           // defaults to 5
	ReconnectStep     time.Duration // linear backoff unit, defaults to 1s
}

func (o *Options) withDefaults() {
	if o.SampleRate == 0 {
		o.SampleRate = 8000
	}
	if o.HandshakeTimeout == 0 {
		o.HandshakeTimeout = 10 * time.Second
	}
	if o.KeepAliveInterval == 0 {
		o.KeepAliveInterval = 15 * time.Second
	}
	if o.MaxReconnects == 0 {
		o.MaxReconnects = 5
	}
	if o.ReconnectStep == 0 {
		o.ReconnectStep = time.Second
	}
}

// Stream is one persistent duplex recognition session for one call. Audio
// frames go up, interim/final transcript events come down. A disconnect while
// the session is still active triggers bounded reconnection with linear
// backoff; frames sent while disconnected are dropped, not queued.
type Stream struct {
	opts Options
	log  *zap.Logger

	events  chan Event
	audioCh chan []byte
	stopCh  chan struct{}

	mu        sync.RWMutex
	conn      *websocket.Conn
	connected bool
	closed    bool

	closeOnce sync.Once
}

// wire message shapes (assemblyai-compatible realtime protocol)
type turnMessage struct {
	Type       string `json:"type"`
	Transcript string `json:"transcript"`
	EndOfTurn  bool   `json:"end_of_turn"`
}

type errorMessage struct {
	Type  string `json:"type"`
	Error string `json:"error"`
}

// NewStream constructs an unconnected Stream.
func NewStream(opts Options, log *zap.Logger) *Stream {
	opts.withDefaults()
	if log == nil {
		log = zap.NewNop()
	}
	return &Stream{
		opts:    opts,
		log:     log,
		events:  make(chan Event, 64),
		audioCh: make(chan []byte, 256),
		stopCh:  make(chan struct{}),
	}
}

// Events returns the session event channel. The channel is never closed;
// consumers should select on Done() alongside it.
func (s *Stream) Events() <-chan Event { return s.events }

// Done is closed when the stream has been shut down for good.
func (s *Stream) Done() <-chan struct{} { return s.stopCh }

// Connect establishes the recognition session and starts the read, write and
// keepalive loops.
func (s *Stream) Connect(ctx context.Context) error {
	s.mu.Lock()
	if s.connected {
		s.mu.Unlock()
		return nil
	}
	if s.closed {
		s.mu.Unlock()
		return fmt.Errorf("recognition stream closed")
	}
	s.mu.Unlock()

	if s.opts.APIKey == "" {
		return fmt.Errorf("recognizer API key is empty")
	}

	conn, err := s.dial(ctx)
	if err != nil {
		return err
	}

	s.mu.Lock()
	s.conn = conn
	s.connected = true
	s.mu.Unlock()

	go s.readLoop(conn)
	go s.writeLoop()
	go s.keepAliveLoop()
	s.log.Info("recognition stream connected")
	return nil
}

func (s *Stream) dial(ctx context.Context) (*websocket.Conn, error) {
	params := url.Values{}
	params.Set("sample_rate", fmt.Sprintf("%d", s.opts.SampleRate))
	params.Set("encoding", "pcm_mulaw")
	params.Set("format_turns", "false")
	params.Set("end_of_turn_detection", "true")
	if s.opts.Language != "" {
		params.Set("language", s.opts.Language)
	}
	if len(s.opts.AltLangs) > 0 {
		params.Set("alternative_languages", strings.Join(s.opts.AltLangs, ","))
	}
	wsURL := s.opts.URL
	if strings.Contains(wsURL, "?") {
		wsURL += "&" + params.Encode()
	} else {
		wsURL += "?" + params.Encode()
	}

	dialer := websocket.Dialer{HandshakeTimeout: s.opts.HandshakeTimeout}
	headers := map[string][]string{"Authorization": {s.opts.APIKey}}
	conn, resp, err := dialer.DialContext(ctx, wsURL, headers)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("recognizer connect failed: status=%d: %w", resp.StatusCode, err)
		}
		return nil, fmt.Errorf("recognizer connect failed: %w", err)
	}
	return conn, nil
}

// SendAudio forwards one raw mu-law frame. Returns false (non-fatal) when the
// stream is not currently connected; callers must treat that as audio loss,
// never as an error worth stalling the call over.
func (s *Stream) SendAudio(frame []byte) bool {
	s.mu.RLock()
	ok := s.connected
	s.mu.RUnlock()
	if !ok {
		return false
	}
	select {
	case s.audioCh <- frame:
		return true
	default:
		// buffer full: drop rather than build unbounded backlog
		return false
	}
}

// Finalize forces an immediate utterance boundary on the backend. Used when
// interruption handling needs recognition cut off now.
func (s *Stream) Finalize() {
	s.mu.RLock()
	conn := s.conn
	ok := s.connected
	s.mu.RUnlock()
	if !ok || conn == nil {
		return
	}
	_ = conn.WriteJSON(map[string]string{"type": "ForceEndpoint"})
}

// Close terminates the session permanently and closes the event channel.
func (s *Stream) Close() error {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.closed = true
		conn := s.conn
		s.conn = nil
		s.connected = false
		s.mu.Unlock()

		close(s.stopCh)
		if conn != nil {
			_ = conn.WriteJSON(map[string]string{"type": "Terminate"})
			_ = conn.Close()
		}
		s.log.Info("recognition stream closed")
	})
	return nil
}

func (s *Stream) emit(ev Event) {
	select {
	case <-s.stopCh:
	case s.events <- ev:
	default:
		// event buffer full: drop interims, never block the read loop
		if ev.Kind != EventInterim {
			select {
			case <-s.stopCh:
			case s.events <- ev:
			}
		}
	}
}

func (s *Stream) readLoop(conn *websocket.Conn) {
	defer func() {
		if r := recover(); r != nil {
			s.log.Error("recovered in recognition read loop", zap.Any("panic", r))
		}
	}()
	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			select {
			case <-s.stopCh:
				return
			default:
			}
			code := websocket.CloseAbnormalClosure
			if ce, ok := err.(*websocket.CloseError); ok {
				code = ce.Code
			}
			s.log.Warn("recognition stream disconnected", zap.Error(err))
			s.mu.Lock()
			s.connected = false
			s.conn = nil
			s.mu.Unlock()
			s.emit(Event{Kind: EventDisconnected, Code: code, Reason: err.Error()})
			s.reconnect()
			return
		}
		s.handleMessage(message)
	}
}

func (s *Stream) handleMessage(message []byte) {
	var base map[string]any
	if err := json.Unmarshal(message, &base); err != nil {
		s.log.Debug("unparseable recognizer message", zap.Error(err))
		return
	}
	msgType, _ := base["type"].(string)
	switch msgType {
	case "Begin":
		s.log.Debug("recognition session began")
	case "Turn":
		var msg turnMessage
		if err := json.Unmarshal(message, &msg); err != nil {
			return
		}
		if strings.TrimSpace(msg.Transcript) == "" {
			return
		}
		if msg.EndOfTurn {
			s.emit(Event{Kind: EventFinal, Text: msg.Transcript})
		} else {
			s.emit(Event{Kind: EventInterim, Text: msg.Transcript})
		}
	case "Termination":
		s.log.Debug("recognition session terminated by backend")
	case "Error":
		var msg errorMessage
		if err := json.Unmarshal(message, &msg); err != nil {
			return
		}
		s.log.Warn("recognizer error", zap.String("error", msg.Error))
	default:
		s.log.Debug("unknown recognizer message", zap.String("type", msgType))
	}
}

// reconnect retries the connection with linear backoff. After exhausting
// retries the session proceeds without recognition; the call is not dropped.
func (s *Stream) reconnect() {
	for attempt := 1; attempt <= s.opts.MaxReconnects; attempt++ {
		select {
		case <-s.stopCh:
			return
		case <-time.After(time.Duration(attempt) * s.opts.ReconnectStep):
		}
		conn, err := s.dial(context.Background())
		if err != nil {
			s.log.Warn("recognition reconnect failed",
				zap.Int("attempt", attempt), zap.Error(err))
			continue
		}
		s.mu.Lock()
		if s.closed {
			s.mu.Unlock()
			_ = conn.Close()
			return
		}
		s.conn = conn
		s.connected = true
		s.mu.Unlock()
		s.log.Info("recognition stream reconnected", zap.Int("attempt", attempt))
		go s.readLoop(conn)
		return
	}
	s.log.Error("recognition reconnects exhausted; continuing without recognition")
}

func (s *Stream) writeLoop() {
	defer func() {
		if r := recover(); r != nil {
			s.log.Error("recovered in recognition write loop", zap.Any("panic", r))
		}
	}()
	for {
		select {
		case <-s.stopCh:
			return
		case frame := <-s.audioCh:
			s.mu.RLock()
			conn := s.conn
			s.mu.RUnlock()
			if conn == nil {
				continue // dropped while reconnecting
			}
			if err := conn.WriteMessage(websocket.BinaryMessage, frame); err != nil {
				s.log.Debug("audio send failed", zap.Error(err))
			}
		}
	}
}

// keepAliveLoop pings the backend on a fixed interval shorter than its idle
// timeout so long caller pauses do not silently drop the session.
func (s *Stream) keepAliveLoop() {
	ticker := time.NewTicker(s.opts.KeepAliveInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
			s.mu.RLock()
			conn := s.conn
			ok := s.connected
			s.mu.RUnlock()
			if !ok || conn == nil {
				continue
			}
			if err := conn.WriteJSON(map[string]string{"type": "KeepAlive"}); err != nil {
				s.log.Debug("keepalive send failed", zap.Error(err))
			}
		}
	}
}
