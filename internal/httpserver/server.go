package httpserver

import (
	"context"
	"encoding/base64"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"go.uber.org/zap"

	"github.com/habibshahid/aiva-advanced-sub007/internal/session"
)

// SessionRunner is the slice of a session the transport needs.
type SessionRunner interface {
	Run(ctx context.Context) error
	WriteAudio(frame []byte)
}

// SessionFactory builds a session for one call, wired to the given outbound
// event sink.
type SessionFactory func(callID string, ev session.Events) SessionRunner

// Server exposes the media websocket, health, and webhook endpoints.
type Server struct {
	Echo *echo.Echo

	factory  SessionFactory
	log      *zap.Logger
	upgrader websocket.Upgrader
}

// New builds the server. The webhook secret is read per request so a
// rotated secret takes effect without restart.
func New(factory SessionFactory, webhookSecret func() string, log *zap.Logger) *Server {
	if log == nil {
		log = zap.NewNop()
	}
	s := &Server{
		Echo:    echo.New(),
		factory: factory,
		log:     log,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
	}
	s.Echo.HideBanner = true
	s.Echo.HidePort = true
	s.Echo.Use(echomw.Recover())
	s.Echo.Use(WebhookAuth(webhookSecret))

	s.Echo.GET("/healthz", func(c echo.Context) error {
		return c.String(http.StatusOK, "ok")
	})
	s.Echo.GET("/call/:id", s.handleCall)
	s.Echo.POST("/hooks/call-status", s.handleCallStatus)
	return s
}

// handleCall is the per-call media endpoint: inbound binary mu-law frames,
// outbound JSON events. The socket's lifetime bounds the session's.
func (s *Server) handleCall(c echo.Context) error {
	callID := c.Param("id")
	conn, err := s.upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		s.log.Warn("media websocket upgrade failed", zap.String("call_id", callID), zap.Error(err))
		return nil
	}
	defer conn.Close()

	ctx, cancel := context.WithCancel(c.Request().Context())
	defer cancel()

	ev := &wsEvents{conn: conn, log: s.log.With(zap.String("call_id", callID)), cancel: cancel}
	runner := s.factory(callID, ev)

	go func() {
		defer cancel()
		if err := runner.Run(ctx); err != nil && ctx.Err() == nil {
			s.log.Warn("session ended with error", zap.String("call_id", callID), zap.Error(err))
		}
	}()

	s.log.Info("call connected", zap.String("call_id", callID))
	for {
		mt, data, err := conn.ReadMessage()
		if err != nil {
			s.log.Info("call disconnected", zap.String("call_id", callID))
			return nil
		}
		if mt == websocket.BinaryMessage && len(data) > 0 {
			runner.WriteAudio(data)
		}
	}
}

// handleCallStatus receives telephony status callbacks (signature checked
// by WebhookAuth).
func (s *Server) handleCallStatus(c echo.Context) error {
	params, _ := c.Get("webhookParams").(map[string]string)
	s.log.Info("call status webhook",
		zap.String("call_sid", params["CallSid"]),
		zap.String("status", params["CallStatus"]))
	return c.NoContent(http.StatusNoContent)
}

// outboundEvent is the JSON wire form of session events.
type outboundEvent struct {
	Type      string         `json:"type"`
	Audio     string         `json:"audio,omitempty"` // base64 mu-law
	Name      string         `json:"name,omitempty"`
	Arguments map[string]any `json:"arguments,omitempty"`
	Queue     string         `json:"queue,omitempty"`
}

// wsEvents writes session events to the media socket. Gorilla connections
// allow one concurrent writer, hence the mutex: the pacer goroutine and the
// session loop both emit.
type wsEvents struct {
	mu     sync.Mutex
	conn   *websocket.Conn
	log    *zap.Logger
	cancel context.CancelFunc
}

func (w *wsEvents) send(ev outboundEvent) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if err := w.conn.WriteJSON(ev); err != nil {
		w.log.Debug("outbound event write failed", zap.String("type", ev.Type), zap.Error(err))
	}
}

func (w *wsEvents) AudioDelta(frame []byte) {
	w.send(outboundEvent{Type: "audio.delta", Audio: base64.StdEncoding.EncodeToString(frame)})
}

func (w *wsEvents) AudioDone() {
	w.send(outboundEvent{Type: "audio.done"})
}

func (w *wsEvents) FunctionCall(name string, args map[string]any) {
	w.send(outboundEvent{Type: "function_call", Name: name, Arguments: args})
}

func (w *wsEvents) Transfer(queue string) {
	w.send(outboundEvent{Type: "transfer", Queue: queue})
}

func (w *wsEvents) Hangup() {
	w.send(outboundEvent{Type: "hangup"})
	w.cancel()
}
