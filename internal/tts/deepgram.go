package tts

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	msginterfaces "github.com/deepgram/deepgram-go-sdk/pkg/api/speak/v1/websocket/interfaces"
	clientinterfaces "github.com/deepgram/deepgram-go-sdk/pkg/client/interfaces/v1"
	"github.com/deepgram/deepgram-go-sdk/pkg/client/speak"
	"go.uber.org/zap"

	"github.com/habibshahid/aiva-advanced-sub007/internal/audio"
)

// Deepgram streams speech over the speak websocket. The vendor synthesizes
// mu-law at 8 kHz natively, so chunks pass through untouched.
type Deepgram struct {
	apiKey       string
	defaultVoice string
	log          *zap.Logger
}

// NewDeepgram builds the Deepgram backend. defaultVoice is used when the
// caller passes an empty voice.
func NewDeepgram(apiKey, defaultVoice string, log *zap.Logger) *Deepgram {
	if defaultVoice == "" {
		defaultVoice = "aura-2-thalia-en"
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Deepgram{apiKey: apiKey, defaultVoice: defaultVoice, log: log}
}

func (d *Deepgram) Stream(ctx context.Context, text, voice string) (<-chan []byte, <-chan error) {
	out := make(chan []byte, 256)
	errCh := make(chan error, 1)

	go func() {
		defer close(out)
		defer close(errCh)

		if d.apiKey == "" {
			errCh <- fmt.Errorf("deepgram tts: API key missing")
			return
		}
		if text == "" {
			return
		}
		if voice == "" {
			voice = d.defaultVoice
		}

		options := &clientinterfaces.WSSpeakOptions{
			Model:      voice,
			Encoding:   "mulaw",
			SampleRate: audio.SampleRate,
		}

		var lastRecvUnix int64
		var seenAudio int32

		cb := &speakCallback{onBinary: func(data []byte) error {
			if len(data) == 0 {
				return nil
			}
			atomic.StoreInt64(&lastRecvUnix, time.Now().UnixNano())
			atomic.StoreInt32(&seenAudio, 1)
			b := make([]byte, len(data))
			copy(b, data)
			select {
			case out <- b:
			case <-ctx.Done():
			}
			return nil
		}}

		dg, err := speak.NewWSUsingCallback(ctx, d.apiKey, &clientinterfaces.ClientOptions{}, options, cb)
		if err != nil {
			errCh <- fmt.Errorf("deepgram tts: create ws client: %w", err)
			return
		}

		stopped := false
		stopClient := func() {
			if !stopped {
				stopped = true
				dg.Stop()
			}
		}
		defer stopClient()

		if ok := dg.Connect(); !ok {
			errCh <- fmt.Errorf("deepgram tts: connect failed")
			return
		}

		done := make(chan struct{})
		go func() {
			select {
			case <-ctx.Done():
				stopClient()
			case <-done:
			}
		}()
		defer close(done)

		if err := dg.SpeakWithText(text); err != nil {
			errCh <- fmt.Errorf("deepgram tts: speak text: %w", err)
			return
		}
		if err := dg.Flush(); err != nil {
			d.log.Warn("deepgram tts flush", zap.Error(err))
		}

		// The speak socket has no end-of-stream marker; drain until the
		// audio goes idle or the overall deadline passes.
		idleWindow := 400 * time.Millisecond
		ticker := time.NewTicker(50 * time.Millisecond)
		defer ticker.Stop()
		deadline := time.Now().Add(12 * time.Second)
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if atomic.LoadInt32(&seenAudio) == 1 {
					last := time.Unix(0, atomic.LoadInt64(&lastRecvUnix))
					if time.Since(last) > idleWindow {
						return
					}
				}
				if time.Now().After(deadline) {
					return
				}
			}
		}
	}()

	return out, errCh
}

type speakCallback struct{ onBinary func([]byte) error }

func (s *speakCallback) Open(*msginterfaces.OpenResponse) error         { return nil }
func (s *speakCallback) Metadata(*msginterfaces.MetadataResponse) error { return nil }
func (s *speakCallback) Flush(*msginterfaces.FlushedResponse) error     { return nil }
func (s *speakCallback) Clear(*msginterfaces.ClearedResponse) error     { return nil }
func (s *speakCallback) Close(*msginterfaces.CloseResponse) error       { return nil }
func (s *speakCallback) Warning(*msginterfaces.WarningResponse) error   { return nil }
func (s *speakCallback) Error(*msginterfaces.ErrorResponse) error       { return nil }
func (s *speakCallback) UnhandledEvent([]byte) error                    { return nil }
func (s *speakCallback) Binary(byMsg []byte) error {
	if s.onBinary != nil {
		return s.onBinary(byMsg)
	}
	return nil
}
