package tts

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"go.uber.org/zap"

	"github.com/habibshahid/aiva-advanced-sub007/internal/audio"
)

// ElevenLabs streams speech over the HTTP streaming endpoint. The vendor
// cannot emit telephony mu-law directly, so the MP3 stream is piped through
// an ffmpeg transcoder and comes out as 8 kHz mu-law frames.
type ElevenLabs struct {
	HTTPClient *http.Client

	apiKey       string
	defaultVoice string
	ffmpegPath   string
	log          *zap.Logger
}

// NewElevenLabs builds the ElevenLabs backend. defaultVoice is the voice id
// used when the caller passes an empty voice; ffmpegPath may be empty to use
// the binary on PATH.
func NewElevenLabs(apiKey, defaultVoice, ffmpegPath string, log *zap.Logger) *ElevenLabs {
	if log == nil {
		log = zap.NewNop()
	}
	return &ElevenLabs{
		// streaming responses outlive any sane request timeout; the
		// per-request context bounds them instead
		HTTPClient:   &http.Client{Timeout: 0},
		apiKey:       apiKey,
		defaultVoice: defaultVoice,
		ffmpegPath:   ffmpegPath,
		log:          log,
	}
}

func (e *ElevenLabs) Stream(ctx context.Context, text, voice string) (<-chan []byte, <-chan error) {
	out := make(chan []byte, 256)
	errCh := make(chan error, 1)

	go func() {
		defer close(out)
		defer close(errCh)

		if e.apiKey == "" {
			errCh <- fmt.Errorf("elevenlabs: api key missing")
			return
		}
		if text == "" {
			return
		}
		if voice == "" {
			voice = e.defaultVoice
		}
		if voice == "" {
			errCh <- fmt.Errorf("elevenlabs: voice id missing")
			return
		}
		if err := e.stream(ctx, text, voice, out); err != nil {
			errCh <- err
		}
	}()

	return out, errCh
}

func (e *ElevenLabs) stream(ctx context.Context, text, voice string, out chan<- []byte) error {
	u := url.URL{
		Scheme: "https",
		Host:   "api.elevenlabs.io",
		Path:   "/v1/text-to-speech/" + voice + "/stream",
	}
	q := u.Query()
	q.Set("model_id", "eleven_flash_v2_5")
	q.Set("output_format", "mp3_22050_32")
	q.Set("optimize_streaming_latency", "2")
	u.RawQuery = q.Encode()

	body := map[string]any{
		"model_id": "eleven_flash_v2_5",
		"text":     text,
		"voice_settings": map[string]any{
			"stability":         0.4,
			"similarity_boost":  0.7,
			"style":             0.0,
			"use_speaker_boost": true,
		},
	}
	buf, _ := json.Marshal(body)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u.String(), bytes.NewReader(buf))
	if err != nil {
		return err
	}
	req.Header.Set("xi-api-key", e.apiKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := e.HTTPClient.Do(req)
	if err != nil {
		return fmt.Errorf("elevenlabs: stream: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("elevenlabs: stream status %d: %s", resp.StatusCode, string(b))
	}

	tr, err := audio.NewTranscoder(audio.TranscoderConfig{
		FFmpegPath:  e.ffmpegPath,
		InputFormat: "mp3",
	}, e.log)
	if err != nil {
		return fmt.Errorf("elevenlabs: start transcoder: %w", err)
	}
	defer tr.Stop()

	feedErr := make(chan error, 1)
	go func() {
		defer tr.End()
		chunk := make([]byte, 4096)
		for {
			n, rerr := resp.Body.Read(chunk)
			if n > 0 {
				if werr := tr.Write(chunk[:n]); werr != nil {
					feedErr <- werr
					return
				}
			}
			if rerr != nil {
				if rerr != io.EOF {
					feedErr <- fmt.Errorf("elevenlabs: read stream: %w", rerr)
				}
				return
			}
		}
	}()

	for frame := range tr.Frames() {
		select {
		case out <- frame:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	select {
	case err := <-feedErr:
		return err
	default:
	}
	if tr.BytesOut() == 0 {
		// transcoder produced nothing; give the feeder a moment to report why
		select {
		case err := <-feedErr:
			return err
		case <-time.After(100 * time.Millisecond):
			return fmt.Errorf("elevenlabs: no audio produced")
		}
	}
	return nil
}
