package tts

import "context"

// Backend is one TTS vendor. Stream synthesizes text with the given voice
// and returns a channel of 8 kHz mu-law audio chunks plus an error channel.
// Both channels are closed when the stream ends; at most one error is sent.
type Backend interface {
	Stream(ctx context.Context, text, voice string) (<-chan []byte, <-chan error)
}
