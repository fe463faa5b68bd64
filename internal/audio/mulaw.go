package audio

import "time"

// Telephony audio constants. Calls carry 8kHz mono G.711 mu-law; one frame
// covers 20ms of speech.
const (
	SampleRate     = 8000
	FrameDuration  = 20 * time.Millisecond
	FrameBytes     = 160 // mu-law bytes per 20ms frame
	BytesPerSecond = SampleRate
)

const mulawBias = 0x84
const mulawClip = 32635

// DurationForBytes converts a mu-law byte count to its real playback time.
// This is the authoritative way to schedule remaining playback after a
// synthesis stream ends: decode and delivery are faster than real time.
func DurationForBytes(n int) time.Duration {
	return time.Duration(n) * time.Second / BytesPerSecond
}

// PCM16ToMulaw compands one linear sample to G.711 mu-law.
func PCM16ToMulaw(sample int16) byte {
	s := int(sample)
	sign := byte(0)
	if s < 0 {
		s = -s
		sign = 0x80
	}
	if s > mulawClip {
		s = mulawClip
	}
	s += mulawBias
	exponent := 7
	for mask := 0x4000; (s&mask) == 0 && exponent > 0; exponent-- {
		mask >>= 1
	}
	mantissa := (s >> (exponent + 3)) & 0x0F
	return ^(sign | byte(exponent)<<4 | byte(mantissa))
}

// MulawToPCM16 expands one G.711 mu-law byte to a linear sample.
func MulawToPCM16(b byte) int16 {
	b = ^b
	sign := b & 0x80
	exponent := (b >> 4) & 0x07
	mantissa := int(b & 0x0F)
	s := ((mantissa << 3) + mulawBias) << exponent
	s -= mulawBias
	if sign != 0 {
		s = -s
	}
	return int16(s)
}

// EncodePCM16 compands a little-endian 16-bit PCM buffer.
func EncodePCM16(pcm []byte) []byte {
	out := make([]byte, len(pcm)/2)
	for i := 0; i+1 < len(pcm); i += 2 {
		v := int16(uint16(pcm[i]) | uint16(pcm[i+1])<<8)
		out[i/2] = PCM16ToMulaw(v)
	}
	return out
}

// DecodeToPCM16 expands mu-law bytes to little-endian 16-bit PCM.
func DecodeToPCM16(mulaw []byte) []byte {
	out := make([]byte, len(mulaw)*2)
	for i, b := range mulaw {
		v := uint16(MulawToPCM16(b))
		out[i*2] = byte(v)
		out[i*2+1] = byte(v >> 8)
	}
	return out
}

// SilenceFrame returns one frame of mu-law silence.
func SilenceFrame() []byte {
	f := make([]byte, FrameBytes)
	for i := range f {
		f[i] = 0xFF // mu-law encoding of linear zero
	}
	return f
}
