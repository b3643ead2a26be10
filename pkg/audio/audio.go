// Package audio implements the frame codec used on both audio paths of a
// relay session: fixed-size PCM buffering with lossy Opus packetization
// toward the device, plus the stateless helpers applied during ingestion and
// diagnostics (gain limiting, decimating downsampling, WAV payload
// extraction).
//
// A [Packetizer] is stateful and owned by exactly one adapter instance; the
// remaining functions are pure and safe for concurrent use.
package audio

import "fmt"

// Params describes the PCM layout a Packetizer frames against. The four
// values combine into a single deterministic frame byte size; see
// [Params.FrameBytes].
type Params struct {
	// SampleRate in Hz (e.g., 24000 for provider TTS output).
	SampleRate int

	// Channels: 1 for mono, 2 for stereo.
	Channels int

	// FrameDurationMs is the frame length in milliseconds.
	FrameDurationMs int

	// BytesPerSample is 2 for 16-bit PCM.
	BytesPerSample int
}

// DefaultParams is the device-facing output format: 24 kHz mono 16-bit PCM
// in 120 ms frames (2880 samples, 5760 bytes per frame). Each frame leaves
// the encoder as two 60 ms Opus packets; see [Packetizer].
var DefaultParams = Params{
	SampleRate:      24000,
	Channels:        1,
	FrameDurationMs: 120,
	BytesPerSample:  2,
}

// FrameBytes returns the exact byte length of one frame:
// rate * duration_ms / 1000 * channels * bytes_per_sample.
func (p Params) FrameBytes() int {
	return p.SampleRate * p.FrameDurationMs / 1000 * p.Channels * p.BytesPerSample
}

// FrameSamples returns the number of samples per channel in one frame.
func (p Params) FrameSamples() int {
	return p.SampleRate * p.FrameDurationMs / 1000
}

// Validate reports whether the parameters describe an encodable layout.
func (p Params) Validate() error {
	if p.SampleRate <= 0 {
		return fmt.Errorf("audio: sample rate %d is invalid", p.SampleRate)
	}
	if p.Channels != 1 && p.Channels != 2 {
		return fmt.Errorf("audio: channel count %d is invalid (want 1 or 2)", p.Channels)
	}
	if p.FrameDurationMs <= 0 {
		return fmt.Errorf("audio: frame duration %dms is invalid", p.FrameDurationMs)
	}
	if p.BytesPerSample != 2 {
		return fmt.Errorf("audio: bytes per sample %d is unsupported (16-bit PCM only)", p.BytesPerSample)
	}
	return nil
}

// int16sToBytes converts a slice of int16 PCM samples to little-endian bytes.
func int16sToBytes(pcm []int16) []byte {
	b := make([]byte, len(pcm)*2)
	for i, s := range pcm {
		b[i*2] = byte(s)
		b[i*2+1] = byte(s >> 8)
	}
	return b
}

// bytesToInt16s converts little-endian bytes to a slice of int16 PCM samples.
func bytesToInt16s(b []byte) []int16 {
	pcm := make([]int16, len(b)/2)
	for i := range pcm {
		pcm[i] = int16(b[i*2]) | int16(b[i*2+1])<<8
	}
	return pcm
}
