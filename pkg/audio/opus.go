package audio

import (
	"fmt"

	"layeh.com/gopus"
)

// opusBitrate is the target encoder bitrate in bits per second. Voice-tuned;
// matches the device firmware's decoder expectations.
const opusBitrate = 24000

// FrameEncoder is the lossy encoder a [Packetizer] drives. It mirrors the
// gopus encode signature so the production implementation is a thin wrapper;
// tests substitute a recording stub.
type FrameEncoder interface {
	// Encode compresses exactly one frame of interleaved PCM samples.
	// frameSize is the per-channel sample count, maxBytes bounds the output.
	Encode(pcm []int16, frameSize, maxBytes int) ([]byte, error)
}

// opusEncoder wraps a gopus Opus encoder configured for voice relay output.
type opusEncoder struct {
	enc *gopus.Encoder
}

// NewOpusEncoder creates an Opus [FrameEncoder] for the given params.
func NewOpusEncoder(p Params) (FrameEncoder, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}
	enc, err := gopus.NewEncoder(p.SampleRate, p.Channels, gopus.Voip)
	if err != nil {
		return nil, fmt.Errorf("audio: create opus encoder: %w", err)
	}
	enc.SetBitrate(opusBitrate)
	return &opusEncoder{enc: enc}, nil
}

func (e *opusEncoder) Encode(pcm []int16, frameSize, maxBytes int) ([]byte, error) {
	packet, err := e.enc.Encode(pcm, frameSize, maxBytes)
	if err != nil {
		return nil, fmt.Errorf("audio: opus encode: %w", err)
	}
	return packet, nil
}
