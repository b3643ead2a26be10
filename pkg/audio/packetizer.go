package audio

import (
	"fmt"
	"log/slog"
	"sync"
)

// maxEncodeFrameMs is the longest PCM stretch handed to the Opus encoder in
// one call. libopus caps a single packet at 60 ms, so longer relay frames
// are split into equal sub-frames and encoded as consecutive packets.
const maxEncodeFrameMs = 60

// PacketSink receives one encoded packet per complete frame. Sinks must not
// block for longer than necessary; the packetizer calls them synchronously
// from Push and Flush.
type PacketSink func(packet []byte)

// Packetizer buffers incoming PCM bytes and encodes every complete frame to
// a sink. The rolling remainder (< one frame) stays buffered between calls,
// so the encoder is never invoked with anything other than an exact
// frame-sized input.
//
// Create one per stream direction. All methods are safe for concurrent use;
// in particular [Packetizer.Close] may race in-flight audio events during
// session teardown.
type Packetizer struct {
	params    Params
	enc       FrameEncoder
	sink      PacketSink
	encFrames int // encoder sub-frames per relay frame

	mu      sync.Mutex
	pending []byte
	closed  bool
}

// NewPacketizer creates a Packetizer that frames PCM per p and delivers
// encoded packets to sink. Relay frames longer than the encoder's 60 ms
// packet cap must split into equal sub-frames.
func NewPacketizer(p Params, enc FrameEncoder, sink PacketSink) (*Packetizer, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}
	n := (p.FrameDurationMs + maxEncodeFrameMs - 1) / maxEncodeFrameMs
	if p.FrameDurationMs%n != 0 {
		return nil, fmt.Errorf("audio: frame duration %dms does not split into equal sub-frames of at most %dms",
			p.FrameDurationMs, maxEncodeFrameMs)
	}
	return &Packetizer{params: p, enc: enc, sink: sink, encFrames: n}, nil
}

// Push appends pcm to the rolling buffer and encodes every complete frame.
// Any remainder shorter than one frame stays buffered. No-op after Close.
func (pk *Packetizer) Push(pcm []byte) {
	pk.mu.Lock()
	defer pk.mu.Unlock()

	if pk.closed || len(pcm) == 0 {
		return
	}

	pk.pending = append(pk.pending, pcm...)

	frameBytes := pk.params.FrameBytes()
	for len(pk.pending) >= frameBytes {
		frame := pk.pending[:frameBytes]
		pk.pending = pk.pending[frameBytes:]
		pk.encode(frame)
	}
}

// Flush disposes of the buffered remainder. With pad false the remainder is
// discarded; with pad true it is zero-padded to exactly one frame, encoded,
// and emitted so no audio tail is lost. No-op after Close or when the buffer
// is empty.
func (pk *Packetizer) Flush(pad bool) {
	pk.mu.Lock()
	defer pk.mu.Unlock()

	if pk.closed || len(pk.pending) == 0 {
		return
	}

	if !pad {
		pk.pending = nil
		return
	}

	padded := make([]byte, pk.params.FrameBytes())
	copy(padded, pk.pending)
	pk.pending = nil
	pk.encode(padded)
}

// Reset discards the buffered remainder without encoding it. Used at turn
// boundaries so stale audio from a prior turn never bleeds into a new one.
func (pk *Packetizer) Reset() {
	pk.mu.Lock()
	defer pk.mu.Unlock()
	pk.pending = nil
}

// Close marks the packetizer inert. All subsequent Push and Flush calls are
// no-ops. Idempotent.
func (pk *Packetizer) Close() {
	pk.mu.Lock()
	defer pk.mu.Unlock()
	pk.closed = true
	pk.pending = nil
}

// Buffered returns the number of remainder bytes currently held.
func (pk *Packetizer) Buffered() int {
	pk.mu.Lock()
	defer pk.mu.Unlock()
	return len(pk.pending)
}

// encode compresses one exact frame and forwards the resulting packets to
// the sink, one per encoder sub-frame. Caller holds pk.mu.
func (pk *Packetizer) encode(frame []byte) {
	subBytes := len(frame) / pk.encFrames
	subSamples := pk.params.FrameSamples() / pk.encFrames
	for i := 0; i < pk.encFrames; i++ {
		sub := frame[i*subBytes : (i+1)*subBytes]
		packet, err := pk.enc.Encode(bytesToInt16s(sub), subSamples, len(sub))
		if err != nil {
			slog.Error("audio: frame encode failed", "err", err, "frame_bytes", len(sub))
			continue
		}
		if pk.sink != nil {
			pk.sink(packet)
		}
	}
}
