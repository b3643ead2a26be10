package audio

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// wavHeaderMin is the smallest byte count a valid WAV container can have:
// RIFF header (12) + one chunk header (8) + canonical fmt chunk (24).
const wavHeaderMin = 44

var (
	// ErrNotWAV indicates the buffer does not start with a RIFF/WAVE header.
	ErrNotWAV = errors.New("audio: not a RIFF/WAVE container")

	// ErrNoDataChunk indicates a structurally valid WAV with no data chunk.
	ErrNoDataChunk = errors.New("audio: no data chunk found")
)

// ExtractWAV locates the data sub-chunk of a WAV container and returns
// exactly its payload bytes. It validates the minimal RIFF/WAVE header and
// then scans chunk headers; malformed input yields a structured error,
// never a panic.
func ExtractWAV(wav []byte) ([]byte, error) {
	if len(wav) < wavHeaderMin {
		return nil, fmt.Errorf("%w: %d bytes is below the minimum header size", ErrNotWAV, len(wav))
	}
	if string(wav[0:4]) != "RIFF" {
		return nil, fmt.Errorf("%w: missing RIFF magic", ErrNotWAV)
	}
	if string(wav[8:12]) != "WAVE" {
		return nil, fmt.Errorf("%w: missing WAVE format tag", ErrNotWAV)
	}

	offset := 12
	for offset+8 <= len(wav) {
		chunkID := string(wav[offset : offset+4])
		chunkSize := int(binary.LittleEndian.Uint32(wav[offset+4 : offset+8]))

		if chunkID == "data" {
			end := offset + 8 + chunkSize
			if end > len(wav) {
				return nil, fmt.Errorf("%w: data chunk of %d bytes overruns the buffer", ErrNoDataChunk, chunkSize)
			}
			return wav[offset+8 : end], nil
		}
		offset += 8 + chunkSize
	}
	return nil, ErrNoDataChunk
}
