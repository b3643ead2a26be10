package audio

import "math"

// limiterCeiling is the post-gain peak ceiling, ≈ −1 dBFS.
const limiterCeiling = 0.89

// BoostLimit applies a linear gain of gainDb to 16-bit little-endian PCM in
// place, rescales so the post-gain peak never exceeds the ceiling, then runs
// a cubic soft-clip and hard-clamps to the representable int16 range. Two
// full passes over the buffer: one to measure the peak, one to apply.
func BoostLimit(pcm []byte, gainDb float64) {
	gain := math.Pow(10, gainDb/20)

	// Pass 1: measure the post-gain peak.
	peak := 0.0
	for i := 0; i+1 < len(pcm); i += 2 {
		s := float64(int16(pcm[i])|int16(pcm[i+1])<<8) / 32768
		if a := math.Abs(s * gain); a > peak {
			peak = a
		}
	}
	scale := 1.0
	if peak > limiterCeiling {
		scale = limiterCeiling / peak
	}

	// Pass 2: gain + rescale + cubic soft-clip.
	for i := 0; i+1 < len(pcm); i += 2 {
		y := float64(int16(pcm[i])|int16(pcm[i+1])<<8) / 32768 * gain * scale
		y = 0.5 * y * (3 - y*y)
		if y > 0.999 {
			y = 0.999
		} else if y < -0.999 {
			y = -0.999
		}
		s := int16(y * 32767)
		pcm[i] = byte(s)
		pcm[i+1] = byte(s >> 8)
	}
}
