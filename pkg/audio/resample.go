package audio

// Downsample reduces the sample rate of 16-bit little-endian mono PCM by
// linear decimation: output sample i is input sample ⌊i·fromRate/toRate⌋,
// with no interpolation. Identical rates return the input unchanged.
//
// Decimation is intentionally cheap — it runs on the hot ingestion path and
// the voice band survives the aliasing at the rates used here.
func Downsample(pcm []byte, fromRate, toRate int) []byte {
	if fromRate == toRate || fromRate <= 0 || toRate <= 0 {
		return pcm
	}

	ratio := float64(fromRate) / float64(toRate)
	inputSamples := len(pcm) / 2
	outputSamples := int(float64(inputSamples) / ratio)
	out := make([]byte, outputSamples*2)

	for i := range outputSamples {
		src := int(float64(i)*ratio) * 2
		out[i*2] = pcm[src]
		out[i*2+1] = pcm[src+1]
	}
	return out
}
