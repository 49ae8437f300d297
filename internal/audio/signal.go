package audio

// Mono averages all channels of clip into one.
func Mono(clip *Clip) []float32 {
	frames := clip.Frames()
	if clip.Channels == 1 {
		out := make([]float32, frames)
		copy(out, clip.Samples)
		return out
	}
	out := make([]float32, frames)
	for i := 0; i < frames; i++ {
		var sum float32
		for ch := 0; ch < clip.Channels; ch++ {
			sum += clip.Samples[i*clip.Channels+ch]
		}
		out[i] = sum / float32(clip.Channels)
	}
	return out
}

// Spread copies a mono signal onto every channel.
func Spread(mono []float32, channels int) []float32 {
	if channels <= 1 {
		out := make([]float32, len(mono))
		copy(out, mono)
		return out
	}
	out := make([]float32, len(mono)*channels)
	for i, s := range mono {
		for ch := 0; ch < channels; ch++ {
			out[i*channels+ch] = s
		}
	}
	return out
}

// Resample converts a mono signal between rates by linear interpolation.
func Resample(mono []float32, from, to int) []float32 {
	if from == to || from <= 0 || to <= 0 || len(mono) == 0 {
		out := make([]float32, len(mono))
		copy(out, mono)
		return out
	}
	n := int(int64(len(mono)) * int64(to) / int64(from))
	if n == 0 {
		n = 1
	}
	out := make([]float32, n)
	step := float64(from) / float64(to)
	last := len(mono) - 1
	for i := range out {
		pos := float64(i) * step
		idx := int(pos)
		if idx >= last {
			out[i] = mono[last]
			continue
		}
		frac := float32(pos - float64(idx))
		out[i] = mono[idx]*(1-frac) + mono[idx+1]*frac
	}
	return out
}
