package audio

import "math"

// filterTaps sizes the FIR anti-alias kernel. 31 taps keeps the 8k/24k
// conversions well under one telephony frame of added latency.
const filterTaps = 31

// Resample converts samples between stream rates, in practice the 8 kHz
// telephony leg and the 24 kHz backend leg. Linear interpolation with a
// windowed-sinc filter on the wide side: before interpolating when
// decimating, after when expanding. Same-rate input is returned untouched.
func Resample(samples []float32, srcRate, dstRate int) []float32 {
	if srcRate == dstRate {
		return samples
	}

	cutoff := float64(min(srcRate, dstRate)) / 2.0
	if srcRate > dstRate {
		samples = lowPass(samples, cutoff/float64(srcRate))
	}

	ratio := float64(srcRate) / float64(dstRate)
	out := make([]float32, int(float64(len(samples))/ratio))
	for i := range out {
		pos := float64(i) * ratio
		idx := int(pos)
		out[i] = lerp(samples, idx, float32(pos-float64(idx)))
	}

	if dstRate > srcRate {
		out = lowPass(out, cutoff/float64(dstRate))
	}
	return out
}

// lowPass convolves with a windowed-sinc kernel at normalized cutoff fc.
// Kernel taps falling outside the input are treated as silence.
func lowPass(samples []float32, fc float64) []float32 {
	kernel := sincKernel(fc)
	half := filterTaps / 2
	out := make([]float32, len(samples))

	for i := range samples {
		jEnd := min(filterTaps, len(samples)-i+half)
		var sum float32
		for j := max(0, half-i); j < jEnd; j++ {
			sum += samples[i+j-half] * kernel[j]
		}
		out[i] = sum
	}
	return out
}

// sincKernel builds a Blackman-windowed sinc FIR kernel at normalized cutoff
// fc, scaled to unity gain at DC.
func sincKernel(fc float64) []float32 {
	half := filterTaps / 2
	kernel := make([]float32, filterTaps)

	var sum float64
	for i := range kernel {
		n := float64(i - half)
		sinc := 1.0
		if n != 0 {
			x := 2 * math.Pi * fc * n
			sinc = math.Sin(x) / x
		}
		window := 0.42 - 0.5*math.Cos(2*math.Pi*float64(i)/float64(filterTaps-1)) +
			0.08*math.Cos(4*math.Pi*float64(i)/float64(filterTaps-1))
		kernel[i] = float32(sinc * window)
		sum += sinc * window
	}
	for i := range kernel {
		kernel[i] = float32(float64(kernel[i]) / sum)
	}
	return kernel
}

func lerp(samples []float32, idx int, frac float32) float32 {
	if idx+1 >= len(samples) {
		return samples[len(samples)-1]
	}
	return samples[idx]*(1-frac) + samples[idx+1]*frac
}
