package audio

import (
	"encoding/binary"
	"math"
)

func decodePCM16(data []byte) []float32 {
	n := len(data) / 2
	samples := make([]float32, n)
	for i := range n {
		s := int16(binary.LittleEndian.Uint16(data[i*2:]))
		samples[i] = float32(s) / math.MaxInt16
	}
	return samples
}

// encodePCM16 quantizes to 16-bit little-endian with TPDF dither. The dither
// source is a fixed-seed xorshift so conversion stays deterministic for a
// given input.
func encodePCM16(samples []float32) []byte {
	out := make([]byte, len(samples)*2)
	rng := uint32(0x9E3779B9)
	next := func() float32 {
		rng ^= rng << 13
		rng ^= rng >> 17
		rng ^= rng << 5
		return float32(rng&0xFFFF)/0xFFFF - 0.5
	}
	for i, s := range samples {
		dither := (next() + next()) / math.MaxInt16
		clamped := max(-1.0, min(1.0, s+dither))
		val := int16(clamped * math.MaxInt16)
		binary.LittleEndian.PutUint16(out[i*2:], uint16(val))
	}
	return out
}
