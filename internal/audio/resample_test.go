package audio

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResampleSameRateIsIdentity(t *testing.T) {
	in := testSignal(800)
	out := Resample(in, 8000, 8000)
	assert.Equal(t, in, out)
}

func TestResampleLengthRatio(t *testing.T) {
	in := testSignal(800)

	up := Resample(in, 8000, 24000)
	assert.Equal(t, 2400, len(up))

	down := Resample(up, 24000, 8000)
	assert.Equal(t, 800, len(down))
}

// A bandlimited tone must survive the up/down round trip within a small RMS
// error; the interpolation method is fixed, so this bound is deterministic.
func TestResampleRoundTripBounded(t *testing.T) {
	in := testSignal(1600)

	out := Resample(Resample(in, 8000, 24000), 24000, 8000)
	require.Equal(t, len(in), len(out))

	// skip filter edge transients
	var sum float64
	n := 0
	for i := 100; i < len(in)-100; i++ {
		d := float64(in[i] - out[i])
		sum += d * d
		n++
	}
	rms := math.Sqrt(sum / float64(n))
	assert.Less(t, rms, 0.05, "round-trip RMS error")
}
