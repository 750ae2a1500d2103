package audio

import "fmt"

type Codec string

const (
	CodecPCM16    Codec = "pcm16"
	CodecG711Ulaw Codec = "g711_ulaw"
	CodecG711Alaw Codec = "g711_alaw"
)

// Format describes the encoding of raw audio bytes on a stream.
type Format struct {
	Codec      Codec
	SampleRate int
	Channels   int
}

// Telephony is the narrowband companded format used on the phone leg.
var Telephony = Format{Codec: CodecG711Ulaw, SampleRate: 8000, Channels: 1}

// Backend is the linear wideband format the AI backend consumes and produces.
var Backend = Format{Codec: CodecPCM16, SampleRate: 24000, Channels: 1}

// DecodeError marks a malformed or empty frame. Callers drop the frame and
// count it; it never propagates across a pump boundary.
type DecodeError struct {
	Reason string
}

func (e *DecodeError) Error() string {
	return "audio decode: " + e.Reason
}

func (f Format) validate() error {
	if f.SampleRate <= 0 {
		return fmt.Errorf("invalid sample rate %d", f.SampleRate)
	}
	if f.Channels != 1 {
		return fmt.Errorf("unsupported channel count %d", f.Channels)
	}
	return nil
}

// Decode converts an encoded frame to float32 PCM samples normalized to [-1, 1].
func Decode(data []byte, f Format) ([]float32, error) {
	if err := f.validate(); err != nil {
		return nil, &DecodeError{Reason: err.Error()}
	}
	if len(data) == 0 {
		return nil, &DecodeError{Reason: "empty frame"}
	}
	switch f.Codec {
	case CodecPCM16:
		if len(data)%2 != 0 {
			return nil, &DecodeError{Reason: "pcm16 frame not sample-aligned"}
		}
		return decodePCM16(data), nil
	case CodecG711Ulaw:
		return decodeG711Ulaw(data), nil
	case CodecG711Alaw:
		return decodeG711Alaw(data), nil
	default:
		return nil, &DecodeError{Reason: fmt.Sprintf("unsupported codec %q", f.Codec)}
	}
}

// Encode converts float32 PCM samples to an encoded frame in the target format.
// Samples outside [-1, 1] are clamped.
func Encode(samples []float32, f Format) ([]byte, error) {
	if err := f.validate(); err != nil {
		return nil, err
	}
	switch f.Codec {
	case CodecPCM16:
		return encodePCM16(samples), nil
	case CodecG711Ulaw:
		return encodeG711Ulaw(samples), nil
	case CodecG711Alaw:
		return encodeG711Alaw(samples), nil
	default:
		return nil, fmt.Errorf("unsupported codec %q", f.Codec)
	}
}

// Transcode decodes a frame from src, resamples, and re-encodes to dst.
// This is the single conversion path used by both bridge pumps.
func Transcode(data []byte, src, dst Format) ([]byte, error) {
	samples, err := Decode(data, src)
	if err != nil {
		return nil, err
	}
	resampled := Resample(samples, src.SampleRate, dst.SampleRate)
	return Encode(resampled, dst)
}
