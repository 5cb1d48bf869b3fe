package audio

import (
	"encoding/base64"
	"encoding/binary"
	"errors"
	"fmt"
	"math"
)

// ErrMalformedFrame is returned when a PCM payload cannot be decoded, e.g.
// because its byte length is odd. Callers drop the single frame and carry on.
var ErrMalformedFrame = errors.New("audio: malformed frame")

// EncodePCM converts float samples to little-endian int16 PCM.
//
// Each sample is clamped to [-1, 1]. Negative values are scaled by 32768 and
// non-negative values by 32767 so that +1.0 does not overflow int16.
func EncodePCM(samples []float32) []byte {
	out := make([]byte, len(samples)*2)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(out[i*2:], uint16(floatToInt16(s)))
	}
	return out
}

// DecodePCM converts little-endian int16 PCM back to float samples by dividing
// each value by 32768. Odd-length input returns [ErrMalformedFrame].
//
// The round trip through EncodePCM loses precision only to 16-bit
// quantisation. Negative samples come back within 1/32768; positive samples
// carry an extra s/32768 from the 32767 scale, so their bound is 1.5/32768.
func DecodePCM(data []byte) ([]float32, error) {
	if len(data)%2 != 0 {
		return nil, fmt.Errorf("%w: odd byte count %d", ErrMalformedFrame, len(data))
	}
	out := make([]float32, len(data)/2)
	for i := range out {
		out[i] = float32(int16(binary.LittleEndian.Uint16(data[i*2:]))) / 32768.0
	}
	return out, nil
}

// EncodeFrame encodes samples captured at sampleRate into an [EncodedFrame].
func EncodeFrame(samples []float32, sampleRate int) EncodedFrame {
	return EncodedFrame{
		Data:       EncodePCM(samples),
		MIMEType:   PCMMimeType(sampleRate),
		SampleRate: sampleRate,
	}
}

// DecodeBase64PCM decodes a base64 PCM payload as sent by the remote endpoint.
func DecodeBase64PCM(s string) ([]float32, error) {
	raw, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}
	return DecodePCM(raw)
}

// Float32ToInt16 converts float samples to int16 with the same scaling rules
// as [EncodePCM].
func Float32ToInt16(samples []float32) []int16 {
	out := make([]int16, len(samples))
	for i, s := range samples {
		out[i] = floatToInt16(s)
	}
	return out
}

// Int16ToFloat32 is the inverse of [Float32ToInt16].
func Int16ToFloat32(samples []int16) []float32 {
	out := make([]float32, len(samples))
	for i, s := range samples {
		out[i] = float32(s) / 32768.0
	}
	return out
}

func floatToInt16(s float32) int16 {
	switch {
	case s > 1:
		s = 1
	case s < -1:
		s = -1
	}
	if s < 0 {
		return int16(math.Round(float64(s) * 32768))
	}
	return int16(math.Round(float64(s) * 32767))
}
