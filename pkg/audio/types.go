package audio

import (
	"encoding/base64"
	"fmt"
	"time"
)

// Wire defaults for the duplex session. Microphone audio travels upstream at
// 16 kHz; model audio arrives at 24 kHz. Both are mono s16le.
const (
	InputSampleRate  = 16000
	OutputSampleRate = 24000
	DefaultBlockSize = 4096
)

// Format describes the sample rate and channel count of an audio stream.
type Format struct {
	SampleRate int
	Channels   int
}

// CaptureBlock is one fixed-size window of raw microphone samples. Blocks are
// produced continuously by an [InputStream] while capture is running and are
// consumed immediately; nothing retains them.
type CaptureBlock struct {
	// Samples holds mono float32 samples in [-1, 1].
	Samples []float32

	// SampleRate in Hz of Samples.
	SampleRate int

	// Channels is always 1 for microphone capture.
	Channels int

	// Timestamp marks when this block was captured, relative to stream start.
	Timestamp time.Duration
}

// Duration returns the playback length of the block.
func (b CaptureBlock) Duration() time.Duration {
	if b.SampleRate <= 0 {
		return 0
	}
	return time.Duration(len(b.Samples)) * time.Second / time.Duration(b.SampleRate)
}

// EncodedFrame is a wire-ready audio payload: little-endian int16 PCM plus the
// tags the remote endpoint needs to interpret it.
type EncodedFrame struct {
	// Data is s16le mono PCM.
	Data []byte

	// MIMEType is the encoding tag, e.g. "audio/pcm;rate=16000".
	MIMEType string

	// SampleRate in Hz of Data.
	SampleRate int
}

// PCMMimeType returns the mime tag for raw PCM at the given rate.
func PCMMimeType(sampleRate int) string {
	return fmt.Sprintf("audio/pcm;rate=%d", sampleRate)
}

// Base64 returns the text-safe representation of the frame payload.
func (f EncodedFrame) Base64() string {
	return base64.StdEncoding.EncodeToString(f.Data)
}

// Samples returns the number of int16 samples in the frame.
func (f EncodedFrame) Samples() int { return len(f.Data) / 2 }
