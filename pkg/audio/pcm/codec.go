package pcm

import (
	"encoding/base64"
	"errors"
	"fmt"
	"time"
	"unsafe"
)

// ErrDecode is returned (wrapped) when base64 text cannot be decoded.
var ErrDecode = errors.New("pcm: malformed base64 text")

// Buffer holds de-interleaved float samples, one slice per channel. All
// channel slices have the same length. Samples are nominally in [-1, 1).
type Buffer struct {
	Channels [][]float32
}

// Frames returns the number of sample frames in the buffer.
func (b Buffer) Frames() int {
	if len(b.Channels) == 0 {
		return 0
	}
	return len(b.Channels[0])
}

// Duration returns the playback length of the buffer at the given sample rate.
func (b Buffer) Duration(sampleRate int) time.Duration {
	if sampleRate <= 0 {
		return 0
	}
	return time.Duration(int64(b.Frames()) * int64(time.Second) / int64(sampleRate))
}

// Interleaved returns the samples as a single interleaved slice.
func (b Buffer) Interleaved() []float32 {
	n := b.Frames()
	ch := len(b.Channels)
	out := make([]float32, n*ch)
	for c, samples := range b.Channels {
		for f, s := range samples {
			out[f*ch+c] = s
		}
	}
	return out
}

// EncodeBytesToText encodes b as standard padded base64. Encoding is
// deterministic and DecodeTextToBytes reverses it byte for byte.
func EncodeBytesToText(b []byte) string {
	return base64.StdEncoding.EncodeToString(b)
}

// DecodeTextToBytes decodes standard base64 text. Malformed input fails with
// an error wrapping ErrDecode and no partial result.
func DecodeTextToBytes(s string) ([]byte, error) {
	b, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrDecode, err)
	}
	return b, nil
}

// FloatSamplesToPCM16 converts interleaved float samples to 16-bit signed
// little-endian PCM. Each sample is scaled by 32768 and truncated toward zero.
// Values outside [-1, 1) are not clamped: the scaled value is converted to
// int32 and then truncated to int16, which is deterministic but wraps.
//
// channels only documents the interleaving of samples; the byte layout is
// identical for every channel count.
func FloatSamplesToPCM16(samples []float32, channels int) []byte {
	out := make([]byte, len(samples)*2)
	for i, s := range samples {
		v := int16(int32(s * 32768))
		out[2*i] = byte(v)
		out[2*i+1] = byte(uint16(v) >> 8)
	}
	return out
}

// PCM16ToFloatSamples converts 16-bit signed little-endian PCM to a float
// buffer with the given channel count. Each sample is divided by 32768.
// A trailing partial frame is ignored.
//
// The input may start at any address, including an odd one: misaligned data
// is copied into an aligned scratch buffer before it is read as int16.
func PCM16ToFloatSamples(b []byte, channels int) Buffer {
	if channels <= 0 {
		channels = 1
	}
	frames := len(b) / 2 / channels
	buf := Buffer{Channels: make([][]float32, channels)}
	for c := range buf.Channels {
		buf.Channels[c] = make([]float32, frames)
	}
	if frames == 0 {
		return buf
	}

	samples := int16View(b[:frames*channels*2])
	for f := range frames {
		for c := range channels {
			buf.Channels[c][f] = float32(samples[f*channels+c]) / 32768.0
		}
	}
	return buf
}

// int16View reinterprets little-endian PCM bytes as int16 samples. On
// big-endian hosts, and whenever b is not 2-byte aligned, the samples are
// decoded into a freshly allocated slice instead.
func int16View(b []byte) []int16 {
	n := len(b) / 2
	if nativeLittleEndian && uintptr(unsafe.Pointer(&b[0]))%2 == 0 {
		return unsafe.Slice((*int16)(unsafe.Pointer(&b[0])), n)
	}
	out := make([]int16, n)
	for i := range out {
		out[i] = int16(uint16(b[2*i]) | uint16(b[2*i+1])<<8)
	}
	return out
}

var nativeLittleEndian = func() bool {
	x := uint16(1)
	return *(*byte)(unsafe.Pointer(&x)) == 1
}()
