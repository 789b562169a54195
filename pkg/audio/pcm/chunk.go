package pcm

import (
	"fmt"
	"strconv"
	"strings"
)

const mimePrefix = "audio/pcm;rate="

// EncodedChunk is base64 PCM16 audio tagged with its MIME type, for example
// "audio/pcm;rate=16000". The decoded bytes are expected to have even length.
type EncodedChunk struct {
	MIMEType string `json:"mimeType"`
	Data     string `json:"data"`
}

// MIMEType returns the MIME type for 16-bit PCM at the given sample rate.
func MIMEType(sampleRate int) string {
	return mimePrefix + strconv.Itoa(sampleRate)
}

// ParseRate extracts the sample rate from a PCM MIME type such as
// "audio/pcm;rate=24000". It reports false when mime carries no rate.
func ParseRate(mime string) (int, bool) {
	_, params, ok := strings.Cut(mime, ";")
	if !ok {
		return 0, false
	}
	for p := range strings.SplitSeq(params, ";") {
		k, v, ok := strings.Cut(strings.TrimSpace(p), "=")
		if !ok || !strings.EqualFold(k, "rate") {
			continue
		}
		rate, err := strconv.Atoi(v)
		if err != nil || rate <= 0 {
			return 0, false
		}
		return rate, true
	}
	return 0, false
}

// EncodeChunk converts interleaved float samples to an EncodedChunk.
func EncodeChunk(samples []float32, channels, sampleRate int) EncodedChunk {
	return EncodedChunk{
		MIMEType: MIMEType(sampleRate),
		Data:     EncodeBytesToText(FloatSamplesToPCM16(samples, channels)),
	}
}

// DecodeChunk decodes an EncodedChunk into a float buffer. An odd number of
// decoded bytes is tolerated; the trailing byte is dropped.
func DecodeChunk(c EncodedChunk, channels int) (Buffer, error) {
	b, err := DecodeTextToBytes(c.Data)
	if err != nil {
		return Buffer{}, fmt.Errorf("pcm: decode chunk: %w", err)
	}
	return PCM16ToFloatSamples(b, channels), nil
}
