// Package wavfile reads and writes 16-bit PCM WAV files and adapts them to
// the [audio.Device] abstractions, so a voice session can run headless: a
// WAV file stands in for the microphone and a recorder captures everything
// played back.
package wavfile

import (
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/youpy/go-wav"

	"github.com/nagriksetu/nagriksetu/pkg/audio"
	"github.com/nagriksetu/nagriksetu/pkg/audio/pcm"
)

const readBlock = 4096

// ErrFormat is returned for WAV files that are not 16-bit PCM.
var ErrFormat = errors.New("wavfile: unsupported format")

// Encode writes pcm16 (little-endian mono samples) as a WAV stream.
func Encode(w io.Writer, pcm16 []byte, sampleRate int) error {
	if err := checkEven(pcm16); err != nil {
		return err
	}
	n := len(pcm16) / 2
	samples := make([]wav.Sample, n)
	for i := range n {
		v := int16(uint16(pcm16[2*i]) | uint16(pcm16[2*i+1])<<8)
		samples[i].Values[0] = int(v)
	}
	ww := wav.NewWriter(w, uint32(n), 1, uint32(sampleRate), 16)
	if err := ww.WriteSamples(samples); err != nil {
		return fmt.Errorf("wavfile: write samples: %w", err)
	}
	return nil
}

// EncodeBuffer writes buf as a 16-bit WAV stream.
func EncodeBuffer(w io.Writer, buf pcm.Buffer, sampleRate int) error {
	ch := max(len(buf.Channels), 1)
	n := buf.Frames()
	samples := make([]wav.Sample, n)
	for c := range min(ch, 2) {
		for i := range n {
			samples[i].Values[c] = int(toInt16(buf.Channels[c][i]))
		}
	}
	ww := wav.NewWriter(w, uint32(n), uint16(min(ch, 2)), uint32(sampleRate), 16)
	if err := ww.WriteSamples(samples); err != nil {
		return fmt.Errorf("wavfile: write samples: %w", err)
	}
	return nil
}

// Read decodes a 16-bit PCM WAV file into interleaved float samples.
func Read(path string) (samples []float32, format audio.Format, err error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, audio.Format{}, fmt.Errorf("wavfile: open: %w", err)
	}
	defer f.Close()

	r := wav.NewReader(f)
	wf, err := r.Format()
	if err != nil {
		return nil, audio.Format{}, fmt.Errorf("wavfile: read format: %w", err)
	}
	if wf.BitsPerSample != 16 || wf.NumChannels == 0 || wf.NumChannels > 2 {
		return nil, audio.Format{}, fmt.Errorf("%w: %d-bit %d channels", ErrFormat, wf.BitsPerSample, wf.NumChannels)
	}
	format = audio.Format{SampleRate: int(wf.SampleRate), Channels: int(wf.NumChannels)}

	for {
		block, err := r.ReadSamples(readBlock)
		for _, s := range block {
			for c := range format.Channels {
				samples = append(samples, float32(s.Values[c])/32768)
			}
		}
		if errors.Is(err, io.EOF) {
			return samples, format, nil
		}
		if err != nil {
			return nil, audio.Format{}, fmt.Errorf("wavfile: read samples: %w", err)
		}
		if len(block) == 0 {
			return samples, format, nil
		}
	}
}

func checkEven(b []byte) error {
	if len(b)%2 != 0 {
		return fmt.Errorf("%w: odd PCM16 length %d", ErrFormat, len(b))
	}
	return nil
}

func toInt16(v float32) int16 {
	switch {
	case v >= 1:
		return 32767
	case v <= -1:
		return -32768
	default:
		return int16(v * 32768)
	}
}
