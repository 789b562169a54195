package audio

import (
	"log/slog"
	"sync"

	"github.com/nagriksetu/nagriksetu/pkg/audio/pcm"
)

// FormatConverter converts captured Frames to a target format. It logs a
// warning on the first format mismatch. Create one per stream; not designed
// for shared use across goroutines.
type FormatConverter struct {
	Target         Format
	warnedMismatch sync.Once
}

// Convert converts a frame to the target format. If the source format already
// matches the target, the frame is returned unchanged.
// Conversion order: downmix first, then resample.
func (c *FormatConverter) Convert(frame Frame) Frame {
	if frame.SampleRate == c.Target.SampleRate && frame.Channels == c.Target.Channels {
		return frame
	}

	c.warnedMismatch.Do(func() {
		slog.Warn("audio format mismatch: converting",
			"from", Format{SampleRate: frame.SampleRate, Channels: frame.Channels}.String(),
			"to", c.Target.String(),
		)
	})

	samples := frame.Samples
	channels := frame.Channels

	// Step 1: channel conversion (avoids resampling channels that get dropped).
	if channels != c.Target.Channels {
		switch {
		case c.Target.Channels == 1:
			samples = Downmix(samples, channels)
		case channels == 1:
			samples = Upmix(samples, c.Target.Channels)
		default:
			samples = Upmix(Downmix(samples, channels), c.Target.Channels)
		}
		channels = c.Target.Channels
	}

	// Step 2: resample.
	if frame.SampleRate != c.Target.SampleRate {
		samples = Resample(samples, channels, frame.SampleRate, c.Target.SampleRate)
	}

	return Frame{
		Samples:    samples,
		SampleRate: c.Target.SampleRate,
		Channels:   channels,
		Timestamp:  frame.Timestamp,
	}
}

// ConvertStream wraps an input channel with a conversion goroutine. It closes
// the returned channel when in closes. Frames that convert to zero samples
// are dropped.
func ConvertStream(in <-chan Frame, target Format) <-chan Frame {
	out := make(chan Frame, cap(in))
	go func() {
		defer close(out)
		conv := FormatConverter{Target: target}
		for frame := range in {
			converted := conv.Convert(frame)
			if len(converted.Samples) == 0 {
				continue
			}
			out <- converted
		}
	}()
	return out
}

// Downmix averages interleaved multi-channel samples into mono.
func Downmix(samples []float32, channels int) []float32 {
	if channels <= 1 {
		return samples
	}
	frames := len(samples) / channels
	out := make([]float32, frames)
	for i := range frames {
		var sum float32
		for c := range channels {
			sum += samples[i*channels+c]
		}
		out[i] = sum / float32(channels)
	}
	return out
}

// Upmix duplicates each mono sample into the given number of channels.
func Upmix(mono []float32, channels int) []float32 {
	if channels <= 1 {
		return mono
	}
	out := make([]float32, len(mono)*channels)
	for i, s := range mono {
		for c := range channels {
			out[i*channels+c] = s
		}
	}
	return out
}

// Resample converts interleaved samples from srcRate to dstRate using linear
// interpolation. If the rates match, samples is returned unchanged.
func Resample(samples []float32, channels, srcRate, dstRate int) []float32 {
	if srcRate <= 0 || dstRate <= 0 || srcRate == dstRate {
		return samples
	}
	if channels <= 0 {
		channels = 1
	}
	srcFrames := len(samples) / channels
	if srcFrames == 0 {
		return nil
	}
	dstFrames := int(int64(srcFrames) * int64(dstRate) / int64(srcRate))
	if dstFrames == 0 {
		return nil
	}

	out := make([]float32, dstFrames*channels)
	ratio := float64(srcRate) / float64(dstRate)

	for i := range dstFrames {
		srcPos := float64(i) * ratio
		srcIdx := int(srcPos)
		frac := float32(srcPos - float64(srcIdx))
		next := srcIdx + 1
		if next >= srcFrames {
			next = srcIdx
		}
		for c := range channels {
			s0 := samples[srcIdx*channels+c]
			s1 := samples[next*channels+c]
			out[i*channels+c] = s0*(1-frac) + s1*frac
		}
	}
	return out
}

// Chunker regroups a stream of samples into blocks of a fixed frame count.
// Not safe for concurrent use.
type Chunker struct {
	BlockSize int
	Channels  int
	pending   []float32
}

// Push appends samples and returns every complete block now available.
func (c *Chunker) Push(samples []float32) [][]float32 {
	c.pending = append(c.pending, samples...)
	n := c.BlockSize * max(c.Channels, 1)
	if n <= 0 {
		return nil
	}
	var blocks [][]float32
	for len(c.pending) >= n {
		block := make([]float32, n)
		copy(block, c.pending[:n])
		blocks = append(blocks, block)
		c.pending = c.pending[n:]
	}
	if len(c.pending) == 0 {
		c.pending = nil
	}
	return blocks
}

// Flush returns any buffered partial block and resets the chunker.
func (c *Chunker) Flush() []float32 {
	rest := c.pending
	c.pending = nil
	return rest
}

// Deinterleave splits interleaved samples into one slice per channel.
func Deinterleave(samples []float32, channels int) pcm.Buffer {
	channels = max(channels, 1)
	frames := len(samples) / channels
	buf := pcm.Buffer{Channels: make([][]float32, channels)}
	for c := range channels {
		ch := make([]float32, frames)
		for i := range frames {
			ch[i] = samples[i*channels+c]
		}
		buf.Channels[c] = ch
	}
	return buf
}
