package audio

import (
	"log/slog"
	"sync"

	"github.com/oov/audio/resampler"
)

// resamplerQuality is the oov/audio quality setting (0–10).
const resamplerQuality = 10

// Converter converts frames to a target format. It logs a warning on the
// first format mismatch and keeps streaming resampler state between calls, so
// create one per stream; it is not designed for shared use across goroutines.
type Converter struct {
	Target Format

	warnedMismatch sync.Once
	warnedChannels sync.Once

	// resampler state for the most recent source format.
	rs      *resampler.Resampler
	rsFrom  Format
	planIn  [][]float32
	planOut [][]float32
}

// Convert returns the samples of fr converted to the target format as a newly
// owned interleaved slice. Conversion order: channel mapping first when it
// reduces the channel count, then resampling, then channel expansion.
func (c *Converter) Convert(fr Frame) []int16 {
	data := fr.Data()
	if fr.Format == c.Target {
		out := make([]int16, len(data))
		copy(out, data)
		return out
	}

	c.warnedMismatch.Do(func() {
		slog.Warn("audio format mismatch: converting",
			"from", fr.Format.String(),
			"to", c.Target.String(),
		)
	})

	pcm := data
	channels := fr.Channels
	if c.Target.Channels < channels {
		pcm = c.mapChannels(pcm, channels, c.Target.Channels)
		channels = c.Target.Channels
	} else {
		cp := make([]int16, len(pcm))
		copy(cp, pcm)
		pcm = cp
	}

	if fr.SampleRate != c.Target.SampleRate {
		pcm = c.resample(pcm, Format{SampleRate: fr.SampleRate, Channels: channels})
	}

	if channels != c.Target.Channels {
		pcm = c.mapChannels(pcm, channels, c.Target.Channels)
	}
	return pcm
}

func (c *Converter) mapChannels(pcm []int16, from, to int) []int16 {
	switch {
	case from == 1 && to == 2:
		return MonoToStereo(pcm)
	case from == 2 && to == 1:
		return StereoToMono(pcm)
	default:
		c.warnedChannels.Do(func() {
			slog.Warn("audio format converter: generic channel mapping",
				"from", from,
				"to", to,
			)
		})
		return RemapChannels(pcm, from, to)
	}
}

// resample runs interleaved pcm in format from through a streaming resampler
// to the target sample rate, preserving the channel count.
func (c *Converter) resample(pcm []int16, from Format) []int16 {
	if c.rs == nil || c.rsFrom != from {
		c.rs = resampler.New(from.Channels, from.SampleRate, c.Target.SampleRate, resamplerQuality)
		c.rsFrom = from
		c.planIn = make([][]float32, from.Channels)
		c.planOut = make([][]float32, from.Channels)
	}

	periods := len(pcm) / from.Channels
	outPeriods := periods*c.Target.SampleRate/from.SampleRate + 16
	for ch := range from.Channels {
		c.planIn[ch] = growFloat32(c.planIn[ch], periods)
		c.planOut[ch] = growFloat32(c.planOut[ch], outPeriods)
		for i := range periods {
			c.planIn[ch][i] = float32(pcm[i*from.Channels+ch]) / 32768
		}
	}

	written := 0
	for ch := range from.Channels {
		_, w := c.rs.ProcessFloat32(ch, c.planIn[ch][:periods], c.planOut[ch])
		if ch == 0 || w < written {
			written = w
		}
	}

	out := make([]int16, written*from.Channels)
	for ch := range from.Channels {
		for i := range written {
			out[i*from.Channels+ch] = floatToInt16(c.planOut[ch][i])
		}
	}
	return out
}

func growFloat32(buf []float32, n int) []float32 {
	if cap(buf) >= n {
		return buf[:n]
	}
	return make([]float32, n)
}

func floatToInt16(v float32) int16 {
	s := v * 32768
	if s > 32767 {
		return 32767
	}
	if s < -32768 {
		return -32768
	}
	return int16(s)
}

// MonoToStereo duplicates each mono sample into an L+R pair.
func MonoToStereo(pcm []int16) []int16 {
	out := make([]int16, len(pcm)*2)
	for i, s := range pcm {
		out[2*i] = s
		out[2*i+1] = s
	}
	return out
}

// StereoToMono averages L+R per stereo period. A trailing odd sample is
// dropped.
func StereoToMono(pcm []int16) []int16 {
	frames := len(pcm) / 2
	out := make([]int16, frames)
	for i := range frames {
		// int32 arithmetic keeps the sum in range.
		out[i] = int16((int32(pcm[2*i]) + int32(pcm[2*i+1])) / 2)
	}
	return out
}

// RemapChannels converts between arbitrary channel counts. Downmixing
// averages all source channels; upmixing copies source channels cyclically.
func RemapChannels(pcm []int16, from, to int) []int16 {
	if from <= 0 || to <= 0 {
		return nil
	}
	periods := len(pcm) / from
	out := make([]int16, periods*to)
	for i := range periods {
		src := pcm[i*from : (i+1)*from]
		if to < from {
			var sum int32
			for _, s := range src {
				sum += int32(s)
			}
			avg := int16(sum / int32(from))
			for ch := range to {
				out[i*to+ch] = avg
			}
			continue
		}
		for ch := range to {
			out[i*to+ch] = src[ch%from]
		}
	}
	return out
}
