// Package audio defines the contract between pluggable audio devices and the
// communication engine: the PCM [Format] and [Frame] types that cross the
// boundary, the engine-side [Bus], the [Device] lifecycle interface, and the
// optional [SessionManager] capability used by calling-service integrations.
//
// Exactly one sample encoding is supported: signed 16-bit little-endian PCM,
// interleaved by channel within each sample period. Capture and render each
// carry their own [Format]; they are not required to match.
package audio

import (
	"fmt"
	"time"
)

// SampleBits is the only supported sample width.
const SampleBits = 16

// MaxChannels bounds the channel count accepted by [Format.Validate].
const MaxChannels = 8

// DefaultFormat is the format used by devices that are not configured
// otherwise: 16 kHz mono, the voice-optimised default.
var DefaultFormat = Format{SampleRate: 16000, Channels: 1}

// Format describes the sample rate and channel count of one audio direction.
// It is a value type; devices fix their formats before initialization and
// never change them afterwards.
type Format struct {
	SampleRate int
	Channels   int
}

// Validate reports whether f describes a usable stream.
func (f Format) Validate() error {
	if f.SampleRate <= 0 {
		return fmt.Errorf("%w: sample rate %d", ErrInvalidFormat, f.SampleRate)
	}
	if f.Channels < 1 || f.Channels > MaxChannels {
		return fmt.Errorf("%w: %d channels", ErrInvalidFormat, f.Channels)
	}
	return nil
}

// IsZero reports whether f is the zero Format.
func (f Format) IsZero() bool { return f.SampleRate == 0 && f.Channels == 0 }

// BytesPerSample returns the byte width of a single sample.
func (f Format) BytesPerSample() int { return SampleBits / 8 }

// FrameBytes returns the byte length of sampleCount sample periods:
// sampleCount × channels × bitsPerSample / 8.
func (f Format) FrameBytes(sampleCount int) int {
	return sampleCount * f.Channels * SampleBits / 8
}

// SamplesIn returns the number of sample periods that fit in d.
func (f Format) SamplesIn(d time.Duration) int {
	return int(int64(f.SampleRate) * int64(d) / int64(time.Second))
}

// Duration returns the playback time of sampleCount sample periods.
func (f Format) Duration(sampleCount int) time.Duration {
	if f.SampleRate <= 0 {
		return 0
	}
	return time.Duration(int64(sampleCount) * int64(time.Second) / int64(f.SampleRate))
}

// String returns e.g. "16000Hz mono" or "48000Hz stereo".
func (f Format) String() string {
	return formatString(f.SampleRate, f.Channels)
}

// formatString returns a human-readable string for a sample rate and channel
// count, e.g. "48000Hz stereo".
func formatString(rate, channels int) string {
	ch := "mono"
	if channels == 2 {
		ch = "stereo"
	} else if channels > 2 {
		ch = fmt.Sprintf("%dch", channels)
	}
	return fmt.Sprintf("%dHz %s", rate, ch)
}
