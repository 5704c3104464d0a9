package audio

import (
	"encoding/binary"
	"fmt"
	"time"
)

// Frame is a borrowed view over a block of interleaved PCM samples together
// with the format metadata needed to interpret it. Frames cross the [Bus]
// boundary without transferring ownership: Samples belongs to whichever side
// produced it and is only valid for the duration of the call it was passed
// to. Use [Frame.Clone] to keep the data.
type Frame struct {
	Format

	// Samples holds at least SampleCount × Channels interleaved samples.
	Samples []int16

	// SampleCount is the number of sample periods (samples per channel).
	SampleCount int
}

// NewFrame wraps buf as a frame of f. The sample count is derived from the
// buffer length; trailing samples that do not fill a whole period are
// ignored.
func NewFrame(f Format, buf []int16) Frame {
	n := 0
	if f.Channels > 0 {
		n = len(buf) / f.Channels
	}
	return Frame{Format: f, Samples: buf, SampleCount: n}
}

// BitsPerSample is always [SampleBits].
func (fr Frame) BitsPerSample() int { return SampleBits }

// ByteLen returns SampleCount × Channels × BitsPerSample / 8.
func (fr Frame) ByteLen() int {
	return fr.SampleCount * fr.Channels * fr.BitsPerSample() / 8
}

// Len returns the number of interleaved samples the frame covers.
func (fr Frame) Len() int { return fr.SampleCount * fr.Channels }

// Data returns the interleaved samples covered by SampleCount. The returned
// slice aliases Samples.
func (fr Frame) Data() []int16 {
	n := fr.Len()
	if n > len(fr.Samples) {
		n = len(fr.Samples)
	}
	return fr.Samples[:n]
}

// Duration returns the playback time of the frame.
func (fr Frame) Duration() time.Duration { return fr.Format.Duration(fr.SampleCount) }

// Validate checks the format and that the buffer is large enough for
// SampleCount periods.
func (fr Frame) Validate() error {
	if err := fr.Format.Validate(); err != nil {
		return err
	}
	if fr.SampleCount < 0 {
		return fmt.Errorf("%w: negative sample count %d", ErrInvalidFrame, fr.SampleCount)
	}
	if need := fr.Len(); len(fr.Samples) < need {
		return fmt.Errorf("%w: buffer holds %d samples, need %d", ErrInvalidFrame, len(fr.Samples), need)
	}
	return nil
}

// Clone returns a frame that owns a copy of the covered samples.
func (fr Frame) Clone() Frame {
	data := fr.Data()
	cp := make([]int16, len(data))
	copy(cp, data)
	return Frame{Format: fr.Format, Samples: cp, SampleCount: fr.SampleCount}
}

// AppendBytes appends the covered samples to dst as little-endian bytes.
func (fr Frame) AppendBytes(dst []byte) []byte {
	for _, s := range fr.Data() {
		dst = binary.LittleEndian.AppendUint16(dst, uint16(s))
	}
	return dst
}

// Int16sToBytes encodes samples as little-endian 16-bit PCM.
func Int16sToBytes(samples []int16) []byte {
	out := make([]byte, len(samples)*2)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(out[i*2:], uint16(s))
	}
	return out
}

// BytesToInt16s decodes little-endian 16-bit PCM. A trailing odd byte is
// ignored.
func BytesToInt16s(pcm []byte) []int16 {
	out := make([]int16, len(pcm)/2)
	for i := range out {
		out[i] = int16(binary.LittleEndian.Uint16(pcm[i*2:]))
	}
	return out
}

// Silence zeroes buf.
func Silence(buf []int16) {
	clear(buf)
}
