// Package wavio provides WAV-file capture sources and render sinks for the
// software [device.Device]: a [FileSource] that plays a clip as if it were a
// microphone, and a [FileSink] that records rendered audio to disk.
package wavio

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"
	"time"

	goaudio "github.com/go-audio/audio"
	"github.com/go-audio/wav"
	"github.com/google/uuid"

	"github.com/MrWong99/pcmbus/pkg/audio"
	"github.com/MrWong99/pcmbus/pkg/audio/device"
)

// ErrInvalidFile is returned when a file is not a decodable WAV file.
var ErrInvalidFile = errors.New("wavio: invalid wav file")

// Clip is a fully decoded WAV file.
type Clip struct {
	Format  audio.Format
	Samples []int16
}

// Duration returns the clip length.
func (c *Clip) Duration() time.Duration {
	if c.Format.Channels == 0 {
		return 0
	}
	return c.Format.Duration(len(c.Samples) / c.Format.Channels)
}

// Load decodes the WAV file at path.
func Load(path string) (*Clip, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("wavio: open %q: %w", path, err)
	}
	defer f.Close()
	clip, err := Decode(f)
	if err != nil {
		return nil, fmt.Errorf("wavio: decode %q: %w", path, err)
	}
	return clip, nil
}

// Decode reads a complete WAV stream. Samples of other bit depths are scaled
// to 16 bits.
func Decode(r io.ReadSeeker) (*Clip, error) {
	dec := wav.NewDecoder(r)
	if !dec.IsValidFile() {
		if err := dec.Err(); err != nil {
			return nil, fmt.Errorf("%w: %w", ErrInvalidFile, err)
		}
		return nil, ErrInvalidFile
	}
	buf, err := dec.FullPCMBuffer()
	if err != nil {
		return nil, err
	}
	depth := int(dec.BitDepth)
	if buf.SourceBitDepth > 0 {
		depth = buf.SourceBitDepth
	}
	samples := make([]int16, len(buf.Data))
	for i, v := range buf.Data {
		samples[i] = scaleTo16(v, depth)
	}
	return &Clip{
		Format:  audio.Format{SampleRate: int(dec.SampleRate), Channels: int(dec.NumChans)},
		Samples: samples,
	}, nil
}

func scaleTo16(v, depth int) int16 {
	switch {
	case depth == 8:
		// 8-bit WAV is unsigned.
		return int16((v - 128) << 8)
	case depth > 16:
		return int16(v >> (depth - 16))
	default:
		return int16(v)
	}
}

// ─── FileSource ───────────────────────────────────────────────────────────────

// FileSource plays a [Clip] as a capture source. The clip is converted to the
// device capture format on Open.
type FileSource struct {
	clip *Clip
	loop bool

	log    *slog.Logger
	data   []int16
	pos    int
	format audio.Format
}

// NewFileSource returns a source playing clip. With loop set, playback wraps
// around instead of returning io.EOF.
func NewFileSource(clip *Clip, loop bool) *FileSource {
	return &FileSource{
		clip: clip,
		loop: loop,
		log:  slog.Default().With("component", "wavio", "source_id", uuid.NewString()),
	}
}

// Open implements [device.Source].
func (s *FileSource) Open(f audio.Format) error {
	if err := f.Validate(); err != nil {
		return err
	}
	if s.clip == nil || len(s.clip.Samples) == 0 {
		return fmt.Errorf("wavio: empty clip")
	}
	conv := audio.Converter{Target: f}
	s.data = conv.Convert(audio.NewFrame(s.clip.Format, s.clip.Samples))
	s.pos = 0
	s.format = f
	s.log.Debug("file source opened",
		"clip_format", s.clip.Format.String(),
		"format", f.String(),
		"duration", s.clip.Duration(),
	)
	return nil
}

// Read implements [device.Source].
func (s *FileSource) Read(buf []int16) (int, error) {
	ch := s.format.Channels
	if ch == 0 {
		return 0, io.ErrClosedPipe
	}
	want := (len(buf) / ch) * ch
	n := 0
	for n < want {
		if s.pos >= len(s.data) {
			if !s.loop || len(s.data) == 0 {
				break
			}
			s.pos = 0
		}
		c := copy(buf[n:want], s.data[s.pos:])
		s.pos += c
		n += c
	}
	if n == 0 {
		return 0, io.EOF
	}
	return n / ch, nil
}

// Latency implements [device.Source].
func (s *FileSource) Latency() time.Duration { return 0 }

// Close implements [device.Source].
func (s *FileSource) Close() error {
	s.data = nil
	s.format = audio.Format{}
	return nil
}

// Rewind restarts playback from the beginning. Call it only while the source
// is not being read.
func (s *FileSource) Rewind() { s.pos = 0 }

// ─── FileSink ─────────────────────────────────────────────────────────────────

// FileSink records rendered audio to a 16-bit PCM WAV file. The file is
// created on Open and finalised on Close; each Open truncates it.
type FileSink struct {
	path string

	mu     sync.Mutex
	file   *os.File
	enc    *wav.Encoder
	format audio.Format
	ibuf   []int
}

// NewFileSink returns a sink writing to path.
func NewFileSink(path string) *FileSink {
	return &FileSink{path: path}
}

// Open implements [device.Sink].
func (s *FileSink) Open(f audio.Format) error {
	if err := f.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.enc != nil {
		return fmt.Errorf("wavio: %q already open", s.path)
	}
	fh, err := os.Create(s.path)
	if err != nil {
		return fmt.Errorf("wavio: create %q: %w", s.path, err)
	}
	s.file = fh
	s.enc = wav.NewEncoder(fh, f.SampleRate, audio.SampleBits, f.Channels, 1)
	s.format = f
	return nil
}

// Write implements [device.Sink].
func (s *FileSink) Write(buf []int16) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.enc == nil {
		return io.ErrClosedPipe
	}
	if cap(s.ibuf) < len(buf) {
		s.ibuf = make([]int, len(buf))
	}
	s.ibuf = s.ibuf[:len(buf)]
	for i, v := range buf {
		s.ibuf[i] = int(v)
	}
	return s.enc.Write(&goaudio.IntBuffer{
		Format: &goaudio.Format{
			SampleRate:  s.format.SampleRate,
			NumChannels: s.format.Channels,
		},
		Data:           s.ibuf,
		SourceBitDepth: audio.SampleBits,
	})
}

// Latency implements [device.Sink].
func (s *FileSink) Latency() time.Duration { return 0 }

// Close implements [device.Sink]. It finalises the WAV header.
func (s *FileSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.enc == nil {
		return nil
	}
	err := s.enc.Close()
	if cerr := s.file.Close(); err == nil {
		err = cerr
	}
	s.enc = nil
	s.file = nil
	return err
}

var (
	_ device.Source = (*FileSource)(nil)
	_ device.Sink   = (*FileSink)(nil)
)
