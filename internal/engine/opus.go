package engine

import (
	"errors"
	"fmt"

	"layeh.com/gopus"

	"github.com/MrWong99/pcmbus/pkg/audio"
)

const (
	// opusFrameMs is the packet duration.
	opusFrameMs = 20

	// maxPacketBytes bounds one encoded packet.
	maxPacketBytes = 4000

	// DefaultBitrate is the Opus target bitrate in bits per second.
	DefaultBitrate = 32000
)

// ErrUnsupportedRate is returned for sample rates Opus cannot encode.
var ErrUnsupportedRate = errors.New("engine: sample rate not supported by opus")

// OpusRate reports whether Opus supports the sample rate.
func OpusRate(rate int) bool {
	switch rate {
	case 8000, 12000, 16000, 24000, 48000:
		return true
	}
	return false
}

// opusEncoder packs engine-format PCM into 20 ms Opus packets. Partial
// frames are kept until the next write.
type opusEncoder struct {
	enc     *gopus.Encoder
	ch      int
	frame   int // samples per channel per packet
	pending []int16
}

func newOpusEncoder(f audio.Format, bitrate int) (*opusEncoder, error) {
	if !OpusRate(f.SampleRate) {
		return nil, fmt.Errorf("%w: %d", ErrUnsupportedRate, f.SampleRate)
	}
	enc, err := gopus.NewEncoder(f.SampleRate, f.Channels, gopus.Voip)
	if err != nil {
		return nil, fmt.Errorf("engine: create opus encoder: %w", err)
	}
	if bitrate > 0 {
		enc.SetBitrate(bitrate)
	}
	return &opusEncoder{
		enc:   enc,
		ch:    f.Channels,
		frame: f.SampleRate * opusFrameMs / 1000,
	}, nil
}

// encode appends pcm and returns every complete packet.
func (e *opusEncoder) encode(pcm []int16) ([][]byte, error) {
	e.pending = append(e.pending, pcm...)
	step := e.frame * e.ch
	var packets [][]byte
	for len(e.pending) >= step {
		p, err := e.enc.Encode(e.pending[:step], e.frame, maxPacketBytes)
		e.pending = e.pending[step:]
		if err != nil {
			return packets, fmt.Errorf("engine: opus encode: %w", err)
		}
		packets = append(packets, p)
	}
	if len(e.pending) == 0 {
		e.pending = nil
	}
	return packets, nil
}

// opusDecoder turns packets back into engine-format PCM.
type opusDecoder struct {
	dec   *gopus.Decoder
	frame int
}

func newOpusDecoder(f audio.Format) (*opusDecoder, error) {
	if !OpusRate(f.SampleRate) {
		return nil, fmt.Errorf("%w: %d", ErrUnsupportedRate, f.SampleRate)
	}
	dec, err := gopus.NewDecoder(f.SampleRate, f.Channels)
	if err != nil {
		return nil, fmt.Errorf("engine: create opus decoder: %w", err)
	}
	return &opusDecoder{dec: dec, frame: f.SampleRate * opusFrameMs / 1000}, nil
}

func (d *opusDecoder) decode(packet []byte) ([]int16, error) {
	pcm, err := d.dec.Decode(packet, d.frame, false)
	if err != nil {
		return nil, fmt.Errorf("engine: opus decode: %w", err)
	}
	return pcm, nil
}
