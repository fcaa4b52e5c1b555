// Package audio encodes synthesized samples into the container formats the
// gateway serves and inspects reference audio handed to the engine.
package audio

import (
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/go-audio/aiff"
	goaudio "github.com/go-audio/audio"
	"github.com/go-audio/wav"
	"github.com/mewkiz/flac"
	"github.com/mewkiz/flac/frame"
	"github.com/mewkiz/flac/meta"
)

const (
	numChannels   = 1
	bitsPerSample = 16
	wavPCMFormat  = 1
	flacBlockSize = 4096
)

// ErrUnsupportedMediaType is returned for media types without an encoder.
var ErrUnsupportedMediaType = errors.New("unsupported media type")

type MediaType string

const (
	WAV  MediaType = "wav"
	Raw  MediaType = "raw"
	AIFF MediaType = "aiff"
	FLAC MediaType = "flac"
)

// ParseMediaType accepts the media_type request field.
func ParseMediaType(name string) (MediaType, error) {
	switch m := MediaType(strings.ToLower(strings.TrimSpace(name))); m {
	case WAV, Raw, AIFF, FLAC:
		return m, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnsupportedMediaType, name)
	}
}

// ContentType is the value served in the Content-Type header.
func (m MediaType) ContentType() string {
	return "audio/" + string(m)
}

// Encode renders one complete clip in the given container.
func Encode(format MediaType, sampleRate int, samples []float32) ([]byte, error) {
	switch format {
	case WAV:
		buf := &seekBuffer{}
		if err := EncodeWAV(buf, sampleRate, samples); err != nil {
			return nil, err
		}
		return buf.Bytes(), nil
	case Raw:
		return PCM16(samples), nil
	case AIFF:
		buf := &seekBuffer{}
		if err := EncodeAIFF(buf, sampleRate, samples); err != nil {
			return nil, err
		}
		return buf.Bytes(), nil
	case FLAC:
		buf := &seekBuffer{}
		if err := EncodeFLAC(buf, sampleRate, samples); err != nil {
			return nil, err
		}
		return buf.Bytes(), nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedMediaType, string(format))
	}
}

func intBuffer(sampleRate int, samples []float32) *goaudio.IntBuffer {
	pcm := Float32ToInt16(samples)
	data := make([]int, len(pcm))
	for i, s := range pcm {
		data[i] = int(s)
	}
	return &goaudio.IntBuffer{
		Format:         &goaudio.Format{NumChannels: numChannels, SampleRate: sampleRate},
		Data:           data,
		SourceBitDepth: bitsPerSample,
	}
}

// EncodeWAV writes a 16-bit mono PCM WAV file.
func EncodeWAV(w io.WriteSeeker, sampleRate int, samples []float32) error {
	if sampleRate <= 0 {
		return fmt.Errorf("invalid sample rate %d", sampleRate)
	}
	buffer := intBuffer(sampleRate, samples)

	enc := wav.NewEncoder(w, sampleRate, bitsPerSample, numChannels, wavPCMFormat)
	if err := enc.Write(buffer); err != nil {
		return fmt.Errorf("write wav: %w", err)
	}
	if err := enc.Close(); err != nil {
		return fmt.Errorf("close wav encoder: %w", err)
	}
	return nil
}

// EncodeAIFF writes a 16-bit mono AIFF file.
func EncodeAIFF(w io.WriteSeeker, sampleRate int, samples []float32) error {
	if sampleRate <= 0 {
		return fmt.Errorf("invalid sample rate %d", sampleRate)
	}
	enc := aiff.NewEncoder(w, sampleRate, bitsPerSample, numChannels)
	if err := enc.Write(intBuffer(sampleRate, samples)); err != nil {
		return fmt.Errorf("write aiff: %w", err)
	}
	if err := enc.Close(); err != nil {
		return fmt.Errorf("close aiff encoder: %w", err)
	}
	return nil
}

// EncodeFLAC writes a 16-bit mono FLAC stream using verbatim subframes.
func EncodeFLAC(w io.Writer, sampleRate int, samples []float32) error {
	if sampleRate <= 0 {
		return fmt.Errorf("invalid sample rate %d", sampleRate)
	}
	info := &meta.StreamInfo{
		BlockSizeMin:  flacBlockSize,
		BlockSizeMax:  flacBlockSize,
		SampleRate:    uint32(sampleRate),
		NChannels:     numChannels,
		BitsPerSample: bitsPerSample,
		NSamples:      uint64(len(samples)),
	}
	enc, err := flac.NewEncoder(w, info)
	if err != nil {
		return fmt.Errorf("open flac encoder: %w", err)
	}

	pcm := Float32ToInt16(samples)
	for num, off := 0, 0; off < len(pcm); num++ {
		end := min(off+flacBlockSize, len(pcm))
		block := make([]int32, end-off)
		for i, s := range pcm[off:end] {
			block[i] = int32(s)
		}
		f := &frame.Frame{
			Header: frame.Header{
				HasFixedBlockSize: true,
				BlockSize:         uint16(len(block)),
				SampleRate:        uint32(sampleRate),
				Channels:          frame.ChannelsMono,
				BitsPerSample:     bitsPerSample,
				Num:               uint64(num),
			},
			Subframes: []*frame.Subframe{{
				SubHeader: frame.SubHeader{Pred: frame.PredVerbatim},
				Samples:   block,
				NSamples:  len(block),
			}},
		}
		if err := enc.WriteFrame(f); err != nil {
			return fmt.Errorf("write flac frame: %w", err)
		}
		off = end
	}
	if err := enc.Close(); err != nil {
		return fmt.Errorf("close flac encoder: %w", err)
	}
	return nil
}
