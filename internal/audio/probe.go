package audio

import (
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/go-audio/wav"
	"github.com/hajimehoshi/go-mp3"
)

// ErrUnknownFormat is returned when a file is neither WAV nor MP3.
var ErrUnknownFormat = errors.New("unrecognized audio format")

// Info describes a reference audio file.
type Info struct {
	Format     string
	SampleRate int
	Channels   int
	Duration   time.Duration
}

// Probe reads the header of a WAV or MP3 file and reports its length.
func Probe(path string) (Info, error) {
	f, err := os.Open(path)
	if err != nil {
		return Info{}, err
	}
	defer f.Close()

	if info, ok, err := probeWAV(f); ok || err != nil {
		return info, err
	}
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return Info{}, err
	}
	info, err := probeMP3(f)
	if err != nil {
		return Info{}, fmt.Errorf("%w: %s", ErrUnknownFormat, path)
	}
	return info, nil
}

func probeWAV(r io.ReadSeeker) (Info, bool, error) {
	dec := wav.NewDecoder(r)
	if !dec.IsValidFile() {
		return Info{}, false, nil
	}
	if err := dec.FwdToPCM(); err != nil {
		return Info{}, true, fmt.Errorf("read wav data chunk: %w", err)
	}
	frameSize := int64(dec.NumChans) * int64(dec.BitDepth) / 8
	if frameSize <= 0 || dec.SampleRate == 0 {
		return Info{}, true, errors.New("wav header has zero sample size")
	}
	frames := dec.PCMLen() / frameSize
	return Info{
		Format:     "wav",
		SampleRate: int(dec.SampleRate),
		Channels:   int(dec.NumChans),
		Duration:   time.Duration(frames) * time.Second / time.Duration(dec.SampleRate),
	}, true, nil
}

func probeMP3(r io.Reader) (Info, error) {
	dec, err := mp3.NewDecoder(r)
	if err != nil {
		return Info{}, err
	}
	rate := dec.SampleRate()
	if rate <= 0 {
		return Info{}, errors.New("mp3 stream has no sample rate")
	}
	// go-mp3 always decodes to 16-bit stereo.
	frames := dec.Length() / 4
	if frames < 0 {
		frames = 0
	}
	return Info{
		Format:     "mp3",
		SampleRate: rate,
		Channels:   2,
		Duration:   time.Duration(frames) * time.Second / time.Duration(rate),
	}, nil
}
