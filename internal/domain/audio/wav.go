package audio

import (
	"fmt"
	"math"
	"os"
	"path/filepath"

	goaudio "github.com/go-audio/audio"
	"github.com/go-audio/wav"
)

const (
	wavBitDepth  = 16
	wavPCMFormat = 1
)

// ReadWAV decodes a PCM WAV file, averaging channels down to mono.
func ReadWAV(path string) (Clip, error) {
	f, err := os.Open(path)
	if err != nil {
		return Clip{}, err
	}
	defer f.Close()

	d := wav.NewDecoder(f)
	if !d.IsValidFile() {
		return Clip{}, fmt.Errorf("read wav %s: not a valid wav file", path)
	}
	buf, err := d.FullPCMBuffer()
	if err != nil {
		return Clip{}, fmt.Errorf("read wav %s: %w", path, err)
	}
	if buf.Format == nil || buf.Format.SampleRate <= 0 {
		return Clip{}, fmt.Errorf("read wav %s: missing format", path)
	}

	chans := buf.Format.NumChannels
	if chans <= 0 {
		chans = 1
	}
	depth := buf.SourceBitDepth
	if depth <= 0 {
		depth = int(d.BitDepth)
	}
	scale := math.Pow(2, float64(depth-1))

	frames := len(buf.Data) / chans
	out := make([]float64, frames)
	for i := 0; i < frames; i++ {
		var sum float64
		for c := 0; c < chans; c++ {
			sum += float64(buf.Data[i*chans+c])
		}
		out[i] = sum / float64(chans) / scale
	}
	return Clip{Samples: out, SampleRate: buf.Format.SampleRate}, nil
}

// WriteWAV writes c as 16-bit mono PCM, creating parent directories.
func WriteWAV(path string, c Clip) error {
	if c.SampleRate <= 0 {
		return fmt.Errorf("write wav %s: sample rate must be > 0", path)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	f, err := os.Create(path)
	if err != nil {
		return err
	}

	maxv := math.Pow(2, wavBitDepth-1) - 1
	data := make([]int, len(c.Samples))
	for i, s := range c.Samples {
		v := math.Round(s * maxv)
		if v > maxv {
			v = maxv
		}
		if v < -maxv-1 {
			v = -maxv - 1
		}
		data[i] = int(v)
	}

	enc := wav.NewEncoder(f, c.SampleRate, wavBitDepth, 1, wavPCMFormat)
	buf := &goaudio.IntBuffer{
		Format:         &goaudio.Format{NumChannels: 1, SampleRate: c.SampleRate},
		Data:           data,
		SourceBitDepth: wavBitDepth,
	}
	if err := enc.Write(buf); err != nil {
		f.Close()
		return fmt.Errorf("write wav %s: %w", path, err)
	}
	if err := enc.Close(); err != nil {
		f.Close()
		return fmt.Errorf("write wav %s: %w", path, err)
	}
	return f.Close()
}

// WAVDuration returns the length in seconds computed from the data chunk size,
// without decoding samples.
func WAVDuration(path string) (float64, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer f.Close()

	d := wav.NewDecoder(f)
	if !d.IsValidFile() {
		return 0, fmt.Errorf("read wav %s: not a valid wav file", path)
	}
	if err := d.FwdToPCM(); err != nil {
		return 0, fmt.Errorf("read wav %s: %w", path, err)
	}
	bytesPerSec := int(d.SampleRate) * int(d.NumChans) * int(d.BitDepth) / 8
	if bytesPerSec <= 0 {
		return 0, fmt.Errorf("read wav %s: missing format", path)
	}
	return float64(d.PCMSize) / float64(bytesPerSec), nil
}
