package audio

import (
	"errors"
	"math"
)

var ErrEmptySource = errors.New("audio: empty source clip")

// Clip is mono PCM audio normalized to [-1, 1].
type Clip struct {
	Samples    []float64
	SampleRate int
}

func (c Clip) Len() int { return len(c.Samples) }

func (c Clip) Duration() float64 {
	if c.SampleRate <= 0 {
		return 0
	}
	return float64(len(c.Samples)) / float64(c.SampleRate)
}

// TargetSamples is round(sec * rate).
func TargetSamples(sec float64, rate int) int {
	if sec <= 0 || rate <= 0 {
		return 0
	}
	return int(math.Round(sec * float64(rate)))
}

// BuildFixedDuration cuts src to the target duration, or tiles it and then cuts
// when src is shorter. Loop boundaries are hard seams.
func BuildFixedDuration(src Clip, targetSec float64) (Clip, error) {
	if src.Len() == 0 || src.SampleRate <= 0 {
		return Clip{}, ErrEmptySource
	}
	n := TargetSamples(targetSec, src.SampleRate)
	out := make([]float64, n)
	if src.Len() >= n {
		copy(out, src.Samples[:n])
		return Clip{Samples: out, SampleRate: src.SampleRate}, nil
	}
	for off := 0; off < n; off += src.Len() {
		copy(out[off:], src.Samples)
	}
	return Clip{Samples: out, SampleRate: src.SampleRate}, nil
}

// BuildByConcatenation appends pool clips in the given order until the target
// duration is reached. sampleRate fixes the session rate; zero adopts the rate of
// the first usable candidate. Candidates at another rate are dropped. The second
// return value is false when no candidate contributed any samples.
func BuildByConcatenation(pool []Clip, targetSec float64, sampleRate int) (Clip, bool) {
	rate := sampleRate
	var out []float64
	n := -1
	for _, c := range pool {
		if c.Len() == 0 || c.SampleRate <= 0 {
			continue
		}
		if rate == 0 {
			rate = c.SampleRate
		}
		if c.SampleRate != rate {
			continue
		}
		if n < 0 {
			n = TargetSamples(targetSec, rate)
			out = make([]float64, 0, n)
		}
		out = append(out, c.Samples...)
		if len(out) >= n {
			break
		}
	}
	if len(out) == 0 {
		return Clip{}, false
	}
	if len(out) > n {
		out = out[:n]
	}
	return Clip{Samples: out, SampleRate: rate}, true
}
