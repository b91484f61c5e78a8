package media

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/forPelevin/s2steval/internal/domain/audio"
	"github.com/forPelevin/s2steval/internal/ports"
	"github.com/forPelevin/s2steval/internal/types"
)

// Loader decodes corpus audio into clips. WAV files are read directly;
// anything else is converted once into cacheDir.
type Loader struct {
	conv     ports.AudioConverter
	probe    ports.DurationProber
	cacheDir string
}

func NewLoader(conv ports.AudioConverter, probe ports.DurationProber, cacheDir string) *Loader {
	if cacheDir == "" {
		cacheDir = filepath.Join(".cache", "audio")
	}
	return &Loader{conv: conv, probe: probe, cacheDir: cacheDir}
}

func (l *Loader) Load(ctx context.Context, path string) (audio.Clip, error) {
	wavPath, err := l.wavFor(ctx, path)
	if err != nil {
		return audio.Clip{}, err
	}
	return audio.ReadWAV(wavPath)
}

// Duration returns the clip length in seconds.
func (l *Loader) Duration(ctx context.Context, path string) (float64, error) {
	if _, err := os.Stat(path); err != nil {
		return 0, fmt.Errorf("%w: %s", types.ErrMissingResource, path)
	}
	if isWAV(path) {
		return audio.WAVDuration(path)
	}
	if l.probe == nil {
		return 0, fmt.Errorf("no duration prober for %s", path)
	}
	d, err := l.probe.ProbeDuration(ctx, path)
	if err != nil {
		return 0, err
	}
	return d.Seconds(), nil
}

func (l *Loader) wavFor(ctx context.Context, path string) (string, error) {
	if _, err := os.Stat(path); err != nil {
		return "", fmt.Errorf("%w: %s", types.ErrMissingResource, path)
	}
	if isWAV(path) {
		return path, nil
	}
	if l.conv == nil {
		return "", fmt.Errorf("no audio converter for %s", path)
	}

	out := filepath.Join(l.cacheDir, cacheKey(path)+".wav")
	if st, err := os.Stat(out); err == nil && st.Size() > 0 {
		return out, nil
	}
	// ffmpeg picks the container from the extension, so the partial file keeps .wav.
	tmp := strings.TrimSuffix(out, ".wav") + ".partial.wav"
	if err := l.conv.ExtractAudioMono16k(ctx, path, tmp); err != nil {
		_ = os.Remove(tmp)
		return "", err
	}
	if err := os.Rename(tmp, out); err != nil {
		_ = os.Remove(tmp)
		return "", err
	}
	return out, nil
}

func isWAV(path string) bool {
	return strings.EqualFold(filepath.Ext(path), ".wav")
}

func cacheKey(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])[:12]
}
