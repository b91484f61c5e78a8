package whispercpp

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/forPelevin/s2steval/internal/types"
)

type Adapter struct {
	bin   string
	model string
}

func New(binPath, modelPath string) *Adapter {
	return &Adapter{bin: binPath, model: modelPath}
}

func (a *Adapter) Transcribe(ctx context.Context, wavPath string, language types.Language) (string, error) {
	if _, err := os.Stat(wavPath); err != nil {
		return "", fmt.Errorf("%w: audio file not found: %s", types.ErrMissingResource, wavPath)
	}

	workDir, err := os.MkdirTemp("", "whisper-")
	if err != nil {
		return "", err
	}
	defer os.RemoveAll(workDir)

	outPrefix := filepath.Join(workDir, "whisper")
	cmd := exec.CommandContext(ctx, a.bin, a.args(wavPath, outPrefix, language)...)
	b, err := cmd.CombinedOutput()
	if err != nil {
		return "", fmt.Errorf("whisper.cpp failed: %w\n%s", err, string(b))
	}

	jb, err := os.ReadFile(outPrefix + ".json")
	if err != nil {
		return "", err
	}
	return parseOutput(jb)
}

func (a *Adapter) args(wavPath, outPrefix string, language types.Language) []string {
	args := []string{
		"-m", a.model,
		"-f", wavPath,
		"-oj",
		"-of", outPrefix,
	}
	if language != "" {
		args = append(args, "-l", string(language))
	}
	return args
}

// whisper.cpp -oj writes {"transcription": [{"text": ...}]}; older builds and
// the python wrapper use {"segments": [...]}.
func parseOutput(b []byte) (string, error) {
	var raw struct {
		Transcription []types.Segment `json:"transcription"`
		Segments      []types.Segment `json:"segments"`
	}
	if err := json.Unmarshal(b, &raw); err != nil {
		return "", fmt.Errorf("decode whisper output: %w", err)
	}
	tr := types.Transcript{Segments: raw.Segments}
	if len(raw.Transcription) > 0 {
		tr.Segments = raw.Transcription
	}
	return strings.TrimSpace(tr.Text()), nil
}
