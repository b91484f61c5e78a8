//go:build integration

package itest

import (
	"context"
	"fmt"
	"math"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"go.uber.org/zap/zaptest"

	"github.com/forPelevin/s2steval/internal/config"
	"github.com/forPelevin/s2steval/internal/pipeline"
)

var sentences = []string{
	"Here is the key idea.",
	"Step one is to measure the results carefully.",
	"This part of the experiment is important.",
}

// TestE2E needs ffmpeg, espeak-ng, an OpenRouter key and the speech services
// named by S2STEVAL_TTS_URL and S2STEVAL_EMBED_URL.
func TestE2E(t *testing.T) {
	if os.Getenv("OPENROUTER_API_KEY") == "" {
		t.Fatalf("OPENROUTER_API_KEY is required for itest")
	}

	tmp := t.TempDir()
	lang := filepath.Join(tmp, "corpus", "en")
	if err := os.MkdirAll(filepath.Join(lang, "clips"), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}

	var tsv strings.Builder
	tsv.WriteString("client_id\tpath\tsentence\tup_votes\tdown_votes\n")
	for i, text := range sentences {
		wav := filepath.Join(tmp, fmt.Sprintf("s%d.wav", i))
		if b, err := exec.Command("espeak-ng", "-w", wav, text).CombinedOutput(); err != nil {
			t.Fatalf("espeak-ng failed: %v\n%s", err, string(b))
		}
		// mp3 clips exercise the conversion cache
		name := fmt.Sprintf("s%d.mp3", i)
		ff := exec.Command("ffmpeg", "-y", "-i", wav, filepath.Join(lang, "clips", name))
		if b, err := ff.CombinedOutput(); err != nil {
			t.Fatalf("ffmpeg fixture failed: %v\n%s", err, string(b))
		}
		fmt.Fprintf(&tsv, "spk%d\t%s\t%s\t1\t0\n", i, name, text)
	}
	if err := os.WriteFile(filepath.Join(lang, "dev.tsv"), []byte(tsv.String()), 0o644); err != nil {
		t.Fatalf("write tsv: %v", err)
	}

	cfg, err := config.Load(config.DefaultPath)
	if err != nil {
		t.Fatalf("config: %v", err)
	}
	cfg.Corpus.Root = filepath.Join(tmp, "corpus")
	cfg.Setup.OutputDir = filepath.Join(tmp, "experiment")
	cfg.Setup.Subjects = 2
	cfg.Setup.Durations = []float64{2, 4}
	cfg.Run.ResultsCSV = filepath.Join(tmp, "results.csv")
	cfg.Run.SQLitePath = filepath.Join(tmp, "results.db")
	cfg.Tools.CacheDir = filepath.Join(tmp, "cache")
	if err := cfg.Validate(); err != nil {
		t.Fatalf("config: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Minute)
	defer cancel()
	log := zaptest.NewLogger(t)

	m, err := pipeline.Setup(ctx, cfg, log)
	if err != nil {
		t.Fatalf("setup failed: %v", err)
	}
	if len(m.Entries) != 4 {
		t.Fatalf("expected 4 entries, got %d", len(m.Entries))
	}
	for _, e := range m.Entries {
		for _, r := range e.References {
			got, err := probeDurationSeconds(r.Path)
			if err != nil {
				t.Fatalf("probe %s: %v", r.Path, err)
			}
			if math.Abs(got-r.DurationSec) > 0.01 {
				t.Fatalf("reference %s: expected %gs, got %gs", r.Path, r.DurationSec, got)
			}
		}
	}

	sum, err := pipeline.Run(ctx, cfg, log)
	if err != nil {
		t.Fatalf("run failed: %v", err)
	}
	if sum.Records == 0 {
		t.Fatalf("expected scored records")
	}
	if _, err := os.Stat(cfg.Run.ResultsCSV); err != nil {
		t.Fatalf("missing results: %v", err)
	}
}
