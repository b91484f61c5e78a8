package pipeline

import (
	"context"
	"encoding/csv"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/forPelevin/s2steval/internal/config"
	"github.com/forPelevin/s2steval/internal/domain/audio"
	"github.com/forPelevin/s2steval/internal/domain/similarity"
	"github.com/forPelevin/s2steval/internal/runner"
	"github.com/forPelevin/s2steval/internal/setup"
	"github.com/forPelevin/s2steval/internal/store"
	"github.com/forPelevin/s2steval/internal/types"
)

const rate = 16000

func writeClip(t *testing.T, path string, sec float64) {
	t.Helper()
	n := int(sec * rate)
	s := make([]float64, n)
	for i := range s {
		s[i] = float64(i%100)/100 - 0.5
	}
	require.NoError(t, audio.WriteWAV(path, audio.Clip{Samples: s, SampleRate: rate}))
}

// writeCorpus lays out a CommonVoice-style en/dev split with WAV clips.
func writeCorpus(t *testing.T, root string) {
	t.Helper()
	lang := filepath.Join(root, "en")
	require.NoError(t, os.MkdirAll(filepath.Join(lang, "clips"), 0o755))
	var b strings.Builder
	b.WriteString("client_id\tpath\tsentence\tup_votes\tdown_votes\n")
	for i := 0; i < 4; i++ {
		name := fmt.Sprintf("c%d.wav", i)
		writeClip(t, filepath.Join(lang, "clips", name), 2)
		fmt.Fprintf(&b, "spk%d\t%s\tsentence number %d\t1\t0\n", i, name, i)
	}
	// too short to be a subject
	writeClip(t, filepath.Join(lang, "clips", "short.wav"), 0.5)
	b.WriteString("spk9\tshort.wav\tshort\t1\t0\n")
	require.NoError(t, os.WriteFile(filepath.Join(lang, "dev.tsv"), []byte(b.String()), 0o644))
}

func testConfig(t *testing.T) config.Config {
	dir := t.TempDir()
	cfg := config.Default()
	cfg.Corpus.Root = filepath.Join(dir, "corpus")
	cfg.Setup.OutputDir = filepath.Join(dir, "experiment")
	cfg.Setup.Durations = []float64{1, 3}
	cfg.Setup.Subjects = 2
	cfg.Run.ResultsCSV = filepath.Join(dir, "results.csv")
	cfg.Run.SQLitePath = filepath.Join(dir, "results.db")
	cfg.Run.MetricsTextfile = filepath.Join(dir, "metrics.prom")
	cfg.Run.Workers = 2
	cfg.Tools.CacheDir = filepath.Join(dir, "cache")
	writeCorpus(t, cfg.Corpus.Root)
	return cfg
}

type fakeTranslator struct{}

func (fakeTranslator) Translate(_ context.Context, text string, target types.Language) (string, error) {
	return string(target) + ": " + text, nil
}

type fakeSynth struct{}

func (fakeSynth) Synthesize(_ context.Context, text string, _ types.Language, outPath, _ string) (string, error) {
	return outPath, os.WriteFile(outPath, []byte(text), 0o644)
}

type fakeEmbedder struct{}

func (fakeEmbedder) Embed(context.Context, string) (similarity.Tensor, error) {
	return similarity.Tensor{Shape: []int{2}, Data: []float64{1, 1}}, nil
}

func fakeDeps() runner.Deps {
	return runner.Deps{Translator: fakeTranslator{}, Synthesizer: fakeSynth{}, Embedder: fakeEmbedder{}}
}

func TestSetup_WritesManifestAndReferences(t *testing.T) {
	cfg := testConfig(t)

	m, err := Setup(context.Background(), cfg, zaptest.NewLogger(t))
	require.NoError(t, err)
	require.Len(t, m.Entries, 4)

	onDisk, err := setup.ReadManifest(ManifestPath(cfg))
	require.NoError(t, err)
	assert.Equal(t, m, onDisk)

	for _, e := range m.Entries {
		assert.NotContains(t, e.TestInputPath, "short.wav")
		require.Len(t, e.References, 1)
		d, err := audio.WAVDuration(e.References[0].Path)
		require.NoError(t, err)
		assert.InDelta(t, e.References[0].DurationSec, d, 1.0/rate)
	}
}

func TestSetup_MissingCorpusIsFatal(t *testing.T) {
	cfg := testConfig(t)
	cfg.Corpus.Root = filepath.Join(t.TempDir(), "nowhere")

	_, err := Setup(context.Background(), cfg, zaptest.NewLogger(t))
	require.Error(t, err)
	_, statErr := os.Stat(ManifestPath(cfg))
	assert.True(t, os.IsNotExist(statErr))
}

func TestRunManifest_PersistsAllSinks(t *testing.T) {
	cfg := testConfig(t)
	log := zaptest.NewLogger(t)
	m, err := Setup(context.Background(), cfg, log)
	require.NoError(t, err)

	sum, err := RunManifest(context.Background(), cfg, m, fakeDeps(), log)
	require.NoError(t, err)
	assert.Equal(t, 4, sum.Records)
	assert.NotEmpty(t, sum.RunID)
	require.Len(t, sum.ByDuration, 2)
	for _, d := range sum.ByDuration {
		assert.Equal(t, 2, d.N)
		assert.InDelta(t, 1.0, d.Mean, 1e-9)
	}

	f, err := os.Open(cfg.Run.ResultsCSV)
	require.NoError(t, err)
	defer f.Close()
	rows, err := csv.NewReader(f).ReadAll()
	require.NoError(t, err)
	assert.Len(t, rows, 5)

	st, err := store.Open(cfg.Run.SQLitePath)
	require.NoError(t, err)
	defer st.Close()
	saved, err := st.Results(context.Background(), sum.RunID)
	require.NoError(t, err)
	assert.Len(t, saved, 4)

	prom, err := os.ReadFile(cfg.Run.MetricsTextfile)
	require.NoError(t, err)
	assert.Contains(t, string(prom), `s2steval_entries_total{status="ok"} 4`)
}

func TestRunManifest_BadPolicy(t *testing.T) {
	cfg := testConfig(t)
	cfg.Run.OnBatchedEmbedding = "median"
	_, err := RunManifest(context.Background(), cfg, types.Manifest{}, fakeDeps(), zaptest.NewLogger(t))
	require.Error(t, err)
	_, statErr := os.Stat(cfg.Run.ResultsCSV)
	assert.True(t, os.IsNotExist(statErr))
}

func TestRun_RequiresAPIKey(t *testing.T) {
	cfg := testConfig(t)
	cfg.Translator.APIKey = ""
	_, err := Run(context.Background(), cfg, zaptest.NewLogger(t))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "OPENROUTER_API_KEY")
}

func TestRunManifest_SynthesizesInManifestLanguage(t *testing.T) {
	var (
		mu        sync.Mutex
		languages []string
	)
	tts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseMultipartForm(1 << 20); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		mu.Lock()
		languages = append(languages, r.FormValue("language"))
		mu.Unlock()
		_, _ = w.Write([]byte("RIFFfake"))
	}))
	defer tts.Close()

	cfg := testConfig(t)
	cfg.Run.RoundTripASR = false
	cfg.Speech.TTSURL = tts.URL
	log := zaptest.NewLogger(t)
	m, err := Setup(context.Background(), cfg, log)
	require.NoError(t, err)
	require.Equal(t, types.Spanish, m.TargetLanguage)

	// config changed after setup; the manifest still decides
	m.TargetLanguage = types.French
	d := NewDeps(cfg)
	d.Translator = fakeTranslator{}
	d.Embedder = fakeEmbedder{}

	sum, err := RunManifest(context.Background(), cfg, m, d, log)
	require.NoError(t, err)
	require.Equal(t, 4, sum.Records)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, languages, 4)
	for _, l := range languages {
		assert.Equal(t, "fr", l)
	}

	f, err := os.Open(cfg.Run.ResultsCSV)
	require.NoError(t, err)
	defer f.Close()
	rows, err := csv.NewReader(f).ReadAll()
	require.NoError(t, err)
	for _, row := range rows[1:] {
		assert.True(t, strings.HasPrefix(row[4], "fr: "), "target_text %q", row[4])
	}
}
