package pipeline

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/forPelevin/s2steval/internal/config"
	"github.com/forPelevin/s2steval/internal/domain/similarity"
	"github.com/forPelevin/s2steval/internal/media"
	"github.com/forPelevin/s2steval/internal/metrics"
	"github.com/forPelevin/s2steval/internal/ports"
	"github.com/forPelevin/s2steval/internal/ports/adapters/corpus"
	"github.com/forPelevin/s2steval/internal/ports/adapters/ffmpeg"
	"github.com/forPelevin/s2steval/internal/ports/adapters/openrouter"
	"github.com/forPelevin/s2steval/internal/ports/adapters/speechsvc"
	"github.com/forPelevin/s2steval/internal/ports/adapters/whispercpp"
	"github.com/forPelevin/s2steval/internal/runner"
	"github.com/forPelevin/s2steval/internal/setup"
	"github.com/forPelevin/s2steval/internal/store"
	"github.com/forPelevin/s2steval/internal/types"
)

// ManifestPath is where setup writes and run reads the manifest.
func ManifestPath(cfg config.Config) string {
	return filepath.Join(cfg.Setup.OutputDir, setup.ManifestFile)
}

// Setup opens the corpus, builds every reference artifact and writes the
// manifest. A corpus that cannot be opened is fatal.
func Setup(ctx context.Context, cfg config.Config, log *zap.Logger) (types.Manifest, error) {
	tbl, err := corpus.Open(cfg.Corpus.Root, cfg.Corpus.Variant, cfg.Source(), cfg.Corpus.Split)
	if err != nil {
		return types.Manifest{}, err
	}
	log.Info("corpus loaded",
		zap.String("schema", tbl.Schema().Name),
		zap.Int("utterances", len(tbl.Utterances())))

	ff := ffmpeg.New(cfg.Tools.FFmpegPath, cfg.Tools.FFprobePath)
	loader := media.NewLoader(ff, ff, filepath.Join(cacheDir(cfg), "audio"))

	m, err := setup.New(tbl, loader, log).Prepare(ctx, cfg.SetupOptions())
	if err != nil {
		return types.Manifest{}, err
	}
	p := ManifestPath(cfg)
	if err := setup.WriteManifest(p, m); err != nil {
		return types.Manifest{}, err
	}
	log.Info("manifest written", zap.String("path", p), zap.Int("entries", len(m.Entries)))
	return m, nil
}

// NewDeps builds the production collaborators from cfg.
func NewDeps(cfg config.Config) runner.Deps {
	h := speechsvc.NewHTTP(cfg.Speech.Timeout, cfg.Speech.RequestsPerSecond)
	d := runner.Deps{
		Translator:  openrouter.New(cfg.Translator.APIKey, cfg.Translator.Model, cfg.Translator.BaseURL, cfg.Translator.RequestsPerSecond),
		Synthesizer: speechsvc.NewSynthesizer(h, cfg.Speech.TTSURL),
		Embedder:    speechsvc.NewEmbedder(h, cfg.Speech.EmbedURL),
	}
	if cfg.Run.RoundTripASR {
		d.ASR = whispercpp.New(cfg.Tools.WhisperBin, cfg.Tools.WhisperModel)
	}
	return d
}

type Summary struct {
	RunID      string
	Entries    int
	Records    int
	ResultsCSV string
	ByDuration []runner.DurationSummary
}

// Run scores the manifest at ManifestPath(cfg) with production collaborators.
func Run(ctx context.Context, cfg config.Config, log *zap.Logger) (Summary, error) {
	if cfg.Translator.APIKey == "" {
		return Summary{}, errors.New("OPENROUTER_API_KEY is required (set it in .env)")
	}
	m, err := setup.ReadManifest(ManifestPath(cfg))
	if err != nil {
		return Summary{}, err
	}
	return RunManifest(ctx, cfg, m, NewDeps(cfg), log)
}

// RunManifest scores m with d, then persists the results table and the
// optional SQLite and metrics sinks. Results are written once, at the end.
func RunManifest(ctx context.Context, cfg config.Config, m types.Manifest, d runner.Deps, log *zap.Logger) (Summary, error) {
	policy, err := similarity.ParseBatchPolicy(cfg.Run.OnBatchedEmbedding)
	if err != nil {
		return Summary{}, err
	}
	runID := uuid.NewString()
	log = log.With(zap.String("run_id", runID))
	mc := metrics.New()

	target := m.TargetLanguage
	if target == "" {
		target = cfg.Target()
	}
	r := runner.New(d, runner.Options{
		TargetLanguage: target,
		Workers:        cfg.Run.Workers,
		BatchPolicy:    policy,
	}, log, mc)

	started := time.Now().UTC()
	log.Info("run started", zap.Int("entries", len(m.Entries)), zap.Int("workers", cfg.Run.Workers))
	records, runErr := r.Run(ctx, m)
	// Partial results of an interrupted run are still persisted.
	if err := runner.Persist(records, cfg.Run.ResultsCSV); err != nil {
		return Summary{}, fmt.Errorf("persist results: %w", err)
	}

	sum := Summary{
		RunID:      runID,
		Entries:    len(m.Entries),
		Records:    len(records),
		ResultsCSV: cfg.Run.ResultsCSV,
		ByDuration: runner.Summarize(records),
	}
	for _, s := range sum.ByDuration {
		log.Info("duration summary",
			zap.Float64("duration", s.Duration),
			zap.Int("n", s.N),
			zap.Float64("mean_similarity", s.Mean))
	}

	if cfg.Run.SQLitePath != "" {
		if err := saveRun(ctx, cfg, m, runID, started, records); err != nil {
			log.Error("results db", zap.String("path", cfg.Run.SQLitePath), zap.Error(err))
		}
	}
	if cfg.Run.MetricsTextfile != "" {
		if err := mc.WriteTextfile(cfg.Run.MetricsTextfile); err != nil {
			log.Error("metrics textfile", zap.String("path", cfg.Run.MetricsTextfile), zap.Error(err))
		}
	}
	log.Info("run finished", zap.Int("records", len(records)), zap.String("results", cfg.Run.ResultsCSV))
	return sum, runErr
}

func saveRun(ctx context.Context, cfg config.Config, m types.Manifest, runID string, started time.Time, records []types.ResultRecord) error {
	st, err := store.Open(cfg.Run.SQLitePath)
	if err != nil {
		return err
	}
	defer st.Close()
	// ctx may already be canceled; the sink write is independent of it.
	return st.SaveRun(context.WithoutCancel(ctx), store.Run{
		ID:             runID,
		Mode:           m.Mode,
		Seed:           m.Seed,
		SourceLanguage: string(m.SourceLanguage),
		TargetLanguage: string(m.TargetLanguage),
		Entries:        len(m.Entries),
		StartedAt:      started,
		FinishedAt:     time.Now().UTC(),
	}, records)
}

func cacheDir(cfg config.Config) string {
	if cfg.Tools.CacheDir == "" {
		return ".cache"
	}
	return cfg.Tools.CacheDir
}

// ensure adapters implement ports
var _ ports.AudioConverter = (*ffmpeg.Adapter)(nil)
var _ ports.DurationProber = (*ffmpeg.Adapter)(nil)
var _ ports.ASR = (*whispercpp.Adapter)(nil)
var _ ports.Translator = (*openrouter.Adapter)(nil)
var _ ports.Synthesizer = (*speechsvc.Synthesizer)(nil)
var _ ports.Embedder = (*speechsvc.Embedder)(nil)
var _ ports.Corpus = (*corpus.Table)(nil)
var _ setup.Loader = (*media.Loader)(nil)
var _ runner.Observer = (*metrics.Collector)(nil)
