package runner

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"unicode/utf8"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/forPelevin/s2steval/internal/domain/similarity"
	"github.com/forPelevin/s2steval/internal/ports"
	"github.com/forPelevin/s2steval/internal/types"
)

type Deps struct {
	Translator  ports.Translator
	Synthesizer ports.Synthesizer
	Embedder    ports.Embedder
	// ASR is optional; when set, synthesized output is transcribed back.
	ASR ports.ASR
}

// Observer receives per-reference outcomes. metrics.Collector implements it.
type Observer interface {
	EntryScored(duration string, score float64)
	EntrySkipped()
}

type Options struct {
	TargetLanguage types.Language
	Workers        int
	BatchPolicy    similarity.BatchPolicy
}

type Runner struct {
	d   Deps
	o   Options
	log *zap.Logger
	obs Observer
}

func New(d Deps, o Options, log *zap.Logger, obs Observer) *Runner {
	if log == nil {
		log = zap.NewNop()
	}
	if o.Workers <= 0 {
		o.Workers = 1
	}
	if o.BatchPolicy == "" {
		o.BatchPolicy = similarity.BatchMean
	}
	return &Runner{d: d, o: o, log: log.With(zap.String("component", "runner")), obs: obs}
}

// Run scores every reference of every manifest entry. Failures are contained
// to the entry or reference that caused them; the returned error is only ever
// a context error. Records keep manifest order regardless of worker count.
func (r *Runner) Run(ctx context.Context, m types.Manifest) ([]types.ResultRecord, error) {
	target := r.o.TargetLanguage
	if target == "" {
		target = m.TargetLanguage
	}

	slots := make([][]types.ResultRecord, len(m.Entries))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.o.Workers)
	for i, e := range m.Entries {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			slots[i] = r.runEntry(gctx, e, target)
			return nil
		})
	}
	err := g.Wait()

	var out []types.ResultRecord
	for _, s := range slots {
		out = append(out, s...)
	}
	if err != nil {
		return out, err
	}
	return out, ctx.Err()
}

func (r *Runner) runEntry(ctx context.Context, e types.ManifestEntry, target types.Language) []types.ResultRecord {
	log := r.log.With(zap.String("subject", e.SubjectID))
	skipAll := func(msg string, err error) []types.ResultRecord {
		for _, ref := range e.References {
			log.Warn(msg, zap.Float64("duration", ref.DurationSec), zap.String("path", e.TestInputPath), zap.Error(err))
			r.skipped()
		}
		return nil
	}

	if _, err := os.Stat(e.TestInputPath); err != nil {
		return skipAll("test input missing", fmt.Errorf("%w: %s", types.ErrMissingResource, e.TestInputPath))
	}
	gt, err := r.d.Embedder.Embed(ctx, e.TestInputPath)
	if err != nil {
		return skipAll("ground-truth embedding failed", external("embed", err))
	}
	translated, err := r.d.Translator.Translate(ctx, e.TestInputText, target)
	if err != nil {
		return skipAll("translation failed", external("translate", err))
	}

	var out []types.ResultRecord
	for _, ref := range e.References {
		if ctx.Err() != nil {
			return out
		}
		rec, err := r.runReference(ctx, e, ref, gt, translated, target)
		if err != nil {
			log.Warn("reference skipped",
				zap.Float64("duration", ref.DurationSec),
				zap.String("path", ref.Path),
				zap.Error(err))
			r.skipped()
			continue
		}
		log.Info("scored",
			zap.Float64("duration", ref.DurationSec),
			zap.Float64("similarity", rec.SimilarityScore))
		if r.obs != nil {
			r.obs.EntryScored(types.FormatDuration(ref.DurationSec), rec.SimilarityScore)
		}
		out = append(out, rec)
	}
	return out
}

func (r *Runner) runReference(ctx context.Context, e types.ManifestEntry, ref types.Reference, gt similarity.Tensor, translated string, target types.Language) (types.ResultRecord, error) {
	if _, err := os.Stat(ref.Path); err != nil {
		return types.ResultRecord{}, fmt.Errorf("%w: reference %s", types.ErrMissingResource, ref.Path)
	}

	outPath := OutputPath(e.SubjectID, ref)
	synthesized, err := r.d.Synthesizer.Synthesize(ctx, translated, target, outPath, ref.Path)
	if err != nil {
		return types.ResultRecord{}, external("synthesize", err)
	}
	emb, err := r.d.Embedder.Embed(ctx, synthesized)
	if err != nil {
		return types.ResultRecord{}, external("embed output", err)
	}
	score, err := similarity.Score(gt, emb, r.o.BatchPolicy)
	if err != nil {
		return types.ResultRecord{}, err
	}

	rec := types.ResultRecord{
		SubjectID:       e.SubjectID,
		Duration:        ref.DurationSec,
		SimilarityScore: score,
		SourceText:      e.TestInputText,
		TargetText:      translated,
		OutputAudioPath: synthesized,
	}
	if r.d.ASR != nil {
		// Informational only: a failed round trip keeps the score.
		text, err := r.d.ASR.Transcribe(ctx, synthesized, target)
		if err != nil {
			r.log.Warn("round-trip transcription failed",
				zap.String("subject", e.SubjectID),
				zap.Float64("duration", ref.DurationSec),
				zap.String("path", synthesized),
				zap.Error(err))
		} else {
			rec.TranscribedText = text
			rec.LengthRatio = LengthRatio(text, translated)
		}
	}
	return rec, nil
}

func (r *Runner) skipped() {
	if r.obs != nil {
		r.obs.EntrySkipped()
	}
}

func external(op string, err error) error {
	if errors.Is(err, types.ErrMissingResource) || errors.Is(err, context.Canceled) {
		return fmt.Errorf("%s: %w", op, err)
	}
	return fmt.Errorf("%s: %w: %w", op, types.ErrExternalCall, err)
}

// OutputPath places synthesized audio next to its reference.
func OutputPath(subject string, ref types.Reference) string {
	name := fmt.Sprintf("out_%s_%ss.wav", subject, types.FormatDuration(ref.DurationSec))
	return filepath.Join(filepath.Dir(ref.Path), name)
}

// LengthRatio compares transcribed and expected text by rune count.
func LengthRatio(transcribed, expected string) float64 {
	n := utf8.RuneCountInString(expected)
	if n == 0 {
		return 0
	}
	return float64(utf8.RuneCountInString(transcribed)) / float64(n)
}

type DurationSummary struct {
	Duration float64
	N        int
	Mean     float64
}

// Summarize averages similarity per reference duration, ascending.
func Summarize(records []types.ResultRecord) []DurationSummary {
	acc := map[float64]*DurationSummary{}
	for _, r := range records {
		s, ok := acc[r.Duration]
		if !ok {
			s = &DurationSummary{Duration: r.Duration}
			acc[r.Duration] = s
		}
		s.N++
		s.Mean += r.SimilarityScore
	}
	out := make([]DurationSummary, 0, len(acc))
	for _, s := range acc {
		s.Mean /= float64(s.N)
		out = append(out, *s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Duration < out[j].Duration })
	return out
}
