// Package setup selects test subjects from a corpus and writes the reference
// audio each manifest entry points at.
//
// Two strategies exist. Utterance mode cuts or loops each subject's own clip
// to every requested duration. Speaker mode builds every duration by
// concatenating other clips of the same speaker, keeping the test clip out of
// the pool.
package setup

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"path/filepath"
	"slices"
	"strings"
	"unicode"

	"go.uber.org/zap"

	"github.com/forPelevin/s2steval/internal/domain/audio"
	"github.com/forPelevin/s2steval/internal/ports"
	"github.com/forPelevin/s2steval/internal/types"
)

type Mode string

const (
	ModeUtterance Mode = "utterance"
	ModeSpeaker   Mode = "speaker"
)

func ParseMode(s string) (Mode, error) {
	switch m := Mode(strings.ToLower(strings.TrimSpace(s))); m {
	case ModeUtterance, ModeSpeaker:
		return m, nil
	case "":
		return ModeUtterance, nil
	default:
		return "", fmt.Errorf("unknown setup mode %q", s)
	}
}

// Loader decodes corpus audio. media.Loader is the production implementation.
type Loader interface {
	Load(ctx context.Context, path string) (audio.Clip, error)
	Duration(ctx context.Context, path string) (float64, error)
}

type Options struct {
	Mode           Mode
	SourceLanguage types.Language
	TargetLanguage types.Language
	Durations      []float64
	Seed           int64
	Subjects       int

	// MinSubjectSeconds rejects utterance-mode subjects at or below this length.
	MinSubjectSeconds float64
	// MinSpeakerClips: a speaker is eligible with strictly more clips than this.
	MinSpeakerClips int

	OutputDir string
}

func (o Options) Validate() error {
	if o.Subjects <= 0 {
		return fmt.Errorf("subjects must be > 0")
	}
	if len(o.Durations) == 0 {
		return fmt.Errorf("at least one duration is required")
	}
	seen := map[string]bool{}
	for _, d := range o.Durations {
		if d <= 0 {
			return fmt.Errorf("durations must be > 0, got %g", d)
		}
		k := types.FormatDuration(d)
		if seen[k] {
			return fmt.Errorf("duplicate duration %gs", d)
		}
		seen[k] = true
	}
	if o.OutputDir == "" {
		return fmt.Errorf("output dir is empty")
	}
	if o.MinSpeakerClips < 0 {
		return fmt.Errorf("min speaker clips must be >= 0")
	}
	_, err := ParseMode(string(o.Mode))
	return err
}

type Setup struct {
	corpus ports.Corpus
	loader Loader
	log    *zap.Logger
}

func New(corpus ports.Corpus, loader Loader, log *zap.Logger) *Setup {
	if log == nil {
		log = zap.NewNop()
	}
	return &Setup{corpus: corpus, loader: loader, log: log.With(zap.String("component", "setup"))}
}

// Prepare builds the manifest and writes every reference artifact under
// opts.OutputDir. Entries are ordered subject-outer, duration-inner.
func (s *Setup) Prepare(ctx context.Context, opts Options) (types.Manifest, error) {
	if err := opts.Validate(); err != nil {
		return types.Manifest{}, err
	}
	mode, _ := ParseMode(string(opts.Mode))

	m := types.Manifest{
		Mode:           string(mode),
		Seed:           opts.Seed,
		SourceLanguage: opts.SourceLanguage,
		TargetLanguage: opts.TargetLanguage,
		Durations:      slices.Clone(opts.Durations),
	}
	rng := rand.New(rand.NewPCG(uint64(opts.Seed), 0))

	var (
		entries []types.ManifestEntry
		err     error
	)
	switch mode {
	case ModeSpeaker:
		entries, err = s.prepareSpeakers(ctx, rng, opts)
	default:
		entries, err = s.prepareUtterances(ctx, rng, opts)
	}
	if err != nil {
		return types.Manifest{}, err
	}
	m.Entries = entries

	if len(entries) == 0 {
		s.log.Warn("manifest is empty", zap.String("mode", string(mode)))
	}
	return m, m.Validate()
}

func (s *Setup) prepareUtterances(ctx context.Context, rng *rand.Rand, opts Options) ([]types.ManifestEntry, error) {
	rows := s.corpus.Utterances()
	order := rng.Perm(len(rows))

	var entries []types.ManifestEntry
	found := 0
	for _, i := range order {
		if found >= opts.Subjects {
			break
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		u := rows[i]
		path := s.corpus.ResolveAudioPath(u.AudioPath)

		dur, err := s.loader.Duration(ctx, path)
		if err != nil {
			s.log.Debug("candidate skipped", zap.String("path", path), zap.Error(err))
			continue
		}
		if dur <= opts.MinSubjectSeconds {
			continue
		}
		src, err := s.loader.Load(ctx, path)
		if err != nil {
			s.log.Warn("candidate unreadable", zap.String("path", path), zap.Error(err))
			continue
		}

		subject := fmt.Sprintf("sample_%d", found+1)
		var built []types.ManifestEntry
		for _, d := range opts.Durations {
			ref, err := audio.BuildFixedDuration(src, d)
			if err != nil {
				s.log.Warn("reference skipped", zap.String("subject", subject), zap.Float64("duration", d), zap.String("path", path), zap.Error(err))
				continue
			}
			refPath := referencePath(opts.OutputDir, subject, d)
			if err := audio.WriteWAV(refPath, ref); err != nil {
				s.log.Warn("reference skipped", zap.String("subject", subject), zap.Float64("duration", d), zap.String("path", refPath), zap.Error(err))
				continue
			}
			built = append(built, types.ManifestEntry{
				SubjectID:     subject,
				SpeakerID:     u.SpeakerID,
				TestInputPath: path,
				TestInputText: u.Transcript,
				References:    []types.Reference{{DurationSec: d, Path: refPath}},
			})
		}
		if len(built) == 0 {
			continue
		}
		found++
		entries = append(entries, built...)
		s.log.Info("subject prepared", zap.String("subject", subject), zap.String("utterance", u.ID), zap.Int("references", len(built)))
	}
	if found < opts.Subjects {
		s.log.Warn("fewer subjects than requested",
			zap.Int("requested", opts.Subjects), zap.Int("found", found),
			zap.Error(types.ErrDataInsufficiency))
	}
	return entries, nil
}

func (s *Setup) prepareSpeakers(ctx context.Context, rng *rand.Rand, opts Options) ([]types.ManifestEntry, error) {
	bySpeaker := map[string][]types.Utterance{}
	for _, u := range s.corpus.Utterances() {
		if u.SpeakerID == "" {
			continue
		}
		bySpeaker[u.SpeakerID] = append(bySpeaker[u.SpeakerID], u)
	}

	var eligible []string
	for id, clips := range bySpeaker {
		if len(clips) > opts.MinSpeakerClips {
			eligible = append(eligible, id)
		}
	}
	// Map iteration order is random; sampling must start from a fixed order.
	slices.Sort(eligible)
	if len(eligible) == 0 {
		s.log.Warn("no eligible speakers", zap.Int("min_clips", opts.MinSpeakerClips), zap.Error(types.ErrDataInsufficiency))
		return nil, nil
	}
	rng.Shuffle(len(eligible), func(i, j int) { eligible[i], eligible[j] = eligible[j], eligible[i] })
	if len(eligible) < opts.Subjects {
		s.log.Warn("fewer eligible speakers than requested",
			zap.Int("requested", opts.Subjects), zap.Int("eligible", len(eligible)),
			zap.Error(types.ErrDataInsufficiency))
	} else {
		eligible = eligible[:opts.Subjects]
	}

	longest := slices.Max(opts.Durations)
	var entries []types.ManifestEntry
	for _, speaker := range eligible {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		clips := slices.Clone(bySpeaker[speaker])
		rng.Shuffle(len(clips), func(i, j int) { clips[i], clips[j] = clips[j], clips[i] })

		subject := "speaker_" + normalizeID(speaker)
		ti := s.firstLoadable(ctx, subject, clips)
		if ti < 0 {
			s.log.Warn("subject dropped: no loadable test input", zap.String("subject", subject), zap.Error(types.ErrDataInsufficiency))
			continue
		}
		test := clips[ti]
		pool := s.loadPool(ctx, subject, clips[ti+1:], longest)

		entry := types.ManifestEntry{
			SubjectID:     subject,
			SpeakerID:     speaker,
			TestInputPath: s.corpus.ResolveAudioPath(test.AudioPath),
			TestInputText: test.Transcript,
		}
		for _, d := range opts.Durations {
			ref, ok := audio.BuildByConcatenation(pool, d, 0)
			if !ok {
				s.log.Warn("reference unavailable", zap.String("subject", subject), zap.Float64("duration", d), zap.Error(types.ErrDataInsufficiency))
				continue
			}
			if got := ref.Duration(); got < d {
				s.log.Warn("reference pool exhausted", zap.String("subject", subject), zap.Float64("duration", d), zap.Float64("built", got))
			}
			refPath := referencePath(opts.OutputDir, subject, d)
			if err := audio.WriteWAV(refPath, ref); err != nil {
				s.log.Warn("reference skipped", zap.String("subject", subject), zap.Float64("duration", d), zap.String("path", refPath), zap.Error(err))
				continue
			}
			entry.References = append(entry.References, types.Reference{DurationSec: d, Path: refPath})
		}
		if len(entry.References) == 0 {
			s.log.Warn("subject dropped", zap.String("subject", subject), zap.Error(types.ErrDataInsufficiency))
			continue
		}
		entries = append(entries, entry)
		s.log.Info("subject prepared", zap.String("subject", subject), zap.Int("pool", len(pool)), zap.Int("references", len(entry.References)))
	}
	return entries, nil
}

// firstLoadable returns the index of the first clip that decodes to a
// non-empty clip, or -1.
func (s *Setup) firstLoadable(ctx context.Context, subject string, clips []types.Utterance) int {
	for i, u := range clips {
		if ctx.Err() != nil {
			return -1
		}
		path := s.corpus.ResolveAudioPath(u.AudioPath)
		c, err := s.loader.Load(ctx, path)
		if err != nil || c.Len() == 0 {
			s.log.Debug("test input candidate skipped", zap.String("subject", subject), zap.String("path", path), zap.Error(err))
			continue
		}
		return i
	}
	return -1
}

// loadPool decodes clips in order until the rate-matched total covers the
// longest requested duration. Unreadable clips are skipped.
func (s *Setup) loadPool(ctx context.Context, subject string, clips []types.Utterance, longest float64) []audio.Clip {
	var (
		pool  []audio.Clip
		rate  int
		total float64
	)
	for _, u := range clips {
		if total >= longest || ctx.Err() != nil {
			break
		}
		path := s.corpus.ResolveAudioPath(u.AudioPath)
		c, err := s.loader.Load(ctx, path)
		if err != nil {
			lvl := zap.WarnLevel
			if errors.Is(err, types.ErrMissingResource) {
				lvl = zap.DebugLevel
			}
			s.log.Log(lvl, "pool clip skipped", zap.String("subject", subject), zap.String("path", path), zap.Error(err))
			continue
		}
		if c.Len() == 0 {
			continue
		}
		pool = append(pool, c)
		if rate == 0 {
			rate = c.SampleRate
		}
		if c.SampleRate == rate {
			total += c.Duration()
		}
	}
	return pool
}

func referencePath(outDir, subject string, d float64) string {
	return filepath.Join(outDir, subject, "ref_"+types.FormatDuration(d)+"s.wav")
}

func normalizeID(s string) string {
	var b strings.Builder
	prevDash := false
	for _, r := range strings.TrimSpace(s) {
		switch {
		case unicode.IsLetter(r), unicode.IsDigit(r):
			b.WriteRune(r)
			prevDash = false
		default:
			if !prevDash {
				b.WriteByte('-')
				prevDash = true
			}
		}
	}
	return strings.Trim(b.String(), "-")
}
