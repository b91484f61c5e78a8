// Package humaneval runs a blind listening session over generated audio:
// sample discovery, an explicit session state, rating export and a small
// HTTP UI.
package humaneval

import (
	"encoding/json"
	"fmt"
	"math/rand/v2"
	"os"
	"path/filepath"
	"regexp"
	"slices"
	"sort"
	"strconv"
	"strings"
)

// Sample is one item a rater listens to: a speaker reference and the
// generated audio of both conditions for one sentence pair.
type Sample struct {
	SpeakerID      string `json:"speaker_id"`
	PairIndex      int    `json:"pair_index"`
	SourceText     string `json:"source_text"`
	TargetText     string `json:"target_text"`
	ReferenceAudio string `json:"reference_audio_wav"`
	ZeroShotAudio  string `json:"zero_shot_audio_wav"`
	FineTuneAudio  string `json:"fine_tune_audio_wav,omitempty"`
}

func (s Sample) Key() string {
	return fmt.Sprintf("spk=%s|pair=%d", s.SpeakerID, s.PairIndex)
}

// Layout describes where generated and reference audio live on disk:
//
//	<AudioRoot>/speaker_<id>/zero_shot_<i>.wav
//	<AudioRoot>/speaker_<id>/fine_tuned_<i>.wav     (optional)
//	<AudioRoot>/speaker_<id>/sentence_pairs.json    (optional)
//	<ReferenceRoot>/speaker_<id>/<ReferenceCandidates[k]>
type Layout struct {
	AudioRoot           string
	ReferenceRoot       string
	ReferenceCandidates []string
	// GlobalPairsFile is used when a speaker has no sentence_pairs.json.
	GlobalPairsFile string
	MaxPerSubject   int
}

const defaultMaxPerSubject = 5

var DefaultReferenceCandidates = []string{
	filepath.Join("duration_4", "source_audio.wav"),
	filepath.Join("duration_10", "source_audio.wav"),
}

func (l Layout) withDefaults() Layout {
	if len(l.ReferenceCandidates) == 0 {
		l.ReferenceCandidates = DefaultReferenceCandidates
	}
	if l.GlobalPairsFile == "" {
		l.GlobalPairsFile = filepath.Join(l.AudioRoot, "five_random_sentence_pairs.json")
	}
	if l.MaxPerSubject <= 0 {
		l.MaxPerSubject = defaultMaxPerSubject
	}
	return l
}

var zeroShotName = regexp.MustCompile(`^zero_shot_(\d+)\.wav$`)

// Discover lists samples for the given subjects in subject order, pair
// indices ascending. Subjects without a directory contribute nothing; missing
// text or audio never fails discovery.
func Discover(layout Layout, subjects []string) []Sample {
	l := layout.withDefaults()
	var out []Sample
	for _, spk := range subjects {
		dir := filepath.Join(l.AudioRoot, "speaker_"+spk)
		entries, err := os.ReadDir(dir)
		if err != nil {
			continue
		}

		var indices []int
		for _, e := range entries {
			if e.IsDir() {
				continue
			}
			m := zeroShotName.FindStringSubmatch(e.Name())
			if m == nil {
				continue
			}
			i, err := strconv.Atoi(m[1])
			if err != nil {
				continue
			}
			indices = append(indices, i)
		}
		slices.Sort(indices)
		if len(indices) > l.MaxPerSubject {
			indices = indices[:l.MaxPerSubject]
		}

		pairs := loadSentencePairs(filepath.Join(dir, "sentence_pairs.json"), l.GlobalPairsFile)
		ref := pickReference(l, spk)
		for _, i := range indices {
			s := Sample{
				SpeakerID:      spk,
				PairIndex:      i,
				ReferenceAudio: ref,
				ZeroShotAudio:  filepath.Join(dir, fmt.Sprintf("zero_shot_%d.wav", i)),
			}
			if p, ok := pairs[i]; ok {
				s.SourceText, s.TargetText = p.Source, p.Target
			}
			ft := filepath.Join(dir, fmt.Sprintf("fine_tuned_%d.wav", i))
			if fileExists(ft) {
				s.FineTuneAudio = ft
			}
			out = append(out, s)
		}
	}
	return out
}

// pickReference returns the first existing candidate, else the last one so
// the UI can report which file is missing.
func pickReference(l Layout, spk string) string {
	base := filepath.Join(l.ReferenceRoot, "speaker_"+spk)
	var p string
	for _, c := range l.ReferenceCandidates {
		p = filepath.Join(base, c)
		if fileExists(p) {
			return p
		}
	}
	return p
}

type sentencePair struct {
	Source string
	Target string
}

// loadSentencePairs reads the first existing file of candidates. Two shapes
// are accepted: [{"en": ..., "es": ...}] and [[en, es]]. Anything unreadable
// yields no pairs.
func loadSentencePairs(candidates ...string) map[int]sentencePair {
	for _, p := range candidates {
		if !fileExists(p) {
			continue
		}
		b, err := os.ReadFile(p)
		if err != nil {
			return nil
		}
		var raw []json.RawMessage
		if err := json.Unmarshal(b, &raw); err != nil {
			return nil
		}
		out := make(map[int]sentencePair, len(raw))
		for i, item := range raw {
			var obj map[string]any
			if json.Unmarshal(item, &obj) == nil {
				out[i] = sentencePair{Source: textOf(obj["en"]), Target: textOf(obj["es"])}
				continue
			}
			var arr []any
			if json.Unmarshal(item, &arr) == nil && len(arr) >= 2 {
				out[i] = sentencePair{Source: textOf(arr[0]), Target: textOf(arr[1])}
			}
		}
		return out
	}
	return nil
}

func textOf(v any) string {
	switch x := v.(type) {
	case nil:
		return ""
	case string:
		return strings.TrimSpace(x)
	default:
		return strings.TrimSpace(fmt.Sprint(x))
	}
}

func fileExists(p string) bool {
	st, err := os.Stat(p)
	return err == nil && !st.IsDir()
}

// Order returns samples sorted by (subject, pair index), numeric subject ids
// before lexical ones. With randomize set the sorted list is shuffled with a
// generator seeded by the evaluator number, so one evaluator always sees the
// same order.
func Order(samples []Sample, randomize bool, evaluator int) []Sample {
	out := slices.Clone(samples)
	sort.SliceStable(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if a.SpeakerID != b.SpeakerID {
			return subjectLess(a.SpeakerID, b.SpeakerID)
		}
		return a.PairIndex < b.PairIndex
	})
	if randomize {
		rng := rand.New(rand.NewPCG(uint64(evaluator), 0))
		rng.Shuffle(len(out), func(i, j int) { out[i], out[j] = out[j], out[i] })
	}
	return out
}

func subjectLess(a, b string) bool {
	na, errA := strconv.Atoi(a)
	nb, errB := strconv.Atoi(b)
	switch {
	case errA == nil && errB == nil:
		if na != nb {
			return na < nb
		}
		return a < b
	case errA == nil:
		return true
	case errB == nil:
		return false
	default:
		return a < b
	}
}
