package humaneval

import (
	"errors"
	"fmt"
	"maps"
	"time"
)

var ErrInvalidScore = errors.New("score must be an integer from 1 to 5")

type Method string

const (
	MethodZeroShot Method = "zero_shot"
	MethodFineTune Method = "fine_tune"
)

var Methods = []Method{MethodZeroShot, MethodFineTune}

type Preference string

const (
	PreferNone     Preference = "no_preference"
	PreferZeroShot Preference = "zero_shot"
	PreferFineTune Preference = "fine_tune"
)

func ParsePreference(s string) (Preference, error) {
	switch p := Preference(s); p {
	case "":
		return PreferNone, nil
	case PreferNone, PreferZeroShot, PreferFineTune:
		return p, nil
	default:
		return "", fmt.Errorf("unknown preference %q", s)
	}
}

type Metric struct {
	Key   string
	Label string
}

// Metrics is the fixed rating scale shown for every method.
var Metrics = []Metric{
	{Key: "translation_accuracy", Label: "Translation accuracy (meaning preserved)"},
	{Key: "speaker_persona_match", Label: "Speaker match (does it sound like the same speaker?)"},
	{Key: "naturalness", Label: "Naturalness (human-like, not robotic or glitchy)"},
	{Key: "overall", Label: "Overall quality"},
}

const (
	MinScore     = 1
	MaxScore     = 5
	DefaultScore = 3
)

type MethodRating struct {
	TranslationAccuracy int    `json:"translation_accuracy"`
	SpeakerPersonaMatch int    `json:"speaker_persona_match"`
	Naturalness         int    `json:"naturalness"`
	Overall             int    `json:"overall"`
	Comments            string `json:"comments"`
}

func DefaultMethodRating() MethodRating {
	return MethodRating{
		TranslationAccuracy: DefaultScore,
		SpeakerPersonaMatch: DefaultScore,
		Naturalness:         DefaultScore,
		Overall:             DefaultScore,
	}
}

// Score returns the value for a key of Metrics.
func (m MethodRating) Score(metric string) int {
	switch metric {
	case "translation_accuracy":
		return m.TranslationAccuracy
	case "speaker_persona_match":
		return m.SpeakerPersonaMatch
	case "naturalness":
		return m.Naturalness
	case "overall":
		return m.Overall
	}
	return 0
}

func (m *MethodRating) SetScore(metric string, v int) error {
	switch metric {
	case "translation_accuracy":
		m.TranslationAccuracy = v
	case "speaker_persona_match":
		m.SpeakerPersonaMatch = v
	case "naturalness":
		m.Naturalness = v
	case "overall":
		m.Overall = v
	default:
		return fmt.Errorf("unknown metric %q", metric)
	}
	return nil
}

func (m MethodRating) validate() error {
	for _, mt := range Metrics {
		if v := m.Score(mt.Key); v < MinScore || v > MaxScore {
			return fmt.Errorf("%s=%d: %w", mt.Key, v, ErrInvalidScore)
		}
	}
	return nil
}

type Ratings struct {
	ZeroShot   MethodRating `json:"zero_shot"`
	FineTune   MethodRating `json:"fine_tune"`
	Preference Preference   `json:"preference"`
}

func (r Ratings) For(m Method) MethodRating {
	if m == MethodFineTune {
		return r.FineTune
	}
	return r.ZeroShot
}

type Paths struct {
	ReferenceAudio string `json:"reference_audio_wav"`
	ZeroShotAudio  string `json:"zero_shot_audio_wav"`
	FineTuneAudio  string `json:"fine_tune_audio_wav,omitempty"`
}

// Response is the saved rating of one item. Saving the same item again
// replaces it.
type Response struct {
	SpeakerID    string  `json:"speaker_id"`
	PairIndex    int     `json:"pair_index"`
	SourceText   string  `json:"source_text"`
	TargetText   string  `json:"target_text"`
	Paths        Paths   `json:"paths"`
	Ratings      Ratings `json:"ratings"`
	GeneralNotes string  `json:"general_notes"`
	SavedAtUnix  float64 `json:"saved_at_unix"`
}

// Draft is what a rater submits for the current item.
type Draft struct {
	Ratings      Ratings
	GeneralNotes string
}

// State is the whole session: a cursor and the saved responses by item key.
// Methods return a new State; a State is never modified in place.
type State struct {
	Index     int
	Responses map[string]Response
}

func clamp(i, n int) int {
	if n <= 0 || i < 0 {
		return 0
	}
	if i > n-1 {
		return n - 1
	}
	return i
}

// Goto moves to i, clamped to [0, n-1].
func (s State) Goto(i, n int) State {
	s.Index = clamp(i, n)
	return s
}

func (s State) Next(n int) State { return s.Goto(s.Index+1, n) }

func (s State) Prev(n int) State { return s.Goto(s.Index-1, n) }

// Save upserts the rating for sample. The cursor does not move.
func (s State) Save(sample Sample, d Draft, now time.Time) (State, error) {
	if err := d.Ratings.ZeroShot.validate(); err != nil {
		return s, fmt.Errorf("%s: %w", MethodZeroShot, err)
	}
	if err := d.Ratings.FineTune.validate(); err != nil {
		return s, fmt.Errorf("%s: %w", MethodFineTune, err)
	}
	pref, err := ParsePreference(string(d.Ratings.Preference))
	if err != nil {
		return s, err
	}
	d.Ratings.Preference = pref

	next := make(map[string]Response, len(s.Responses)+1)
	maps.Copy(next, s.Responses)
	next[sample.Key()] = Response{
		SpeakerID:  sample.SpeakerID,
		PairIndex:  sample.PairIndex,
		SourceText: sample.SourceText,
		TargetText: sample.TargetText,
		Paths: Paths{
			ReferenceAudio: sample.ReferenceAudio,
			ZeroShotAudio:  sample.ZeroShotAudio,
			FineTuneAudio:  sample.FineTuneAudio,
		},
		Ratings:      d.Ratings,
		GeneralNotes: d.GeneralNotes,
		SavedAtUnix:  float64(now.UnixNano()) / 1e9,
	}
	s.Responses = next
	return s, nil
}

// Completed is the number of distinct items saved.
func (s State) Completed() int { return len(s.Responses) }

// DraftFor returns the saved ratings of sample, or defaults.
func (s State) DraftFor(sample Sample) Draft {
	if r, ok := s.Responses[sample.Key()]; ok {
		return Draft{Ratings: r.Ratings, GeneralNotes: r.GeneralNotes}
	}
	return Draft{Ratings: Ratings{
		ZeroShot:   DefaultMethodRating(),
		FineTune:   DefaultMethodRating(),
		Preference: PreferNone,
	}}
}
