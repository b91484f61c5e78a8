package types

import (
	"fmt"
	"strings"
)

// Language is an ISO-639-1 code understood by the corpus and the translator.
type Language string

const (
	English    Language = "en"
	French     Language = "fr"
	German     Language = "de"
	Italian    Language = "it"
	Portuguese Language = "pt"
	Russian    Language = "ru"
	Spanish    Language = "es"
	Turkish    Language = "tr"
	Ukrainian  Language = "uk"
	Chinese    Language = "zh"
)

var languageNames = map[Language]string{
	English:    "English",
	French:     "French",
	German:     "German",
	Italian:    "Italian",
	Portuguese: "Portuguese",
	Russian:    "Russian",
	Spanish:    "Spanish",
	Turkish:    "Turkish",
	Ukrainian:  "Ukrainian",
	Chinese:    "Chinese",
}

func ParseLanguage(s string) (Language, error) {
	l := Language(strings.ToLower(strings.TrimSpace(s)))
	if _, ok := languageNames[l]; !ok {
		return "", fmt.Errorf("unknown language %q", s)
	}
	return l, nil
}

// Name returns the English name of the language, used in translator prompts.
func (l Language) Name() string {
	if n, ok := languageNames[l]; ok {
		return n
	}
	return string(l)
}

// Transcript is the whisper.cpp JSON output shape.
type Transcript struct {
	Segments []Segment `json:"segments"`
}

type Segment struct {
	Start float64 `json:"start"`
	End   float64 `json:"end"`
	Text  string  `json:"text"`
}

func (t Transcript) Text() string {
	parts := make([]string, 0, len(t.Segments))
	for _, s := range t.Segments {
		if s := strings.TrimSpace(s.Text); s != "" {
			parts = append(parts, s)
		}
	}
	return strings.Join(parts, " ")
}

// Utterance is one row of a corpus split.
type Utterance struct {
	ID         string
	SpeakerID  string
	Transcript string
	AudioPath  string
}

// Reference is one fixed-duration reference artifact written by setup.
type Reference struct {
	DurationSec float64 `json:"target_duration"`
	Path        string  `json:"reference_path"`
}

// ManifestEntry binds a test input to one or more reference artifacts.
// Utterance mode carries one reference per entry, speaker mode one per requested duration.
type ManifestEntry struct {
	SubjectID     string      `json:"subject_id"`
	SpeakerID     string      `json:"speaker_id,omitempty"`
	TestInputPath string      `json:"test_input_path"`
	TestInputText string      `json:"test_input_text"`
	References    []Reference `json:"references"`
}

type Manifest struct {
	Mode           string          `json:"mode"`
	Seed           int64           `json:"seed"`
	SourceLanguage Language        `json:"source_language"`
	TargetLanguage Language        `json:"target_language"`
	Durations      []float64       `json:"durations"`
	Entries        []ManifestEntry `json:"entries"`
}

// Validate checks the invariants every consumer of a manifest relies on.
func (m Manifest) Validate() error {
	seen := map[string]struct{}{}
	for i, e := range m.Entries {
		if e.SubjectID == "" {
			return fmt.Errorf("entry %d: subject id is empty", i)
		}
		if e.TestInputPath == "" {
			return fmt.Errorf("entry %d (%s): test input path is empty", i, e.SubjectID)
		}
		if len(e.References) == 0 {
			return fmt.Errorf("entry %d (%s): no references", i, e.SubjectID)
		}
		for _, r := range e.References {
			if r.Path == "" {
				return fmt.Errorf("entry %d (%s): empty reference path for %gs", i, e.SubjectID, r.DurationSec)
			}
			if r.Path == e.TestInputPath {
				return fmt.Errorf("entry %d (%s): reference %s is the test input", i, e.SubjectID, r.Path)
			}
			k := fmt.Sprintf("%s|%g", e.SubjectID, r.DurationSec)
			if _, dup := seen[k]; dup {
				return fmt.Errorf("entry %d (%s): duplicate duration %gs", i, e.SubjectID, r.DurationSec)
			}
			seen[k] = struct{}{}
		}
	}
	return nil
}

// ResultRecord is one scored (subject, duration) pair.
type ResultRecord struct {
	SubjectID       string  `json:"subject_id"`
	Duration        float64 `json:"duration"`
	SimilarityScore float64 `json:"similarity_score"`
	SourceText      string  `json:"source_text"`
	TargetText      string  `json:"target_text"`
	TranscribedText string  `json:"transcribed_text,omitempty"`
	LengthRatio     float64 `json:"length_ratio,omitempty"`
	OutputAudioPath string  `json:"output_audio_path"`
}

// FormatDuration renders seconds the way artifact names use them: 5 -> "5", 2.5 -> "2.5".
func FormatDuration(sec float64) string {
	return strings.TrimRight(strings.TrimRight(fmt.Sprintf("%.3f", sec), "0"), ".")
}
