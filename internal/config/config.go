// Package config loads experiment settings.
//
// Precedence: defaults, then the YAML file, then environment variables,
// then command-line flags (applied by the cli package).
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/forPelevin/s2steval/internal/domain/similarity"
	"github.com/forPelevin/s2steval/internal/ports/adapters/openrouter"
	"github.com/forPelevin/s2steval/internal/setup"
	"github.com/forPelevin/s2steval/internal/types"
)

const DefaultPath = "config.yaml"

type Config struct {
	SourceLanguage string `yaml:"source_language"`
	TargetLanguage string `yaml:"target_language"`

	Corpus     CorpusConfig     `yaml:"corpus"`
	Setup      SetupConfig      `yaml:"setup"`
	Run        RunConfig        `yaml:"run"`
	Tools      ToolsConfig      `yaml:"tools"`
	Translator TranslatorConfig `yaml:"translator"`
	Speech     SpeechConfig     `yaml:"speech"`
	HumanEval  HumanEvalConfig  `yaml:"human_eval"`
	Log        LogConfig        `yaml:"log"`
}

type CorpusConfig struct {
	Root    string `yaml:"root"`
	Variant string `yaml:"variant"`
	Split   string `yaml:"split"`
}

type SetupConfig struct {
	Mode              string    `yaml:"mode"`
	Durations         []float64 `yaml:"durations"`
	Seed              int64     `yaml:"seed"`
	Subjects          int       `yaml:"subjects"`
	MinSubjectSeconds float64   `yaml:"min_subject_seconds"`
	MinSpeakerClips   int       `yaml:"min_speaker_clips"`
	OutputDir         string    `yaml:"output_dir"`
}

type RunConfig struct {
	ResultsCSV         string `yaml:"results_csv"`
	Workers            int    `yaml:"workers"`
	OnBatchedEmbedding string `yaml:"on_batched_embedding"`
	RoundTripASR       bool   `yaml:"round_trip_asr"`
	// SQLitePath and MetricsTextfile are optional sinks; empty disables them.
	SQLitePath      string `yaml:"sqlite_path"`
	MetricsTextfile string `yaml:"metrics_textfile"`
}

type ToolsConfig struct {
	FFmpegPath   string `yaml:"ffmpeg"`
	FFprobePath  string `yaml:"ffprobe"`
	WhisperBin   string `yaml:"whisper_bin"`
	WhisperModel string `yaml:"whisper_model"`
	CacheDir     string `yaml:"cache_dir"`
}

type TranslatorConfig struct {
	APIKey            string   `yaml:"api_key"`
	Model             string   `yaml:"model"`
	BaseURL           string   `yaml:"base_url"`
	AllowedHosts      []string `yaml:"allowed_hosts"`
	RequestsPerSecond float64  `yaml:"requests_per_second"`
}

type SpeechConfig struct {
	TTSURL            string        `yaml:"tts_url"`
	EmbedURL          string        `yaml:"embed_url"`
	Timeout           time.Duration `yaml:"timeout"`
	RequestsPerSecond float64       `yaml:"requests_per_second"`
}

type HumanEvalConfig struct {
	AudioRoot           string   `yaml:"audio_root"`
	ReferenceRoot       string   `yaml:"reference_root"`
	ReferenceCandidates []string `yaml:"reference_candidates"`
	PairsFile           string   `yaml:"pairs_file"`
	Subjects            []string `yaml:"subjects"`
	MaxPerSubject       int      `yaml:"max_per_subject"`
	ExportRoot          string   `yaml:"export_root"`
	Addr                string   `yaml:"addr"`
	Randomize           bool     `yaml:"randomize"`
	ShowGold            bool     `yaml:"show_gold"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

func Default() Config {
	return Config{
		SourceLanguage: string(types.English),
		TargetLanguage: string(types.Spanish),
		Corpus: CorpusConfig{
			Root:    "data/commonvoice",
			Variant: "auto",
			Split:   "dev",
		},
		Setup: SetupConfig{
			Mode:              string(setup.ModeUtterance),
			Durations:         []float64{5, 10, 20},
			Seed:              42,
			Subjects:          5,
			MinSubjectSeconds: 1.0,
			MinSpeakerClips:   10,
			OutputDir:         "experiment_data",
		},
		Run: RunConfig{
			ResultsCSV:         "experiment_results.csv",
			Workers:            1,
			OnBatchedEmbedding: string(similarity.BatchMean),
			RoundTripASR:       true,
		},
		Tools: ToolsConfig{
			FFmpegPath:   "ffmpeg",
			FFprobePath:  "ffprobe",
			WhisperBin:   ".cache/bin/whisper.cpp",
			WhisperModel: ".cache/models/ggml-base.bin",
			CacheDir:     ".cache",
		},
		Translator: TranslatorConfig{
			Model:   "z-ai/glm-4.5-air:free",
			BaseURL: "https://openrouter.ai",
		},
		Speech: SpeechConfig{
			TTSURL:   "http://127.0.0.1:8081",
			EmbedURL: "http://127.0.0.1:8082",
			Timeout:  2 * time.Minute,
		},
		HumanEval: HumanEvalConfig{
			AudioRoot:     "data/audio",
			ReferenceRoot: "results/zero_shot",
			Subjects:      []string{"1055", "124992", "28165"},
			MaxPerSubject: 5,
			ExportRoot:    "results/human-evaluation",
			Addr:          "127.0.0.1:8501",
		},
		Log: LogConfig{
			Level:  "info",
			Format: "console",
		},
	}
}

// Load reads path over the defaults and applies environment overrides. A
// missing file is not an error when it is the default path.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		path = DefaultPath
	}
	b, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(b, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config %s: %w", path, err)
		}
	case errors.Is(err, os.ErrNotExist) && path == DefaultPath:
	default:
		return Config{}, fmt.Errorf("read config: %w", err)
	}
	cfg.applyEnv(os.Getenv)
	return cfg, nil
}

func (c *Config) applyEnv(getenv func(string) string) {
	set := func(dst *string, key string) {
		if v := strings.TrimSpace(getenv(key)); v != "" {
			*dst = v
		}
	}
	set(&c.Translator.APIKey, "OPENROUTER_API_KEY")
	set(&c.Translator.Model, "OPENROUTER_MODEL")
	set(&c.Translator.BaseURL, "OPENROUTER_BASE_URL")
	set(&c.Speech.TTSURL, "S2STEVAL_TTS_URL")
	set(&c.Speech.EmbedURL, "S2STEVAL_EMBED_URL")
	set(&c.Log.Level, "S2STEVAL_LOG_LEVEL")
	if v := strings.TrimSpace(getenv("OPENROUTER_ALLOWED_HOSTS")); v != "" {
		c.Translator.AllowedHosts = strings.Split(v, ",")
	}
}

func (c Config) Source() types.Language { return types.Language(strings.ToLower(c.SourceLanguage)) }

func (c Config) Target() types.Language { return types.Language(strings.ToLower(c.TargetLanguage)) }

// Validate checks everything setup and run depend on.
func (c Config) Validate() error {
	if _, err := types.ParseLanguage(c.SourceLanguage); err != nil {
		return fmt.Errorf("source language: %w", err)
	}
	if _, err := types.ParseLanguage(c.TargetLanguage); err != nil {
		return fmt.Errorf("target language: %w", err)
	}
	if c.Corpus.Root == "" {
		return fmt.Errorf("corpus root is required")
	}
	if c.Corpus.Split == "" {
		return fmt.Errorf("corpus split is required")
	}
	if err := c.SetupOptions().Validate(); err != nil {
		return err
	}
	if c.Setup.MinSubjectSeconds < 0 {
		return fmt.Errorf("min subject seconds must be >= 0")
	}
	if c.Run.Workers < 1 {
		return fmt.Errorf("workers must be >= 1")
	}
	if c.Run.ResultsCSV == "" {
		return fmt.Errorf("results csv path is required")
	}
	if _, err := similarity.ParseBatchPolicy(c.Run.OnBatchedEmbedding); err != nil {
		return err
	}
	if c.Run.RoundTripASR && c.Tools.WhisperModel == "" {
		return fmt.Errorf("whisper model path is required for round-trip asr")
	}
	if c.Speech.TTSURL == "" || c.Speech.EmbedURL == "" {
		return fmt.Errorf("tts and embedding service urls are required")
	}
	if c.Speech.Timeout <= 0 {
		return fmt.Errorf("speech timeout must be > 0")
	}
	return openrouter.ValidateBaseURL(c.Translator.BaseURL, c.Translator.AllowedHosts)
}

// ValidateHumanEval checks the settings of the evaluation commands only.
func (c Config) ValidateHumanEval() error {
	if c.HumanEval.AudioRoot == "" {
		return fmt.Errorf("human eval audio root is required")
	}
	if len(c.HumanEval.Subjects) == 0 {
		return fmt.Errorf("human eval subjects are required")
	}
	if c.HumanEval.ExportRoot == "" {
		return fmt.Errorf("human eval export root is required")
	}
	return nil
}

func (c Config) SetupOptions() setup.Options {
	return setup.Options{
		Mode:              setup.Mode(c.Setup.Mode),
		SourceLanguage:    c.Source(),
		TargetLanguage:    c.Target(),
		Durations:         c.Setup.Durations,
		Seed:              c.Setup.Seed,
		Subjects:          c.Setup.Subjects,
		MinSubjectSeconds: c.Setup.MinSubjectSeconds,
		MinSpeakerClips:   c.Setup.MinSpeakerClips,
		OutputDir:         c.Setup.OutputDir,
	}
}
