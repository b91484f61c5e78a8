package ports

import (
	"context"
	"time"

	"github.com/forPelevin/s2steval/internal/domain/similarity"
	"github.com/forPelevin/s2steval/internal/types"
)

type ASR interface {
	// Transcribe fails when wavPath does not exist. language may be empty.
	Transcribe(ctx context.Context, wavPath string, language types.Language) (string, error)
}

type Translator interface {
	Translate(ctx context.Context, text string, target types.Language) (string, error)
}

type Synthesizer interface {
	// Synthesize writes a mono 16 kHz waveform of text, spoken in language, to
	// outPath in the voice of styleRefPath.
	Synthesize(ctx context.Context, text string, language types.Language, outPath, styleRefPath string) (string, error)
}

type Embedder interface {
	Embed(ctx context.Context, audioPath string) (similarity.Tensor, error)
}

type Corpus interface {
	Utterances() []types.Utterance
	ResolveAudioPath(filename string) string
}

type AudioConverter interface {
	ExtractAudioMono16k(ctx context.Context, in, outWav string) error
}

type DurationProber interface {
	ProbeDuration(ctx context.Context, in string) (time.Duration, error)
}
