package speechsvc

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/forPelevin/s2steval/internal/types"
)

type Synthesizer struct {
	h   *HTTP
	url string
}

func NewSynthesizer(h *HTTP, baseURL string) *Synthesizer {
	return &Synthesizer{h: h, url: strings.TrimRight(baseURL, "/")}
}

func (s *Synthesizer) Synthesize(ctx context.Context, text string, language types.Language, outPath, styleRefPath string) (string, error) {
	resp, err := s.h.postMultipart(ctx, s.url+"/synthesize",
		map[string]string{"text": text, "language": string(language)},
		[]formFile{{field: "reference", path: styleRefPath}},
	)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", statusError("tts", resp)
	}

	if err := os.MkdirAll(filepath.Dir(outPath), 0o755); err != nil {
		return "", err
	}
	f, err := os.Create(outPath)
	if err != nil {
		return "", err
	}
	n, err := io.Copy(f, resp.Body)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return "", fmt.Errorf("tts write %s: %w", outPath, err)
	}
	if n == 0 {
		return "", fmt.Errorf("tts: empty audio for %s", outPath)
	}
	return outPath, nil
}
