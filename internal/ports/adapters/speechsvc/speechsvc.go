// Package speechsvc talks to the model-serving sidecars that host the voice
// cloning synthesizer and the speaker-embedding extractor.
//
//	POST {tts}/synthesize   multipart: text, language, reference (file)  -> audio/wav
//	POST {embed}/embed      multipart: file                              -> {"embedding": [[...]]}
package speechsvc

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"golang.org/x/time/rate"

	"github.com/forPelevin/s2steval/internal/types"
)

type HTTP struct {
	c       *http.Client
	limiter *rate.Limiter
}

// NewHTTP builds a client; rps <= 0 means unlimited.
func NewHTTP(timeout time.Duration, rps float64) *HTTP {
	if timeout <= 0 {
		timeout = 120 * time.Second
	}
	lim := rate.NewLimiter(rate.Inf, 1)
	if rps > 0 {
		lim = rate.NewLimiter(rate.Limit(rps), 1)
	}
	return &HTTP{c: &http.Client{Timeout: timeout}, limiter: lim}
}

type formFile struct {
	field string
	path  string
}

func (h *HTTP) postMultipart(ctx context.Context, url string, fields map[string]string, files []formFile) (*http.Response, error) {
	var b bytes.Buffer
	w := multipart.NewWriter(&b)

	for k, v := range fields {
		if err := w.WriteField(k, v); err != nil {
			return nil, err
		}
	}
	for _, f := range files {
		if err := attach(w, f); err != nil {
			return nil, err
		}
	}
	if err := w.Close(); err != nil {
		return nil, err
	}

	if err := h.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, &b)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", w.FormDataContentType())
	return h.c.Do(req)
}

func attach(w *multipart.Writer, f formFile) error {
	fd, err := os.Open(f.path)
	if err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("%w: %s", types.ErrMissingResource, f.path)
		}
		return err
	}
	defer fd.Close()

	fw, err := w.CreateFormFile(f.field, filepath.Base(f.path))
	if err != nil {
		return err
	}
	_, err = io.Copy(fw, fd)
	return err
}

func statusError(service string, resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	return fmt.Errorf("%s %s: %s", service, resp.Status, string(body))
}
