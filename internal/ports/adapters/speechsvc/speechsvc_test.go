package speechsvc

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/forPelevin/s2steval/internal/types"
)

func writeFile(t *testing.T, path, body string) {
	t.Helper()
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
}

func TestSynthesizer_WritesOutput(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/synthesize", r.URL.Path)
		assert.NoError(t, r.ParseMultipartForm(1<<20))
		assert.Equal(t, "hola", r.FormValue("text"))
		assert.Equal(t, "es", r.FormValue("language"))
		f, hdr, err := r.FormFile("reference")
		if !assert.NoError(t, err) {
			return
		}
		defer f.Close()
		b, _ := io.ReadAll(f)
		assert.Equal(t, "ref_5s.wav", hdr.Filename)
		assert.Equal(t, "REF", string(b))
		_, _ = w.Write([]byte("RIFFfake"))
	}))
	defer srv.Close()

	dir := t.TempDir()
	ref := filepath.Join(dir, "ref_5s.wav")
	writeFile(t, ref, "REF")
	out := filepath.Join(dir, "sub", "out.wav")

	s := NewSynthesizer(NewHTTP(time.Second, 0), srv.URL+"/")
	got, err := s.Synthesize(context.Background(), "hola", types.Spanish, out, ref)
	require.NoError(t, err)
	assert.Equal(t, out, got)

	b, err := os.ReadFile(out)
	require.NoError(t, err)
	assert.Equal(t, "RIFFfake", string(b))
}

func TestSynthesizer_MissingReference(t *testing.T) {
	s := NewSynthesizer(NewHTTP(time.Second, 0), "http://127.0.0.1:1")
	_, err := s.Synthesize(context.Background(), "hola", types.Spanish, filepath.Join(t.TempDir(), "o.wav"), "/nope/ref.wav")
	assert.True(t, errors.Is(err, types.ErrMissingResource), "got %v", err)
}

func TestSynthesizer_StatusError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "model not loaded", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	dir := t.TempDir()
	ref := filepath.Join(dir, "ref.wav")
	writeFile(t, ref, "REF")

	_, err := NewSynthesizer(NewHTTP(time.Second, 0), srv.URL).
		Synthesize(context.Background(), "hola", types.Spanish, filepath.Join(dir, "o.wav"), ref)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "model not loaded")
}

func TestEmbedder_DecodesNestedEmbedding(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/embed", r.URL.Path)
		_, _ = w.Write([]byte(`{"embedding": [[[0.5, -1, 2]]]}`))
	}))
	defer srv.Close()

	audio := filepath.Join(t.TempDir(), "a.wav")
	writeFile(t, audio, "A")

	tn, err := NewEmbedder(NewHTTP(time.Second, 0), srv.URL).Embed(context.Background(), audio)
	require.NoError(t, err)
	assert.Equal(t, []int{1, 1, 3}, tn.Shape)
	assert.Equal(t, []float64{0.5, -1, 2}, tn.Data)
}

func TestDecodeTensor(t *testing.T) {
	tests := []struct {
		name    string
		in      string
		shape   []int
		wantErr bool
	}{
		{"vector", `[1,2,3]`, []int{3}, false},
		{"matrix", `[[1,2],[3,4]]`, []int{2, 2}, false},
		{"ragged rows", `[[1,2],[3]]`, nil, true},
		{"mixed depth", `[1,[2]]`, nil, true},
		{"strings", `["a"]`, nil, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := decodeTensor([]byte(tt.in))
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.shape, got.Shape)
		})
	}
}
