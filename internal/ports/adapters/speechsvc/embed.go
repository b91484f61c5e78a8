package speechsvc

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/forPelevin/s2steval/internal/domain/similarity"
)

type Embedder struct {
	h   *HTTP
	url string
}

func NewEmbedder(h *HTTP, baseURL string) *Embedder {
	return &Embedder{h: h, url: strings.TrimRight(baseURL, "/")}
}

type embedResp struct {
	Embedding json.RawMessage `json:"embedding"`
}

func (e *Embedder) Embed(ctx context.Context, audioPath string) (similarity.Tensor, error) {
	resp, err := e.h.postMultipart(ctx, e.url+"/embed", nil, []formFile{{field: "file", path: audioPath}})
	if err != nil {
		return similarity.Tensor{}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return similarity.Tensor{}, statusError("embed", resp)
	}
	var out embedResp
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return similarity.Tensor{}, fmt.Errorf("embed decode: %w", err)
	}
	return decodeTensor(out.Embedding)
}

// decodeTensor turns arbitrarily nested JSON number arrays into a Tensor.
// Ragged arrays are rejected.
func decodeTensor(raw json.RawMessage) (similarity.Tensor, error) {
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return similarity.Tensor{}, fmt.Errorf("embed decode: %w", err)
	}
	var t similarity.Tensor
	if err := walk(v, 0, &t); err != nil {
		return similarity.Tensor{}, err
	}
	return t, nil
}

func walk(v any, depth int, t *similarity.Tensor) error {
	switch x := v.(type) {
	case float64:
		if depth != len(t.Shape) {
			return fmt.Errorf("embed decode: ragged embedding at depth %d", depth)
		}
		t.Data = append(t.Data, x)
		return nil
	case []any:
		if depth == len(t.Shape) {
			if len(t.Data) > 0 {
				return fmt.Errorf("embed decode: ragged embedding at depth %d", depth)
			}
			t.Shape = append(t.Shape, len(x))
		} else if depth > len(t.Shape) || t.Shape[depth] != len(x) {
			return fmt.Errorf("embed decode: ragged embedding at depth %d", depth)
		}
		for _, it := range x {
			if err := walk(it, depth+1, t); err != nil {
				return err
			}
		}
		return nil
	default:
		return fmt.Errorf("embed decode: unexpected value %T", v)
	}
}
