package humaneval

import (
	"bytes"
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"time"

	"github.com/google/uuid"
)

type Evaluator struct {
	Number int
	Name   string
}

func (e Evaluator) Validate() error {
	if e.Number < 1 {
		return fmt.Errorf("evaluator number must be >= 1")
	}
	return nil
}

// Dir is the per-evaluator export directory under root.
func (e Evaluator) Dir(root string) string {
	return filepath.Join(root, fmt.Sprintf("evaluator-%d", e.Number))
}

const (
	ResponsesCSV    = "responses.csv"
	exportTimestamp = "20060102-150405"
)

type exportPayload struct {
	EvaluatorNumber   int                 `json:"evaluator_number"`
	EvaluatorName     string              `json:"evaluator_name"`
	ExportID          string              `json:"export_id"`
	ExportedAtUnix    float64             `json:"exported_at_unix"`
	ExportedAt        string              `json:"exported_at"`
	NItemsTotal       int                 `json:"n_items_total"`
	NItemsCompleted   int                 `json:"n_items_completed"`
	SamplesDiscovered []Sample            `json:"samples_discovered"`
	Responses         map[string]Response `json:"responses"`
}

type ExportResult struct {
	ID       string
	JSONPath string
	CSVPath  string
	Rows     int
}

// Export writes a JSON snapshot of the session and appends one row per
// (item, method) to responses.csv. The CSV header is written only when the
// file is created. Exporting again appends the same rows again; nothing is
// deduplicated and the session state is left untouched.
func Export(root string, ev Evaluator, samples []Sample, st State, now time.Time) (ExportResult, error) {
	if err := ev.Validate(); err != nil {
		return ExportResult{}, err
	}
	dir := ev.Dir(root)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return ExportResult{}, err
	}

	id := uuid.NewString()
	res := ExportResult{
		ID: id,
		// the id suffix keeps snapshots taken within one second apart
		JSONPath: filepath.Join(dir, "human_eval_"+now.Format(exportTimestamp)+"_"+id[:8]+".json"),
		CSVPath:  filepath.Join(dir, ResponsesCSV),
	}

	responses := st.Responses
	if responses == nil {
		responses = map[string]Response{}
	}
	if samples == nil {
		samples = []Sample{}
	}
	payload := exportPayload{
		EvaluatorNumber:   ev.Number,
		EvaluatorName:     ev.Name,
		ExportID:          res.ID,
		ExportedAtUnix:    float64(now.UnixNano()) / 1e9,
		ExportedAt:        now.Format(exportTimestamp),
		NItemsTotal:       len(samples),
		NItemsCompleted:   st.Completed(),
		SamplesDiscovered: samples,
		Responses:         responses,
	}
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	enc.SetIndent("", "  ")
	if err := enc.Encode(payload); err != nil {
		return ExportResult{}, fmt.Errorf("encode export: %w", err)
	}
	if err := os.WriteFile(res.JSONPath, buf.Bytes(), 0o644); err != nil {
		return ExportResult{}, err
	}

	rows := flatten(ev, samples, responses)
	res.Rows = len(rows)
	if err := appendCSV(res.CSVPath, csvColumns(), rows); err != nil {
		return ExportResult{}, err
	}
	return res, nil
}

func csvColumns() []string {
	cols := []string{
		"evaluator_number",
		"evaluator_name",
		"item_key",
		"speaker_id",
		"pair_index",
		"method",
		"preference",
		"source_text",
		"target_text",
		"general_notes",
		"method_comments",
		"saved_at_unix",
	}
	for _, m := range Metrics {
		cols = append(cols, m.Key)
	}
	return cols
}

// flatten orders items by their position in samples; responses for items no
// longer discovered follow, sorted by key.
func flatten(ev Evaluator, samples []Sample, responses map[string]Response) [][]string {
	var keys []string
	seen := map[string]bool{}
	for _, s := range samples {
		k := s.Key()
		if _, ok := responses[k]; ok && !seen[k] {
			keys = append(keys, k)
			seen[k] = true
		}
	}
	var rest []string
	for k := range responses {
		if !seen[k] {
			rest = append(rest, k)
		}
	}
	sort.Strings(rest)
	keys = append(keys, rest...)

	var rows [][]string
	for _, k := range keys {
		r := responses[k]
		for _, m := range Methods {
			mr := r.Ratings.For(m)
			row := []string{
				strconv.Itoa(ev.Number),
				ev.Name,
				k,
				r.SpeakerID,
				strconv.Itoa(r.PairIndex),
				string(m),
				string(r.Ratings.Preference),
				r.SourceText,
				r.TargetText,
				r.GeneralNotes,
				mr.Comments,
				strconv.FormatFloat(r.SavedAtUnix, 'f', -1, 64),
			}
			for _, mt := range Metrics {
				row = append(row, strconv.Itoa(mr.Score(mt.Key)))
			}
			rows = append(rows, row)
		}
	}
	return rows
}

func appendCSV(path string, header []string, rows [][]string) error {
	if len(rows) == 0 {
		return nil
	}
	needHeader := false
	if st, err := os.Stat(path); errors.Is(err, fs.ErrNotExist) {
		needHeader = true
	} else if err != nil {
		return err
	} else if st.Size() == 0 {
		needHeader = true
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	w := csv.NewWriter(f)
	if needHeader {
		_ = w.Write(header)
	}
	_ = w.WriteAll(rows)
	if err := w.Error(); err != nil {
		f.Close()
		return fmt.Errorf("append %s: %w", path, err)
	}
	return f.Close()
}
