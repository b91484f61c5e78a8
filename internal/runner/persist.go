package runner

import (
	"encoding/csv"
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/forPelevin/s2steval/internal/types"
)

var csvHeader = []string{
	"subject_id",
	"duration",
	"similarity_score",
	"source_text",
	"target_text",
	"transcribed_text",
	"length_ratio",
	"output_audio_path",
}

// Persist writes the results table once, replacing any previous file.
func Persist(records []types.ResultRecord, path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	tmp := path + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return err
	}
	w := csv.NewWriter(f)
	_ = w.Write(csvHeader)
	for _, r := range records {
		ratio := ""
		if r.TranscribedText != "" || r.LengthRatio != 0 {
			ratio = formatFloat(r.LengthRatio)
		}
		_ = w.Write([]string{
			r.SubjectID,
			types.FormatDuration(r.Duration),
			formatFloat(r.SimilarityScore),
			r.SourceText,
			r.TargetText,
			r.TranscribedText,
			ratio,
			r.OutputAudioPath,
		})
	}
	w.Flush()
	if err := w.Error(); err != nil {
		f.Close()
		return fmt.Errorf("write results: %w", err)
	}
	if err := f.Close(); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}
