// Package corpus reads speech corpora laid out as
//
//	<root>/.../<lang>/<split>.tsv
//	<root>/.../<lang>/clips/<file>
//
// Column names differ between corpus variants; each known variant has an
// explicit schema that is resolved once when the table is opened.
package corpus

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/forPelevin/s2steval/internal/types"
)

// Schema maps canonical utterance fields to a variant's column names.
type Schema struct {
	Name     string
	ID       string
	Speaker  string
	Sentence string
	Path     string
}

var schemas = []Schema{
	{Name: "commonvoice", ID: "path", Speaker: "client_id", Sentence: "sentence", Path: "path"},
	{Name: "covost2", ID: "path", Speaker: "client_id", Sentence: "sentence", Path: "path"},
	{Name: "librispeech", ID: "id", Speaker: "speaker_id", Sentence: "text", Path: "file"},
}

const VariantAuto = "auto"

func schemaByName(name string) (Schema, bool) {
	for _, s := range schemas {
		if s.Name == name {
			return s, true
		}
	}
	return Schema{}, false
}

// resolveSchema picks the requested variant, or with "auto" the first variant
// whose columns are all present.
func resolveSchema(variant string, header []string) (Schema, error) {
	has := map[string]bool{}
	for _, h := range header {
		has[h] = true
	}
	fits := func(s Schema) bool {
		return has[s.ID] && has[s.Speaker] && has[s.Sentence] && has[s.Path]
	}

	if variant == "" || variant == VariantAuto {
		for _, s := range schemas {
			if fits(s) {
				return s, nil
			}
		}
		return Schema{}, fmt.Errorf("corpus: no known variant matches columns %v", header)
	}
	s, ok := schemaByName(variant)
	if !ok {
		return Schema{}, fmt.Errorf("corpus: unknown variant %q", variant)
	}
	if !fits(s) {
		return Schema{}, fmt.Errorf("corpus: columns %v do not match variant %q", header, variant)
	}
	return s, nil
}

type Table struct {
	langDir string
	schema  Schema
	rows    []types.Utterance
}

// Open locates the language directory under root and loads <split>.tsv.
// Any failure here is fatal for an experiment.
func Open(root, variant string, language types.Language, split string) (*Table, error) {
	langDir, err := findLanguageDir(root, string(language), split)
	if err != nil {
		return nil, err
	}
	tsv := filepath.Join(langDir, split+".tsv")
	f, err := os.Open(tsv)
	if err != nil {
		return nil, fmt.Errorf("corpus: open split: %w", err)
	}
	defer f.Close()

	schema, rows, err := readTSV(f, variant)
	if err != nil {
		return nil, fmt.Errorf("corpus %s: %w", tsv, err)
	}
	return &Table{langDir: langDir, schema: schema, rows: rows}, nil
}

func (t *Table) Utterances() []types.Utterance { return t.rows }

func (t *Table) Schema() Schema { return t.schema }

func (t *Table) ResolveAudioPath(filename string) string {
	if filepath.IsAbs(filename) {
		return filename
	}
	return filepath.Join(t.langDir, "clips", filename)
}

func findLanguageDir(root, lang, split string) (string, error) {
	if filepath.Base(root) == lang {
		return root, nil
	}
	if _, err := os.Stat(filepath.Join(root, lang, split+".tsv")); err == nil {
		return filepath.Join(root, lang), nil
	}

	var found string
	errFound := errors.New("found")
	err := filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() && d.Name() == lang && p != root {
			found = p
			return errFound
		}
		return nil
	})
	if err != nil && !errors.Is(err, errFound) {
		return "", fmt.Errorf("corpus: scan %s: %w", root, err)
	}
	if found == "" {
		return "", fmt.Errorf("corpus: could not find directory for language %q in %s", lang, root)
	}
	return found, nil
}

func readTSV(r io.Reader, variant string) (Schema, []types.Utterance, error) {
	br := bufio.NewReader(r)
	var header []string
	var schema Schema
	var idx map[string]int
	var rows []types.Utterance
	seen := map[string]struct{}{}

	for lineNo := 1; ; lineNo++ {
		line, err := br.ReadString('\n')
		if err != nil && err != io.EOF {
			return Schema{}, nil, err
		}
		line = strings.TrimRight(line, "\r\n")
		if line != "" {
			cols := strings.Split(line, "\t")
			if header == nil {
				header = cols
				schema, err = resolveSchema(variant, header)
				if err != nil {
					return Schema{}, nil, err
				}
				idx = make(map[string]int, len(header))
				for i, h := range header {
					idx[h] = i
				}
			} else {
				get := func(col string) string {
					if i := idx[col]; i < len(cols) {
						return strings.TrimSpace(cols[i])
					}
					return ""
				}
				u := types.Utterance{
					ID:         get(schema.ID),
					SpeakerID:  get(schema.Speaker),
					Transcript: get(schema.Sentence),
					AudioPath:  get(schema.Path),
				}
				if u.ID == "" || u.AudioPath == "" {
					return Schema{}, nil, fmt.Errorf("line %d: missing id or path", lineNo)
				}
				if _, dup := seen[u.ID]; dup {
					return Schema{}, nil, fmt.Errorf("line %d: duplicate id %q", lineNo, u.ID)
				}
				seen[u.ID] = struct{}{}
				rows = append(rows, u)
			}
		}
		if err == io.EOF {
			break
		}
	}
	if header == nil {
		return Schema{}, nil, errors.New("empty table")
	}
	return schema, rows, nil
}

// Variants lists the known schema names.
func Variants() []string {
	out := make([]string, 0, len(schemas))
	for _, s := range schemas {
		out = append(out, s.Name)
	}
	sort.Strings(out)
	return out
}
