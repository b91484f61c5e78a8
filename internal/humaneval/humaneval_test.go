package humaneval

import (
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
	"pgregory.net/rapid"
)

func write(t *testing.T, path, body string) string {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

// fixture lays out two speakers:
//
//	1055: zero_shot 0..6 (capped to 5), fine_tuned only for 1, own sentence pairs, duration_10 reference
//	28165: zero_shot 0 only, global pairs, no reference at all
func fixture(t *testing.T) Layout {
	t.Helper()
	root := t.TempDir()
	l := Layout{
		AudioRoot:     filepath.Join(root, "data", "audio"),
		ReferenceRoot: filepath.Join(root, "results", "zero_shot"),
	}
	for i := 0; i <= 6; i++ {
		write(t, filepath.Join(l.AudioRoot, "speaker_1055", fmt.Sprintf("zero_shot_%d.wav", i)), "RIFF")
	}
	write(t, filepath.Join(l.AudioRoot, "speaker_1055", "fine_tuned_1.wav"), "RIFF")
	write(t, filepath.Join(l.AudioRoot, "speaker_1055", "zero_shot_x.wav"), "RIFF")
	write(t, filepath.Join(l.AudioRoot, "speaker_1055", "sentence_pairs.json"),
		`[{"en": " Hello ", "es": "Hola"}, {"en": "Where is the station?", "es": "¿Dónde está la estación?"}]`)
	write(t, filepath.Join(l.ReferenceRoot, "speaker_1055", "duration_10", "source_audio.wav"), "RIFF")

	write(t, filepath.Join(l.AudioRoot, "speaker_28165", "zero_shot_0.wav"), "RIFF")
	write(t, filepath.Join(l.AudioRoot, "five_random_sentence_pairs.json"), `[["Good night", "Buenas noches"]]`)
	return l
}

func TestDiscover(t *testing.T) {
	l := fixture(t)
	got := Discover(l, []string{"1055", "28165", "999"})
	require.Len(t, got, 6)

	first := got[0]
	assert.Equal(t, "1055", first.SpeakerID)
	assert.Equal(t, 0, first.PairIndex)
	assert.Equal(t, "Hello", first.SourceText)
	assert.Equal(t, filepath.Join(l.ReferenceRoot, "speaker_1055", "duration_10", "source_audio.wav"), first.ReferenceAudio)
	assert.Empty(t, first.FineTuneAudio)

	assert.Equal(t, "¿Dónde está la estación?", got[1].TargetText)
	assert.Equal(t, filepath.Join(l.AudioRoot, "speaker_1055", "fine_tuned_1.wav"), got[1].FineTuneAudio)
	assert.Empty(t, got[2].SourceText, "no pair for index 2")
	assert.Equal(t, 4, got[4].PairIndex, "capped at five per subject")

	other := got[5]
	assert.Equal(t, "28165", other.SpeakerID)
	assert.Equal(t, "Good night", other.SourceText)
	assert.Equal(t, filepath.Join(l.ReferenceRoot, "speaker_28165", "duration_10", "source_audio.wav"), other.ReferenceAudio,
		"last candidate is reported when none exists")
}

func TestDiscover_UnreadablePairsYieldEmptyText(t *testing.T) {
	l := fixture(t)
	write(t, filepath.Join(l.AudioRoot, "speaker_1055", "sentence_pairs.json"), "{not json")
	got := Discover(l, []string{"1055"})
	require.NotEmpty(t, got)
	for _, s := range got {
		assert.Empty(t, s.SourceText)
		assert.Empty(t, s.TargetText)
	}
}

func TestOrder(t *testing.T) {
	in := []Sample{
		{SpeakerID: "abc", PairIndex: 0},
		{SpeakerID: "124992", PairIndex: 1},
		{SpeakerID: "1055", PairIndex: 2},
		{SpeakerID: "124992", PairIndex: 0},
		{SpeakerID: "1055", PairIndex: 0},
	}
	var keys []string
	for _, s := range Order(in, false, 1) {
		keys = append(keys, s.Key())
	}
	assert.Equal(t, []string{
		"spk=1055|pair=0", "spk=1055|pair=2", "spk=124992|pair=0", "spk=124992|pair=1", "spk=abc|pair=0",
	}, keys)
	assert.Equal(t, "abc", in[0].SpeakerID, "input is not reordered")
}

func TestOrder_RandomizedIsStablePerEvaluator(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		n := rapid.IntRange(0, 30).Draw(t, "n")
		ev := rapid.IntRange(1, 1000).Draw(t, "evaluator")
		samples := make([]Sample, n)
		for i := range samples {
			samples[i] = Sample{SpeakerID: fmt.Sprint(i % 4), PairIndex: i}
		}
		a := Order(samples, true, ev)
		// Discovery order must not matter.
		reversed := make([]Sample, n)
		for i := range samples {
			reversed[n-1-i] = samples[i]
		}
		b := Order(reversed, true, ev)
		if len(a) != n {
			t.Fatalf("lost samples: %d != %d", len(a), n)
		}
		for i := range a {
			if a[i] != b[i] {
				t.Fatalf("order differs at %d: %v vs %v", i, a[i], b[i])
			}
		}
	})
}

func TestState_NavigationClamps(t *testing.T) {
	var st State
	st = st.Goto(2, 3)
	st = st.Next(3)
	assert.Equal(t, 2, st.Index, "next at the last item stays")
	st = st.Goto(-5, 3)
	assert.Equal(t, 0, st.Index)
	st = st.Prev(3)
	assert.Equal(t, 0, st.Index)
	st = st.Goto(99, 0)
	assert.Equal(t, 0, st.Index, "empty session")

	rapid.Check(t, func(t *rapid.T) {
		n := rapid.IntRange(1, 50).Draw(t, "n")
		var s State
		for _, op := range rapid.SliceOf(rapid.IntRange(-100, 100)).Draw(t, "ops") {
			switch {
			case op%3 == 0:
				s = s.Next(n)
			case op%3 == 1 || op%3 == -1:
				s = s.Prev(n)
			default:
				s = s.Goto(op, n)
			}
			if s.Index < 0 || s.Index > n-1 {
				t.Fatalf("index %d out of [0,%d]", s.Index, n-1)
			}
		}
	})
}

func TestState_SaveUpsertsWithoutMovingOrMutating(t *testing.T) {
	smp := Sample{SpeakerID: "1055", PairIndex: 3}
	now := time.Unix(1700000000, 0)

	st := State{}.Goto(1, 5)
	d := st.DraftFor(smp)
	d.Ratings.ZeroShot.Overall = 5
	d.GeneralNotes = "first"
	st1, err := st.Save(smp, d, now)
	require.NoError(t, err)
	assert.Equal(t, 1, st1.Index)
	assert.Equal(t, 1, st1.Completed())
	assert.Equal(t, 0, st.Completed(), "previous state is untouched")

	d.GeneralNotes = "second"
	d.Ratings.Preference = PreferFineTune
	st2, err := st1.Save(smp, d, now.Add(time.Second))
	require.NoError(t, err)
	assert.Equal(t, 1, st2.Completed(), "same item overwrites")
	assert.Equal(t, "second", st2.Responses[smp.Key()].GeneralNotes)
	assert.Equal(t, "first", st1.Responses[smp.Key()].GeneralNotes)
	assert.Equal(t, PreferFineTune, st2.DraftFor(smp).Ratings.Preference)

	bad := d
	bad.Ratings.FineTune.Naturalness = 6
	_, err = st2.Save(smp, bad, now)
	assert.True(t, errors.Is(err, ErrInvalidScore), "got %v", err)

	bad = d
	bad.Ratings.Preference = "both"
	_, err = st2.Save(smp, bad, now)
	assert.Error(t, err)
}

func readCSV(t *testing.T, path string) [][]string {
	t.Helper()
	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()
	rows, err := csv.NewReader(f).ReadAll()
	require.NoError(t, err)
	return rows
}

func TestExport_TwiceAccumulatesRows(t *testing.T) {
	root := t.TempDir()
	samples := []Sample{
		{SpeakerID: "1055", PairIndex: 0, SourceText: "Where?", TargetText: "¿Dónde está? <b>"},
		{SpeakerID: "1055", PairIndex: 1},
		{SpeakerID: "28165", PairIndex: 0},
	}
	now := time.Date(2026, 3, 1, 12, 30, 0, 0, time.UTC)
	st := State{}
	var err error
	for _, i := range []int{2, 0} {
		st, err = st.Save(samples[i], st.DraftFor(samples[i]), now)
		require.NoError(t, err)
	}
	ev := Evaluator{Number: 2, Name: "Zoë"}

	r1, err := Export(root, ev, samples, st, now)
	require.NoError(t, err)
	r2, err := Export(root, ev, samples, st, now.Add(time.Minute))
	require.NoError(t, err)
	assert.NotEqual(t, r1.JSONPath, r2.JSONPath)
	assert.Equal(t, filepath.Join(root, "evaluator-2", "human_eval_20260301-123000_"+r1.ID[:8]+".json"), r1.JSONPath)
	assert.Equal(t, 4, r1.Rows)

	rows := readCSV(t, r1.CSVPath)
	require.Len(t, rows, 1+2*4, "header once, duplicate rows accumulate")
	assert.Equal(t, csvColumns(), rows[0])
	assert.Equal(t, rows[1:5], rows[5:9])
	// Sample order, then method order.
	assert.Equal(t, []string{"spk=1055|pair=0", "zero_shot"}, []string{rows[1][2], rows[1][5]})
	assert.Equal(t, []string{"spk=1055|pair=0", "fine_tune"}, []string{rows[2][2], rows[2][5]})
	assert.Equal(t, "spk=28165|pair=0", rows[3][2])
	assert.Equal(t, "3", rows[1][len(rows[1])-1])

	b, err := os.ReadFile(r1.JSONPath)
	require.NoError(t, err)
	assert.Contains(t, string(b), "¿Dónde está? <b>", "non-ASCII and markup kept literally")
	assert.Contains(t, string(b), `"evaluator_name": "Zoë"`)

	var payload map[string]any
	require.NoError(t, json.Unmarshal(b, &payload))
	assert.EqualValues(t, 3, payload["n_items_total"])
	assert.EqualValues(t, 2, payload["n_items_completed"])
	assert.Len(t, payload["samples_discovered"], 3)
	assert.Len(t, payload["responses"], 2)
}

func TestExport_SameSecondKeepsBothSnapshots(t *testing.T) {
	root := t.TempDir()
	s := Sample{SpeakerID: "1055", PairIndex: 0}
	now := time.Date(2026, 3, 1, 12, 30, 0, 0, time.UTC)
	st, err := State{}.Save(s, State{}.DraftFor(s), now)
	require.NoError(t, err)
	ev := Evaluator{Number: 1}

	r1, err := Export(root, ev, []Sample{s}, State{}, now)
	require.NoError(t, err)
	r2, err := Export(root, ev, []Sample{s}, st, now.Add(300*time.Millisecond))
	require.NoError(t, err)
	require.NotEqual(t, r1.JSONPath, r2.JSONPath)

	for _, r := range []ExportResult{r1, r2} {
		b, err := os.ReadFile(r.JSONPath)
		require.NoError(t, err)
		assert.Contains(t, string(b), r.ID)
	}
}

func TestExport_NoResponsesWritesJSONOnly(t *testing.T) {
	root := t.TempDir()
	res, err := Export(root, Evaluator{Number: 1}, nil, State{}, time.Now())
	require.NoError(t, err)
	assert.FileExists(t, res.JSONPath)
	assert.NoFileExists(t, res.CSVPath)

	_, err = Export(root, Evaluator{Number: 0}, nil, State{}, time.Now())
	assert.Error(t, err)
}

type countingObserver struct{ saves, exports int }

func (c *countingObserver) RatingSaved(string) { c.saves++ }
func (c *countingObserver) Exported()          { c.exports++ }

func TestServer_Flow(t *testing.T) {
	l := fixture(t)
	samples := Order(Discover(l, []string{"28165", "1055"}), false, 1)[:3]
	obs := &countingObserver{}
	exportRoot := t.TempDir()
	srv := NewServer(ServerConfig{
		Samples:    samples,
		Evaluator:  Evaluator{Number: 1},
		ExportRoot: exportRoot,
		Logger:     zaptest.NewLogger(t),
		Observer:   obs,
		Now:        func() time.Time { return time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC) },
	})
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()
	client := ts.Client()
	client.CheckRedirect = func(*http.Request, []*http.Request) error { return http.ErrUseLastResponse }

	post := func(path string, form url.Values) int {
		t.Helper()
		resp, err := client.PostForm(ts.URL+path, form)
		require.NoError(t, err)
		resp.Body.Close()
		return resp.StatusCode
	}

	assert.Equal(t, http.StatusSeeOther, post("/goto", url.Values{"index": {"2"}}))
	assert.Equal(t, http.StatusSeeOther, post("/next", nil))
	assert.Equal(t, 2, srv.State().Index, "next at the last item clamps")

	assert.Equal(t, http.StatusBadRequest, post("/save", url.Values{"zero_shot:overall": {"9"}}))
	assert.Equal(t, 0, srv.State().Completed())

	assert.Equal(t, http.StatusSeeOther, post("/save", url.Values{
		"zero_shot:overall":     {"5"},
		"fine_tune:naturalness": {"1"},
		"fine_tune:comments":    {"robotic"},
		"preference":            {"zero_shot"},
	}))
	st := srv.State()
	require.Equal(t, 1, st.Completed())
	assert.Equal(t, 2, st.Index, "save does not advance")
	saved := st.Responses[samples[2].Key()]
	assert.Equal(t, 5, saved.Ratings.ZeroShot.Overall)
	assert.Equal(t, 3, saved.Ratings.ZeroShot.Naturalness)
	assert.Equal(t, "robotic", saved.Ratings.FineTune.Comments)

	resp, err := client.Get(ts.URL + "/")
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	page := readAll(t, resp)
	assert.Contains(t, page, "Item 3 / 3")
	assert.Contains(t, page, "(saved)")

	assert.Equal(t, http.StatusSeeOther, post("/export", nil))
	assert.Equal(t, 1, obs.saves)
	assert.Equal(t, 1, obs.exports)
	assert.FileExists(t, filepath.Join(exportRoot, "evaluator-1", ResponsesCSV))
}

func TestServer_MissingAudioShownInline(t *testing.T) {
	l := fixture(t)
	samples := Discover(l, []string{"28165"})
	srv := NewServer(ServerConfig{Samples: samples, Evaluator: Evaluator{Number: 1}, ExportRoot: t.TempDir()})
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	resp, err := ts.Client().Get(ts.URL + "/")
	require.NoError(t, err)
	page := readAll(t, resp)
	assert.Contains(t, page, "Missing reference audio")
	assert.Contains(t, page, "Missing audio for Fine-tuned")

	resp, err = ts.Client().Get(ts.URL + "/audio/0/zero_shot")
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "RIFF", readAll(t, resp))

	for _, p := range []string{"/audio/0/reference", "/audio/0/fine_tune", "/audio/7/zero_shot"} {
		resp, err = ts.Client().Get(ts.URL + p)
		require.NoError(t, err)
		resp.Body.Close()
		assert.Equal(t, http.StatusNotFound, resp.StatusCode, p)
	}
}

func readAll(t *testing.T, resp *http.Response) string {
	t.Helper()
	defer resp.Body.Close()
	b, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return string(b)
}
