package humaneval

import (
	"context"
	"errors"
	"html/template"
	"net/http"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Observer counts saves and exports. metrics.Collector implements it.
type Observer interface {
	RatingSaved(evaluator string)
	Exported()
}

type ServerConfig struct {
	Samples   []Sample
	Evaluator Evaluator
	// ExportRoot holds evaluator-<n>/ directories.
	ExportRoot string
	ShowGold   bool
	Logger     *zap.Logger
	Observer   Observer
	Metrics    http.Handler
	Now        func() time.Time
}

// Server serves one evaluator's session. All handlers share a single State.
type Server struct {
	mu    sync.Mutex
	cfg   ServerConfig
	state State
	flash string
	log   *zap.Logger
	tmpl  *template.Template
}

func NewServer(cfg ServerConfig) *Server {
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Server{
		cfg:  cfg,
		log:  cfg.Logger.With(zap.String("component", "humaneval"), zap.Int("evaluator", cfg.Evaluator.Number)),
		tmpl: template.Must(template.New("page").Funcs(template.FuncMap{"inc": func(i int) int { return i + 1 }}).Parse(pageHTML)),
	}
}

// State returns a snapshot of the session.
func (s *Server) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /{$}", s.handlePage)
	mux.HandleFunc("POST /prev", s.handleNav(func(st State, n int) State { return st.Prev(n) }))
	mux.HandleFunc("POST /next", s.handleNav(func(st State, n int) State { return st.Next(n) }))
	mux.HandleFunc("POST /goto", s.handleGoto)
	mux.HandleFunc("POST /save", s.handleSave)
	mux.HandleFunc("POST /export", s.handleExport)
	mux.HandleFunc("GET /audio/{index}/{kind}", s.handleAudio)
	if s.cfg.Metrics != nil {
		mux.Handle("GET /metrics", s.cfg.Metrics)
	}
	return mux
}

// ListenAndServe blocks until ctx is done or the listener fails.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()
	s.log.Info("evaluation server listening", zap.String("addr", addr), zap.Int("samples", len(s.cfg.Samples)))

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

type methodView struct {
	Method  Method
	Label   string
	Audio   string
	Missing bool
	Rating  MethodRating
}

type metricView struct {
	Key   string
	Label string
}

type pageView struct {
	Total     int
	Index     int
	Completed int
	Saved     bool
	Flash     string
	Sample    Sample
	Evaluator Evaluator
	ShowGold  bool

	ReferenceMissing bool
	Methods          []methodView
	Metrics          []metricView
	Draft            Draft
	Scores           []int
	Preferences      []Preference
}

func (s *Server) handlePage(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	n := len(s.cfg.Samples)
	v := pageView{
		Total:       n,
		Index:       s.state.Index,
		Completed:   s.state.Completed(),
		Flash:       s.flash,
		Evaluator:   s.cfg.Evaluator,
		ShowGold:    s.cfg.ShowGold,
		Scores:      []int{1, 2, 3, 4, 5},
		Preferences: []Preference{PreferNone, PreferZeroShot, PreferFineTune},
	}
	s.flash = ""
	if n > 0 {
		smp := s.cfg.Samples[s.state.Index]
		_, v.Saved = s.state.Responses[smp.Key()]
		v.Sample = smp
		v.Draft = s.state.DraftFor(smp)
	}
	s.mu.Unlock()

	if n > 0 {
		v.ReferenceMissing = !fileExists(v.Sample.ReferenceAudio)
		v.Methods = []methodView{
			{Method: MethodZeroShot, Label: "Zero-shot", Audio: v.Sample.ZeroShotAudio, Rating: v.Draft.Ratings.ZeroShot},
			{Method: MethodFineTune, Label: "Fine-tuned", Audio: v.Sample.FineTuneAudio, Rating: v.Draft.Ratings.FineTune},
		}
		for i := range v.Methods {
			v.Methods[i].Missing = v.Methods[i].Audio == "" || !fileExists(v.Methods[i].Audio)
		}
		for _, m := range Metrics {
			v.Metrics = append(v.Metrics, metricView{Key: m.Key, Label: m.Label})
		}
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if err := s.tmpl.Execute(w, v); err != nil {
		s.log.Error("render page", zap.Error(err))
	}
}

func (s *Server) handleNav(step func(State, int) State) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		s.mu.Lock()
		s.state = step(s.state, len(s.cfg.Samples))
		s.mu.Unlock()
		http.Redirect(w, r, "/", http.StatusSeeOther)
	}
}

func (s *Server) handleGoto(w http.ResponseWriter, r *http.Request) {
	i, err := strconv.Atoi(r.FormValue("index"))
	if err != nil {
		http.Error(w, "index must be an integer", http.StatusBadRequest)
		return
	}
	s.mu.Lock()
	s.state = s.state.Goto(i, len(s.cfg.Samples))
	s.mu.Unlock()
	http.Redirect(w, r, "/", http.StatusSeeOther)
}

func (s *Server) handleSave(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	d, err := draftFromForm(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	s.mu.Lock()
	if len(s.cfg.Samples) == 0 {
		s.mu.Unlock()
		http.Error(w, "no samples", http.StatusConflict)
		return
	}
	smp := s.cfg.Samples[s.state.Index]
	next, err := s.state.Save(smp, d, s.cfg.Now())
	if err == nil {
		s.state = next
		s.flash = "Saved " + smp.Key()
	}
	s.mu.Unlock()

	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	s.log.Info("rating saved", zap.String("item", smp.Key()))
	if s.cfg.Observer != nil {
		s.cfg.Observer.RatingSaved(strconv.Itoa(s.cfg.Evaluator.Number))
	}
	http.Redirect(w, r, "/", http.StatusSeeOther)
}

func draftFromForm(r *http.Request) (Draft, error) {
	d := Draft{GeneralNotes: r.PostFormValue("general_notes")}
	pref, err := ParsePreference(r.PostFormValue("preference"))
	if err != nil {
		return Draft{}, err
	}
	d.Ratings.Preference = pref

	for _, m := range Methods {
		mr := DefaultMethodRating()
		for _, mt := range Metrics {
			raw := r.PostFormValue(string(m) + ":" + mt.Key)
			if raw == "" {
				continue
			}
			v, err := strconv.Atoi(raw)
			if err != nil {
				return Draft{}, ErrInvalidScore
			}
			_ = mr.SetScore(mt.Key, v)
		}
		mr.Comments = r.PostFormValue(string(m) + ":comments")
		if m == MethodFineTune {
			d.Ratings.FineTune = mr
		} else {
			d.Ratings.ZeroShot = mr
		}
	}
	return d, nil
}

func (s *Server) handleExport(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	st := s.state
	s.mu.Unlock()

	res, err := Export(s.cfg.ExportRoot, s.cfg.Evaluator, s.cfg.Samples, st, s.cfg.Now())
	if err != nil {
		s.log.Error("export failed", zap.Error(err))
		http.Error(w, "export failed: "+err.Error(), http.StatusInternalServerError)
		return
	}
	s.log.Info("exported",
		zap.String("export_id", res.ID),
		zap.String("json", res.JSONPath),
		zap.String("csv", res.CSVPath),
		zap.Int("rows", res.Rows))
	if s.cfg.Observer != nil {
		s.cfg.Observer.Exported()
	}

	s.mu.Lock()
	s.flash = "Exported " + res.JSONPath + " and " + res.CSVPath
	s.mu.Unlock()
	http.Redirect(w, r, "/", http.StatusSeeOther)
}

// handleAudio serves only files that discovery produced, addressed by sample
// index and kind, never by client-supplied path.
func (s *Server) handleAudio(w http.ResponseWriter, r *http.Request) {
	i, err := strconv.Atoi(r.PathValue("index"))
	if err != nil || i < 0 || i >= len(s.cfg.Samples) {
		http.NotFound(w, r)
		return
	}
	smp := s.cfg.Samples[i]
	var p string
	switch r.PathValue("kind") {
	case "reference":
		p = smp.ReferenceAudio
	case string(MethodZeroShot):
		p = smp.ZeroShotAudio
	case string(MethodFineTune):
		p = smp.FineTuneAudio
	}
	if p == "" || !fileExists(p) {
		http.NotFound(w, r)
		return
	}
	w.Header().Set("Content-Type", "audio/wav")
	http.ServeFile(w, r, p)
}

const pageHTML = `<!doctype html>
<html>
<head>
<meta charset="utf-8">
<title>Human evaluation</title>
<style>
body { font-family: sans-serif; max-width: 72rem; margin: 1rem auto; }
.missing { color: #b00020; }
.cols { display: grid; grid-template-columns: 1fr 1fr; gap: 2rem; }
fieldset { margin-bottom: 1rem; }
</style>
</head>
<body>
<h1>Speech-to-speech translation: human evaluation</h1>
<p>Evaluator {{.Evaluator.Number}}{{with .Evaluator.Name}} ({{.}}){{end}}. Completed {{.Completed}} / {{.Total}}.</p>
{{with .Flash}}<p><strong>{{.}}</strong></p>{{end}}
{{if eq .Total 0}}
<p class="missing">No samples discovered. Expected files like speaker_&lt;id&gt;/zero_shot_0.wav.</p>
{{else}}
<p>Item {{inc .Index}} / {{.Total}}: {{.Sample.Key}}{{if .Saved}} (saved){{end}}</p>
<div class="cols">
<div>
<h2>Speaker reference</h2>
{{if .ReferenceMissing}}<p class="missing">Missing reference audio: {{.Sample.ReferenceAudio}}</p>
{{else}}<audio controls src="/audio/{{.Index}}/reference"></audio>{{end}}
<h2>Source text</h2>
<p>{{if .Sample.SourceText}}{{.Sample.SourceText}}{{else}}<em>(missing source text)</em>{{end}}</p>
{{if .ShowGold}}<h2>Target text</h2>
<p>{{if .Sample.TargetText}}{{.Sample.TargetText}}{{else}}<em>(missing target text)</em>{{end}}</p>{{end}}
</div>
<div>
<form method="post" action="/save">
{{$scores := .Scores}}{{$metrics := .Metrics}}{{$idx := .Index}}
{{range .Methods}}{{$m := .}}
<fieldset>
<legend>{{.Label}}</legend>
{{if .Missing}}<p class="missing">Missing audio for {{.Label}}. You can still rate or comment.</p>
{{else}}<audio controls src="/audio/{{$idx}}/{{.Method}}"></audio>{{end}}
{{range $metrics}}{{$key := .Key}}
<label>{{.Label}}
<select name="{{$m.Method}}:{{.Key}}">
{{range $scores}}<option value="{{.}}"{{if eq . ($m.Rating.Score $key)}} selected{{end}}>{{.}}</option>{{end}}
</select></label><br>
{{end}}
<label>Comments <textarea name="{{.Method}}:comments">{{.Rating.Comments}}</textarea></label>
</fieldset>
{{end}}
<fieldset>
<legend>Overall preference</legend>
{{$pref := .Draft.Ratings.Preference}}
{{range $p := .Preferences}}<label><input type="radio" name="preference" value="{{$p}}"{{if eq $pref $p}} checked{{end}}> {{$p}}</label> {{end}}
</fieldset>
<label>General notes <textarea name="general_notes">{{.Draft.GeneralNotes}}</textarea></label>
<p><button type="submit">Save</button></p>
</form>
</div>
</div>
<form method="post" action="/prev" style="display:inline"><button{{if eq .Index 0}} disabled{{end}}>Prev</button></form>
<form method="post" action="/next" style="display:inline"><button{{if eq (inc .Index) .Total}} disabled{{end}}>Next</button></form>
{{end}}
<form method="post" action="/export" style="display:inline"><button>Export results</button></form>
</body>
</html>
`
