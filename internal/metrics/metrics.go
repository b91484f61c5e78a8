// Package metrics exposes experiment and evaluation counters on a private
// registry. Batch runs flush it to a node-exporter textfile; the evaluation
// server serves it on /metrics.
package metrics

import (
	"net/http"
	"os"
	"path/filepath"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "s2steval"

const (
	StatusOK      = "ok"
	StatusSkipped = "skipped"
)

type Collector struct {
	reg *prometheus.Registry

	entries    *prometheus.CounterVec
	similarity *prometheus.HistogramVec
	ratings    *prometheus.CounterVec
	exports    prometheus.Counter
}

func New() *Collector {
	reg := prometheus.NewRegistry()
	f := promauto.With(reg)
	return &Collector{
		reg: reg,
		entries: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "entries_total",
			Help:      "Manifest references processed by the runner, by outcome.",
		}, []string{"status"}),
		similarity: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "similarity",
			Help:      "Cosine similarity between ground-truth and synthesized speaker embeddings.",
			Buckets:   prometheus.LinearBuckets(-1, 0.1, 21),
		}, []string{"duration"}),
		ratings: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ratings_saved_total",
			Help:      "Human evaluation saves, by evaluator.",
		}, []string{"evaluator"}),
		exports: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "exports_total",
			Help:      "Human evaluation exports written.",
		}),
	}
}

func (c *Collector) EntryScored(duration string, score float64) {
	c.entries.WithLabelValues(StatusOK).Inc()
	c.similarity.WithLabelValues(duration).Observe(score)
}

func (c *Collector) EntrySkipped() {
	c.entries.WithLabelValues(StatusSkipped).Inc()
}

func (c *Collector) RatingSaved(evaluator string) {
	c.ratings.WithLabelValues(evaluator).Inc()
}

func (c *Collector) Exported() {
	c.exports.Inc()
}

func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.reg, promhttp.HandlerOpts{})
}

func (c *Collector) Registry() *prometheus.Registry { return c.reg }

// WriteTextfile writes the registry in text exposition format for the
// node-exporter textfile collector.
func (c *Collector) WriteTextfile(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return prometheus.WriteToTextfile(path, c.reg)
}
