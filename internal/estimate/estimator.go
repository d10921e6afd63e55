// Package estimate predicts how long pending documents will take to index,
// from the history in the processing metrics log.
package estimate

import (
	"math"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/docchat/backend/internal/metrics"
	"github.com/docchat/backend/pkg/logger"
)

const (
	SourceMime    = "mime"
	SourceGlobal  = "global"
	SourceDefault = "default"
	SourceMixed   = "mixed"

	ConfidenceLow    = "low"
	ConfidenceMedium = "medium"
	ConfidenceHigh   = "high"

	minMimeSamples   = 3
	minGlobalSamples = 5
	highConfidence   = 20

	bytesPerMB = 1024 * 1024
)

type Config struct {
	DefaultSecPerMB float64
	MinEstimateSec  float64
	// Window limits history to records newer than now-Window; zero reads
	// everything the log still holds.
	Window time.Duration
}

type Document struct {
	ID           int64  `json:"id"`
	Mime         string `json:"mime"`
	ParsedSize   int64  `json:"parsed_size,omitempty"`
	OriginalSize int64  `json:"original_size,omitempty"`
}

type DocumentEstimate struct {
	ID          int64    `json:"id"`
	Mime        string   `json:"mime"`
	SizeBytes   *int64   `json:"size_bytes"`
	EstimateSec *float64 `json:"estimate_sec"`
	Source      string   `json:"source"`
	DataPoints  int      `json:"data_points"`
	Confidence  string   `json:"confidence"`
}

type Response struct {
	Documents        []DocumentEstimate `json:"documents"`
	TotalEstimateSec float64            `json:"total_estimate_sec"`
	EstimateSource   string             `json:"estimate_source"`
	TotalDataPoints  int                `json:"total_data_points"`
	DefaultSecPerMB  float64            `json:"default_sec_per_mb"`
}

type aggregate struct {
	totalTime float64
	totalSize float64
	count     int
}

func (a *aggregate) add(sec, size float64) {
	a.totalTime += sec
	a.totalSize += size
	a.count++
}

func (a aggregate) ratio() float64 {
	if a.totalSize <= 0 {
		return 0
	}
	return a.totalTime / a.totalSize
}

type history struct {
	global aggregate
	mime   map[string]*aggregate
}

type Estimator struct {
	records *metrics.RecordLog
	cfg     Config
	now     func() time.Time
}

func New(records *metrics.RecordLog, cfg Config) *Estimator {
	if cfg.DefaultSecPerMB <= 0 {
		cfg.DefaultSecPerMB = 25
	}
	if cfg.MinEstimateSec <= 0 {
		cfg.MinEstimateSec = 2
	}
	return &Estimator{records: records, cfg: cfg, now: time.Now}
}

// load aggregates successful records with a positive size and elapsed time.
// An unreadable log yields whatever was read before the error.
func (e *Estimator) load() history {
	h := history{mime: map[string]*aggregate{}}
	if e.records == nil {
		return h
	}

	var since time.Time
	if e.cfg.Window > 0 {
		since = e.now().Add(-e.cfg.Window)
	}

	err := e.records.Scan(func(r metrics.Record) bool {
		if !r.Status {
			return true
		}
		if !since.IsZero() && r.Timestamp.Before(since) {
			return true
		}
		sec, size := r.ElapsedSec(), float64(r.SizeBytes())
		if sec <= 0 || size <= 0 {
			return true
		}

		h.global.add(sec, size)
		mime := strings.ToLower(r.Mime)
		if mime == "" {
			return true
		}
		agg, ok := h.mime[mime]
		if !ok {
			agg = &aggregate{}
			h.mime[mime] = agg
		}
		agg.add(sec, size)
		return true
	})
	if err != nil {
		logger.Warn("Failed to read processing metrics, using defaults", zap.Error(err))
	}
	return h
}

func confidence(dataPoints int) string {
	switch {
	case dataPoints >= highConfidence:
		return ConfidenceHigh
	case dataPoints >= minGlobalSamples:
		return ConfidenceMedium
	default:
		return ConfidenceLow
	}
}

func docSize(d Document) int64 {
	if d.ParsedSize > 0 {
		return d.ParsedSize
	}
	if d.OriginalSize > 0 {
		return d.OriginalSize
	}
	return 0
}

// Estimate never fails: without usable history every document falls back to
// the default seconds-per-megabyte rate.
func (e *Estimator) Estimate(docs []Document) *Response {
	resp := &Response{
		Documents:       make([]DocumentEstimate, 0, len(docs)),
		EstimateSource:  SourceDefault,
		DefaultSecPerMB: e.cfg.DefaultSecPerMB,
	}
	if len(docs) == 0 {
		metrics.EstimateRequests.WithLabelValues(resp.EstimateSource).Inc()
		return resp
	}

	h := e.load()
	defaultRatio := e.cfg.DefaultSecPerMB / bytesPerMB
	sources := map[string]struct{}{}

	for _, d := range docs {
		mime := strings.ToLower(d.Mime)
		out := DocumentEstimate{ID: d.ID, Mime: mime, Source: SourceDefault}

		if size := docSize(d); size > 0 {
			out.SizeBytes = &size

			var ratio float64
			agg, hasMime := h.mime[mime]
			switch {
			case mime != "" && hasMime && agg.count >= minMimeSamples && agg.totalSize > 0:
				ratio, out.Source, out.DataPoints = agg.ratio(), SourceMime, agg.count
			case h.global.count >= minGlobalSamples && h.global.totalSize > 0:
				ratio, out.Source, out.DataPoints = h.global.ratio(), SourceGlobal, h.global.count
			default:
				ratio, out.Source, out.DataPoints = defaultRatio, SourceDefault, h.global.count
			}

			sec := ratio * float64(size)
			if math.IsNaN(sec) || math.IsInf(sec, 0) || sec <= 0 {
				sec = defaultRatio * float64(size)
				out.Source = SourceDefault
			}
			sec = math.Max(e.cfg.MinEstimateSec, sec)
			out.EstimateSec = &sec

			resp.TotalEstimateSec += sec
			sources[out.Source] = struct{}{}
			if out.DataPoints > resp.TotalDataPoints {
				resp.TotalDataPoints = out.DataPoints
			}
		}

		out.Confidence = confidence(out.DataPoints)
		resp.Documents = append(resp.Documents, out)
	}

	switch len(sources) {
	case 0:
	case 1:
		for s := range sources {
			resp.EstimateSource = s
		}
	default:
		resp.EstimateSource = SourceMixed
	}

	metrics.EstimateRequests.WithLabelValues(resp.EstimateSource).Inc()
	return resp
}
