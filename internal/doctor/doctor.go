// Package doctor probes the external dependencies a narration run needs: the
// ffmpeg and ffprobe executables and the speech service.
package doctor

import (
	"context"
	"os/exec"
	"sort"
	"sync"
	"time"

	"github.com/book-expert/logger"
)

const (
	defaultCacheTTL = time.Minute
	speechName      = "speech"
)

// HealthChecker is a remote service that can answer a cheap liveness call.
type HealthChecker interface {
	HealthCheck(ctx context.Context) error
}

// DepInfo is the availability of a single dependency.
type DepInfo struct {
	Available bool   `json:"available"`
	Path      string `json:"path,omitempty"`
	Error     string `json:"error,omitempty"`
}

// Summary counts available dependencies.
type Summary struct {
	Available int  `json:"available"`
	Total     int  `json:"total"`
	AllOK     bool `json:"all_ok"`
}

// Report is the result of one probe.
type Report struct {
	Executables map[string]DepInfo `json:"executables"`
	Speech      *DepInfo           `json:"speech,omitempty"`
	Summary     Summary            `json:"summary"`
	ProbedAt    time.Time          `json:"probed_at"`
}

// Names returns the executable names in sorted order.
func (r *Report) Names() []string {
	names := make([]string, 0, len(r.Executables))
	for name := range r.Executables {
		names = append(names, name)
	}

	sort.Strings(names)

	return names
}

// Doctor runs probes and caches the last report for a short TTL.
type Doctor struct {
	executables map[string]string
	speech      HealthChecker
	lookPath    func(string) (string, error)
	ttl         time.Duration
	log         *logger.Logger

	mu     sync.Mutex
	cached *Report
}

// Option customizes a Doctor.
type Option func(*Doctor)

// WithLookPath replaces exec.LookPath, for tests.
func WithLookPath(lookPath func(string) (string, error)) Option {
	return func(d *Doctor) {
		d.lookPath = lookPath
	}
}

// WithTTL sets how long a report is reused. Zero disables caching.
func WithTTL(ttl time.Duration) Option {
	return func(d *Doctor) {
		d.ttl = ttl
	}
}

// New creates a doctor for the named executables (name to configured binary)
// and an optional speech service.
func New(executables map[string]string, speech HealthChecker, log *logger.Logger, opts ...Option) *Doctor {
	doc := &Doctor{
		executables: executables,
		speech:      speech,
		lookPath:    exec.LookPath,
		ttl:         defaultCacheTTL,
		log:         log,
	}

	for _, opt := range opts {
		opt(doc)
	}

	return doc
}

// Get returns the cached report when fresh, otherwise probes again.
func (d *Doctor) Get(ctx context.Context) *Report {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.cached != nil && time.Since(d.cached.ProbedAt) < d.ttl {
		return d.cached
	}

	d.cached = d.probe(ctx)

	return d.cached
}

func (d *Doctor) probe(ctx context.Context) *Report {
	report := &Report{
		Executables: make(map[string]DepInfo, len(d.executables)),
		ProbedAt:    time.Now(),
	}

	for name, binary := range d.executables {
		info := DepInfo{}

		path, err := d.lookPath(binary)
		if err != nil {
			info.Error = err.Error()
			d.warn("Dependency %s (%s) not found: %v", name, binary, err)
		} else {
			info.Available = true
			info.Path = path
		}

		report.Executables[name] = info
		report.Summary.Total++

		if info.Available {
			report.Summary.Available++
		}
	}

	if d.speech != nil {
		info := DepInfo{Available: true}

		err := d.speech.HealthCheck(ctx)
		if err != nil {
			info = DepInfo{Error: err.Error()}
			d.warn("Dependency %s unhealthy: %v", speechName, err)
		}

		report.Speech = &info
		report.Summary.Total++

		if info.Available {
			report.Summary.Available++
		}
	}

	report.Summary.AllOK = report.Summary.Available == report.Summary.Total

	return report
}

func (d *Doctor) warn(format string, args ...any) {
	if d.log != nil {
		d.log.Warn(format, args...)
	}
}
