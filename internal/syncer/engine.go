// Package syncer keeps the relational mirror consistent with the page files.
//
// Every change to a page, whether it comes from a file on disk or from a
// direct write, runs as one unit of work: the page row, its version history,
// its outgoing links, its search entries and its orphan membership are
// updated in a single transaction. Direct writes put the page file in place
// before the commit and restore the previous bytes if the commit fails.
package syncer

import (
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/calvinalkan/mdwiki/internal/links"
	"github.com/calvinalkan/mdwiki/internal/logging"
	"github.com/calvinalkan/mdwiki/internal/metrics"
	"github.com/calvinalkan/mdwiki/internal/orphans"
	"github.com/calvinalkan/mdwiki/internal/pages"
	"github.com/calvinalkan/mdwiki/internal/scan"
	"github.com/calvinalkan/mdwiki/internal/search"
	"github.com/calvinalkan/mdwiki/internal/store"
	"github.com/calvinalkan/mdwiki/internal/versions"
)

// DefaultWorkers bounds directory syncs when [Options.Workers] is unset.
const DefaultWorkers = 4

// Options configures an [Engine].
type Options struct {
	DB      *store.DB
	Scanner *scan.Scanner

	// DeletePolicy is the default for children of deleted pages.
	DeletePolicy pages.DeletePolicy
	// Relocate moves files whose path disagrees with their metadata.
	Relocate bool
	// Workers bounds parallel file syncs in [Engine.SyncDirectory].
	Workers int

	Logger  *zerolog.Logger
	Metrics *metrics.Metrics

	Now   func() time.Time
	NewID func() string
}

// Engine coordinates page files and the derived stores.
type Engine struct {
	db       *store.DB
	scanner  *scan.Scanner
	pages    *pages.Store
	orphans  *orphans.Service
	links    *links.Service
	versions *versions.Service
	search   *search.Service

	relocate bool
	workers  int
	now      func() time.Time

	log      zerolog.Logger
	watchLog zerolog.Logger
	metrics  *metrics.Metrics
	locks    keyedMutex
}

// New wires an Engine. DB and Scanner are required.
func New(opts Options) (*Engine, error) {
	if opts.DB == nil {
		return nil, errors.New("syncer: nil db")
	}

	if opts.Scanner == nil {
		return nil, errors.New("syncer: nil scanner")
	}

	if opts.DeletePolicy != "" {
		_, err := pages.ParseDeletePolicy(string(opts.DeletePolicy))
		if err != nil {
			return nil, fmt.Errorf("syncer: %w", err)
		}
	}

	now := opts.Now
	if now == nil {
		now = time.Now
	}

	log := logging.Nop()
	if opts.Logger != nil {
		log = *opts.Logger
	}

	m := opts.Metrics
	if m == nil {
		m = metrics.New(nil)
	}

	workers := opts.Workers
	if workers <= 0 {
		workers = DefaultWorkers
	}

	orphanage := orphans.New(now)
	ps := pages.New(pages.Options{
		DeletePolicy: opts.DeletePolicy,
		Orphans:      orphanage,
		Now:          now,
		NewID:        opts.NewID,
	})

	return &Engine{
		db:       opts.DB,
		scanner:  opts.Scanner,
		pages:    ps,
		orphans:  orphanage,
		links:    links.New(ps),
		versions: versions.New(now),
		search:   search.New(),
		relocate: opts.Relocate,
		workers:  workers,
		now:      now,
		log:      logging.Component(log, "syncer"),
		watchLog: logging.Component(log, "watcher"),
		metrics:  m,
		locks:    keyedMutex{locks: make(map[string]*keyedEntry)},
	}, nil
}

// DB returns the mirror.
func (e *Engine) DB() *store.DB { return e.db }

// Scanner returns the page file scanner.
func (e *Engine) Scanner() *scan.Scanner { return e.scanner }

// Pages returns the page store.
func (e *Engine) Pages() *pages.Store { return e.pages }

// Links returns the link graph.
func (e *Engine) Links() *links.Service { return e.links }

// Versions returns the version history.
func (e *Engine) Versions() *versions.Service { return e.versions }

// Search returns the search index.
func (e *Engine) Search() *search.Service { return e.search }

// Orphans returns the orphanage.
func (e *Engine) Orphans() *orphans.Service { return e.orphans }

// Metrics returns the engine collectors.
func (e *Engine) Metrics() *metrics.Metrics { return e.metrics }

// Outcome is the per-file result of a sync.
type Outcome string

// Outcomes.
const (
	Created Outcome = "created"
	Updated Outcome = "updated"
	Skipped Outcome = "skipped"
	Deleted Outcome = "deleted"
	Failed  Outcome = "error"
)

// FileResult reports what a sync did with one file.
type FileResult struct {
	Path    string
	PageID  string
	Outcome Outcome
	// Orphaned is set when the declared parent did not resolve.
	Orphaned bool
	// Relocated is the new path when the file was moved to match its
	// metadata.
	Relocated string
	Err       error
}

// Summary aggregates a directory sync.
type Summary struct {
	Created int
	Updated int
	Skipped int
	Deleted int
	Failed  int

	// Results holds one entry per processed file in walk order, followed by
	// the pages whose file vanished.
	Results    []FileResult
	Reattached []orphans.Reattached
	Duration   time.Duration
}

func (s *Summary) add(r FileResult) {
	s.Results = append(s.Results, r)

	switch r.Outcome {
	case Created:
		s.Created++
	case Updated:
		s.Updated++
	case Skipped:
		s.Skipped++
	case Deleted:
		s.Deleted++
	case Failed:
		s.Failed++
	}
}

// Errors returns the per-file failures.
func (s Summary) Errors() []error {
	var out []error

	for _, r := range s.Results {
		if r.Err != nil {
			out = append(out, r.Err)
		}
	}

	return out
}

// Err joins the per-file failures, or returns nil.
func (s Summary) Err() error {
	return errors.Join(s.Errors()...)
}

func failed(path, pageID string, err error) FileResult {
	return FileResult{
		Path:    path,
		PageID:  pageID,
		Outcome: Failed,
		Err:     store.WithContext(err, pageID, path),
	}
}

func ioFailure(err error) error {
	if errors.Is(err, store.ErrIOFailure) {
		return err
	}

	return fmt.Errorf("%w: %w", store.ErrIOFailure, err)
}

func validationFailure(err error) error {
	if errors.Is(err, store.ErrValidation) {
		return err
	}

	return fmt.Errorf("%w: %w", store.ErrValidation, err)
}
