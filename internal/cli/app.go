package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"slices"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"github.com/calvinalkan/mdwiki/internal/config"
	"github.com/calvinalkan/mdwiki/internal/logging"
	"github.com/calvinalkan/mdwiki/internal/metrics"
	"github.com/calvinalkan/mdwiki/internal/pages"
	"github.com/calvinalkan/mdwiki/internal/scan"
	"github.com/calvinalkan/mdwiki/internal/store"
	"github.com/calvinalkan/mdwiki/internal/syncer"
)

const lockTimeout = 5 * time.Second

type app struct {
	cfg    config.Config
	env    map[string]string
	errOut io.Writer
}

func newApp(cfg config.Config, env map[string]string, errOut io.Writer) *app {
	return &app{cfg: cfg, env: env, errOut: errOut}
}

func (a *app) commands() map[string]*Command {
	list := []*Command{
		a.syncCmd(),
		a.watchCmd(),
		a.reindexCmd(),
		a.searchCmd(),
		a.linksCmd(),
		a.backlinksCmd(),
		a.brokenLinksCmd(),
		a.historyCmd(),
		a.diffCmd(),
		a.rollbackCmd(),
		a.orphansCmd(),
		a.reassignCmd(),
		a.printConfigCmd(),
	}

	out := make(map[string]*Command, len(list))
	for _, c := range list {
		out[c.Name()] = c
	}

	return out
}

// operator is the identity of whoever runs the command line. It owns the
// data directory, so it acts as admin.
func (a *app) operator() pages.Identity {
	id := a.env["USER"]
	if id == "" {
		id = pages.System.ID
	}

	return pages.Identity{ID: id, Role: pages.RoleAdmin}
}

// session is an opened engine and what it holds.
type session struct {
	engine  *syncer.Engine
	metrics *metrics.Metrics
	log     zerolog.Logger
	closers []func() error
}

func (s *session) Close() error {
	var errs []error

	for _, c := range slices.Backward(s.closers) {
		errs = append(errs, c())
	}

	return errors.Join(errs...)
}

// access is what a command does with the data directory.
type access int

const (
	readOnly access = iota
	writes
	// syncs is a writer that syncs the whole tree itself.
	syncs
)

// open wires the engine. Writers hold the data directory lock until Close.
// A freshly created or rebuilt mirror is filled by a forced full sync unless
// the command syncs anyway.
func (a *app) open(ctx context.Context, mode access) (*session, error) {
	log := logging.New(logging.Config{Level: a.cfg.Log.Level, Pretty: a.cfg.Log.Pretty, Output: a.errOut})

	s := &session{log: log}

	scanner, err := scan.New(a.cfg.DataDirAbs, scan.NewReal())
	if err != nil {
		return nil, err
	}

	var lk *scan.Lock

	if mode != readOnly {
		lk, err = scanner.Lock(lockTimeout)
		if err != nil {
			return nil, err
		}

		s.closers = append(s.closers, lk.Close)
	}

	db, err := store.Open(ctx, store.Options{Driver: a.cfg.Database.Driver, DSN: a.cfg.Database.DSN})
	if err != nil {
		return nil, errors.Join(err, s.Close())
	}

	s.closers = append(s.closers, db.Close)

	policy, err := pages.ParseDeletePolicy(a.cfg.OnParentDelete)
	if err != nil {
		return nil, errors.Join(err, s.Close())
	}

	s.metrics = metrics.New(prometheus.NewRegistry())

	s.engine, err = syncer.New(syncer.Options{
		DB:           db,
		Scanner:      scanner,
		DeletePolicy: policy,
		Relocate:     a.cfg.RelocateMismatched,
		Workers:      a.cfg.SyncWorkers,
		Logger:       &log,
		Metrics:      s.metrics,
	})
	if err != nil {
		return nil, errors.Join(err, s.Close())
	}

	if db.Rebuilt() && mode != syncs {
		err = a.rebuild(ctx, s, scanner, lk)
		if err != nil {
			return nil, errors.Join(err, s.Close())
		}
	}

	return s, nil
}

func (a *app) rebuild(ctx context.Context, s *session, scanner *scan.Scanner, held *scan.Lock) error {
	if held == nil {
		lk, err := scanner.Lock(lockTimeout)
		if err != nil {
			return err
		}

		defer func() { _ = lk.Close() }()
	}

	s.log.Info().Str("dir", scanner.Root()).Msg("mirror is empty, running full sync")

	sum, err := s.engine.SyncAll(ctx, true)
	if err != nil {
		return fmt.Errorf("initial sync: %w", err)
	}

	if sum.Failed > 0 {
		s.log.Warn().Int("failed", sum.Failed).Msg("initial sync had failures")
	}

	return nil
}

// withSession opens a session around fn.
func (a *app) withSession(ctx context.Context, mode access, fn func(s *session) error) error {
	s, err := a.open(ctx, mode)
	if err != nil {
		return err
	}

	return errors.Join(fn(s), s.Close())
}

// pageBySlug resolves slug through aliases.
func pageBySlug(ctx context.Context, s *session, pageSlug string) (*pages.Page, error) {
	return s.engine.Pages().ResolveSlug(ctx, s.engine.DB().Reader(), pageSlug)
}
