package syncer

import (
	"context"
	"errors"
	"fmt"
	iofs "io/fs"
	"path/filepath"
	"slices"
	"strings"

	"golang.org/x/sync/errgroup"

	"github.com/calvinalkan/mdwiki/internal/frontmatter"
	"github.com/calvinalkan/mdwiki/internal/orphans"
	"github.com/calvinalkan/mdwiki/internal/pages"
	"github.com/calvinalkan/mdwiki/internal/scan"
	"github.com/calvinalkan/mdwiki/internal/store"
)

// SyncFile brings the mirror in line with one page file. path is relative
// to the data directory or absolute below it.
//
// A file is only read when its modification time is newer than the one
// recorded at the last sync, unless force is set. A missing file deletes
// its page. A declared parent that does not resolve orphans the page; the
// file is never rejected for its hierarchy.
func (e *Engine) SyncFile(ctx context.Context, path string, force bool) FileResult {
	res := e.syncFile(ctx, path, force)
	e.observe(res)

	if res.Outcome == Created || res.Outcome == Updated {
		_, err := e.resolveOrphans(ctx)
		if err != nil {
			e.log.Warn().Err(err).Msg("resolve orphans")
		}
	}

	return res
}

func (e *Engine) relPath(path string) (string, error) {
	if filepath.IsAbs(path) {
		return e.scanner.Rel(path)
	}

	rel := filepath.ToSlash(filepath.Clean(path))

	_, err := e.scanner.Abs(rel)
	if err != nil {
		return "", err
	}

	return rel, nil
}

func (e *Engine) syncFile(ctx context.Context, path string, force bool) FileResult {
	if ctx == nil {
		return failed(path, "", errors.New("context is nil"))
	}

	rel, err := e.relPath(path)
	if err != nil {
		return failed(path, "", validationFailure(err))
	}

	unlock := e.locks.Lock(pathKey(rel))
	defer unlock()

	existing, err := e.pages.GetBySourcePath(ctx, e.db.Reader(), rel)
	if errors.Is(err, store.ErrNotFound) {
		existing, err = nil, nil
	}

	if err != nil {
		return failed(rel, "", err)
	}

	pageID := ""
	if existing != nil {
		pageID = existing.ID
	}

	file, err := e.scanner.Stat(rel)
	if errors.Is(err, iofs.ErrNotExist) {
		if existing == nil {
			return FileResult{Path: rel, Outcome: Skipped}
		}

		unlockPage := e.locks.Lock(pageKey(existing.ID))
		defer unlockPage()

		return e.syncRemoved(ctx, rel, existing)
	}

	if err != nil {
		return failed(rel, pageID, ioFailure(err))
	}

	if existing != nil && !force && file.ModTime.UnixNano() <= existing.SyncedMtime {
		return FileResult{Path: rel, PageID: pageID, Outcome: Skipped}
	}

	data, err := e.scanner.Read(rel)
	if err != nil {
		return failed(rel, pageID, ioFailure(err))
	}

	doc, err := frontmatter.Parse(data)
	if err != nil {
		return failed(rel, pageID, validationFailure(err))
	}

	err = doc.Validate()
	if err != nil {
		return failed(rel, pageID, validationFailure(err))
	}

	unlockPage := e.lockOwner(ctx, existing, declared(rel, doc).slug)
	defer unlockPage()

	var res FileResult

	ctx = context.WithoutCancel(ctx)

	err = e.db.WithTx(ctx, func(tx *store.Tx) error {
		var prev *pages.Page

		if existing != nil {
			prev, err = e.pages.Get(ctx, tx, existing.ID)
			if err != nil {
				return err
			}
		}

		_, res, err = e.apply(ctx, tx, file, doc, prev, applyOpts{})

		return err
	})
	if err != nil {
		return failed(rel, pageID, err)
	}

	return res
}

// lockOwner takes the page lock of the page the file belongs to: the page
// synced from it, or the page a moved file may be adopted by. It must be
// called before the transaction starts.
func (e *Engine) lockOwner(ctx context.Context, existing *pages.Page, pageSlug string) func() {
	if existing != nil {
		return e.locks.Lock(pageKey(existing.ID))
	}

	owner, err := e.pages.GetBySlug(ctx, e.db.Reader(), pageSlug)
	if err != nil {
		// The transaction re-reads the page; nothing to serialize against.
		return func() {}
	}

	return e.locks.Lock(pageKey(owner.ID))
}

// syncRemoved deletes the page of a vanished file with the default policy.
func (e *Engine) syncRemoved(ctx context.Context, rel string, p *pages.Page) FileResult {
	ctx = context.WithoutCancel(ctx)

	err := e.db.WithTx(ctx, func(tx *store.Tx) error {
		res, err := e.deletePage(ctx, tx, p.ID, "")
		if err != nil {
			return err
		}

		e.log.Debug().
			Str("page_id", p.ID).
			Strs("orphaned", res.Orphaned).
			Strs("reparented", res.Reparented).
			Msg("source file removed")

		return nil
	})
	if err != nil {
		return failed(rel, p.ID, err)
	}

	return FileResult{Path: rel, PageID: p.ID, Outcome: Deleted}
}

// SyncAll syncs the whole data directory.
func (e *Engine) SyncAll(ctx context.Context, force bool) (Summary, error) {
	return e.SyncDirectory(ctx, "", force)
}

// SyncDirectory syncs every page file below dir ("" for the data
// directory) on a bounded worker pool, deletes pages whose file under dir
// vanished, and then reattaches orphans whose parent appeared.
//
// Per-file failures are recorded in the summary and do not stop the batch.
// Cancellation stops scheduling new files; files already started complete.
func (e *Engine) SyncDirectory(ctx context.Context, dir string, force bool) (Summary, error) {
	if ctx == nil {
		return Summary{}, errors.New("context is nil")
	}

	start := e.now()

	if dir == "." {
		dir = ""
	}

	files, err := e.scanner.Walk(ctx, dir)
	if err != nil {
		return Summary{}, fmt.Errorf("walk: %w", err)
	}

	results := make([]FileResult, len(files))
	scheduled := 0

	g := new(errgroup.Group)
	g.SetLimit(e.workers)

	for i, f := range files {
		if ctx.Err() != nil {
			break
		}

		scheduled++

		g.Go(func() error {
			results[i] = e.syncFile(ctx, f.RelPath, force)
			e.observe(results[i])

			return nil
		})
	}

	_ = g.Wait()

	var sum Summary

	for _, r := range results[:scheduled] {
		sum.add(r)
	}

	if err := ctx.Err(); err != nil {
		sum.Duration = e.now().Sub(start)

		return sum, fmt.Errorf("canceled: %w", context.Cause(ctx))
	}

	vanished, err := e.vanished(ctx, dir, files)
	if err != nil {
		return sum, err
	}

	for _, rel := range vanished {
		r := e.syncFile(ctx, rel, force)
		e.observe(r)
		sum.add(r)
	}

	sum.Reattached, err = e.resolveOrphans(ctx)
	if err != nil {
		return sum, err
	}

	sum.Duration = e.now().Sub(start)
	e.metrics.SyncDuration.Observe(sum.Duration.Seconds())

	e.log.Info().
		Str("dir", dir).
		Int("created", sum.Created).
		Int("updated", sum.Updated).
		Int("skipped", sum.Skipped).
		Int("deleted", sum.Deleted).
		Int("failed", sum.Failed).
		Int("reattached", len(sum.Reattached)).
		Dur("duration", sum.Duration).
		Msg("sync finished")

	return sum, nil
}

// vanished returns recorded source paths under dir that the walk did not
// see, in lexical order.
func (e *Engine) vanished(ctx context.Context, dir string, seen []scan.File) ([]string, error) {
	paths, err := e.pages.SourcePaths(ctx, e.db.Reader())
	if err != nil {
		return nil, err
	}

	for _, f := range seen {
		delete(paths, f.RelPath)
	}

	var out []string

	for rel := range paths {
		if dir == "" || strings.HasPrefix(rel, dir+"/") {
			out = append(out, rel)
		}
	}

	slices.Sort(out)

	return out, nil
}

// resolveOrphans reattaches orphans whose declared parent now resolves and
// refreshes the orphan gauge.
func (e *Engine) resolveOrphans(ctx context.Context) ([]orphans.Reattached, error) {
	var out []orphans.Reattached

	ctx = context.WithoutCancel(ctx)

	err := e.db.WithTx(ctx, func(tx *store.Tx) error {
		var err error

		out, err = e.orphans.Resolve(ctx, tx)
		if err != nil {
			return err
		}

		n, err := e.orphans.Count(ctx, tx)
		if err != nil {
			return err
		}

		tx.AfterCommit(func() { e.metrics.Orphans.Set(float64(n)) })

		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("resolve orphans: %w", err)
	}

	for _, r := range out {
		e.log.Info().Str("page_id", r.PageID).Str("parent_id", r.ParentID).Msg("orphan reattached")
	}

	return out, nil
}

// Reindex rebuilds the fulltext index from the stored pages.
func (e *Engine) Reindex(ctx context.Context) (int, error) {
	if ctx == nil {
		return 0, errors.New("context is nil")
	}

	var n int

	err := e.db.WithTx(ctx, func(tx *store.Tx) error {
		var err error

		n, err = e.search.ReindexAll(ctx, tx)

		return err
	})
	if err != nil {
		return 0, fmt.Errorf("reindex: %w", err)
	}

	return n, nil
}

func (e *Engine) observe(r FileResult) {
	e.metrics.SyncFilesTotal.WithLabelValues(string(r.Outcome)).Inc()

	if r.Err != nil {
		e.log.Warn().Err(r.Err).Str("path", r.Path).Msg("sync failed")

		return
	}

	e.log.Debug().
		Str("path", r.Path).
		Str("page_id", r.PageID).
		Str("outcome", string(r.Outcome)).
		Bool("orphaned", r.Orphaned).
		Msg("synced")
}
