package syncer

import (
	"context"
	"errors"
	"fmt"
	iofs "io/fs"
	"slices"

	"github.com/calvinalkan/mdwiki/internal/frontmatter"
	"github.com/calvinalkan/mdwiki/internal/metrics"
	"github.com/calvinalkan/mdwiki/internal/orphans"
	"github.com/calvinalkan/mdwiki/internal/pages"
	"github.com/calvinalkan/mdwiki/internal/scan"
	"github.com/calvinalkan/mdwiki/internal/search"
	"github.com/calvinalkan/mdwiki/internal/slug"
	"github.com/calvinalkan/mdwiki/internal/store"
	"github.com/calvinalkan/mdwiki/internal/versions"
)

// Draft describes a page to create.
type Draft struct {
	Title string
	// Slug defaults to one generated from Title. A taken slug is a
	// conflict unless AutoNumber is set.
	Slug string
	// AutoNumber appends -2, -3, ... to a taken slug.
	AutoNumber bool
	Section string
	// ParentSlug that does not resolve creates the page as an orphan.
	ParentSlug string
	Status     pages.Status
	Order      int
	Content    string
	Keywords   []string
	Summary    string
}

// Patch changes an existing page. Nil fields are left alone.
type Patch struct {
	Title   *string
	Slug    *string
	Section *string
	// ParentSlug "" moves the page to the root.
	ParentSlug *string
	Status     *pages.Status
	Order      *int
	Content    *string
	Summary    string
}

// DeleteOutcome is the per-page result of [Engine.DeletePages].
type DeleteOutcome struct {
	PageID string
	Result pages.DeleteResult
	Err    error
}

func denied(actor pages.Identity, action string, p *pages.Page) error {
	if p == nil {
		return fmt.Errorf("%s may not %s: %w", actor.ID, action, store.ErrPermissionDenied)
	}

	return store.WithContext(fmt.Errorf("%s may not %s: %w", actor.ID, action, store.ErrPermissionDenied), p.ID, p.SourcePath)
}

// write runs fn as one unit of work while holding the lock for key. The
// caller's cancellation is honored only before the work starts.
func (e *Engine) write(ctx context.Context, op, key string, fn func(ctx context.Context, tx *store.Tx) error) error {
	if ctx == nil {
		return errors.New("context is nil")
	}

	err := ctx.Err()
	if err != nil {
		return fmt.Errorf("canceled: %w", context.Cause(ctx))
	}

	unlock := e.locks.Lock(key)
	defer unlock()

	ctx = context.WithoutCancel(ctx)

	err = e.db.WithTx(ctx, func(tx *store.Tx) error { return fn(ctx, tx) })

	e.metrics.WritesTotal.WithLabelValues(op, metrics.Status(err)).Inc()

	if err != nil {
		e.log.Warn().Err(err).Str("op", op).Str("key", key).Msg("write failed")

		return err
	}

	e.log.Debug().Str("op", op).Str("key", key).Msg("write committed")

	return nil
}

// CreatePage writes a new page file and its mirror rows.
func (e *Engine) CreatePage(ctx context.Context, actor pages.Identity, d Draft) (*pages.Page, error) {
	if ctx == nil {
		return nil, errors.New("context is nil")
	}

	if !pages.CanCreate(actor) {
		return nil, denied(actor, "create pages", nil)
	}

	pageSlug := d.Slug
	if pageSlug == "" {
		pageSlug = slug.Generate(d.Title)
	}

	err := slug.Validate(pageSlug)
	if err != nil {
		return nil, validationFailure(err)
	}

	if d.AutoNumber {
		pageSlug, err = slug.Unique(pageSlug, func(candidate string) (bool, error) {
			err := e.pages.ValidateSlug(ctx, e.db.Reader(), candidate, "")
			if errors.Is(err, store.ErrConflict) {
				return true, nil
			}

			return false, err
		})
		if err != nil {
			return nil, err
		}
	}

	doc, err := draftDocument(d, pageSlug, actor)
	if err != nil {
		return nil, err
	}

	err = doc.Validate()
	if err != nil {
		return nil, validationFailure(err)
	}

	relPath, err := e.pathFor(ctx, d.Section, d.ParentSlug, pageSlug)
	if err != nil {
		return nil, err
	}

	var created *pages.Page

	err = e.write(ctx, "create", pathKey(relPath), func(ctx context.Context, tx *store.Tx) error {
		err := e.pages.ValidateSlug(ctx, tx, pageSlug, "")
		if err != nil {
			return err
		}

		_, err = e.scanner.Stat(relPath)
		if err == nil {
			return store.WithContext(fmt.Errorf("file exists: %w", store.ErrConflict), "", relPath)
		}

		if !errors.Is(err, iofs.ErrNotExist) {
			return store.WithContext(ioFailure(err), "", relPath)
		}

		file, err := e.writeFile(tx, relPath, doc.Marshal())
		if err != nil {
			return store.WithContext(err, "", relPath)
		}

		created, _, err = e.apply(ctx, tx, file, doc, nil, applyOpts{actor: &actor, summary: d.Summary})

		return err
	})
	if err != nil {
		return nil, err
	}

	e.reattach(ctx)

	return created, nil
}

// reattach adopts orphans waiting for a slug that a write just introduced.
func (e *Engine) reattach(ctx context.Context) {
	_, err := e.resolveOrphans(ctx)
	if err != nil {
		e.log.Warn().Err(err).Msg("resolve orphans")
	}
}

func draftDocument(d Draft, pageSlug string, actor pages.Identity) (*frontmatter.Document, error) {
	doc := frontmatter.New(d.Content)

	status := d.Status
	if status == "" {
		status = pages.StatusPublished
	}

	set := [][2]string{
		{frontmatter.KeyTitle, d.Title},
		{frontmatter.KeySlug, pageSlug},
	}

	if d.Section != "" {
		set = append(set, [2]string{frontmatter.KeySection, d.Section})
	}

	if d.ParentSlug != "" {
		set = append(set, [2]string{frontmatter.KeyParent, d.ParentSlug})
	}

	set = append(set,
		[2]string{frontmatter.KeyStatus, string(status)},
		[2]string{frontmatter.KeyCreatedBy, actor.ID},
		[2]string{frontmatter.KeyUpdatedBy, actor.ID},
	)

	for _, kv := range set {
		err := doc.Set(kv[0], kv[1])
		if err != nil {
			return nil, validationFailure(err)
		}
	}

	if d.Order != 0 {
		err := doc.SetInt(frontmatter.KeyOrder, int64(d.Order))
		if err != nil {
			return nil, validationFailure(err)
		}
	}

	if len(d.Keywords) > 0 {
		err := doc.SetList(frontmatter.KeyKeywords, d.Keywords)
		if err != nil {
			return nil, validationFailure(err)
		}
	}

	return doc, nil
}

// pathFor returns the file path for a new page. An unresolved parent keeps
// its slug in the path so the hierarchy survives until it appears.
func (e *Engine) pathFor(ctx context.Context, section, parentSlug, pageSlug string) (string, error) {
	var ancestors []string

	if parentSlug != "" {
		parent, err := e.pages.ResolveSlug(ctx, e.db.Reader(), parentSlug)

		switch {
		case errors.Is(err, store.ErrNotFound):
			ancestors = []string{parentSlug}
		case err != nil:
			return "", err
		default:
			ancestors, err = e.pages.AncestorSlugs(ctx, e.db.Reader(), parent.ID)
			if err != nil {
				return "", err
			}

			ancestors = append(ancestors, parent.Slug)
		}
	}

	return scan.ExpectedPath(section, ancestors, pageSlug), nil
}

// edit loads the page file, lets change modify it, writes it back and
// applies it to the mirror as one unit.
func (e *Engine) edit(ctx context.Context, op string, actor pages.Identity, id string, opts applyOpts,
	change func(ctx context.Context, tx *store.Tx, p *pages.Page, doc *frontmatter.Document) error,
) (*pages.Page, error) {
	if ctx == nil {
		return nil, errors.New("context is nil")
	}

	cur, err := e.pages.Get(ctx, e.db.Reader(), id)
	if err != nil {
		return nil, err
	}

	if !pages.CanEdit(actor, cur) {
		return nil, denied(actor, op, cur)
	}

	opts.actor = &actor

	var out *pages.Page

	err = e.write(ctx, op, pageKey(id), func(ctx context.Context, tx *store.Tx) error {
		p, err := e.pages.Get(ctx, tx, id)
		if err != nil {
			return err
		}

		if p.SourcePath != cur.SourcePath {
			return store.WithContext(fmt.Errorf("page moved concurrently: %w", store.ErrConflict), p.ID, p.SourcePath)
		}

		doc, err := e.loadDocument(p)
		if err != nil {
			return err
		}

		err = change(ctx, tx, p, doc)
		if err != nil {
			return store.WithContext(err, p.ID, p.SourcePath)
		}

		err = doc.Set(frontmatter.KeyUpdatedBy, actor.ID)
		if err != nil {
			return validationFailure(err)
		}

		err = doc.Validate()
		if err != nil {
			return store.WithContext(validationFailure(err), p.ID, p.SourcePath)
		}

		relPath := p.SourcePath
		if relPath == "" {
			relPath = scan.ExpectedPath(p.Section, nil, p.Slug)
		}

		file, err := e.writeFile(tx, relPath, doc.Marshal())
		if err != nil {
			return store.WithContext(err, p.ID, relPath)
		}

		out, _, err = e.apply(ctx, tx, file, doc, p, opts)

		return err
	})
	if err != nil {
		return nil, err
	}

	if out.Slug != cur.Slug {
		e.reattach(ctx)
	}

	return out, nil
}

// UpdatePage applies patch to the page and its file.
func (e *Engine) UpdatePage(ctx context.Context, actor pages.Identity, id string, patch Patch) (*pages.Page, error) {
	return e.edit(ctx, "update", actor, id, applyOpts{summary: patch.Summary},
		func(_ context.Context, _ *store.Tx, _ *pages.Page, doc *frontmatter.Document) error {
			if patch.Slug != nil {
				err := slug.Validate(*patch.Slug)
				if err != nil {
					return validationFailure(err)
				}
			}

			set := []struct {
				key   string
				value *string
			}{
				{frontmatter.KeyTitle, patch.Title},
				{frontmatter.KeySlug, patch.Slug},
				{frontmatter.KeySection, patch.Section},
				{frontmatter.KeyParent, patch.ParentSlug},
			}

			if patch.Status != nil {
				status := string(*patch.Status)
				set = append(set, struct {
					key   string
					value *string
				}{frontmatter.KeyStatus, &status})
			}

			for _, kv := range set {
				if kv.value == nil {
					continue
				}

				err := doc.Set(kv.key, *kv.value)
				if err != nil {
					return validationFailure(err)
				}
			}

			if patch.Order != nil {
				err := doc.SetInt(frontmatter.KeyOrder, int64(*patch.Order))
				if err != nil {
					return validationFailure(err)
				}
			}

			if patch.Content != nil {
				doc.SetBody(*patch.Content)
			}

			return nil
		})
}

// Rollback restores the title and content of version n as a new version.
// History is never rewritten.
func (e *Engine) Rollback(ctx context.Context, actor pages.Identity, id string, n int) (*versions.Version, error) {
	summary := fmt.Sprintf("Rollback to version %d", n)

	_, err := e.edit(ctx, "rollback", actor, id, applyOpts{summary: summary, forceVersion: true},
		func(ctx context.Context, tx *store.Tx, _ *pages.Page, doc *frontmatter.Document) error {
			v, err := e.versions.Get(ctx, tx, id, n)
			if err != nil {
				return err
			}

			err = doc.Set(frontmatter.KeyTitle, v.Title)
			if err != nil {
				return validationFailure(err)
			}

			doc.SetBody(v.Content)

			return nil
		})
	if err != nil {
		return nil, err
	}

	return e.versions.Latest(ctx, e.db.Reader(), id)
}

// ReassignPage moves the page under newParentID, or to the root when it is
// empty, and clears its orphan membership. The page file records the new
// parent.
func (e *Engine) ReassignPage(ctx context.Context, actor pages.Identity, id, newParentID string) (*pages.Page, error) {
	return e.edit(ctx, "reassign", actor, id, applyOpts{},
		func(ctx context.Context, tx *store.Tx, p *pages.Page, doc *frontmatter.Document) error {
			parentSlug := ""

			if newParentID != "" {
				parent, err := e.pages.Get(ctx, tx, newParentID)
				if err != nil {
					return err
				}

				parentSlug = parent.Slug
			}

			err := e.orphans.ReassignPage(ctx, tx, p.ID, newParentID)
			if err != nil {
				return err
			}

			err = doc.Set(frontmatter.KeyParent, parentSlug)
			if err != nil {
				return validationFailure(err)
			}

			return nil
		})
}

// ClearOrphan promotes the page to the root and drops it from the orphan set.
func (e *Engine) ClearOrphan(ctx context.Context, actor pages.Identity, id string) (*pages.Page, error) {
	return e.ReassignPage(ctx, actor, id, "")
}

// BulkReassign applies [Engine.ReassignPage] to each page in order and
// reports failures per page.
func (e *Engine) BulkReassign(ctx context.Context, actor pages.Identity, ids []string, newParentID string) []orphans.ReassignResult {
	out := make([]orphans.ReassignResult, 0, len(ids))

	for _, id := range ids {
		_, err := e.ReassignPage(ctx, actor, id, newParentID)
		out = append(out, orphans.ReassignResult{PageID: id, Err: err})
	}

	return out
}

// AddKeywords curates search keywords for the page. They are stored in the
// page file and survive reindexing. Returns the resulting keyword set.
func (e *Engine) AddKeywords(ctx context.Context, actor pages.Identity, id string, keywords []string) ([]string, error) {
	return e.editKeywords(ctx, "add-keywords", actor, id, func(cur []string) []string {
		seen := make(map[string]bool, len(cur))
		for _, k := range cur {
			seen[search.NormalizeKeyword(k)] = true
		}

		for _, k := range keywords {
			norm := search.NormalizeKeyword(k)
			if norm == "" || seen[norm] {
				continue
			}

			seen[norm] = true
			cur = append(cur, norm)
		}

		return cur
	})
}

// RemoveKeywords drops curated keywords from the page.
func (e *Engine) RemoveKeywords(ctx context.Context, actor pages.Identity, id string, keywords []string) ([]string, error) {
	return e.editKeywords(ctx, "remove-keywords", actor, id, func(cur []string) []string {
		drop := make(map[string]bool, len(keywords))
		for _, k := range keywords {
			drop[search.NormalizeKeyword(k)] = true
		}

		return slices.DeleteFunc(cur, func(k string) bool { return drop[search.NormalizeKeyword(k)] })
	})
}

func (e *Engine) editKeywords(ctx context.Context, op string, actor pages.Identity, id string, change func([]string) []string) ([]string, error) {
	_, err := e.edit(ctx, op, actor, id, applyOpts{},
		func(ctx context.Context, tx *store.Tx, p *pages.Page, doc *frontmatter.Document) error {
			cur := doc.Keywords()
			if !doc.Has(frontmatter.KeyKeywords) {
				stored, err := e.search.Keywords(ctx, tx, p.ID)
				if err != nil {
					return err
				}

				cur = stored
			}

			err := doc.SetList(frontmatter.KeyKeywords, change(cur))
			if err != nil {
				return validationFailure(err)
			}

			return nil
		})
	if err != nil {
		return nil, err
	}

	return e.search.Keywords(ctx, e.db.Reader(), id)
}

// DeletePage removes the page, its file and every derived row. policy
// overrides the configured handling of children when set.
func (e *Engine) DeletePage(ctx context.Context, actor pages.Identity, id string, policy pages.DeletePolicy) (pages.DeleteResult, error) {
	if ctx == nil {
		return pages.DeleteResult{}, errors.New("context is nil")
	}

	cur, err := e.pages.Get(ctx, e.db.Reader(), id)
	if err != nil {
		return pages.DeleteResult{}, err
	}

	if !pages.CanDelete(actor, cur) {
		return pages.DeleteResult{}, denied(actor, "delete", cur)
	}

	var res pages.DeleteResult

	err = e.write(ctx, "delete", pageKey(id), func(ctx context.Context, tx *store.Tx) error {
		res, err = e.deletePage(ctx, tx, id, policy)
		if err != nil {
			return err
		}

		if res.Page.SourcePath == "" {
			return nil
		}

		return store.WithContext(e.removeFile(tx, res.Page.SourcePath), id, res.Page.SourcePath)
	})
	if err != nil {
		return pages.DeleteResult{}, err
	}

	return res, nil
}

// DeletePages deletes several pages and reports per page. Pages are removed
// deepest first, so a page whose ancestor is in the same batch is deleted
// before the ancestor and never orphaned or reparented along the way.
// Outcomes are returned in the order of ids. Cancellation stops the batch
// between pages.
func (e *Engine) DeletePages(ctx context.Context, actor pages.Identity, ids []string, policy pages.DeletePolicy) []DeleteOutcome {
	out := make([]DeleteOutcome, len(ids))
	depth := make(map[string]int, len(ids))

	for i, id := range ids {
		out[i].PageID = id

		if ctx == nil {
			continue
		}

		ancestors, err := store.Ancestors(ctx, e.db.Reader(), id)
		if err == nil {
			depth[id] = len(ancestors)
		}
	}

	order := make([]int, len(ids))
	for i := range order {
		order[i] = i
	}

	slices.SortStableFunc(order, func(a, b int) int { return depth[ids[b]] - depth[ids[a]] })

	for _, i := range order {
		if ctx == nil {
			out[i].Err = errors.New("context is nil")

			continue
		}

		if ctx.Err() != nil {
			out[i].Err = fmt.Errorf("canceled: %w", context.Cause(ctx))

			continue
		}

		out[i].Result, out[i].Err = e.DeletePage(ctx, actor, ids[i], policy)
	}

	return out
}
