package syncer

import (
	"context"
	"errors"
	iofs "io/fs"
	"strings"

	"github.com/calvinalkan/mdwiki/internal/frontmatter"
	"github.com/calvinalkan/mdwiki/internal/pages"
	"github.com/calvinalkan/mdwiki/internal/scan"
	"github.com/calvinalkan/mdwiki/internal/slug"
	"github.com/calvinalkan/mdwiki/internal/store"
)

// fields are the page attributes a document declares, with the file path
// filling in what the metadata leaves out.
type fields struct {
	title      string
	slug       string
	section    string
	parentSlug string
	status     pages.Status
	order      int
	createdBy  string
	updatedBy  string
}

func declared(relPath string, doc *frontmatter.Document) fields {
	pos := scan.InferHierarchy(relPath)

	f := fields{
		title:      doc.Title(),
		slug:       doc.Slug(),
		section:    pos.Section,
		parentSlug: pos.ParentSlug,
		status:     pages.StatusPublished,
		order:      doc.Order(),
		createdBy:  doc.CreatedBy(),
		updatedBy:  doc.UpdatedBy(),
	}

	if f.slug == "" {
		f.slug = pos.Slug
		if slug.Validate(f.slug) != nil {
			f.slug = slug.Generate(f.title)
		}
	}

	if doc.Has(frontmatter.KeySection) {
		f.section = doc.Section()
	}

	if doc.Has(frontmatter.KeyParent) {
		f.parentSlug = doc.Parent()
	}

	if s, ok := pages.ParseStatus(doc.Status()); ok {
		f.status = s
	}

	return f
}

// applyOpts distinguishes direct writes from file syncs.
type applyOpts struct {
	// actor is nil for file syncs. Direct writes fail on a parent cycle
	// instead of orphaning the page.
	actor *pages.Identity
	// summary overrides the version summary.
	summary string
	// forceVersion records a version even when nothing changed.
	forceVersion bool
}

// apply writes the state declared by doc at relPath into every derived
// store. prev is the stored page for the file, or nil.
func (e *Engine) apply(ctx context.Context, tx *store.Tx, file scan.File, doc *frontmatter.Document, prev *pages.Page, opts applyOpts) (*pages.Page, FileResult, error) {
	relPath := file.RelPath
	f := declared(relPath, doc)

	if prev == nil && opts.actor == nil {
		moved, err := e.movedPage(ctx, tx, f.slug)
		if err != nil {
			return nil, FileResult{}, err
		}

		prev = moved
	}

	next := &pages.Page{}
	if prev != nil {
		next = prev.Clone()
	}

	next.Title = f.title
	next.Slug = f.slug
	next.Section = f.section
	next.OrderIndex = f.order
	next.Status = f.status
	next.Content = doc.Body()
	next.ExtraFrontmatter = doc.Custom()
	next.SourcePath = relPath
	next.SyncedMtime = file.ModTime.UnixNano()

	switch {
	case f.createdBy != "":
		next.CreatedBy = f.createdBy
	case next.CreatedBy == "" && opts.actor != nil:
		next.CreatedBy = opts.actor.ID
	case next.CreatedBy == "":
		next.CreatedBy = pages.System.ID
	}

	next.UpdatedBy = f.updatedBy
	if opts.actor != nil {
		next.UpdatedBy = opts.actor.ID
	}

	if next.UpdatedBy == "" {
		next.UpdatedBy = next.CreatedBy
	}

	res := FileResult{Path: relPath}

	var originalParentID string

	next.ParentID = ""

	if f.parentSlug != "" {
		parent, err := e.pages.ResolveSlug(ctx, tx, f.parentSlug)

		switch {
		case errors.Is(err, store.ErrNotFound):
			res.Orphaned = true
		case err != nil:
			return nil, FileResult{}, err
		default:
			err = store.CheckParent(ctx, tx, next.ID, parent.ID)

			switch {
			case errors.Is(err, store.ErrInvalidReference) && opts.actor == nil:
				e.log.Warn().Str("path", relPath).Str("parent", f.parentSlug).Msg("parent would create a cycle, page orphaned")

				res.Orphaned = true
				originalParentID = parent.ID
			case err != nil:
				return nil, FileResult{}, err
			default:
				next.ParentID = parent.ID
			}
		}
	}

	contentChanged := prev == nil || prev.Content != next.Content || prev.Title != next.Title
	newVersion := contentChanged || opts.forceVersion

	if newVersion {
		next.Version = 1
		if prev != nil {
			next.Version = prev.Version + 1
		}
	}

	var err error

	if prev == nil {
		err = e.pages.Create(ctx, tx, next)
		res.Outcome = Created
	} else {
		_, err = e.pages.Update(ctx, tx, next)
		res.Outcome = Updated
	}

	if err != nil {
		return nil, FileResult{}, err
	}

	res.PageID = next.ID

	if newVersion {
		changedBy := next.UpdatedBy
		if opts.actor != nil {
			changedBy = opts.actor.ID
		}

		summary := opts.summary
		if summary == "" {
			summary = defaultSummary(prev == nil, opts.actor == nil)
		}

		_, err = e.versions.CreateVersion(ctx, tx, next, changedBy, summary)
		if err != nil {
			return nil, FileResult{}, err
		}
	}

	slugChanged := prev != nil && prev.Slug != next.Slug

	if slugChanged {
		_, err = e.links.HandleSlugChange(ctx, tx, prev.Slug, next.Slug)
		if err != nil {
			return nil, FileResult{}, err
		}
	}

	if prev == nil || prev.Content != next.Content {
		_, err = e.links.UpdateLinks(ctx, tx, next.ID, next.Content)
		if err != nil {
			return nil, FileResult{}, err
		}
	}

	if prev == nil || slugChanged || prev.Title != next.Title {
		_, err = e.links.ResolvePending(ctx, tx, next)
		if err != nil {
			return nil, FileResult{}, err
		}
	}

	if contentChanged {
		_, err = e.search.IndexPage(ctx, tx, next)
		if err != nil {
			return nil, FileResult{}, err
		}
	}

	if doc.Has(frontmatter.KeyKeywords) {
		_, err = e.search.SetKeywords(ctx, tx, next.ID, doc.Keywords())
		if err != nil {
			return nil, FileResult{}, err
		}
	}

	if res.Orphaned {
		err = e.orphans.Register(ctx, tx, next.ID, originalParentID, f.parentSlug)
	} else {
		err = e.orphans.Remove(ctx, tx, next.ID)
	}

	if err != nil {
		return nil, FileResult{}, err
	}

	if e.relocate && !res.Orphaned {
		moved, err := e.relocateFile(ctx, tx, next)
		if err != nil {
			return nil, FileResult{}, err
		}

		res.Relocated = moved
	}

	return next, res, nil
}

func defaultSummary(created, fromFile bool) string {
	switch {
	case created && fromFile:
		return "Created from file"
	case created:
		return "Created"
	case fromFile:
		return "Synced from file"
	default:
		return "Updated"
	}
}

// movedPage returns the page owning pageSlug when its recorded file no
// longer exists, so a file renamed outside the engine keeps its history.
func (e *Engine) movedPage(ctx context.Context, tx *store.Tx, pageSlug string) (*pages.Page, error) {
	p, err := e.pages.GetBySlug(ctx, tx, pageSlug)
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil
	}

	if err != nil {
		return nil, err
	}

	if p.SourcePath != "" {
		_, err = e.scanner.Stat(p.SourcePath)
		if err == nil || !errors.Is(err, iofs.ErrNotExist) {
			return nil, nil
		}
	}

	e.log.Debug().Str("page_id", p.ID).Str("from", p.SourcePath).Msg("adopting moved page")

	return p, nil
}

// relocateFile moves the page file to the path its metadata implies and
// returns the new path, or "" when it already lives there.
func (e *Engine) relocateFile(ctx context.Context, tx *store.Tx, p *pages.Page) (string, error) {
	ancestors, err := e.pages.AncestorSlugs(ctx, tx, p.ID)
	if err != nil {
		return "", err
	}

	want := scan.ExpectedPath(p.Section, ancestors, p.Slug)
	if want == p.SourcePath {
		return "", nil
	}

	from := p.SourcePath

	err = e.scanner.Move(from, want)
	if errors.Is(err, iofs.ErrExist) {
		e.log.Warn().Str("path", from).Str("want", want).Msg("relocation target exists, file left in place")

		return "", nil
	}

	if err != nil {
		return "", ioFailure(err)
	}

	tx.OnRollback(func() { _ = e.scanner.Move(want, from) })

	file, err := e.scanner.Stat(want)
	if err != nil {
		return "", ioFailure(err)
	}

	err = e.pages.SetSyncState(ctx, tx, p.ID, want, file.ModTime.UnixNano())
	if err != nil {
		return "", err
	}

	p.SourcePath = want
	p.SyncedMtime = file.ModTime.UnixNano()

	return want, nil
}

// deletePage removes a page and cascades to every derived store. Children
// that the reparent policy moved get their file's parent rewritten so the
// next sync agrees with the mirror.
func (e *Engine) deletePage(ctx context.Context, tx *store.Tx, id string, policy pages.DeletePolicy) (pages.DeleteResult, error) {
	res, err := e.pages.Delete(ctx, tx, id, policy, nil)
	if err != nil {
		return pages.DeleteResult{}, err
	}

	_, err = e.versions.DeleteAll(ctx, tx, id)
	if err != nil {
		return pages.DeleteResult{}, err
	}

	_, err = e.links.HandlePageDeletion(ctx, tx, id)
	if err != nil {
		return pages.DeleteResult{}, err
	}

	_, err = e.search.RemovePage(ctx, tx, id)
	if err != nil {
		return pages.DeleteResult{}, err
	}

	if len(res.Reparented) == 0 {
		return res, nil
	}

	newParentSlug := ""

	if res.Page.ParentID != "" {
		gp, err := e.pages.Get(ctx, tx, res.Page.ParentID)
		if err != nil {
			return pages.DeleteResult{}, err
		}

		newParentSlug = gp.Slug
	}

	for _, child := range res.Reparented {
		err = e.rewriteParent(ctx, tx, child, newParentSlug)
		if err != nil {
			return pages.DeleteResult{}, err
		}
	}

	return res, nil
}

func (e *Engine) rewriteParent(ctx context.Context, tx *store.Tx, pageID, parentSlug string) error {
	p, err := e.pages.Get(ctx, tx, pageID)
	if err != nil {
		return err
	}

	if p.SourcePath == "" {
		return nil
	}

	doc, err := e.loadDocument(p)
	if err != nil {
		return err
	}

	err = doc.Set(frontmatter.KeyParent, parentSlug)
	if err != nil {
		return validationFailure(err)
	}

	file, err := e.writeFile(tx, p.SourcePath, doc.Marshal())
	if err != nil {
		return err
	}

	return e.pages.SetSyncState(ctx, tx, p.ID, p.SourcePath, file.ModTime.UnixNano())
}

// loadDocument reads the page file, or renders one from the stored page
// when the file is gone.
func (e *Engine) loadDocument(p *pages.Page) (*frontmatter.Document, error) {
	data, err := e.scanner.Read(p.SourcePath)
	if errors.Is(err, iofs.ErrNotExist) {
		return render(p)
	}

	if err != nil {
		return nil, store.WithContext(ioFailure(err), p.ID, p.SourcePath)
	}

	doc, err := frontmatter.Parse(data)
	if err != nil {
		return nil, store.WithContext(validationFailure(err), p.ID, p.SourcePath)
	}

	return doc, nil
}

// render builds a document from a stored page. Custom keys are restored from
// the recorded extra frontmatter.
func render(p *pages.Page) (*frontmatter.Document, error) {
	var b strings.Builder

	b.WriteString("---\n")
	b.WriteString(p.ExtraFrontmatter)

	if p.ExtraFrontmatter != "" && !strings.HasSuffix(p.ExtraFrontmatter, "\n") {
		b.WriteString("\n")
	}

	b.WriteString("---\n")

	doc, err := frontmatter.Parse([]byte(b.String()))
	if err != nil {
		doc = frontmatter.New("")
	}

	doc.SetBody(p.Content)

	set := []struct{ key, value string }{
		{frontmatter.KeyTitle, p.Title},
		{frontmatter.KeySlug, p.Slug},
		{frontmatter.KeyStatus, string(p.Status)},
		{frontmatter.KeyCreatedBy, p.CreatedBy},
		{frontmatter.KeyUpdatedBy, p.UpdatedBy},
	}

	if p.Section != "" {
		set = append(set, struct{ key, value string }{frontmatter.KeySection, p.Section})
	}

	for _, kv := range set {
		err = doc.Set(kv.key, kv.value)
		if err != nil {
			return nil, validationFailure(err)
		}
	}

	if p.OrderIndex != 0 {
		err = doc.SetInt(frontmatter.KeyOrder, int64(p.OrderIndex))
		if err != nil {
			return nil, validationFailure(err)
		}
	}

	return doc, nil
}

// writeFile replaces relPath with data and registers an undo that restores
// the previous bytes, or removes the file if there were none.
func (e *Engine) writeFile(tx *store.Tx, relPath string, data []byte) (scan.File, error) {
	old, err := e.scanner.Read(relPath)

	existed := err == nil
	if err != nil && !errors.Is(err, iofs.ErrNotExist) {
		return scan.File{}, ioFailure(err)
	}

	file, err := e.scanner.WriteFile(relPath, data)
	if err != nil {
		return scan.File{}, ioFailure(err)
	}

	tx.OnRollback(func() {
		if existed {
			_, _ = e.scanner.WriteFile(relPath, old)

			return
		}

		_ = e.scanner.Remove(relPath)
	})

	return file, nil
}

// removeFile deletes relPath and registers an undo that writes it back.
func (e *Engine) removeFile(tx *store.Tx, relPath string) error {
	old, err := e.scanner.Read(relPath)
	if errors.Is(err, iofs.ErrNotExist) {
		return nil
	}

	if err != nil {
		return ioFailure(err)
	}

	err = e.scanner.Remove(relPath)
	if err != nil {
		return ioFailure(err)
	}

	tx.OnRollback(func() { _, _ = e.scanner.WriteFile(relPath, old) })

	return nil
}
