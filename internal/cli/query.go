package cli

import (
	"context"
	"errors"
	"fmt"
	"strings"

	flag "github.com/spf13/pflag"

	"github.com/calvinalkan/mdwiki/internal/links"
	"github.com/calvinalkan/mdwiki/internal/pages"
	"github.com/calvinalkan/mdwiki/internal/search"
)

func (a *app) searchCmd() *Command {
	fs := flag.NewFlagSet("search", flag.ContinueOnError)
	section := fs.String("section", "", "Only pages in `section`")
	status := fs.String("status", "", "Only pages with `status` (published|draft)")
	limit := fs.Int("limit", search.DefaultLimit, "Maximum results")

	return &Command{
		Flags: fs,
		Usage: "search <query> [flags]",
		Short: "Search pages",
		Long:  "Rank pages by query terms. Curated keyword matches rank first.",
		Exec: func(ctx context.Context, o *IO, args []string) error {
			filter := search.Filter{Section: *section, Limit: *limit}

			if *status != "" {
				st, ok := pages.ParseStatus(*status)
				if !ok {
					return fmt.Errorf("invalid status: %s", *status)
				}

				filter.Status = st
			}

			if *limit < 0 {
				return errors.New("--limit must be non-negative")
			}

			viewer := a.operator()
			filter.Viewer = &viewer

			return a.withSession(ctx, readOnly, func(s *session) error {
				hits, err := s.engine.Search().Search(ctx, s.engine.DB().Reader(), strings.Join(args, " "), filter)
				if err != nil {
					return err
				}

				for _, h := range hits {
					o.Printf("%4d  %-30s %s\n", h.Score, h.Slug, h.Title)
				}

				return nil
			})
		},
	}
}

func (a *app) linksCmd() *Command {
	return &Command{
		Flags: flag.NewFlagSet("links", flag.ContinueOnError),
		Usage: "links <slug>",
		Short: "List outgoing links of a page",
		Exec: func(ctx context.Context, o *IO, args []string) error {
			return a.withSession(ctx, readOnly, func(s *session) error {
				p, err := pageBySlug(ctx, s, args[0])
				if err != nil {
					return err
				}

				edges, err := s.engine.Links().GetOutgoing(ctx, s.engine.DB().Reader(), p.ID)
				if err != nil {
					return err
				}

				for _, e := range edges {
					o.Println(formatEdge(e, e.TargetSlug))
				}

				return nil
			})
		},
	}
}

func (a *app) backlinksCmd() *Command {
	return &Command{
		Flags: flag.NewFlagSet("backlinks", flag.ContinueOnError),
		Usage: "backlinks <slug>",
		Short: "List pages linking to a page",
		Exec: func(ctx context.Context, o *IO, args []string) error {
			return a.withSession(ctx, readOnly, func(s *session) error {
				p, err := pageBySlug(ctx, s, args[0])
				if err != nil {
					return err
				}

				edges, err := s.engine.Links().GetBacklinks(ctx, s.engine.DB().Reader(), p.ID)
				if err != nil {
					return err
				}

				for _, e := range edges {
					o.Println(formatEdge(e, e.SourceSlug))
				}

				return nil
			})
		},
	}
}

func (a *app) brokenLinksCmd() *Command {
	return &Command{
		Flags: flag.NewFlagSet("broken-links", flag.ContinueOnError),
		Usage: "broken-links",
		Short: "List links whose target does not exist",
		Exec: func(ctx context.Context, o *IO, _ []string) error {
			return a.withSession(ctx, readOnly, func(s *session) error {
				edges, err := s.engine.Links().GetBrokenLinks(ctx, s.engine.DB().Reader())
				if err != nil {
					return err
				}

				for _, e := range edges {
					o.Printf("%s -> %s\n", e.SourceSlug, e.TargetSlug)
				}

				return nil
			})
		},
	}
}

func formatEdge(e links.Edge, other string) string {
	line := fmt.Sprintf("%-5s %s", e.Kind, other)

	if e.Anchor != "" {
		line += "#" + e.Anchor
	}

	if !e.Resolved() {
		line += " (missing)"
	}

	return line
}
