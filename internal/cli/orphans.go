package cli

import (
	"context"
	"fmt"
	"time"

	flag "github.com/spf13/pflag"
)

func (a *app) orphansCmd() *Command {
	return &Command{
		Flags: flag.NewFlagSet("orphans", flag.ContinueOnError),
		Usage: "orphans [stats]",
		Short: "List pages whose parent is missing",
		Exec: func(ctx context.Context, o *IO, args []string) error {
			if len(args) > 0 && args[0] != "stats" {
				return fmt.Errorf("unknown orphans subcommand: %s", args[0])
			}

			return a.withSession(ctx, readOnly, func(s *session) error {
				q := s.engine.DB().Reader()

				if len(args) > 0 {
					stats, err := s.engine.Orphans().GetOrphanageStats(ctx, q)
					if err != nil {
						return err
					}

					o.Printf("total=%d\n", stats.Total)

					for _, st := range stats.ByParent {
						parent := st.OriginalParentSlug
						if parent == "" {
							parent = "(unknown)"
						}

						o.Printf("%5d  %s\n", st.Count, parent)
					}

					return nil
				}

				list, err := s.engine.Orphans().List(ctx, q)
				if err != nil {
					return err
				}

				for _, orphan := range list {
					o.Printf("%-30s parent=%s since %s\n",
						orphan.Slug, orphan.OriginalParentSlug, orphan.OrphanedAt.UTC().Format(time.RFC3339))
				}

				return nil
			})
		},
	}
}

func (a *app) reassignCmd() *Command {
	return &Command{
		Flags: flag.NewFlagSet("reassign", flag.ContinueOnError),
		Usage: "reassign <slug> [parent]",
		Short: "Move a page under a new parent, or to the root",
		Long:  "Move a page under parent, or to the root when parent is omitted. Clears its orphan status.",
		Exec: func(ctx context.Context, o *IO, args []string) error {
			return a.withSession(ctx, writes, func(s *session) error {
				p, err := pageBySlug(ctx, s, args[0])
				if err != nil {
					return err
				}

				parentID := ""
				where := "the root"

				if len(args) > 1 {
					parent, err := pageBySlug(ctx, s, args[1])
					if err != nil {
						return err
					}

					parentID = parent.ID
					where = parent.Slug
				}

				_, err = s.engine.ReassignPage(ctx, a.operator(), p.ID, parentID)
				if err != nil {
					return err
				}

				o.Println("moved", p.Slug, "to", where)

				return nil
			})
		},
	}
}
