package cli

import (
	"context"
	"fmt"
	"strconv"
	"time"

	flag "github.com/spf13/pflag"
)

func parseVersion(s string) (int, error) {
	n, err := strconv.Atoi(s)
	if err != nil || n < 1 {
		return 0, fmt.Errorf("invalid version number: %s", s)
	}

	return n, nil
}

func (a *app) historyCmd() *Command {
	return &Command{
		Flags: flag.NewFlagSet("history", flag.ContinueOnError),
		Usage: "history <slug>",
		Short: "List versions of a page",
		Exec: func(ctx context.Context, o *IO, args []string) error {
			return a.withSession(ctx, readOnly, func(s *session) error {
				p, err := pageBySlug(ctx, s, args[0])
				if err != nil {
					return err
				}

				vs, err := s.engine.Versions().List(ctx, s.engine.DB().Reader(), p.ID)
				if err != nil {
					return err
				}

				for _, v := range vs {
					o.Printf("v%-4d %s  +%d -%d  %-12s %s\n",
						v.Number, v.CreatedAt.UTC().Format(time.RFC3339), v.Additions, v.Deletions, v.ChangedBy, v.Summary)
				}

				return nil
			})
		},
	}
}

func (a *app) diffCmd() *Command {
	return &Command{
		Flags: flag.NewFlagSet("diff", flag.ContinueOnError),
		Usage: "diff <slug> <a> <b>",
		Short: "Show the diff between two versions",
		Exec: func(ctx context.Context, o *IO, args []string) error {
			from, err := parseVersion(args[1])
			if err != nil {
				return err
			}

			to, err := parseVersion(args[2])
			if err != nil {
				return err
			}

			return a.withSession(ctx, readOnly, func(s *session) error {
				p, err := pageBySlug(ctx, s, args[0])
				if err != nil {
					return err
				}

				c, err := s.engine.Versions().CompareVersions(ctx, s.engine.DB().Reader(), p.ID, from, to)
				if err != nil {
					return err
				}

				o.Printf("+%d -%d\n", c.Additions, c.Deletions)
				o.Printf("%s", c.Unified)

				return nil
			})
		},
	}
}

func (a *app) rollbackCmd() *Command {
	return &Command{
		Flags: flag.NewFlagSet("rollback", flag.ContinueOnError),
		Usage: "rollback <slug> <n>",
		Short: "Restore version n as a new version",
		Long:  "Write the title and content of version n back to the page file and record it as a new version.",
		Exec: func(ctx context.Context, o *IO, args []string) error {
			n, err := parseVersion(args[1])
			if err != nil {
				return err
			}

			return a.withSession(ctx, writes, func(s *session) error {
				p, err := pageBySlug(ctx, s, args[0])
				if err != nil {
					return err
				}

				v, err := s.engine.Rollback(ctx, a.operator(), p.ID, n)
				if err != nil {
					return err
				}

				o.Printf("%s is now at v%d (%s)\n", p.Slug, v.Number, v.Summary)

				return nil
			})
		},
	}
}
