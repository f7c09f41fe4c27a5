package cli

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"time"

	flag "github.com/spf13/pflag"

	"github.com/calvinalkan/mdwiki/internal/scan"
	"github.com/calvinalkan/mdwiki/internal/syncer"
)

func (a *app) syncCmd() *Command {
	fs := flag.NewFlagSet("sync", flag.ContinueOnError)
	force := fs.Bool("force", false, "Re-read files even when unchanged")
	verbose := fs.BoolP("verbose", "v", false, "List skipped files too")

	return &Command{
		Flags: fs,
		Usage: "sync [--force] [path]",
		Short: "Sync page files into the mirror",
		Long: "Sync one page file, a directory, or the whole data directory into the mirror.\n" +
			"Pages whose file is gone are deleted. Per-file failures are reported as warnings.",
		Exec: func(ctx context.Context, o *IO, args []string) error {
			target, mode := "", syncs
			if len(args) > 0 {
				target, mode = args[0], writes
			}

			return a.withSession(ctx, mode, func(s *session) error {
				return execSync(ctx, o, s, target, *force, *verbose)
			})
		},
	}
}

func execSync(ctx context.Context, o *IO, s *session, target string, force, verbose bool) error {
	if target != "" && scan.IsPage(target) {
		res := s.engine.SyncFile(ctx, target, force)
		printResult(o, res, true)

		return nil
	}

	sum, err := s.engine.SyncDirectory(ctx, target, force)

	for _, res := range sum.Results {
		printResult(o, res, verbose)
	}

	for _, r := range sum.Reattached {
		o.Println("reattached", r.PageID, "under", r.ParentID)
	}

	o.Printf("created=%d updated=%d skipped=%d deleted=%d errors=%d\n",
		sum.Created, sum.Updated, sum.Skipped, sum.Deleted, sum.Failed)

	return err
}

func printResult(o *IO, res syncer.FileResult, verbose bool) {
	switch {
	case res.Err != nil:
		o.Warn(res.Err.Error(), "fix the page file and run sync again")
	case res.Outcome == syncer.Skipped && !verbose:
	default:
		line := fmt.Sprintf("%-8s %s", res.Outcome, res.Path)
		if res.Relocated != "" {
			line += " -> " + res.Relocated
		}

		if res.Orphaned {
			line += " (orphan)"
		}

		o.Println(line)
	}
}

func (a *app) watchCmd() *Command {
	fs := flag.NewFlagSet("watch", flag.ContinueOnError)
	debounce := fs.Duration("debounce", 0, "Quiet period per file (default from config)")
	metricsAddr := fs.String("metrics-addr", "", "Serve Prometheus metrics on `addr`")

	return &Command{
		Flags: fs,
		Usage: "watch [--metrics-addr addr]",
		Short: "Sync continuously as files change",
		Long:  "Run a full sync, then keep the mirror in step with the page files until interrupted.",
		Exec: func(ctx context.Context, o *IO, _ []string) error {
			return a.withSession(ctx, syncs, func(s *session) error {
				window := *debounce
				if window == 0 {
					window = time.Duration(a.cfg.DebounceMs) * time.Millisecond
				}

				addr := *metricsAddr
				if addr == "" {
					addr = a.cfg.MetricsAddr
				}

				return execWatch(ctx, o, s, window, addr)
			})
		},
	}
}

func execWatch(ctx context.Context, o *IO, s *session, window time.Duration, addr string) error {
	if addr != "" {
		ln, err := net.Listen("tcp", addr)
		if err != nil {
			return fmt.Errorf("metrics listener: %w", err)
		}

		mux := http.NewServeMux()
		mux.Handle("/metrics", s.metrics.Handler())

		srv := &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}

		go func() { _ = srv.Serve(ln) }()

		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
			defer cancel()

			_ = srv.Shutdown(shutdownCtx)
		}()

		s.log.Info().Str("addr", ln.Addr().String()).Msg("serving metrics")
	}

	sum, err := s.engine.SyncAll(ctx, false)
	if err != nil {
		return err
	}

	for _, res := range sum.Results {
		printResult(o, res, false)
	}

	return s.engine.Watch(ctx, syncer.WatchOptions{Debounce: window})
}

func (a *app) reindexCmd() *Command {
	return &Command{
		Flags: flag.NewFlagSet("reindex", flag.ContinueOnError),
		Usage: "reindex",
		Short: "Rebuild the full-text index",
		Long:  "Rebuild full-text search entries from the mirrored pages. Curated keywords are kept.",
		Exec: func(ctx context.Context, o *IO, _ []string) error {
			return a.withSession(ctx, writes, func(s *session) error {
				n, err := s.engine.Reindex(ctx)
				if err != nil {
					return err
				}

				o.Printf("reindexed %d pages\n", n)

				return nil
			})
		},
	}
}
