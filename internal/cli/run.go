// Package cli implements the mdwiki command line.
package cli

import (
	"context"
	"errors"
	"io"
	"os"
	"sort"
	"strings"

	flag "github.com/spf13/pflag"

	"github.com/calvinalkan/mdwiki/internal/config"
)

var errInterrupted = errors.New("interrupted")

// Run is the main entry point. args includes the program name. Returns the
// exit code. A signal on sigCh cancels the running command.
func Run(_ io.Reader, out io.Writer, errOut io.Writer, args []string, env map[string]string, sigCh <-chan os.Signal) int {
	o := NewIO(out, errOut)

	globals := flag.NewFlagSet("mdwiki", flag.ContinueOnError)
	globals.SetInterspersed(false)
	globals.SetOutput(&strings.Builder{})

	var (
		workDir    = globals.StringP("cwd", "C", "", "Run as if started in `dir`")
		configPath = globals.StringP("config", "c", "", "Use config `file`")
		dataDir    = globals.String("data-dir", "", "Page tree root (overrides config)")
		driver     = globals.String("db-driver", "", "Mirror backend: sqlite3|postgres")
		dsn        = globals.String("db-dsn", "", "Mirror database path or connection string")
		logLevel   = globals.String("log-level", "", "Log level: trace|debug|info|warn|error")
		pretty     = globals.Bool("log-pretty", false, "Human readable logs")
		workers    = globals.Int("workers", 0, "Parallel file syncs")
		help       = globals.BoolP("help", "h", false, "Show help")
	)

	if len(args) > 0 {
		args = args[1:]
	}

	err := globals.Parse(args)
	if err != nil {
		o.ErrPrintln("error:", err)
		o.ErrPrintln()
		printUsage(o.Stderr(), globals)

		return 1
	}

	rest := globals.Args()
	if *help || len(rest) == 0 {
		printUsage(o, globals)

		return 0
	}

	overrides := config.Overrides{
		DataDir:  *dataDir,
		Driver:   *driver,
		DSN:      *dsn,
		LogLevel: *logLevel,
		Workers:  *workers,
	}

	if globals.Changed("log-pretty") {
		overrides.Pretty = pretty
	}

	cfg, err := config.Load(config.LoadInput{
		WorkDir:    *workDir,
		ConfigPath: *configPath,
		Env:        env,
		Overrides:  overrides,
	})
	if err != nil {
		o.ErrPrintln("error:", err)

		return 1
	}

	a := newApp(cfg, env, errOut)
	commands := a.commands()

	name := rest[0]

	cmd, ok := commands[name]
	if !ok {
		o.ErrPrintln("error: unknown command:", name)
		o.ErrPrintln()
		printUsage(o.Stderr(), globals)

		return 1
	}

	ctx, cancel := context.WithCancelCause(context.Background())
	defer cancel(nil)

	if sigCh != nil {
		go func() {
			select {
			case <-sigCh:
				cancel(errInterrupted)
			case <-ctx.Done():
			}
		}()
	}

	return cmd.Run(ctx, o, rest[1:])
}

func printUsage(o *IO, globals *flag.FlagSet) {
	o.Println(`mdwiki - markdown wiki sync engine

Usage: mdwiki [flags] <command> [args]

Global flags:`)

	var buf strings.Builder

	globals.SetOutput(&buf)
	globals.PrintDefaults()
	globals.SetOutput(&strings.Builder{})
	o.Printf("%s", buf.String())

	o.Println()
	o.Println("Commands:")

	cmds := (&app{}).commands()

	names := make([]string, 0, len(cmds))
	for name := range cmds {
		names = append(names, name)
	}

	sort.Strings(names)

	for _, name := range names {
		o.Println(cmds[name].HelpLine())
	}

	o.Println()
	o.Printf("Run 'mdwiki <command> --help' for command flags. Project config: %s\n", config.FileName)
}
