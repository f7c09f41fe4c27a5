package cli

import (
	"fmt"
	"io"
)

// IO handles command output. Warnings are collected while a command runs and
// printed to stderr before the first line of output and again at the end, so
// they survive head and tail. A sync over many files can report the same
// problem repeatedly; each distinct warning is kept once.
type IO struct {
	out      io.Writer
	errOut   io.Writer
	warnings []string
	seen     map[string]bool
	started  bool
}

// NewIO creates a new IO.
func NewIO(out, errOut io.Writer) *IO {
	return &IO{out: out, errOut: errOut}
}

// Warn records a problem and what to do about it. Any warning makes the
// command exit with 1, without suppressing normal output.
func (o *IO) Warn(issue string, action string) {
	w := fmt.Sprintf("%s: %s", issue, action)
	if o.seen[w] {
		return
	}

	if o.seen == nil {
		o.seen = make(map[string]bool)
	}

	o.seen[w] = true
	o.warnings = append(o.warnings, w)
}

// Println writes to stdout.
func (o *IO) Println(a ...any) {
	o.flushWarningsStart()
	_, _ = fmt.Fprintln(o.out, a...)
}

// Printf writes formatted output to stdout.
func (o *IO) Printf(format string, a ...any) {
	o.flushWarningsStart()
	_, _ = fmt.Fprintf(o.out, format, a...)
}

// ErrPrintln writes to stderr.
func (o *IO) ErrPrintln(a ...any) {
	_, _ = fmt.Fprintln(o.errOut, a...)
}

// Stderr returns an IO whose stdout is this IO's stderr, for help text
// printed alongside an error.
func (o *IO) Stderr() *IO {
	return &IO{out: o.errOut, errOut: o.errOut}
}

// Finish prints warnings and returns the exit code.
func (o *IO) Finish() int {
	o.flushWarningsStart()

	if len(o.warnings) == 0 {
		return 0
	}

	for _, w := range o.warnings {
		_, _ = fmt.Fprintln(o.errOut, "warning:", w)
	}

	if len(o.warnings) > 1 {
		_, _ = fmt.Fprintf(o.errOut, "%d warnings\n", len(o.warnings))
	}

	return 1
}

func (o *IO) flushWarningsStart() {
	if !o.started && len(o.warnings) > 0 {
		for _, w := range o.warnings {
			_, _ = fmt.Fprintln(o.errOut, "warning:", w)
		}

		o.started = true
	}
}
