package cli

import (
	"context"
	"errors"
	"fmt"
	"strings"

	flag "github.com/spf13/pflag"
)

// Command is one mdwiki subcommand.
type Command struct {
	// Flags holds command flags. The set name is unused; the command name
	// comes from Usage.
	Flags *flag.FlagSet

	// Usage follows "mdwiki" in help, e.g. "diff <slug> <a> <b>". Each
	// <placeholder> is a required positional argument; [optional] ones are
	// not checked.
	Usage string

	// Short is the one-line description in the command listing.
	Short string

	// Long is shown by "mdwiki <cmd> --help". Short is used when empty.
	Long string

	// Exec runs the command after flags are parsed.
	Exec func(ctx context.Context, o *IO, args []string) error
}

// Name returns the first word of Usage.
func (c *Command) Name() string {
	name, _, _ := strings.Cut(c.Usage, " ")

	return name
}

// requiredArgs counts the <placeholders> in Usage.
func (c *Command) requiredArgs() int {
	n := 0

	for _, word := range strings.Fields(c.Usage) {
		if strings.HasPrefix(word, "<") && strings.HasSuffix(word, ">") {
			n++
		}
	}

	return n
}

// HelpLine returns the entry for the command listing.
func (c *Command) HelpLine() string {
	return fmt.Sprintf("  %-28s %s", c.Usage, c.Short)
}

// PrintHelp prints the full help of the command.
func (c *Command) PrintHelp(o *IO) {
	o.Println("Usage: mdwiki", c.Usage)
	o.Println()

	desc := c.Long
	if desc == "" {
		desc = c.Short
	}

	o.Println(desc)

	if c.Flags != nil && c.Flags.HasFlags() {
		o.Println()
		o.Println("Flags:")

		var buf strings.Builder

		c.Flags.SetOutput(&buf)
		c.Flags.PrintDefaults()
		o.Printf("%s", buf.String())
	}
}

// Run parses flags and executes the command. Returns the exit code.
func (c *Command) Run(ctx context.Context, o *IO, args []string) int {
	c.Flags.SetOutput(&strings.Builder{})

	err := c.Flags.Parse(args)
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			c.PrintHelp(o)

			return 0
		}

		o.ErrPrintln("error:", err)
		o.ErrPrintln()
		c.PrintHelp(o.Stderr())

		return 1
	}

	rest := c.Flags.Args()
	if want := c.requiredArgs(); len(rest) < want {
		o.ErrPrintln("error:", fmt.Sprintf("%s requires %d argument(s)", c.Name(), want))
		o.ErrPrintln()
		c.PrintHelp(o.Stderr())

		return 1
	}

	err = c.Exec(ctx, o, rest)
	if err != nil {
		o.ErrPrintln("error:", err)

		return 1
	}

	return o.Finish()
}
