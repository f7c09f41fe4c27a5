// Package main provides mdwiki, which mirrors a tree of markdown pages into a
// relational database.
package main

import (
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/calvinalkan/mdwiki/internal/cli"
)

func main() {
	os.Exit(run())
}

// run exists so deferred cleanup happens before os.Exit.
func run() int {
	// watch runs until interrupted; SIGHUP from a closing terminal counts too.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM, syscall.SIGHUP)

	defer signal.Stop(sigCh)

	return cli.Run(os.Stdin, os.Stdout, os.Stderr, os.Args, envMap(os.Environ()), sigCh)
}

func envMap(environ []string) map[string]string {
	env := make(map[string]string, len(environ))

	for _, kv := range environ {
		k, v, ok := strings.Cut(kv, "=")
		if !ok || k == "" {
			continue
		}

		env[k] = v
	}

	return env
}
