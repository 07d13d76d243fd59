// Package logging wires the process-wide log15 root handler. Setup runs
// once at bootstrap; every component derives its own logger from the root
// with component-specific context.
package logging

import (
	"os"
	"sync"

	log "github.com/inconshreveable/log15"
)

var setupOnce sync.Once

// Setup installs the root handler: terminal output on stdout, optionally
// duplicated to a logfmt file, filtered at info unless verbose. It returns
// the root logger and is safe to call more than once; only the first call
// configures anything.
func Setup(logFile string, verbose bool) (log.Logger, error) {
	var err error
	setupOnce.Do(func() {
		handlers := []log.Handler{
			log.StreamHandler(os.Stdout, log.TerminalFormat()),
		}
		if logFile != "" {
			var fh log.Handler
			fh, err = log.FileHandler(logFile, log.LogfmtFormat())
			if err != nil {
				return
			}
			handlers = append(handlers, fh)
		}
		lvl := log.LvlInfo
		if verbose {
			lvl = log.LvlDebug
		}
		log.Root().SetHandler(log.LvlFilterHandler(lvl, log.MultiHandler(handlers...)))
	})
	if err != nil {
		return nil, err
	}
	return log.Root(), nil
}

// Discard routes a logger hierarchy to nowhere. Used by tests that exercise
// noisy failure paths.
func Discard() log.Logger {
	l := log.New()
	l.SetHandler(log.DiscardHandler())
	return l
}
