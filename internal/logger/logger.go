// Package logger constructs the process-wide structured logger.
package logger

import (
	"sync"

	"github.com/Laisky/zap"
)

var (
	once sync.Once
	l    *zap.Logger
)

// Init builds the global zap logger. Safe to call multiple times; only
// the first call takes effect, matching the teacher's singleton-logger
// idiom (common logging setup invoked once from cmd/).
func Init(debug bool) *zap.Logger {
	once.Do(func() {
		var err error
		if debug {
			l, err = zap.NewDevelopment()
		} else {
			l, err = zap.NewProduction()
		}
		if err != nil {
			// Logger construction failing is unrecoverable at startup.
			panic(err)
		}
	})
	return l
}

// L returns the process logger, initializing a sane production default
// if Init was never called (e.g. inside a package-level test helper).
func L() *zap.Logger {
	if l == nil {
		return Init(false)
	}
	return l
}
