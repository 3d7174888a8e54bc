// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

package dex

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/decred/slog"
)

// Logger is the logging interface used throughout the module. All logging
// should take place through a provided Logger.
type Logger = slog.Logger

// Log levels re-exported so callers do not need to import slog directly.
const (
	LevelTrace    = slog.LevelTrace
	LevelDebug    = slog.LevelDebug
	LevelInfo     = slog.LevelInfo
	LevelWarn     = slog.LevelWarn
	LevelError    = slog.LevelError
	LevelCritical = slog.LevelCritical
	LevelOff      = slog.LevelOff
)

// Disabled is a Logger that will never output anything.
var Disabled Logger = slog.Disabled

// StdOutLogger creates a Logger with the provided name and level that writes
// to standard output. It is intended for tests and tools.
func StdOutLogger(name string, lvl slog.Level) Logger {
	backend := slog.NewBackend(os.Stdout)
	logger := backend.Logger(name)
	logger.SetLevel(lvl)
	return logger
}

// LoggerMaker allows creation of new log subsystems with predefined levels.
type LoggerMaker struct {
	*slog.Backend
	DefaultLevel slog.Level
	Levels       map[string]slog.Level
}

// NewLoggerMaker parses a debug level string and creates a LoggerMaker
// writing to w. The level string is either a single level applied to all
// subsystems, or a comma separated list that may start with a default level
// followed by SUBSYS=level pairs, e.g. "info,CORE=debug,COMMS=trace".
func NewLoggerMaker(w io.Writer, debugLevel string, utc bool) (*LoggerMaker, error) {
	var opts []slog.BackendOption
	if utc {
		opts = append(opts, slog.WithFlags(slog.LUTC))
	}
	lm := &LoggerMaker{
		Backend:      slog.NewBackend(w, opts...),
		DefaultLevel: slog.LevelInfo,
		Levels:       make(map[string]slog.Level),
	}
	for _, field := range strings.Split(debugLevel, ",") {
		field = strings.TrimSpace(field)
		if field == "" {
			continue
		}
		if !strings.Contains(field, "=") {
			lvl, ok := slog.LevelFromString(field)
			if !ok {
				return nil, fmt.Errorf("unknown log level %q", field)
			}
			lm.DefaultLevel = lvl
			continue
		}
		subsys, lvlStr, _ := strings.Cut(field, "=")
		lvl, ok := slog.LevelFromString(lvlStr)
		if !ok {
			return nil, fmt.Errorf("unknown log level %q for subsystem %s", lvlStr, subsys)
		}
		lm.Levels[subsys] = lvl
	}
	return lm, nil
}

// SetLevelsFromMap sets levels for subsystems that were not explicitly
// configured already.
func (lm *LoggerMaker) SetLevelsFromMap(lvls map[string]slog.Level) {
	for subsys, lvl := range lvls {
		if _, found := lm.Levels[subsys]; !found {
			lm.Levels[subsys] = lvl
		}
	}
}

// Logger creates a Logger for the subsystem, using any configured level for
// that subsystem, else the DefaultLevel.
func (lm *LoggerMaker) Logger(name string) Logger {
	lvl, ok := lm.Levels[name]
	if !ok {
		lvl = lm.DefaultLevel
	}
	return lm.NewLogger(name, lvl)
}

// SubLogger creates a Logger with a subsystem name "parent[name]", using any
// known log level for the parent subsystem, defaulting to the DefaultLevel if
// the parent does not have an explicitly set level.
func (lm *LoggerMaker) SubLogger(parent, name string) Logger {
	level, ok := lm.Levels[parent]
	if !ok {
		level = lm.DefaultLevel
	}
	logger := lm.Backend.Logger(fmt.Sprintf("%s[%s]", parent, name))
	logger.SetLevel(level)
	return logger
}

// NewLogger creates a new Logger for the subsystem with the given name. If a
// log level is specified, it is used for the Logger. Otherwise the DefaultLevel
// is used.
func (lm *LoggerMaker) NewLogger(name string, level ...slog.Level) Logger {
	lvl := lm.DefaultLevel
	if len(level) > 0 {
		lvl = level[0]
	}
	logger := lm.Backend.Logger(name)
	logger.SetLevel(lvl)
	return logger
}
