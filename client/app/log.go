// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

package app

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/decred/slog"
	"github.com/jrick/logrotate/rotator"
	"github.com/tuskeNetwork/tuskex-sub001/dex"
)

const (
	maxLogRolls  = 16
	rollSizeKiB  = 32 * 1024
	badgerLogger = "BADG"
)

// The mailbox database is chatty below warn.
var defaultLogLevelMap = map[string]slog.Level{badgerLogger: slog.LevelWarn}

// logWriter implements an io.Writer that outputs to a rotating log file.
type logWriter struct {
	*rotator.Rotator
	stdout bool
}

// Write writes the data in p to the log file.
func (w logWriter) Write(p []byte) (n int, err error) {
	if w.stdout {
		os.Stdout.Write(p)
	}
	return w.Rotator.Write(p)
}

// InitLogging initializes the logging rotater to write logs to logFile and
// create roll files in the same directory. The returned function closes the
// rotator and should be called on shutdown.
func InitLogging(logFilename, lvl string, stdout bool, utc bool) (lm *dex.LoggerMaker, closeFn func(), err error) {
	logDirectory := filepath.Dir(logFilename)
	if err := os.MkdirAll(logDirectory, 0700); err != nil {
		return nil, nil, fmt.Errorf("failed to create log directory: %w", err)
	}
	logRotator, err := rotator.New(logFilename, rollSizeKiB, false, maxLogRolls)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create file rotator: %w", err)
	}
	if !stdout {
		fmt.Println("Logging to", logFilename)
	}
	lm, err = dex.NewLoggerMaker(&logWriter{logRotator, stdout}, lvl, utc)
	if err != nil {
		logRotator.Close()
		return nil, nil, fmt.Errorf("failed to create custom logger: %w", err)
	}
	lm.SetLevelsFromMap(defaultLogLevelMap)
	return lm, func() {
		logRotator.Close()
	}, nil
}

// BadgerLogger is the logger name of the mailbox database.
func BadgerLogger(lm *dex.LoggerMaker) dex.Logger {
	return lm.Logger(badgerLogger)
}
