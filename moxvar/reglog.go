package moxvar

import (
	"errors"
	"io/fs"
	"log/slog"
	"os"
	"testing"

	"github.com/mjl-/imapsync/mlog"
)

var skipRegisterLogging = testing.Testing()

// RegisterLogger returns a logger for bstore.Options.RegisterLogger.
//
// Under test, nil is returned for databases that do not exist yet, to prevent
// logging about schema registration for each fresh test database.
func RegisterLogger(path string, log *mlog.Log) *slog.Logger {
	if !skipRegisterLogging {
		return log.Slog()
	}
	if _, err := os.Stat(path); err != nil && errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	return log.Slog()
}
