// Package logflags configures per-layer structured logging for the
// adapter. All log output goes to stderr (or a file) so that it never
// interleaves with the DAP stream on stdout.
package logflags

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/mattn/go-colorable"
	"github.com/mattn/go-isatty"
	"github.com/sirupsen/logrus"
)

var (
	dapFlag     = false
	gdbWire     = false
	symbolsFlag = false
	debugger    = false

	logOut   io.Writer
	colorize = false
)

func makeLogger(flag bool, fields logrus.Fields) *logrus.Entry {
	logger := logrus.New()
	logger.Formatter = &logrus.TextFormatter{
		ForceColors:      colorize,
		DisableTimestamp: true,
	}
	if logOut != nil {
		logger.Out = logOut
	} else {
		logger.Out = colorable.NewColorableStderr()
	}
	logger.Level = logrus.DebugLevel
	if !flag {
		logger.Level = logrus.ErrorLevel
	}
	return logger.WithFields(fields)
}

// DAP returns true if the DAP layer should log all protocol messages.
func DAP() bool {
	return dapFlag
}

// DAPLogger returns a configured logger for the DAP layer.
func DAPLogger() *logrus.Entry {
	return makeLogger(dapFlag, logrus.Fields{"layer": "dap"})
}

// GdbWire returns true if the gdbserial package should log all the
// packets exchanged with the stub.
func GdbWire() bool {
	return gdbWire
}

// GdbWireLogger returns a configured logger for the gdb-remote wire protocol.
func GdbWireLogger() *logrus.Entry {
	return makeLogger(gdbWire, logrus.Fields{"layer": "gdbconn"})
}

// Symbols returns true if the symbols package should log load progress.
func Symbols() bool {
	return symbolsFlag
}

// SymbolsLogger returns a logger for Mach-O/DWARF loading.
func SymbolsLogger() *logrus.Entry {
	return makeLogger(symbolsFlag, logrus.Fields{"layer": "symbols"})
}

// DebuggerLogger returns a logger for the session state machine.
func DebuggerLogger() *logrus.Entry {
	return makeLogger(debugger, logrus.Fields{"layer": "debugger"})
}

var errLogstrWithoutLog = errors.New("--log-output specified without --log")

// Setup sets the logging flags based on the contents of logstr. logDest,
// when not empty, redirects all logging to the named file.
func Setup(logFlag bool, logstr, logDest string) error {
	if logDest != "" {
		f, err := os.OpenFile(logDest, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return fmt.Errorf("could not open log destination: %v", err)
		}
		logOut = f
	} else {
		colorize = isatty.IsTerminal(os.Stderr.Fd())
	}
	if !logFlag {
		if logstr != "" {
			return errLogstrWithoutLog
		}
		return nil
	}
	if logstr == "" {
		logstr = "debugger"
	}
	for _, logcmd := range strings.Split(logstr, ",") {
		switch logcmd {
		case "dap":
			dapFlag = true
		case "gdbwire":
			gdbWire = true
		case "symbols":
			symbolsFlag = true
		case "debugger":
			debugger = true
		}
	}
	return nil
}

// Close closes the logDest file, if one was opened by Setup.
func Close() {
	if closer, ok := logOut.(io.Closer); ok {
		closer.Close()
	}
}
