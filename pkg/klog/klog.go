// Package klog configures the leveled logging backend shared by every kernel
// package. Packages declare their own logger with
//
//	var log = logging.MustGetLogger("mm")
//
// and klog decides where records go and which levels pass.
package klog

import (
	"fmt"
	"io"
	"os"
	"strings"

	logging "github.com/op/go-logging"
)

const format = `%{time:15:04:05.000} %{level:.5s} [%{module}] %{message}`

// Level parses a kernel log level name. "trace" is accepted as an alias of
// debug since syscall tracing is logged at that level.
func Level(name string) (logging.Level, error) {
	switch strings.ToLower(name) {
	case "trace", "debug":
		return logging.DEBUG, nil
	case "info":
		return logging.INFO, nil
	case "notice":
		return logging.NOTICE, nil
	case "warn", "warning":
		return logging.WARNING, nil
	case "error":
		return logging.ERROR, nil
	case "off", "critical":
		return logging.CRITICAL, nil
	}
	return logging.ERROR, fmt.Errorf("unknown log level %q", name)
}

// Setup sends all kernel logs to w at the given level.
func Setup(w io.Writer, level string) error {
	lvl, err := Level(level)
	if err != nil {
		return err
	}

	backend := logging.NewLogBackend(w, "", 0)
	formatted := logging.NewBackendFormatter(backend, logging.MustStringFormatter(format))
	leveled := logging.AddModuleLevel(formatted)
	leveled.SetLevel(lvl, "")
	logging.SetBackend(leveled)
	return nil
}

// SetupFile tees logs to stdout and to a file truncated on open.
func SetupFile(path, level string) (*os.File, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o666)
	if err != nil {
		return nil, err
	}
	if err := Setup(io.MultiWriter(os.Stdout, f), level); err != nil {
		f.Close()
		return nil, err
	}
	return f, nil
}

// Silence drops everything below CRITICAL. Tests call it to keep output
// readable.
func Silence() {
	Setup(io.Discard, "off")
}
