// Package logging installs the leveled logger used by every vsr-engine package
package logging

import (
	"fmt"
	"io"
	"log"
	"os"
	"strings"
	"sync"

	"github.com/lni/dragonboat/v4/logger"
)

// Packages lists the logger names the engine registers with logger.GetLogger
var Packages = []string{"replica", "kernel", "storage", "transport", "node", "sim", "vsrd"}

var (
	outputMu sync.Mutex
	output   io.Writer = os.Stdout
)

// vsrLogger implements logger.ILogger with a `LEVEL | package | message` line format
type vsrLogger struct {
	name   string
	level  logger.LogLevel
	logger *log.Logger
}

func (l *vsrLogger) SetLevel(level logger.LogLevel) {
	l.level = level
}

func (l *vsrLogger) Debugf(format string, args ...interface{}) {
	if l.level >= logger.DEBUG {
		l.log("DEBUG", format, args...)
	}
}

func (l *vsrLogger) Infof(format string, args ...interface{}) {
	if l.level >= logger.INFO {
		l.log("INFO", format, args...)
	}
}

func (l *vsrLogger) Warningf(format string, args ...interface{}) {
	if l.level >= logger.WARNING {
		l.log("WARN", format, args...)
	}
}

func (l *vsrLogger) Errorf(format string, args ...interface{}) {
	if l.level >= logger.ERROR {
		l.log("ERROR", format, args...)
	}
}

func (l *vsrLogger) Panicf(format string, args ...interface{}) {
	msg := fmt.Sprintf(format, args...)
	l.log("PANIC", "%s", msg)
	panic(msg)
}

func (l *vsrLogger) log(levelStr string, format string, args ...interface{}) {
	message := fmt.Sprintf(format, args...)
	l.logger.Printf("%-5s | %-9s | %s", levelStr, l.name, message)
}

// CreateLogger is the logger.Factory installed by Init
func CreateLogger(pkgName string) logger.ILogger {
	outputMu.Lock()
	w := output
	outputMu.Unlock()
	return &vsrLogger{
		name:   pkgName,
		level:  logger.INFO,
		logger: log.New(w, "", log.Ldate|log.Lmicroseconds),
	}
}

// SetOutput redirects loggers created after the call, nil restores stdout
func SetOutput(w io.Writer) {
	if w == nil {
		w = os.Stdout
	}
	outputMu.Lock()
	output = w
	outputMu.Unlock()
}

// ParseLevel converts a level name to a logger.LogLevel
func ParseLevel(level string) (logger.LogLevel, error) {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return logger.DEBUG, nil
	case "info", "":
		return logger.INFO, nil
	case "warning", "warn":
		return logger.WARNING, nil
	case "error":
		return logger.ERROR, nil
	case "critical", "off":
		return logger.CRITICAL, nil
	default:
		return logger.INFO, fmt.Errorf("invalid log level %q, must be one of debug, info, warn, error", level)
	}
}

// Init installs the factory and sets every engine package, and the grpc logger, to level
func Init(level string) error {
	lvl, err := ParseLevel(level)
	if err != nil {
		return err
	}
	logger.SetLoggerFactory(CreateLogger)
	for _, pkg := range Packages {
		logger.GetLogger(pkg).SetLevel(lvl)
	}
	logger.GetLogger("grpc").SetLevel(lvl)
	return nil
}

// Quiet raises every engine logger to ERROR, used by tests and benchmarks that drive many replicas
func Quiet() {
	for _, pkg := range Packages {
		logger.GetLogger(pkg).SetLevel(logger.ERROR)
	}
}
