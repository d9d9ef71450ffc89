// Package logging defines the Logger interface used by all qcchain packages.
// It wraps a zap.SugaredLogger and supports a global log level as well as
// per-package overrides.
package logging

import (
	"io"
	"os"
	"runtime"
	"strings"
	"sync"

	"github.com/mattn/go-isatty"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var (
	globalLevel   zapcore.Level
	packageLevels = make(map[string]zapcore.Level)
	mut           sync.RWMutex
)

func parseLevel(level string) zapcore.Level {
	switch level {
	case "debug":
		return zap.DebugLevel
	case "info":
		return zap.InfoLevel
	case "warn":
		return zap.WarnLevel
	case "error":
		return zap.ErrorLevel
	case "panic":
		return zap.PanicLevel
	case "fatal":
		return zap.FatalLevel
	default:
		panic("invalid log level '" + level + "'")
	}
}

// SetLogLevel sets the global log level.
func SetLogLevel(levelStr string) {
	level := parseLevel(levelStr)
	mut.Lock()
	globalLevel = level
	mut.Unlock()
}

// SetPackageLogLevel sets a log level for a package, overriding the global level.
func SetPackageLogLevel(packageName, levelStr string) {
	level := parseLevel(levelStr)
	mut.Lock()
	packageLevels[packageName] = level
	mut.Unlock()
}

// Logger is the logging interface used by qcchain. It is based on zap.SugaredLogger.
type Logger interface {
	DPanic(args ...interface{})
	DPanicf(template string, args ...interface{})
	Debug(args ...interface{})
	Debugf(template string, args ...interface{})
	Error(args ...interface{})
	Errorf(template string, args ...interface{})
	Fatal(args ...interface{})
	Fatalf(template string, args ...interface{})
	Info(args ...interface{})
	Infof(template string, args ...interface{})
	Panic(args ...interface{})
	Panicf(template string, args ...interface{})
	Warn(args ...interface{})
	Warnf(template string, args ...interface{})
}

type wrapper struct {
	inner *zap.SugaredLogger
	level zap.AtomicLevel
	mut   sync.Mutex
}

// updateLevel sets the level of the wrapped logger based on the package of the caller.
func (wr *wrapper) updateLevel() {
	mut.RLock()
	defer mut.RUnlock()

	if len(packageLevels) == 0 {
		return
	}

	_, file, _, ok := runtime.Caller(3)
	if ok {
		for pkg, level := range packageLevels {
			if strings.Contains(file, pkg) {
				wr.level.SetLevel(level)
				return
			}
		}
	}

	wr.level.SetLevel(globalLevel)
}

func (wr *wrapper) log(f func(*zap.SugaredLogger)) {
	wr.mut.Lock()
	defer wr.mut.Unlock()
	wr.updateLevel()
	f(wr.inner)
}

func (wr *wrapper) DPanic(args ...interface{}) {
	wr.log(func(l *zap.SugaredLogger) { l.DPanic(args...) })
}

func (wr *wrapper) DPanicf(template string, args ...interface{}) {
	wr.log(func(l *zap.SugaredLogger) { l.DPanicf(template, args...) })
}

func (wr *wrapper) Debug(args ...interface{}) {
	wr.log(func(l *zap.SugaredLogger) { l.Debug(args...) })
}

func (wr *wrapper) Debugf(template string, args ...interface{}) {
	wr.log(func(l *zap.SugaredLogger) { l.Debugf(template, args...) })
}

func (wr *wrapper) Error(args ...interface{}) {
	wr.log(func(l *zap.SugaredLogger) { l.Error(args...) })
}

func (wr *wrapper) Errorf(template string, args ...interface{}) {
	wr.log(func(l *zap.SugaredLogger) { l.Errorf(template, args...) })
}

func (wr *wrapper) Fatal(args ...interface{}) {
	wr.log(func(l *zap.SugaredLogger) { l.Fatal(args...) })
}

func (wr *wrapper) Fatalf(template string, args ...interface{}) {
	wr.log(func(l *zap.SugaredLogger) { l.Fatalf(template, args...) })
}

func (wr *wrapper) Info(args ...interface{}) {
	wr.log(func(l *zap.SugaredLogger) { l.Info(args...) })
}

func (wr *wrapper) Infof(template string, args ...interface{}) {
	wr.log(func(l *zap.SugaredLogger) { l.Infof(template, args...) })
}

func (wr *wrapper) Panic(args ...interface{}) {
	wr.log(func(l *zap.SugaredLogger) { l.Panic(args...) })
}

func (wr *wrapper) Panicf(template string, args ...interface{}) {
	wr.log(func(l *zap.SugaredLogger) { l.Panicf(template, args...) })
}

func (wr *wrapper) Warn(args ...interface{}) {
	wr.log(func(l *zap.SugaredLogger) { l.Warn(args...) })
}

func (wr *wrapper) Warnf(template string, args ...interface{}) {
	wr.log(func(l *zap.SugaredLogger) { l.Warnf(template, args...) })
}

// New returns a new logger for stderr with the given name.
func New(name string) Logger {
	var config zap.Config
	if strings.ToLower(os.Getenv("QCCHAIN_LOG_TYPE")) == "json" {
		config = zap.NewProductionConfig()
	} else {
		config = zap.NewDevelopmentConfig()
		if isatty.IsTerminal(os.Stderr.Fd()) || isatty.IsCygwinTerminal(os.Stderr.Fd()) {
			config.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
		}
	}
	mut.RLock()
	config.Level.SetLevel(globalLevel)
	mut.RUnlock()
	l, err := config.Build(zap.AddCallerSkip(3))
	if err != nil {
		panic(err)
	}
	return &wrapper{inner: l.Sugar().Named(name), level: config.Level}
}

// NewWithDest returns a new logger for the given destination with the given name.
func NewWithDest(dest io.Writer, name string) Logger {
	atom := zap.NewAtomicLevelAt(globalLevel)
	core := zapcore.NewCore(zapcore.NewConsoleEncoder(zap.NewDevelopmentEncoderConfig()), zapcore.AddSync(dest), atom)
	l := zap.New(core, zap.AddCallerSkip(3))
	return &wrapper{inner: l.Sugar().Named(name), level: atom}
}
