package logger

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"sync/atomic"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// LogLevel specifies the level of spew that should go to the log
type LogLevel int32

const (
	// LogLevelUnknown is a default value for LogLevel. Its behavior is undefined
	LogLevelUnknown LogLevel = iota

	// LogLevelPanic causes output of an error message followed by a panic
	LogLevelPanic

	// LogLevelFatal causes output of an error message followed by os.Exit(1)
	LogLevelFatal

	// LogLevelError is for unexpected error messages
	LogLevelError

	// LogLevelWarning is for warning messages
	LogLevelWarning

	// LogLevelInfo is for info messages
	LogLevelInfo

	// LogLevelDebug is for debug messages
	LogLevelDebug

	// LogLevelTrace is for per-message trace output
	LogLevelTrace
)

// EnvLogLevel names the environment variable that overrides the default log level
const EnvLogLevel = "MSGPORT_LOG_LEVEL"

var logLevelNames = [...]string{
	"unknown", "panic", "fatal", "error", "warning", "info", "debug", "trace",
}

var nameToLogLevel = func() map[string]LogLevel {
	result := make(map[string]LogLevel)
	for i, name := range logLevelNames {
		result[name] = LogLevel(i)
	}
	result["warn"] = LogLevelWarning
	return result
}()

// StringToLogLevel converts a string to a LogLevel. Unrecognized names yield LogLevelUnknown.
func StringToLogLevel(s string) LogLevel {
	result, ok := nameToLogLevel[strings.ToLower(strings.TrimSpace(s))]
	if !ok {
		result = LogLevelUnknown
	}
	return result
}

func (x LogLevel) String() string {
	if x < LogLevelUnknown || x > LogLevelTrace {
		x = LogLevelUnknown
	}
	return logLevelNames[x]
}

// FromString initializes a LogLevel from a string
func (x *LogLevel) FromString(s string) error {
	result := StringToLogLevel(s)
	if result == LogLevelUnknown {
		return fmt.Errorf("unknown log level: \"%s\"", s)
	}
	*x = result
	return nil
}

// Logger is an interface for a logging component that supports logging levels and prefix forking.
// It also satisfies the Print/Printf/Println logger shape expected by several libraries.
type Logger interface {
	Print(args ...interface{})
	Printf(f string, args ...interface{})
	Println(args ...interface{})

	// Prefix returns the Logger's prefix string (does not include ": " trailer)
	Prefix() string

	GetLogLevel() LogLevel
	SetLogLevel(logLevel LogLevel)

	// Log outputs to a Logger iff logging level is enabled
	Log(logLevel LogLevel, args ...interface{})

	// Logf outputs to a Logger iff logging level is enabled
	Logf(logLevel LogLevel, f string, args ...interface{})

	// Panic outputs a log message and then panics
	Panic(args ...interface{})

	// Panicf outputs a log message and then panics
	Panicf(f string, args ...interface{})

	// PanicOnError does nothing if err is nil; otherwise
	// outputs a log message and then panics
	PanicOnError(err error)

	// Fatalf outputs a log message and then exits with error status
	Fatalf(f string, args ...interface{})

	ELog(args ...interface{})
	ELogf(f string, args ...interface{})
	WLog(args ...interface{})
	WLogf(f string, args ...interface{})
	ILog(args ...interface{})
	ILogf(f string, args ...interface{})
	DLog(args ...interface{})
	DLogf(f string, args ...interface{})
	TLog(args ...interface{})
	TLogf(f string, args ...interface{})

	// Error returns an error object with a description string that has the
	// Logger's prefix
	Error(args ...interface{}) error

	// Errorf returns an error object with a description string that has the
	// Logger's prefix
	Errorf(f string, args ...interface{}) error

	// Sprintf returns a string that has the Logger's prefix
	Sprintf(f string, args ...interface{}) string

	// ELogErrorf outputs an error message to a Logger iff logging level is enabled,
	// and returns an error object with a description string that has the
	// logger's prefix
	ELogErrorf(f string, args ...interface{}) error

	// WLogErrorf is ELogErrorf at WARNING level
	WLogErrorf(f string, args ...interface{}) error

	// ILogErrorf is ELogErrorf at INFO level
	ILogErrorf(f string, args ...interface{}) error

	// DLogErrorf is ELogErrorf at DEBUG level
	DLogErrorf(f string, args ...interface{}) error

	// TLogErrorf is ELogErrorf at TRACE level
	TLogErrorf(f string, args ...interface{}) error

	// ForkLog creates a new Logger that has an additional formatted string appended onto
	// an existing logger's prefix (with ": " added between). The fork shares the
	// parent's log level.
	ForkLog(prefix string, args ...interface{}) Logger

	// Sync flushes buffered output
	Sync() error
}

// zapLogger is a logical log output stream with a level filter and a prefix added
// to each output record, emitting through a zap core.
type zapLogger struct {
	prefix string
	// prefixC is prefix if prefix is empty; otherwise prefix + ": "
	prefixC  string
	z        *zap.Logger
	logLevel *atomic.Int32
}

type options struct {
	writer   io.Writer
	logLevel LogLevel
	prefix   string
	z        *zap.Logger
}

// Option configures New
type Option func(*options)

// WithWriter directs output to w using a console encoder
func WithWriter(w io.Writer) Option {
	return func(o *options) { o.writer = w }
}

// WithLogLevel sets the initial log level
func WithLogLevel(logLevel LogLevel) Option {
	return func(o *options) { o.logLevel = logLevel }
}

// WithPrefix sets the root prefix
func WithPrefix(prefix string) Option {
	return func(o *options) { o.prefix = prefix }
}

// WithZap emits through an existing zap.Logger instead of building one
func WithZap(z *zap.Logger) Option {
	return func(o *options) { o.z = z }
}

// New creates a new Logger. By default output goes to os.Stderr at LogLevelInfo,
// unless MSGPORT_LOG_LEVEL names another level.
func New(opts ...Option) (Logger, error) {
	o := &options{
		writer:   os.Stderr,
		logLevel: LogLevelInfo,
	}
	if envLevel := StringToLogLevel(os.Getenv(EnvLogLevel)); envLevel != LogLevelUnknown {
		o.logLevel = envLevel
	}
	for _, opt := range opts {
		opt(o)
	}
	if o.logLevel <= LogLevelUnknown || o.logLevel > LogLevelTrace {
		return nil, fmt.Errorf("invalid log level: %d", o.logLevel)
	}
	z := o.z
	if z == nil {
		encCfg := zap.NewDevelopmentEncoderConfig()
		encCfg.EncodeTime = zapcore.ISO8601TimeEncoder
		core := zapcore.NewCore(zapcore.NewConsoleEncoder(encCfg), zapcore.AddSync(o.writer), zapcore.DebugLevel)
		z = zap.New(core)
	}
	lvl := &atomic.Int32{}
	lvl.Store(int32(o.logLevel))
	return newZapLogger(z, o.prefix, lvl), nil
}

// Named is satisfied by *testing.T and *testing.B
type Named interface {
	Name() string
}

// NewTestLogger creates a stderr Logger prefixed with the test name and the given prefix.
// It logs warnings and worse unless MSGPORT_LOG_LEVEL asks for more. Output does not go
// through t.Log, since background goroutines may outlive the test.
func NewTestLogger(t Named, prefix string) Logger {
	lvl := LogLevelWarning
	if envLevel := StringToLogLevel(os.Getenv(EnvLogLevel)); envLevel != LogLevelUnknown {
		lvl = envLevel
	}
	l, err := New(WithLogLevel(lvl), WithPrefix(t.Name()+": "+prefix))
	if err != nil {
		panic(err)
	}
	return l
}

// Nop returns a Logger that discards everything
func Nop() Logger {
	lvl := &atomic.Int32{}
	lvl.Store(int32(LogLevelError))
	return newZapLogger(zap.NewNop(), "", lvl)
}

func newZapLogger(z *zap.Logger, prefix string, lvl *atomic.Int32) *zapLogger {
	prefixC := prefix
	if prefixC != "" {
		prefixC += ": "
	}
	return &zapLogger{
		prefix:   prefix,
		prefixC:  prefixC,
		z:        z,
		logLevel: lvl,
	}
}

func (l *zapLogger) enabled(logLevel LogLevel) bool {
	return logLevel <= l.GetLogLevel() || logLevel <= LogLevelFatal
}

// emit writes an already prefixed message, then panics or exits as the level requires
func (l *zapLogger) emit(logLevel LogLevel, msg string) {
	switch logLevel {
	case LogLevelPanic, LogLevelFatal, LogLevelError:
		l.z.Error(msg)
	case LogLevelWarning:
		l.z.Warn(msg)
	case LogLevelInfo:
		l.z.Info(msg)
	case LogLevelTrace:
		l.z.Debug(msg, zap.Bool("trace", true))
	default:
		l.z.Debug(msg)
	}
	if logLevel == LogLevelFatal {
		_ = l.z.Sync()
		os.Exit(1)
	}
	if logLevel == LogLevelPanic {
		panic(msg)
	}
}

// Print outputs to a Logger at INFO level regardless of filter
func (l *zapLogger) Print(args ...interface{}) {
	l.z.Info(l.Sprint(args...))
}

// Printf outputs to a Logger at DEBUG level
func (l *zapLogger) Printf(f string, args ...interface{}) {
	l.Logf(LogLevelDebug, f, args...)
}

// Println outputs to a Logger at DEBUG level
func (l *zapLogger) Println(args ...interface{}) {
	l.Log(LogLevelDebug, strings.TrimSuffix(fmt.Sprintln(args...), "\n"))
}

func (l *zapLogger) Log(logLevel LogLevel, args ...interface{}) {
	if l.enabled(logLevel) {
		l.emit(logLevel, l.Sprint(args...))
	}
}

func (l *zapLogger) Logf(logLevel LogLevel, f string, args ...interface{}) {
	if l.enabled(logLevel) {
		l.emit(logLevel, l.Sprintf(f, args...))
	}
}

func (l *zapLogger) logErrorf(logLevel LogLevel, f string, args ...interface{}) error {
	msg := l.Sprintf(f, args...)
	if l.enabled(logLevel) {
		l.emit(logLevel, msg)
	}
	return errors.New(msg)
}

func (l *zapLogger) Panic(args ...interface{}) {
	l.Log(LogLevelPanic, args...)
}

func (l *zapLogger) Panicf(f string, args ...interface{}) {
	l.Logf(LogLevelPanic, f, args...)
}

func (l *zapLogger) PanicOnError(err error) {
	if err != nil {
		l.Panic(err)
	}
}

func (l *zapLogger) Fatalf(f string, args ...interface{}) {
	l.Logf(LogLevelFatal, f, args...)
}

func (l *zapLogger) ELog(args ...interface{}) { l.Log(LogLevelError, args...) }

func (l *zapLogger) ELogf(f string, args ...interface{}) { l.Logf(LogLevelError, f, args...) }

func (l *zapLogger) WLog(args ...interface{}) { l.Log(LogLevelWarning, args...) }

func (l *zapLogger) WLogf(f string, args ...interface{}) { l.Logf(LogLevelWarning, f, args...) }

func (l *zapLogger) ILog(args ...interface{}) { l.Log(LogLevelInfo, args...) }

func (l *zapLogger) ILogf(f string, args ...interface{}) { l.Logf(LogLevelInfo, f, args...) }

func (l *zapLogger) DLog(args ...interface{}) { l.Log(LogLevelDebug, args...) }

func (l *zapLogger) DLogf(f string, args ...interface{}) { l.Logf(LogLevelDebug, f, args...) }

func (l *zapLogger) TLog(args ...interface{}) { l.Log(LogLevelTrace, args...) }

func (l *zapLogger) TLogf(f string, args ...interface{}) { l.Logf(LogLevelTrace, f, args...) }

func (l *zapLogger) Error(args ...interface{}) error {
	return errors.New(l.Sprint(args...))
}

func (l *zapLogger) Errorf(f string, args ...interface{}) error {
	return fmt.Errorf("%s"+f, append([]interface{}{l.prefixC}, args...)...)
}

func (l *zapLogger) Sprintf(f string, args ...interface{}) string {
	return l.prefixC + fmt.Sprintf(f, args...)
}

// Sprint returns a string that has the Logger's prefix
func (l *zapLogger) Sprint(args ...interface{}) string {
	return l.prefixC + fmt.Sprint(args...)
}

func (l *zapLogger) ELogErrorf(f string, args ...interface{}) error {
	return l.logErrorf(LogLevelError, f, args...)
}

func (l *zapLogger) WLogErrorf(f string, args ...interface{}) error {
	return l.logErrorf(LogLevelWarning, f, args...)
}

func (l *zapLogger) ILogErrorf(f string, args ...interface{}) error {
	return l.logErrorf(LogLevelInfo, f, args...)
}

func (l *zapLogger) DLogErrorf(f string, args ...interface{}) error {
	return l.logErrorf(LogLevelDebug, f, args...)
}

func (l *zapLogger) TLogErrorf(f string, args ...interface{}) error {
	return l.logErrorf(LogLevelTrace, f, args...)
}

func (l *zapLogger) ForkLog(prefix string, args ...interface{}) Logger {
	newPrefix := fmt.Sprintf(prefix, args...)
	if l.prefix != "" {
		newPrefix = l.prefix + ": " + newPrefix
	}
	return newZapLogger(l.z, newPrefix, l.logLevel)
}

func (l *zapLogger) Prefix() string {
	return l.prefix
}

func (l *zapLogger) GetLogLevel() LogLevel {
	return LogLevel(l.logLevel.Load())
}

func (l *zapLogger) SetLogLevel(logLevel LogLevel) {
	l.logLevel.Store(int32(logLevel))
}

func (l *zapLogger) Sync() error {
	return l.z.Sync()
}
