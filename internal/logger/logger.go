package logger

import (
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"sync"

	"gopkg.in/natefinch/lumberjack.v2"
)

// LogLevel represents the severity of a log message
type LogLevel int

const (
	// Debug level for per-packet troubleshooting
	Debug LogLevel = iota
	// Info level for session lifecycle entries
	Info
	// Warn level for recoverable stream problems (frame loss, malformed frames)
	Warn
	// Error level for errors that end a capture run
	Error
)

var levelNames = map[LogLevel]string{
	Debug: "DEBUG",
	Info:  "INFO",
	Warn:  "WARN",
	Error: "ERROR",
}

func (l LogLevel) String() string {
	if name, ok := levelNames[l]; ok {
		return name
	}
	return fmt.Sprintf("LEVEL(%d)", int(l))
}

// DirMode defines platform-specific directory permissions
var DirMode os.FileMode

func init() {
	if runtime.GOOS == "windows" {
		DirMode = 0666
	} else {
		DirMode = 0755
	}
}

// Logger is a leveled printf-style logger
type Logger struct {
	debugLogger *log.Logger
	infoLogger  *log.Logger
	warnLogger  *log.Logger
	errorLogger *log.Logger
	level       LogLevel
	mu          sync.Mutex
	out         io.Writer
	rotator     *lumberjack.Logger // nil when logging to stdout only
}

var (
	defaultLogger *Logger
	defaultMu     sync.Mutex
)

// Config holds logger configuration
type Config struct {
	// LogLevel sets the minimum level to log
	LogLevel LogLevel
	// LogFile is the path to the log file. If empty, logs to stdout only
	LogFile string
	// MaxSizeMB is the size in megabytes at which the log file is rotated
	MaxSizeMB int
	// RetentionDays is how long rotated files are kept
	RetentionDays int
	// Output replaces stdout as the console writer (used by tests)
	Output io.Writer
}

// Initialize sets up the default logger with configuration
func Initialize(config Config) error {
	l, err := NewLogger(config)
	if err != nil {
		return err
	}
	defaultMu.Lock()
	old := defaultLogger
	defaultLogger = l
	defaultMu.Unlock()
	if old != nil {
		_ = old.Close()
	}
	return nil
}

// NewLogger creates a new logger instance
func NewLogger(config Config) (*Logger, error) {
	console := config.Output
	if console == nil {
		console = os.Stdout
	}
	writers := []io.Writer{console}

	var rotator *lumberjack.Logger
	if config.LogFile != "" {
		config.LogFile = filepath.Clean(config.LogFile)

		logDir := filepath.Dir(config.LogFile)
		if err := os.MkdirAll(logDir, DirMode); err != nil {
			return nil, fmt.Errorf("failed to create log directory: %w", err)
		}

		rotator = &lumberjack.Logger{
			Filename:   config.LogFile,
			MaxSize:    config.MaxSizeMB,     // megabytes
			MaxAge:     config.RetentionDays, // days
			MaxBackups: 3,
			Compress:   true,
		}
		writers = append(writers, rotator)
	}

	out := io.MultiWriter(writers...)
	flags := log.Ldate | log.Ltime | log.Lmicroseconds

	return &Logger{
		debugLogger: log.New(out, "DEBUG: ", flags),
		infoLogger:  log.New(out, "INFO: ", flags),
		warnLogger:  log.New(out, "WARN: ", flags),
		errorLogger: log.New(out, "ERROR: ", flags),
		level:       config.LogLevel,
		out:         out,
		rotator:     rotator,
	}, nil
}

// Writer returns the combined console and file writer, for redirecting the
// standard library logger.
func (l *Logger) Writer() io.Writer {
	return l.out
}

// Close flushes and closes the rotated log file if one exists
func (l *Logger) Close() error {
	if l.rotator != nil {
		return l.rotator.Close()
	}
	return nil
}

// Debug logs a debug message
func (l *Logger) Debug(format string, v ...interface{}) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.level <= Debug {
		l.debugLogger.Printf(format, v...)
	}
}

// Info logs an info message
func (l *Logger) Info(format string, v ...interface{}) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.level <= Info {
		l.infoLogger.Printf(format, v...)
	}
}

// Warn logs a warning message
func (l *Logger) Warn(format string, v ...interface{}) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.level <= Warn {
		l.warnLogger.Printf(format, v...)
	}
}

// Error logs an error message
func (l *Logger) Error(format string, v ...interface{}) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.level <= Error {
		l.errorLogger.Printf(format, v...)
	}
}

// GetLogger returns the default logger instance. Before Initialize is called
// it returns a stdout logger at Info level.
func GetLogger() *Logger {
	defaultMu.Lock()
	defer defaultMu.Unlock()
	if defaultLogger == nil {
		defaultLogger, _ = NewLogger(Config{LogLevel: Info})
	}
	return defaultLogger
}

// ParseLogLevel converts a string level to LogLevel
func ParseLogLevel(level string) (LogLevel, error) {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return Debug, nil
	case "info":
		return Info, nil
	case "warn", "warning":
		return Warn, nil
	case "error":
		return Error, nil
	default:
		return Info, fmt.Errorf("unknown log level: %s", level)
	}
}
