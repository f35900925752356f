package logger

import (
	"fmt"
	"io"
	"log"
	"strings"
	"sync"

	"github.com/fatih/color"
)

// Level represents the severity level of a log message.
type Level int

const (
	DebugLevel Level = iota
	InfoLevel
	NoticeLevel
	ErrorLevel
)

// ParseLevel maps a config string to a Level. Unknown values fall back to info.
func ParseLevel(v string) Level {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "debug":
		return DebugLevel
	case "notice":
		return NoticeLevel
	case "error":
		return ErrorLevel
	default:
		return InfoLevel
	}
}

type Chain int

const (
	None Chain = iota
	Sepolia
	SeiTestnet
	Other
)

var chainIDMap = map[int64]Chain{
	11155111: Sepolia,
	1328:     SeiTestnet,
}

var chainPrefixes = map[Chain]string{
	None:       "",
	Sepolia:    "[SEP]  ",
	SeiTestnet: "[SEI]  ",
	Other:      "[EVM]  ",
}

var colors = map[Chain]color.Attribute{
	None:       color.FgWhite,
	Sepolia:    color.FgHiBlue,
	SeiTestnet: color.FgHiRed,
	Other:      color.FgYellow,
}

func chainFor(chainID int64) Chain {
	if chain, ok := chainIDMap[chainID]; ok {
		return chain
	}
	return Other
}

// Logger is a simple interface for logging messages.
// The execution engine also uses it as its user notification channel.
type Logger interface {
	// Info logs an informational message.
	Info(format string, args ...interface{})
	InfoWithChain(chainID int64, format string, args ...interface{})

	// Error logs an error message.
	Error(format string, args ...interface{})
	ErrorWithChain(chainID int64, format string, args ...interface{})

	// Debug logs a debug message.
	Debug(format string, args ...interface{})
	DebugWithChain(chainID int64, format string, args ...interface{})

	// Notice logs a notice message.
	Notice(format string, args ...interface{})
	NoticeWithChain(chainID int64, format string, args ...interface{})
}

// EmptyLogger is a simple implementation of the Logger interface that does nothing.
type EmptyLogger struct{}

var _ Logger = (*EmptyLogger)(nil)

func (l *EmptyLogger) Info(_ string, _ ...interface{})                     {}
func (l *EmptyLogger) InfoWithChain(_ int64, _ string, _ ...interface{})   {}
func (l *EmptyLogger) Error(_ string, _ ...interface{})                    {}
func (l *EmptyLogger) ErrorWithChain(_ int64, _ string, _ ...interface{})  {}
func (l *EmptyLogger) Debug(_ string, _ ...interface{})                    {}
func (l *EmptyLogger) DebugWithChain(_ int64, _ string, _ ...interface{})  {}
func (l *EmptyLogger) Notice(_ string, _ ...interface{})                   {}
func (l *EmptyLogger) NoticeWithChain(_ int64, _ string, _ ...interface{}) {}

// StdLogger writes leveled, chain-prefixed lines to an io.Writer.
type StdLogger struct {
	enableColoring bool
	level          Level
	out            *log.Logger
	mu             sync.Mutex
}

var _ Logger = (*StdLogger)(nil)

func NewWriterLogger(w io.Writer, enableColoring bool, level Level) *StdLogger {
	return &StdLogger{
		enableColoring: enableColoring,
		level:          level,
		out:            log.New(w, "", log.LstdFlags),
	}
}

// formatMessage formats the log message with the appropriate log level, chain prefix, and coloring if enabled.
func (l *StdLogger) formatMessage(level Level, chain Chain, format string) string {
	chainPrefix := chainPrefixes[chain]
	if l.enableColoring && chainPrefix != "" {
		chainPrefix = color.New(colors[chain]).Sprint(chainPrefix)
	}

	var levelStr string
	switch level {
	case DebugLevel:
		levelStr = "[DEBUG]  "
	case InfoLevel:
		levelStr = "[INFO]   "
	case NoticeLevel:
		levelStr = "[NOTICE] "
	case ErrorLevel:
		levelStr = "[ERROR]  "
	}

	return levelStr + chainPrefix + format
}

func (l *StdLogger) write(level Level, chain Chain, format string, args ...interface{}) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.level > level {
		return
	}
	_ = l.out.Output(3, fmt.Sprintf(l.formatMessage(level, chain, format), args...))
}

func (l *StdLogger) Info(format string, args ...interface{}) {
	l.write(InfoLevel, None, format, args...)
}

func (l *StdLogger) InfoWithChain(chainID int64, format string, args ...interface{}) {
	l.write(InfoLevel, chainFor(chainID), format, args...)
}

func (l *StdLogger) Error(format string, args ...interface{}) {
	l.write(ErrorLevel, None, format, args...)
}

func (l *StdLogger) ErrorWithChain(chainID int64, format string, args ...interface{}) {
	l.write(ErrorLevel, chainFor(chainID), format, args...)
}

func (l *StdLogger) Debug(format string, args ...interface{}) {
	l.write(DebugLevel, None, format, args...)
}

func (l *StdLogger) DebugWithChain(chainID int64, format string, args ...interface{}) {
	l.write(DebugLevel, chainFor(chainID), format, args...)
}

func (l *StdLogger) Notice(format string, args ...interface{}) {
	l.write(NoticeLevel, None, format, args...)
}

func (l *StdLogger) NoticeWithChain(chainID int64, format string, args ...interface{}) {
	l.write(NoticeLevel, chainFor(chainID), format, args...)
}
