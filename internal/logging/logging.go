// Package logging provides structured, component-scoped logging for hive
// processes. Each worker or monitor process writes to stderr and, when a log
// directory is configured, to a date-named file shared by all components.
package logging

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

const filePrefix = "hive-"

// Config holds logging configuration.
type Config struct {
	Level         string // debug, info, warn, error
	Format        string // json, text
	Dir           string // optional log directory
	RetentionDays int    // days of log files to keep (default 7)
}

// Logger owns the root zerolog logger and its log file.
type Logger struct {
	root zerolog.Logger
	dir  string
	file *os.File
	mu   sync.Mutex
}

var (
	global   *Logger
	globalMu sync.RWMutex
)

// Init replaces the process-wide logger.
func Init(cfg Config) error {
	l, err := New(cfg)
	if err != nil {
		return err
	}

	globalMu.Lock()
	prev := global
	global = l
	globalMu.Unlock()

	if prev != nil {
		prev.Close()
	}
	return nil
}

// New builds a Logger from cfg.
func New(cfg Config) (*Logger, error) {
	if cfg.RetentionDays == 0 {
		cfg.RetentionDays = 7
	}

	level, err := ParseLevel(cfg.Level)
	if err != nil {
		return nil, err
	}

	l := &Logger{dir: cfg.Dir}

	var out io.Writer = os.Stderr
	if cfg.Dir != "" {
		if err := os.MkdirAll(cfg.Dir, 0755); err != nil {
			return nil, fmt.Errorf("create log dir: %w", err)
		}
		f, err := os.OpenFile(l.currentPath(), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
		if err != nil {
			return nil, fmt.Errorf("open log file: %w", err)
		}
		l.file = f
		go l.prune(cfg.RetentionDays)
	}

	if strings.EqualFold(cfg.Format, "text") {
		out = zerolog.ConsoleWriter{Out: out, TimeFormat: time.Kitchen}
	}
	if l.file != nil {
		out = zerolog.MultiLevelWriter(out, l.file)
	}

	l.root = zerolog.New(out).Level(level).With().Timestamp().Int("pid", os.Getpid()).Logger()
	return l, nil
}

// Root returns the underlying zerolog logger.
func (l *Logger) Root() zerolog.Logger {
	return l.root
}

// Component returns a child logger tagged with the component name.
func (l *Logger) Component(name string) zerolog.Logger {
	return l.root.With().Str("component", name).Logger()
}

// Close closes the log file, if any.
func (l *Logger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.file == nil {
		return nil
	}
	err := l.file.Close()
	l.file = nil
	return err
}

// Files lists log files, newest first.
func (l *Logger) Files() ([]string, error) {
	if l.dir == "" {
		return nil, nil
	}
	entries, err := os.ReadDir(l.dir)
	if err != nil {
		return nil, err
	}

	var files []string
	for _, e := range entries {
		if !e.IsDir() && strings.HasPrefix(e.Name(), filePrefix) && strings.HasSuffix(e.Name(), ".log") {
			files = append(files, filepath.Join(l.dir, e.Name()))
		}
	}
	sort.Sort(sort.Reverse(sort.StringSlice(files)))
	return files, nil
}

func (l *Logger) currentPath() string {
	return filepath.Join(l.dir, filePrefix+time.Now().Format("2006-01-02")+".log")
}

// prune removes log files older than the retention window.
func (l *Logger) prune(retentionDays int) {
	files, err := l.Files()
	if err != nil {
		return
	}
	cutoff := time.Now().AddDate(0, 0, -retentionDays)
	for _, path := range files {
		date := strings.TrimSuffix(strings.TrimPrefix(filepath.Base(path), filePrefix), ".log")
		day, err := time.Parse("2006-01-02", date)
		if err != nil {
			continue
		}
		if day.Before(cutoff) {
			_ = os.Remove(path)
		}
	}
}

// Get returns the process-wide logger, falling back to an info-level
// stderr logger before Init is called.
func Get() *Logger {
	globalMu.RLock()
	defer globalMu.RUnlock()
	if global == nil {
		return &Logger{root: zerolog.New(os.Stderr).Level(zerolog.InfoLevel).With().Timestamp().Logger()}
	}
	return global
}

// Component returns a component logger from the process-wide logger.
func Component(name string) zerolog.Logger {
	return Get().Component(name)
}

// Nop returns a logger that discards everything; used by tests.
func Nop() zerolog.Logger {
	return zerolog.Nop()
}

// ParseLevel maps a level name to a zerolog level. Empty means info.
func ParseLevel(level string) (zerolog.Level, error) {
	switch strings.ToLower(level) {
	case "", "info":
		return zerolog.InfoLevel, nil
	case "debug":
		return zerolog.DebugLevel, nil
	case "warn", "warning":
		return zerolog.WarnLevel, nil
	case "error":
		return zerolog.ErrorLevel, nil
	default:
		return zerolog.InfoLevel, fmt.Errorf("invalid log level: %s", level)
	}
}
