package logx

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"
)

type Config struct {
	Level   string
	Console bool
	// JSON switches stdout to raw JSON lines (container deployments).
	JSON bool
	File FileConfig
}

type FileConfig struct {
	Enabled bool
	Path    string
}

const (
	consoleTimeFormat = "2006-01-02T15:04:05.000Z07:00"
	defaultLogFile    = "./wagate.log"
)

func init() {
	zerolog.ErrorFieldName = "err"
	zerolog.TimeFieldFormat = consoleTimeFormat
}

// Service owns the process-wide sinks. Loggers derived from it pick up a new
// level or output on the next call after Apply.
type Service struct {
	mu       sync.Mutex
	file     *os.File
	filePath string

	root atomic.Pointer[zerolog.Logger]
}

// New applies cfg immediately and returns the Service with its root Logger.
func New(cfg Config) (*Service, Logger) {
	s := &Service{}
	s.Apply(cfg)
	return s, Logger{svc: s}
}

func (s *Service) current() zerolog.Logger {
	if zl := s.root.Load(); zl != nil {
		return *zl
	}
	return zerolog.Nop()
}

func (s *Service) Logger() Logger { return Logger{svc: s} }

func (s *Service) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closeFileLocked()
}

func (s *Service) closeFileLocked() error {
	f := s.file
	s.file, s.filePath = nil, ""
	if f == nil {
		return nil
	}
	return f.Close()
}

// Apply swaps outputs and level at runtime. The log file is reopened only
// when its path changes. Safe to call concurrently.
func (s *Service) Apply(cfg Config) {
	s.mu.Lock()
	defer s.mu.Unlock()

	writers := make([]io.Writer, 0, 2)
	switch {
	case cfg.JSON:
		writers = append(writers, Stdout())
	case cfg.Console:
		writers = append(writers, newConsoleWriter(Stdout()))
	}

	if cfg.File.Enabled {
		path := strings.TrimSpace(cfg.File.Path)
		if path == "" {
			path = defaultLogFile
		}
		if err := s.openFileLocked(path); err != nil {
			fmt.Fprintf(Stderr(), "logx: %v\n", err)
		}
	} else {
		_ = s.closeFileLocked()
	}
	if s.file != nil {
		writers = append(writers, zerolog.SyncWriter(s.file))
	}
	if len(writers) == 0 {
		writers = append(writers, newConsoleWriter(Stdout()))
	}

	zl := newRoot(zerolog.MultiLevelWriter(writers...), parseLevel(cfg.Level, zerolog.InfoLevel))
	s.root.Store(&zl)
}

func (s *Service) openFileLocked(path string) error {
	if s.file != nil && s.filePath == path {
		return nil
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create log dir %q: %w", dir, err)
		}
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open log file %q: %w", path, err)
	}
	_ = s.closeFileLocked()
	s.file, s.filePath = f, path
	return nil
}

func newRoot(w io.Writer, level zerolog.Level) zerolog.Logger {
	return zerolog.New(w).Level(level).With().Timestamp().Logger()
}

func newConsoleWriter(w io.Writer) io.Writer {
	return zerolog.ConsoleWriter{
		Out:        w,
		TimeFormat: consoleTimeFormat,
		FormatCaller: func(i any) string {
			s, _ := i.(string)
			return s
		},
	}
}

// parseLevel accepts zerolog names plus "warning"; anything else is def.
func parseLevel(s string, def zerolog.Level) zerolog.Level {
	s = strings.ToLower(strings.TrimSpace(s))
	if s == "warning" {
		return zerolog.WarnLevel
	}
	if s == "" {
		return def
	}
	lvl, err := zerolog.ParseLevel(s)
	if err != nil || lvl == zerolog.NoLevel {
		return def
	}
	return lvl
}

func Stdout() io.Writer { return os.Stdout }
func Stderr() io.Writer { return os.Stderr }
