package logx

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"
)

const defaultLogFile = "./tickhost.log"

type Config struct {
	Level   string
	Console bool
	File    FileConfig
}

type FileConfig struct {
	Enabled bool
	Path    string
}

// Service owns the process log sinks and lets Apply swap them while
// Loggers handed out earlier keep working.
type Service struct {
	mu   sync.Mutex // serializes Apply and Close
	file *os.File
	cur  atomic.Pointer[core]
}

// New builds the Service from cfg and returns it with its root Logger.
func New(cfg Config) (*Service, Logger) {
	s := &Service{}
	s.Apply(cfg)
	return s, s.Logger()
}

func (s *Service) Logger() Logger { return Logger{svc: s} }

func (s *Service) load() *core {
	if c := s.cur.Load(); c != nil {
		return c
	}
	return nopCore
}

// Apply rebuilds the sinks. When the log file cannot be opened the error
// goes to stderr and the remaining sinks are kept; with no sink left the
// console is used.
func (s *Service) Apply(cfg Config) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var sinks []io.Writer
	if cfg.Console {
		sinks = append(sinks, consoleWriter(os.Stdout))
	}
	var file *os.File
	if cfg.File.Enabled {
		path := strings.TrimSpace(cfg.File.Path)
		if path == "" {
			path = defaultLogFile
		}
		f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
		if err != nil {
			fmt.Fprintf(os.Stderr, "logx: open %q: %v\n", path, err)
		} else {
			file = f
			sinks = append(sinks, zerolog.SyncWriter(f))
		}
	}
	if len(sinks) == 0 {
		sinks = append(sinks, consoleWriter(os.Stdout))
	}

	s.cur.Store(newCore(zerolog.MultiLevelWriter(sinks...), ParseLevel(cfg.Level)))
	old := s.file
	s.file = file
	if old != nil {
		_ = old.Close()
	}
}

func (s *Service) Close() error {
	s.mu.Lock()
	f := s.file
	s.file = nil
	s.mu.Unlock()
	if f == nil {
		return nil
	}
	return f.Close()
}
