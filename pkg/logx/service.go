package logx

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"

	"chanpost/internal/transport"
)

type Config struct {
	Level    string
	Console  bool
	File     FileConfig
	Telegram TelegramConfig
}

type FileConfig struct {
	Enabled bool
	Path    string
}

const defaultLogFile = "./chanpost.log"

// Service owns the sinks behind every Logger it hands out and rebuilds them
// on Apply.
type Service struct {
	mu   sync.Mutex
	file *os.File
	tg   *telegramSink

	root atomic.Pointer[zerolog.Logger]
}

// New applies cfg right away. sender may be nil and attached later with
// SetSender.
func New(cfg Config, sender transport.Client) (*Service, Logger) {
	s := &Service{tg: newTelegramSink(sender)}
	s.Apply(cfg)
	return s, Logger{svc: s}
}

func (s *Service) current() zerolog.Logger {
	if zl := s.root.Load(); zl != nil {
		return *zl
	}
	return zerolog.Nop()
}

// SetSender attaches the messaging client. Records routed to the telegram
// sink before that are dropped.
func (s *Service) SetSender(c transport.Client) { s.tg.setSender(c) }

// Apply swaps levels and sinks. Safe for concurrent use.
func (s *Service) Apply(cfg Config) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.file != nil {
		_ = s.file.Close()
		s.file = nil
	}

	var writers []io.Writer
	if cfg.Console {
		writers = append(writers, consoleWriter(os.Stdout))
	}
	if cfg.File.Enabled {
		path := strings.TrimSpace(cfg.File.Path)
		if path == "" {
			path = defaultLogFile
		}
		f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
		if err != nil {
			fmt.Fprintf(os.Stderr, "logx: open log file %q: %v\n", path, err)
		} else {
			s.file = f
			writers = append(writers, zerolog.SyncWriter(f))
		}
	}
	s.tg.configure(cfg.Telegram)
	if cfg.Telegram.Enabled {
		writers = append(writers, s.tg)
	}
	if len(writers) == 0 {
		writers = append(writers, consoleWriter(os.Stdout))
	}

	zl := zerolog.New(zerolog.MultiLevelWriter(writers...)).
		Level(parseLevel(cfg.Level, zerolog.InfoLevel)).
		With().Timestamp().Logger()
	s.root.Store(&zl)
}

// Close stops the telegram worker and closes the log file.
func (s *Service) Close() error {
	s.tg.stop()

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.file == nil {
		return nil
	}
	err := s.file.Close()
	s.file = nil
	return err
}
