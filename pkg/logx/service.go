package logx

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

type Config struct {
	Level   string
	Console bool
	File    FileConfig
	Forward ForwardConfig
}

type FileConfig struct {
	Enabled bool
	Path    string
}

// ForwardConfig controls copying warnings and errors to the household chat.
type ForwardConfig struct {
	Enabled    bool
	MinLevel   string
	RatePerSec int
}

// Forwarder delivers one alert text. The notifier implements it.
type Forwarder interface {
	Forward(ctx context.Context, text string) error
}

const (
	defaultLogPath = "./homepi.log"
	forwardTimeout = 10 * time.Second
)

var globalsOnce sync.Once

// Service owns the sinks behind every Logger returned by New.
type Service struct {
	root atomic.Value // zerolog.Logger

	mu        sync.Mutex
	file      *os.File
	forwarder Forwarder
	limiter   *rate.Limiter
	minLevel  zerolog.Level

	alerts     chan string
	alertsOnce sync.Once
	stopAlerts context.CancelFunc
	alertsWG   sync.WaitGroup
}

// New applies cfg and returns the service with its root logger.
func New(cfg Config) (*Service, Logger) {
	globalsOnce.Do(func() {
		zerolog.ErrorFieldName = "err"
		zerolog.TimeFieldFormat = timeFormat
	})

	s := &Service{alerts: make(chan string, 128)}
	s.root.Store(zerolog.New(consoleWriter(os.Stdout)).With().Timestamp().Logger())
	s.Apply(cfg)
	return s, Logger{svc: s}
}

func (s *Service) current() zerolog.Logger {
	zl, ok := s.root.Load().(zerolog.Logger)
	if !ok {
		return zerolog.Nop()
	}
	return zl
}

// SetForwarder attaches the alert sink; nil detaches it.
func (s *Service) SetForwarder(f Forwarder) {
	s.mu.Lock()
	s.forwarder = f
	s.mu.Unlock()
}

// Close stops alert delivery and closes the log file.
func (s *Service) Close() error {
	s.mu.Lock()
	f := s.file
	s.file = nil
	stop := s.stopAlerts
	s.stopAlerts = nil
	s.mu.Unlock()

	if stop != nil {
		stop()
		s.alertsWG.Wait()
	}
	if f != nil {
		return f.Close()
	}
	return nil
}

// Apply rebuilds the sinks for cfg. Existing Logger values pick up the change.
func (s *Service) Apply(cfg Config) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.minLevel = parseLevel(cfg.Forward.MinLevel, zerolog.WarnLevel)
	rps := max(1, cfg.Forward.RatePerSec)
	s.limiter = rate.NewLimiter(rate.Limit(rps), rps)

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
			path = defaultLogPath
		}
		f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
		if err != nil {
			fmt.Fprintf(os.Stderr, "logx: open %q: %v\n", path, err)
		} else {
			s.file = f
			writers = append(writers, zerolog.SyncWriter(f))
		}
	}
	if cfg.Forward.Enabled {
		s.alertsOnce.Do(s.startAlerts)
		writers = append(writers, &alertWriter{svc: s})
	}
	if len(writers) == 0 {
		writers = append(writers, consoleWriter(os.Stdout))
	}

	lvl := parseLevel(cfg.Level, zerolog.InfoLevel)
	s.root.Store(zerolog.New(zerolog.MultiLevelWriter(writers...)).Level(lvl).With().Timestamp().Logger())
}

func consoleWriter(w io.Writer) io.Writer {
	return zerolog.ConsoleWriter{
		Out:        w,
		TimeFormat: timeFormat,
		FormatCaller: func(i any) string {
			s, _ := i.(string)
			return s
		},
	}
}

// startAlerts runs with s.mu held.
func (s *Service) startAlerts() {
	ctx, cancel := context.WithCancel(context.Background())
	s.stopAlerts = cancel
	s.alertsWG.Add(1)
	go func() {
		defer s.alertsWG.Done()
		for {
			select {
			case <-ctx.Done():
				return
			case text := <-s.alerts:
				s.mu.Lock()
				f := s.forwarder
				s.mu.Unlock()
				if f == nil {
					continue
				}
				fctx, cancel := context.WithTimeout(ctx, forwardTimeout)
				_ = f.Forward(fctx, text)
				cancel()
			}
		}
	}()
}
