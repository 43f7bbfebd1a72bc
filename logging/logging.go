package logging

import (
	"bytes"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"

	"lautenbacher.net/autolight/config"
)

// sink is the writer behind the default logger. While holding, records
// collect in held until a display is attached; file gets a copy of
// every record regardless.
type sink struct {
	mu      sync.Mutex
	held    bytes.Buffer
	out     io.Writer
	file    io.WriteCloser
	holding bool
}

func (s *sink) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var outErr, fileErr error
	switch {
	case s.holding:
		s.held.Write(p)
	case s.out != nil:
		_, outErr = s.out.Write(p)
	}
	if s.file != nil {
		_, fileErr = s.file.Write(p)
	}
	if outErr != nil {
		return len(p), outErr
	}
	return len(p), fileErr
}

// attach flushes held records to w and makes w the live output.
func (s *sink) attach(w io.Writer) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.held.Len() > 0 {
		if _, err := w.Write(s.held.Bytes()); err != nil {
			return err
		}
		s.held.Reset()
	}
	s.out = w
	s.holding = false
	return nil
}

func (s *sink) detach() {
	s.mu.Lock()
	s.out = nil
	s.holding = true
	s.mu.Unlock()
}

// close dumps records nobody has seen to stderr and closes the file.
func (s *sink) close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var err error
	if s.holding && s.held.Len() > 0 {
		_, err = os.Stderr.Write(s.held.Bytes())
	}
	s.held.Reset()

	if s.file != nil {
		if cerr := s.file.Close(); cerr != nil && err == nil {
			err = cerr
		}
		s.file = nil
	}
	return err
}

var (
	out   = &sink{out: os.Stderr}
	level = new(slog.LevelVar)
)

// Init installs the default slog logger for cfg. With hold set, output
// is kept back until SetOutput names a target (the TUI log pane),
// otherwise it goes to stderr. A configured file receives everything.
func Init(cfg config.LogConfig, hold bool) error {
	s := &sink{holding: hold}
	if !hold {
		s.out = os.Stderr
	}
	if cfg.File != "" {
		f, err := os.OpenFile(cfg.File, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o666)
		if err != nil {
			return err
		}
		s.file = f
	}
	out = s

	level.Set(ParseLevel(cfg.Level))
	opts := &slog.HandlerOptions{Level: level}
	var h slog.Handler = slog.NewTextHandler(s, opts)
	if strings.EqualFold(cfg.Format, "json") {
		h = slog.NewJSONHandler(s, opts)
	}
	slog.SetDefault(slog.New(h))
	return nil
}

// ParseLevel maps DEBUG, INFO, WARN and ERROR to slog levels. Anything
// else is INFO.
func ParseLevel(name string) slog.Level {
	var l slog.Level
	if err := l.UnmarshalText([]byte(strings.ToUpper(name))); err != nil {
		return slog.LevelInfo
	}
	return l
}

// SetLevel changes the level of the running logger.
func SetLevel(name string) {
	level.Set(ParseLevel(name))
}

// SetOutput flushes held records to w and logs live to it from now on.
func SetOutput(w io.Writer) error {
	return out.attach(w)
}

// BufferOutput stops live logging and holds records again.
func BufferOutput() {
	out.detach()
}

// Close writes still held records to stderr and closes the log file.
// The file already has a copy of them.
func Close() error {
	return out.close()
}
