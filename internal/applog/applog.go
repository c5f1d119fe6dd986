// Package applog sets up the relay's structured log: a daily file under the
// log directory, optionally mirrored to another writer in developer mode.
package applog

import (
	"fmt"
	"io"
	"log"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"
)

const (
	FilePrefix = "prd-relay"
	keepDays   = 7
)

// DailyRotator writes to <prefix>-YYYY-MM-DD.log and starts a new file each
// calendar day, keeping at most maxDays files.
type DailyRotator struct {
	mu      sync.Mutex
	dir     string
	prefix  string
	date    string
	file    *os.File
	maxDays int
	now     func() time.Time
}

func NewDailyRotator(dir, prefix string, maxDays int) *DailyRotator {
	return &DailyRotator{
		dir:     dir,
		prefix:  prefix,
		maxDays: maxDays,
		now:     time.Now,
	}
}

// SetNow replaces the time source. Used in tests only.
func (r *DailyRotator) SetNow(fn func() time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.now = fn
}

func (r *DailyRotator) Write(p []byte) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	today := r.now().Format("2006-01-02")
	if today != r.date {
		if err := r.rotate(today); err != nil {
			return 0, err
		}
	}
	return r.file.Write(p)
}

// Path returns the file the next write on the current day goes to.
func (r *DailyRotator) Path() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.fileName(r.now().Format("2006-01-02"))
}

func (r *DailyRotator) fileName(date string) string {
	return filepath.Join(r.dir, r.prefix+"-"+date+".log")
}

func (r *DailyRotator) rotate(date string) error {
	if r.file != nil {
		r.file.Close()
		r.file = nil
	}
	f, err := os.OpenFile(r.fileName(date), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return err
	}
	r.file = f
	r.date = date
	r.prune()
	return nil
}

func (r *DailyRotator) prune() {
	matches, err := filepath.Glob(filepath.Join(r.dir, r.prefix+"-*.log"))
	if err != nil || len(matches) <= r.maxDays {
		return
	}
	sort.Strings(matches)
	for _, f := range matches[:len(matches)-r.maxDays] {
		os.Remove(f)
	}
}

func (r *DailyRotator) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.file != nil {
		err := r.file.Close()
		r.file = nil
		return err
	}
	return nil
}

type InitConfig struct {
	LogDir   string
	LogLevel string
	// Mirror, when set, receives a copy of every record. Developer mode
	// points it at stderr.
	Mirror io.Writer
}

// Init redirects slog.Default and the stdlib log package to a daily file in
// cfg.LogDir. The returned rotator must be closed by the caller.
func Init(cfg InitConfig) (*slog.Logger, *DailyRotator, error) {
	if err := os.MkdirAll(cfg.LogDir, 0755); err != nil {
		return nil, nil, fmt.Errorf("create log dir: %w", err)
	}
	rotator := NewDailyRotator(cfg.LogDir, FilePrefix, keepDays)
	var out io.Writer = rotator
	if cfg.Mirror != nil {
		out = io.MultiWriter(rotator, cfg.Mirror)
	}
	handler := slog.NewTextHandler(out, &slog.HandlerOptions{Level: ParseLevel(cfg.LogLevel)})
	logger := slog.New(handler)
	slog.SetDefault(logger)
	log.SetOutput(out)
	log.SetFlags(0)
	return logger, rotator, nil
}

// ParseLevel converts a level string to slog.Level. Defaults to LevelInfo.
func ParseLevel(s string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
