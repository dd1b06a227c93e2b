// Package logging provides a structured logging wrapper around zap, with
// file rotation via lumberjack and an optional async write path.
package logging

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Config holds logger configuration.
type Config struct {
	Level       string `yaml:"level"`        // debug, info, warn, error
	Format      string `yaml:"format"`       // json or console
	Output      string `yaml:"output"`       // file path, or "stdout"/"stderr"
	MaxSize     int    `yaml:"max_size"`     // megabytes before rotation
	MaxBackups  int    `yaml:"max_backups"`  // old files retained
	MaxAge      int    `yaml:"max_age"`      // days retained
	Compress    bool   `yaml:"compress"`     // gzip rotated files
	Async       bool   `yaml:"async"`        // buffer writes off the hot path
	Development bool   `yaml:"development"`  // stack traces, colorized level
}

// DefaultConfig returns sane defaults for a fleet running unattended.
func DefaultConfig() Config {
	return Config{
		Level:      "info",
		Format:     "console",
		Output:     "stdout",
		MaxSize:    100,
		MaxBackups: 5,
		MaxAge:     30,
		Compress:   true,
	}
}

// New builds a *zap.Logger from cfg. The caller owns the returned logger and
// should call Sync before process exit.
func New(cfg Config) (*zap.Logger, error) {
	level, err := parseLevel(cfg.Level)
	if err != nil {
		return nil, fmt.Errorf("logging: %w", err)
	}

	ec := zapcore.EncoderConfig{
		TimeKey:        "timestamp",
		LevelKey:       "level",
		NameKey:        "logger",
		CallerKey:      "caller",
		FunctionKey:    zapcore.OmitKey,
		MessageKey:     "msg",
		StacktraceKey:  "stacktrace",
		LineEnding:     zapcore.DefaultLineEnding,
		EncodeLevel:    zapcore.LowercaseLevelEncoder,
		EncodeTime:     zapcore.ISO8601TimeEncoder,
		EncodeDuration: zapcore.MillisDurationEncoder,
		EncodeCaller:   zapcore.ShortCallerEncoder,
	}
	if cfg.Development {
		ec.EncodeLevel = zapcore.CapitalColorLevelEncoder
		ec.EncodeCaller = zapcore.FullCallerEncoder
	}

	var encoder zapcore.Encoder
	switch strings.ToLower(cfg.Format) {
	case "json":
		encoder = zapcore.NewJSONEncoder(ec)
	case "", "console":
		encoder = zapcore.NewConsoleEncoder(ec)
	default:
		return nil, fmt.Errorf("logging: invalid format %q", cfg.Format)
	}

	ws, err := newWriteSyncer(cfg)
	if err != nil {
		return nil, fmt.Errorf("logging: %w", err)
	}

	var core zapcore.Core = zapcore.NewCore(encoder, ws, level)
	if cfg.Async {
		core = newAsyncCore(core, 1024)
	}

	opts := []zap.Option{zap.AddCaller(), zap.AddCallerSkip(1)}
	if cfg.Development {
		opts = append(opts, zap.Development())
	}
	return zap.New(core, opts...), nil
}

// NewDefault returns a best-effort logger that never fails to construct.
func NewDefault() *zap.Logger {
	l, err := New(DefaultConfig())
	if err != nil {
		l, _ = zap.NewProduction()
	}
	return l
}

func parseLevel(level string) (zapcore.Level, error) {
	switch strings.ToLower(level) {
	case "", "info":
		return zapcore.InfoLevel, nil
	case "debug":
		return zapcore.DebugLevel, nil
	case "warn", "warning":
		return zapcore.WarnLevel, nil
	case "error":
		return zapcore.ErrorLevel, nil
	default:
		return zapcore.InfoLevel, fmt.Errorf("unknown level %q", level)
	}
}

func newWriteSyncer(cfg Config) (zapcore.WriteSyncer, error) {
	switch strings.ToLower(cfg.Output) {
	case "", "stdout":
		return zapcore.AddSync(os.Stdout), nil
	case "stderr":
		return zapcore.AddSync(os.Stderr), nil
	default:
		if dir := filepath.Dir(cfg.Output); dir != "." {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, fmt.Errorf("create log directory: %w", err)
			}
		}
		lj := &lumberjack.Logger{
			Filename:   cfg.Output,
			MaxSize:    cfg.MaxSize,
			MaxBackups: cfg.MaxBackups,
			MaxAge:     cfg.MaxAge,
			Compress:   cfg.Compress,
			LocalTime:  true,
		}
		return zapcore.AddSync(lj), nil
	}
}

// asyncCore decouples zap's Write call from the underlying sink so a slow
// disk never blocks an Instance loop mid-attempt. Entries are dropped (not
// blocked on) when the buffer is full, matching the teacher's fallback: a
// saturated async logger degrades to lossy rather than stalling voting.
type asyncCore struct {
	zapcore.Core
	entries chan asyncEntry
	stopCh  chan struct{}
	wg      sync.WaitGroup
}

type asyncEntry struct {
	entry  zapcore.Entry
	fields []zapcore.Field
}

func newAsyncCore(core zapcore.Core, bufferSize int) *asyncCore {
	c := &asyncCore{
		Core:    core,
		entries: make(chan asyncEntry, bufferSize),
		stopCh:  make(chan struct{}),
	}
	c.wg.Add(1)
	go c.run()
	return c
}

func (c *asyncCore) run() {
	defer c.wg.Done()
	for {
		select {
		case e := <-c.entries:
			c.writeSync(e)
		case <-c.stopCh:
			for {
				select {
				case e := <-c.entries:
					c.writeSync(e)
				default:
					return
				}
			}
		}
	}
}

func (c *asyncCore) writeSync(e asyncEntry) {
	if ce := c.Core.Check(e.entry, nil); ce != nil {
		ce.Write(e.fields...)
	}
}

func (c *asyncCore) Write(entry zapcore.Entry, fields []zapcore.Field) error {
	select {
	case c.entries <- asyncEntry{entry, fields}:
		return nil
	default:
		return c.Core.Write(entry, fields)
	}
}

func (c *asyncCore) Sync() error {
	select {
	case <-c.stopCh:
	default:
		close(c.stopCh)
		c.wg.Wait()
	}
	return c.Core.Sync()
}
