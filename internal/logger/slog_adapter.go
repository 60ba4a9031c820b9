package logger

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"gopkg.in/natefinch/lumberjack.v2"
)

// SlogLogger slog 實作，所有訊息與參數先經過 Sanitizer
type SlogLogger struct {
	logger    *slog.Logger
	sanitizer *Sanitizer

	// owned is nil for loggers derived through With; only the root closes writers
	owned []io.Closer
}

// NewSlogLogger 建立新的 slog logger
func NewSlogLogger(config Config) (*SlogLogger, error) {
	var writers []io.Writer
	var owned []io.Closer

	for _, output := range config.Outputs {
		switch output.Type {
		case OutputStdout, OutputStderr:
			w := output.Writer
			if w == nil {
				w = os.Stdout
				if output.Type == OutputStderr {
					w = os.Stderr
				}
			} else if c, ok := w.(io.Closer); ok && !isStdStream(w) {
				owned = append(owned, c)
			}
			writers = append(writers, w)
		case OutputFile:
			if !config.File.Enabled {
				continue
			}
			fw, err := newFileWriter(config.File)
			if err != nil {
				return nil, fmt.Errorf("failed to create file writer: %w", err)
			}
			writers = append(writers, fw)
			owned = append(owned, fw)
		}
	}

	if len(writers) == 0 {
		writers = append(writers, os.Stderr)
	}

	out := io.MultiWriter(writers...)
	opts := &slog.HandlerOptions{Level: config.Level.slogLevel()}

	var handler slog.Handler
	if config.Format == FormatJSON {
		handler = slog.NewJSONHandler(out, opts)
	} else {
		handler = slog.NewTextHandler(out, opts)
	}

	return &SlogLogger{
		logger:    slog.New(handler),
		sanitizer: NewSanitizer(),
		owned:     owned,
	}, nil
}

func isStdStream(w io.Writer) bool {
	return w == os.Stdout || w == os.Stderr
}

// newFileWriter 建立 lumberjack rotating writer
func newFileWriter(config FileConfig) (io.WriteCloser, error) {
	if config.Path == "" {
		return nil, fmt.Errorf("log file path cannot be empty")
	}

	if err := os.MkdirAll(filepath.Dir(config.Path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create log directory: %w", err)
	}

	return &lumberjack.Logger{
		Filename:   config.Path,
		MaxSize:    config.MaxSizeMB,
		MaxAge:     config.MaxAgeDays,
		MaxBackups: config.MaxBackups,
		Compress:   config.Compress,
	}, nil
}

func (l *SlogLogger) log(level slog.Level, msg string, args []any) {
	l.logger.Log(context.Background(), level, l.sanitizer.Sanitize(msg), l.sanitizer.SanitizeArgs(args)...)
}

// Debug 記錄 debug 級別日誌
func (l *SlogLogger) Debug(msg string, args ...any) { l.log(slog.LevelDebug, msg, args) }

// Info 記錄 info 級別日誌
func (l *SlogLogger) Info(msg string, args ...any) { l.log(slog.LevelInfo, msg, args) }

// Warn 記錄 warn 級別日誌
func (l *SlogLogger) Warn(msg string, args ...any) { l.log(slog.LevelWarn, msg, args) }

// Error 記錄 error 級別日誌
func (l *SlogLogger) Error(msg string, args ...any) { l.log(slog.LevelError, msg, args) }

// With 建立帶 context 的子 logger
// 子 logger 不擁有 writers，避免重複關閉
func (l *SlogLogger) With(args ...any) Logger {
	return &SlogLogger{
		logger:    l.logger.With(l.sanitizer.SanitizeArgs(args)...),
		sanitizer: l.sanitizer,
	}
}

// Sync is a no-op; lumberjack writes through on every call
func (l *SlogLogger) Sync() error {
	return nil
}

// Shutdown 關閉所有自有 writers
func (l *SlogLogger) Shutdown() error {
	var lastErr error
	for _, c := range l.owned {
		if err := c.Close(); err != nil {
			lastErr = err
		}
	}
	l.owned = nil
	return lastErr
}
