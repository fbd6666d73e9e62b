package logging

import (
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/lmittmann/tint"
)

// Init installs a tint console handler as the default slog logger
func Init(level slog.Level, addSource bool) *slog.Logger {
	return InitWriter(os.Stdout, level, addSource)
}

// InitWriter is Init with an explicit destination
func InitWriter(w io.Writer, level slog.Level, addSource bool) *slog.Logger {
	handler := tint.NewHandler(w, &tint.Options{
		Level:       level,
		AddSource:   addSource,
		TimeFormat:  time.RFC3339,
		ReplaceAttr: shortSource,
	})

	logger := slog.New(handler)
	slog.SetDefault(logger)
	return logger
}

// shortSource trims source paths to dir/file.go
func shortSource(_ []string, a slog.Attr) slog.Attr {
	if a.Key != slog.SourceKey {
		return a
	}
	source, ok := a.Value.Any().(*slog.Source)
	if !ok {
		return a
	}
	source.File = filepath.Join(filepath.Base(filepath.Dir(source.File)), filepath.Base(source.File))
	return slog.Any(a.Key, source)
}
