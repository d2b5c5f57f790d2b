package observability

import (
	"log/slog"
	"os"

	"github.com/fairyhunter13/ai-med-transcriber/internal/config"
)

// SetupLogger installs a JSON slog logger tagged with the service identity
// and returns it. Both binaries call this first so every line carries the
// same base fields; dev runs at debug, everything else at info.
func SetupLogger(cfg config.Config, component string) *slog.Logger {
	opts := &slog.HandlerOptions{Level: slog.LevelInfo}
	if cfg.IsDev() {
		opts.Level = slog.LevelDebug
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, opts)).With(
		slog.String("service", cfg.ServiceName),
		slog.String("component", component),
		slog.String("env", cfg.AppEnv),
	)
	slog.SetDefault(logger)
	return logger
}
