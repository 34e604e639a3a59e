package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"

	"github.com/aleksa2808/ascii-bomb-ecs-mp/internal/telemetry"
	"github.com/aleksa2808/ascii-bomb-ecs-mp/logging"
	loggingSinks "github.com/aleksa2808/ascii-bomb-ecs-mp/logging/sinks"
)

// eventRouter owns the logging router and whatever files its sinks write to.
type eventRouter struct {
	*logging.Router
	files []io.Closer
}

func newEventRouter(cfg LogConfig, console io.Writer, logger telemetry.Logger, extra []logging.NamedSink) (*eventRouter, error) {
	logCfg, err := cfg.logging()
	if err != nil {
		return nil, err
	}

	fallbackLogger := log.Default()
	if provider, ok := logger.(interface{ StandardLogger() *log.Logger }); ok {
		if candidate := provider.StandardLogger(); candidate != nil {
			fallbackLogger = candidate
		}
	}

	var (
		named []logging.NamedSink
		files []io.Closer
	)
	if logCfg.HasSink("console") {
		named = append(named, logging.NamedSink{Name: "console", Sink: loggingSinks.NewConsole(console)})
	}
	if logCfg.HasSink("json") {
		if logCfg.JSON.FilePath == "" {
			return nil, fmt.Errorf("json log sink enabled without ARENA_LOG_JSON_PATH")
		}
		if err := os.MkdirAll(filepath.Dir(logCfg.JSON.FilePath), 0o755); err != nil {
			return nil, fmt.Errorf("create log directory: %w", err)
		}
		f, err := os.OpenFile(logCfg.JSON.FilePath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, fmt.Errorf("open json log: %w", err)
		}
		files = append(files, f)
		named = append(named, logging.NamedSink{Name: "json", Sink: loggingSinks.NewJSON(f, logCfg.JSON.FlushInterval)})
	}
	named = append(named, extra...)

	return &eventRouter{
		Router: logging.NewRouter(logging.SystemClock{}, logCfg, fallbackLogger, named),
		files:  files,
	}, nil
}

// Close drains the router and then closes the files behind its sinks.
func (r *eventRouter) Close(ctx context.Context) error {
	if r == nil {
		return nil
	}
	errs := []error{r.Router.Close(ctx)}
	for _, f := range r.files {
		errs = append(errs, f.Close())
	}
	return errors.Join(errs...)
}
