// Package logging builds the process-wide zap logger and hands out named
// component loggers. Components are fixed names so log streams can be
// filtered per subsystem (orchestrator, store, watchdog, ...).
package logging

import (
	"fmt"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Component names used across the pipeline.
const (
	ComponentOrchestrator = "orchestrator"
	ComponentStore        = "store"
	ComponentCache        = "cache"
	ComponentBreaker      = "breaker"
	ComponentRetry        = "retry"
	ComponentQuota        = "quota"
	ComponentCoordinator  = "coordinator"
	ComponentWatchdog     = "watchdog"
	ComponentScheduler    = "scheduler"
	ComponentResolver     = "resolver"
	ComponentServer       = "server"
	ComponentProviders    = "providers"
	ComponentScrape       = "scrape"
	ComponentDSI          = "dsi"
)

// New builds the root logger. Level is one of debug, info, warn, error;
// empty defaults to info. JSON output in production form, console when
// devMode is set.
func New(level string, devMode bool) (*zap.Logger, error) {
	cfg := zap.NewProductionConfig()
	if devMode {
		cfg = zap.NewDevelopmentConfig()
	}

	switch level {
	case "", "info":
		cfg.Level = zap.NewAtomicLevelAt(zapcore.InfoLevel)
	case "debug":
		cfg.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
	case "warn":
		cfg.Level = zap.NewAtomicLevelAt(zapcore.WarnLevel)
	case "error":
		cfg.Level = zap.NewAtomicLevelAt(zapcore.ErrorLevel)
	default:
		return nil, fmt.Errorf("unknown log level %q", level)
	}

	logger, err := cfg.Build()
	if err != nil {
		return nil, fmt.Errorf("failed to build logger: %w", err)
	}
	return logger, nil
}

// Named returns a component-scoped child of the root logger.
// A nil root yields a no-op logger, which keeps tests quiet.
func Named(root *zap.Logger, component string) *zap.Logger {
	if root == nil {
		return zap.NewNop()
	}
	return root.Named(component)
}
