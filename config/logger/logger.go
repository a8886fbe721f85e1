// Package logger provides zap logger implimentation logic.
package logger

import (
	"fmt"
	"io"
	"os"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	config "github.com/crabzie/agent-orchestrator/config/utils"
	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
)

// atomicLevel is logger log level invariant
var atomicLevel = zap.NewAtomicLevel()

// Build sets up the base logger of a node: records below error go to stdout, the rest
// to stderr. Every record carries the node id. The level follows logger.level in the
// watched config file.
func Build(cfg *config.Logger, nodeID string) (*zap.Logger, error) {
	return build(cfg, nodeID, os.Stdout, os.Stderr, true)
}

func build(cfg *config.Logger, nodeID string, stdout, stderr io.Writer, watch bool) (*zap.Logger, error) {
	level, err := zap.ParseAtomicLevel(cfg.Level)
	if err != nil {
		return nil, fmt.Errorf("parse logger level %q: %w", cfg.Level, err)
	}
	atomicLevel.SetLevel(level.Level())

	// create encoder
	encoder := zapcore.NewJSONEncoder(cfg.EncoderConfig)
	if cfg.Encoding == "console" {
		encoder = zapcore.NewConsoleEncoder(cfg.EncoderConfig)
	}

	// Level filters
	highPriority := zap.LevelEnablerFunc(func(lvl zapcore.Level) bool {
		return lvl >= zapcore.ErrorLevel
	})
	lowPriority := zap.LevelEnablerFunc(func(lvl zapcore.Level) bool {
		return atomicLevel.Enabled(lvl) && lvl < zapcore.ErrorLevel
	})

	infoCore := zapcore.NewCore(encoder, zapcore.AddSync(stdout), lowPriority)
	errorCore := zapcore.NewCore(encoder, zapcore.AddSync(stderr), highPriority)

	opts := []zap.Option{zap.AddCaller()}
	if cfg.Development {
		opts = append(opts, zap.Development())
	}
	if !cfg.DisableStacktrace {
		opts = append(opts, zap.AddStacktrace(zapcore.ErrorLevel))
	}
	if nodeID != "" {
		opts = append(opts, zap.Fields(zap.String("node_id", nodeID)))
	}

	logger := zap.New(zapcore.NewTee(infoCore, errorCore), opts...)
	zap.ReplaceGlobals(logger)

	if watch && viper.ConfigFileUsed() != "" {
		viper.OnConfigChange(func(in fsnotify.Event) {
			if in.Op&(fsnotify.Create) == 0 {
				SetLevel(viper.GetString("logger.level"))
			}
		})
		viper.WatchConfig()
	}
	return logger, nil
}

// SetLevel changes logger level dynamically
func SetLevel(level string) {
	l, err := zapcore.ParseLevel(level)
	if err != nil {
		zap.L().Error("Couldn't parse level", zap.Error(err))
		return
	}
	if l == atomicLevel.Level() {
		return
	}
	zap.L().Info("Atomic level updated", zap.String("value", level))
	atomicLevel.SetLevel(l)
}

// Level returns the current level
func Level() zapcore.Level {
	return atomicLevel.Level()
}
