// Package logging provides zap logger helpers.
package logging

import (
	"fmt"
	"os"
	"path/filepath"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config selects the encoder and optional log file.
type Config struct {
	Development bool
	// Dir, when set, receives a copy of every entry in <Dir>/<Name>.log.
	Dir  string
	Name string
}

// New builds a zap.Logger configured for development or production.
func New(cfg Config) (*zap.Logger, error) {
	var zcfg zap.Config
	if cfg.Development {
		zcfg = zap.NewDevelopmentConfig()
		zcfg.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	} else {
		zcfg = zap.NewProductionConfig()
		zcfg.DisableStacktrace = false
	}
	zcfg.EncoderConfig.TimeKey = "ts"

	if cfg.Dir != "" {
		path, err := FilePath(cfg)
		if err != nil {
			return nil, err
		}
		if err := os.MkdirAll(cfg.Dir, 0o750); err != nil {
			return nil, fmt.Errorf("create log dir %s: %w", cfg.Dir, err)
		}
		zcfg.OutputPaths = append(zcfg.OutputPaths, path)
		// Keep escape codes out of the file.
		if cfg.Development {
			zcfg.EncoderConfig.EncodeLevel = zapcore.CapitalLevelEncoder
		}
	}

	logger, err := zcfg.Build()
	if err != nil {
		return nil, fmt.Errorf("build logger: %w", err)
	}
	if cfg.Name != "" {
		logger = logger.Named(cfg.Name)
	}
	return logger, nil
}

// FilePath returns the log file used for cfg.
func FilePath(cfg Config) (string, error) {
	if cfg.Name == "" {
		return "", fmt.Errorf("log name is required with a log dir")
	}
	return filepath.Join(cfg.Dir, cfg.Name+".log"), nil
}
