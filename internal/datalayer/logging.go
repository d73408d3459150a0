package datalayer

import (
	"fmt"
	"os"

	"github.com/vitalog/datalayer/internal/config"
	"github.com/vitalog/datalayer/pkg/utils"
)

// NewLogger builds the process logger from the global settings. Debug forces
// DEBUG level.
func NewLogger(cfg config.GlobalConfig) (*utils.StructuredLogger, error) {
	level, err := utils.ParseLogLevel(cfg.LogLevel)
	if err != nil {
		return nil, err
	}
	if cfg.Debug {
		level = utils.DEBUG
	}
	format, err := utils.ParseLogFormat(cfg.LogFormat)
	if err != nil {
		return nil, err
	}

	logger, err := utils.NewStructuredLogger(&utils.StructuredLoggerConfig{
		Level:  level,
		Output: os.Stderr,
		Format: format,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create logger: %w", err)
	}
	return logger, nil
}
