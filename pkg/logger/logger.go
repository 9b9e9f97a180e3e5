// Package logger provides a standardized, high-performance logging setup
// for the transaction manager, built on top of Zap.
package logger

import (
	"os"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Config holds all the configuration for the logger.
type Config struct {
	// Level sets the minimum log level (e.g., "debug", "info", "warn", "error").
	Level string `yaml:"level"`
	// Format specifies the log output format ("json" or "console").
	Format string `yaml:"format"`
	// OutputFile specifies the file to write logs to. "stdout" or "stderr"
	// can be used to log to the console.
	OutputFile string `yaml:"output_file"`
	// MaxSizeMB rotates the log file once it grows past this size. Only
	// used when logging to a file.
	MaxSizeMB int `yaml:"max_size_mb"`
	// MaxBackups bounds how many rotated files are kept.
	MaxBackups int `yaml:"max_backups"`
}

// New creates a new zap.Logger based on the provided configuration.
// It's designed to be called once at application startup.
func New(config Config) (*zap.Logger, error) {
	logLevel := zap.NewAtomicLevel()
	if err := logLevel.UnmarshalText([]byte(config.Level)); err != nil {
		logLevel.SetLevel(zap.InfoLevel)
	}

	writeSyncer := getWriteSyncer(config)
	encoder := getEncoder(config.Format)
	core := zapcore.NewCore(encoder, writeSyncer, logLevel)

	logger := zap.New(core, zap.AddCaller()).
		WithOptions(zap.Fields(zap.String("service", "btm")))

	return logger, nil
}

// getEncoder selects the log encoder based on the configured format.
func getEncoder(format string) zapcore.Encoder {
	encoderConfig := zap.NewProductionEncoderConfig()
	encoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	encoderConfig.EncodeLevel = zapcore.CapitalLevelEncoder

	if strings.ToLower(format) == "console" {
		return zapcore.NewConsoleEncoder(encoderConfig)
	}
	return zapcore.NewJSONEncoder(encoderConfig)
}

// getWriteSyncer selects the output destination for the logs. File output
// rotates by size.
func getWriteSyncer(config Config) zapcore.WriteSyncer {
	switch strings.ToLower(config.OutputFile) {
	case "stdout", "":
		return zapcore.Lock(zapcore.AddSync(os.Stdout))
	case "stderr":
		return zapcore.Lock(zapcore.AddSync(os.Stderr))
	default:
		maxSize := config.MaxSizeMB
		if maxSize <= 0 {
			maxSize = 100
		}
		maxBackups := config.MaxBackups
		if maxBackups <= 0 {
			maxBackups = 3
		}
		return zapcore.AddSync(&lumberjack.Logger{
			Filename:   config.OutputFile,
			MaxSize:    maxSize,
			MaxBackups: maxBackups,
		})
	}
}
