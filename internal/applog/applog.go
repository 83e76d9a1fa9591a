// Package applog builds the process-wide zap logger.
package applog

import (
	"fmt"
	"os"

	waLog "go.mau.fi/whatsmeow/util/log"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"

	"livecast/internal/config"
)

// Init builds the logger described by cfg and installs it as the zap global.
func Init(cfg config.LogConfig) (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return nil, fmt.Errorf("log level: %w", err)
	}

	var zapConfig zap.Config
	if cfg.Mode == "production" {
		zapConfig = zap.NewProductionConfig()
	} else {
		zapConfig = zap.NewDevelopmentConfig()
	}
	zapConfig.Level = zap.NewAtomicLevelAt(level)
	zapConfig.OutputPaths = []string{"stdout"}

	var logger *zap.Logger
	if cfg.FileEnable {
		rotator := &lumberjack.Logger{
			Filename:   cfg.Filename,
			MaxSize:    64,
			MaxBackups: 7,
			MaxAge:     7,
		}
		core := zapcore.NewTee(
			zapcore.NewCore(
				zapcore.NewJSONEncoder(zap.NewProductionEncoderConfig()),
				zapcore.AddSync(rotator),
				zapConfig.Level,
			),
			zapcore.NewCore(
				zapcore.NewConsoleEncoder(zap.NewDevelopmentEncoderConfig()),
				zapcore.AddSync(os.Stdout),
				zapConfig.Level,
			),
		)
		logger = zap.New(core, zap.AddCaller())
	} else {
		logger, err = zapConfig.Build(zap.AddCaller())
		if err != nil {
			return nil, err
		}
	}

	zap.ReplaceGlobals(logger)
	return logger, nil
}

// waLogger routes whatsmeow's internal logging into zap.
type waLogger struct {
	s *zap.SugaredLogger
}

// WA returns a whatsmeow logger that writes to l under the given module name.
func WA(l *zap.Logger, module string) waLog.Logger {
	return &waLogger{s: l.Named(module).WithOptions(zap.AddCallerSkip(1)).Sugar()}
}

func (w *waLogger) Errorf(msg string, args ...interface{}) { w.s.Errorf(msg, args...) }
func (w *waLogger) Warnf(msg string, args ...interface{})  { w.s.Warnf(msg, args...) }
func (w *waLogger) Infof(msg string, args ...interface{})  { w.s.Infof(msg, args...) }
func (w *waLogger) Debugf(msg string, args ...interface{}) { w.s.Debugf(msg, args...) }

func (w *waLogger) Sub(module string) waLog.Logger {
	return &waLogger{s: w.s.Named(module)}
}
