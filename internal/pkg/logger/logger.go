package logger

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"careconnect-pipeline/internal/config"

	"github.com/sirupsen/logrus"
	"gopkg.in/natefinch/lumberjack.v2"
)

type Fields = logrus.Fields

// Logger wraps logrus with structured helpers for service, agent and
// pipeline events so call sites stay uniform across the codebase.
type Logger struct {
	log *logrus.Logger
}

func New(cfg config.LogConfig) (*Logger, error) {
	log := logrus.New()

	level, err := logrus.ParseLevel(cfg.Level)
	if err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", cfg.Level, err)
	}
	log.SetLevel(level)

	switch strings.ToLower(cfg.Format) {
	case "json", "":
		log.SetFormatter(&logrus.JSONFormatter{TimestampFormat: time.RFC3339})
	case "text":
		log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	default:
		return nil, fmt.Errorf("invalid log format %q", cfg.Format)
	}

	output, err := resolveOutput(cfg)
	if err != nil {
		return nil, err
	}
	log.SetOutput(output)

	return &Logger{log: log}, nil
}

func resolveOutput(cfg config.LogConfig) (io.Writer, error) {
	switch strings.ToLower(cfg.Output) {
	case "stdout", "":
		return os.Stdout, nil
	case "stderr":
		return os.Stderr, nil
	case "file":
		return &lumberjack.Logger{
			Filename:   cfg.FilePath,
			MaxSize:    cfg.MaxSizeMB,
			MaxBackups: cfg.MaxBackups,
			MaxAge:     cfg.MaxAgeDays,
			Compress:   true,
		}, nil
	default:
		return nil, fmt.Errorf("invalid log output %q", cfg.Output)
	}
}

func (l *Logger) Debug(msg string, keysAndValues ...interface{}) {
	l.entry(keysAndValues...).Debug(msg)
}

func (l *Logger) Info(msg string, keysAndValues ...interface{}) {
	l.entry(keysAndValues...).Info(msg)
}

func (l *Logger) Warn(msg string, keysAndValues ...interface{}) {
	l.entry(keysAndValues...).Warn(msg)
}

func (l *Logger) Error(msg string, keysAndValues ...interface{}) {
	l.entry(keysAndValues...).Error(msg)
}

func (l *Logger) WithError(err error) *logrus.Entry {
	return l.log.WithError(err)
}

func (l *Logger) WithFields(fields Fields) *logrus.Entry {
	return l.log.WithFields(fields)
}

// LogService records an external-service operation with its duration and
// outcome under a uniform field set.
func (l *Logger) LogService(service, operation string, duration time.Duration, fields map[string]interface{}, err error) {
	entry := l.log.WithFields(Fields{
		"service":     service,
		"operation":   operation,
		"duration_ms": duration.Milliseconds(),
	})

	if fields != nil {
		entry = entry.WithFields(fields)
	}

	if err != nil {
		entry.WithError(err).Error("Service operation failed")
		return
	}
	entry.Debug("Service operation completed")
}

// LogAgent records one agent step within a pipeline run.
func (l *Logger) LogAgent(pipelineID, agent, operation string, duration time.Duration, fields map[string]interface{}, err error) {
	entry := l.log.WithFields(Fields{
		"pipeline_id": pipelineID,
		"agent":       agent,
		"operation":   operation,
		"duration_ms": duration.Milliseconds(),
	})

	if fields != nil {
		entry = entry.WithFields(fields)
	}

	if err != nil {
		entry.WithError(err).Error("Agent step failed")
		return
	}
	entry.Info("Agent step completed")
}

// LogPipeline records pipeline lifecycle events (started, completed, failed,
// cancelled).
func (l *Logger) LogPipeline(pipelineID, threadID, event string, duration time.Duration, err error) {
	entry := l.log.WithFields(Fields{
		"pipeline_id": pipelineID,
		"thread_id":   threadID,
		"event":       event,
		"duration_ms": duration.Milliseconds(),
	})

	if err != nil {
		entry.WithError(err).Error("Pipeline event")
		return
	}
	entry.Info("Pipeline event")
}

func (l *Logger) entry(keysAndValues ...interface{}) *logrus.Entry {
	if len(keysAndValues) == 0 {
		return logrus.NewEntry(l.log)
	}

	fields := Fields{}
	for i := 0; i+1 < len(keysAndValues); i += 2 {
		key, ok := keysAndValues[i].(string)
		if !ok {
			key = fmt.Sprintf("%v", keysAndValues[i])
		}
		fields[key] = keysAndValues[i+1]
	}
	return l.log.WithFields(fields)
}
