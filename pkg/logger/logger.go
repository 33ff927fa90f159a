package logger

import (
	"os"

	"github.com/sirupsen/logrus"
)

// New creates a new logger instance with JSON output and level from LOG_LEVEL.
func New() *logrus.Logger {
	log := logrus.New()

	// Always use JSON formatter for clean, consistent output
	log.SetFormatter(&logrus.JSONFormatter{
		TimestampFormat: "2006-01-02T15:04:05.000Z07:00",
		FieldMap: logrus.FieldMap{
			logrus.FieldKeyTime:  "time",
			logrus.FieldKeyLevel: "level",
			logrus.FieldKeyMsg:   "msg",
			logrus.FieldKeyFunc:  "func",
		},
	})

	log.SetOutput(os.Stdout)

	switch os.Getenv("LOG_LEVEL") {
	case "debug":
		log.SetLevel(logrus.DebugLevel)
	case "trace":
		log.SetLevel(logrus.TraceLevel)
	case "warn":
		log.SetLevel(logrus.WarnLevel)
	case "error":
		log.SetLevel(logrus.ErrorLevel)
	default:
		log.SetLevel(logrus.InfoLevel)
	}

	return log
}

// WithContext returns an entry carrying the given fields, for call sites that
// want to attach request/session/entity context without importing logrus
// directly.
func WithContext(log *logrus.Logger, fields map[string]interface{}) *logrus.Entry {
	return log.WithFields(fields)
}
