// Package logging constructs the process-wide logger, following the
// teacher's cmd/server/main.go setup (logrus, JSON formatter).
package logging

import "github.com/sirupsen/logrus"

// New builds the structured logger used throughout the service.
func New(level string) *logrus.Logger {
	logger := logrus.New()
	logger.SetFormatter(&logrus.JSONFormatter{})

	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		lvl = logrus.InfoLevel
	}
	logger.SetLevel(lvl)

	return logger
}
