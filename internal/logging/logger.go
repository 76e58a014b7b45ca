package logging

import (
	"strings"

	"github.com/sirupsen/logrus"
)

// Setup configures the global logrus logger from the loaded configuration.
// Production gets JSON output for log shippers; everything else keeps the
// human-readable text formatter.
func Setup(logLevel, environment string) {
	logrus.SetLevel(ParseLevel(logLevel))
	if environment == "production" {
		logrus.SetFormatter(&logrus.JSONFormatter{})
	} else {
		logrus.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}
}

// ParseLevel converts a string level to logrus.Level, defaulting to info.
func ParseLevel(level string) logrus.Level {
	switch strings.ToLower(level) {
	case "debug":
		return logrus.DebugLevel
	case "warn", "warning":
		return logrus.WarnLevel
	case "error":
		return logrus.ErrorLevel
	default:
		return logrus.InfoLevel
	}
}
