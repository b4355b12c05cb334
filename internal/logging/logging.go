package logging

import "github.com/sirupsen/logrus"

// New returns a colored text logger at debug level when debug is set and an
// info-level JSON logger otherwise.
func New(debug bool) *logrus.Logger {
	logger := logrus.New()
	logger.SetFormatter(&logrus.TextFormatter{
		ForceColors:   true,
		FullTimestamp: true,
	})

	logger.SetLevel(logrus.InfoLevel)
	if debug {
		logger.SetLevel(logrus.DebugLevel)
	} else {
		logger.SetFormatter(&logrus.JSONFormatter{})
	}
	return logger
}
