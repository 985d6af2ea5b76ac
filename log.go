package was

import (
	"github.com/sirupsen/logrus"
)

// NewLogger builds a *logrus.Logger configured from Config.LogLevel and
// Config.LogFormat ("json" or anything else for text), the way
// cmd/wasworker wires up diagnostics before constructing a Session with
// WithLogger. The was package itself never calls this — it only consumes
// whatever *logrus.Entry is handed to WithLogger.
func NewLogger(cfg Config) (*logrus.Logger, error) {
	l := logrus.New()
	level, err := logrus.ParseLevel(cfg.LogLevel)
	if err != nil {
		return nil, wrapf("was: invalid log level %q", err, cfg.LogLevel)
	}
	l.SetLevel(level)
	if cfg.LogFormat == "json" {
		l.SetFormatter(&logrus.JSONFormatter{})
	} else {
		l.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}
	return l, nil
}
