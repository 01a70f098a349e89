package notifier

import (
	"code.cloudfoundry.org/lager/v3"
)

// LoggingSink writes notifications to the log. It stands in where no
// chat transport is wired up, and keeps the Sink seam visible for one.
type LoggingSink struct {
	logger lager.Logger
}

func NewLoggingSink(logger lager.Logger) *LoggingSink {
	return &LoggingSink{logger: logger.Session("LoggingSink")}
}

func (s *LoggingSink) Deliver(scope string, text string) error {
	s.logger.Info("notification", lager.Data{"scope": scope, "text": text})
	return nil
}
