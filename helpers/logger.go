package helpers

import (
	"fmt"
	"os"

	"code.cloudfoundry.org/lager/v3"
)

type LoggingConfig struct {
	Level string `yaml:"level" json:"level"`
}

func InitLoggerFromConfig(conf *LoggingConfig, name string) (lager.Logger, error) {
	logLevel, err := parseLogLevel(conf.Level)
	if err != nil {
		return nil, err
	}

	logger := lager.NewLogger(name)
	logger.RegisterSink(lager.NewWriterSink(os.Stdout, logLevel))
	return logger, nil
}

func parseLogLevel(level string) (lager.LogLevel, error) {
	switch level {
	case "debug":
		return lager.DEBUG, nil
	case "info":
		return lager.INFO, nil
	case "error":
		return lager.ERROR, nil
	case "fatal":
		return lager.FATAL, nil
	default:
		return -1, fmt.Errorf("unsupported log level: %s", level)
	}
}
