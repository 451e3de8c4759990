package log

import (
	"fmt"
	"os"
	"time"

	"github.com/sirupsen/logrus"
)

var logger = logrus.New()
var logBlur = DefaultOptions.BlurTimes
var logUsage = DefaultOptions.Usage
var logAddress = DefaultOptions.ShowAddress

//Initialize sets up the logging interface for use within the server
func Initialize(cfg Options) error {
	//Double check the config is valid
	if err := cfg.Verify(); err != nil {
		return err
	}

	//Switch on the level
	switch cfg.Level {
	case LevelDebug:
		logger.Level = logrus.DebugLevel
	case LevelInfo:
		logger.Level = logrus.InfoLevel
	case LevelWarn:
		logger.Level = logrus.WarnLevel
	case LevelError:
		logger.Level = logrus.ErrorLevel
	default:
		logger.Level = logrus.InfoLevel
	}

	//Use a file if we need too
	if cfg.Path != "" {
		f, err := os.OpenFile(cfg.Path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0750)
		if err != nil {
			return fmt.Errorf("failed to open log file for writing\nerror: %s", err.Error())
		}

		logger.Out = f
	}

	//Set the blur window
	logBlur = cfg.BlurTimes
	logUsage = cfg.Usage
	logAddress = cfg.ShowAddress

	return nil
}

//UsageEnabled reports whether per-connection messages should be logged
func UsageEnabled() bool {
	return logUsage
}

//ShowAddress reports whether remote addresses may appear in logs
func ShowAddress() bool {
	return logAddress
}

//Get returns the underlying logrus logger object
func Get() *logrus.Logger {
	return logger
}

//BlurTime rounds the provided time down to the configured
//blur window. With a window of zero or one the time is
//returned untouched
func BlurTime(t time.Time) time.Time {
	if logBlur <= 1 {
		return t
	}
	return t.Truncate(time.Second * time.Duration(logBlur))
}
