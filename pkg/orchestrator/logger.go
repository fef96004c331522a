package orchestrator

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/sirupsen/logrus"
)

// customFormatter renders "[process][LEVEL]: message" lines.
type customFormatter struct {
	process string
}

func (f *customFormatter) Format(entry *logrus.Entry) ([]byte, error) {
	var levelText string
	switch entry.Level {
	case logrus.DebugLevel, logrus.TraceLevel:
		levelText = "DEBUG"
	case logrus.InfoLevel:
		levelText = "INFO"
	case logrus.WarnLevel:
		levelText = "WARNING"
	case logrus.ErrorLevel:
		levelText = "ERROR"
	default:
		levelText = "CRITICAL"
	}
	return []byte(fmt.Sprintf("[%s][%s]: %s\n", f.process, levelText, entry.Message)), nil
}

// ProcessName is the tag used in log lines: the base name of argv[0].
func ProcessName(argv0 string) string {
	if argv0 == "" {
		return "neoscratch"
	}
	return filepath.Base(filepath.Clean(argv0))
}

func NewLogger(process string, verbose bool) *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(os.Stdout)
	logger.SetFormatter(&customFormatter{process: process})
	if verbose {
		logger.SetLevel(logrus.DebugLevel)
	} else {
		logger.SetLevel(logrus.InfoLevel)
	}
	return logger
}
