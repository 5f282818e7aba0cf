package utils

import (
	"testing"

	"github.com/sirupsen/logrus"
)

func TestNewLoggerLevels(t *testing.T) {
	cases := map[string]logrus.Level{
		"debug": logrus.DebugLevel,
		"info":  logrus.InfoLevel,
		"warn":  logrus.WarnLevel,
		"error": logrus.ErrorLevel,
	}
	for level, want := range cases {
		logger := NewLogger(level)
		if logger.GetLevel() != want {
			t.Errorf("Level %q: expected %v, got %v", level, want, logger.GetLevel())
		}
	}
}

func TestNewLoggerUnknownLevelFallsBackToInfo(t *testing.T) {
	logger := NewLogger("chatty")
	if logger.GetLevel() != logrus.InfoLevel {
		t.Errorf("Expected info fallback, got %v", logger.GetLevel())
	}
}
