package logging

import (
	"testing"

	"github.com/sirupsen/logrus"
)

func TestNew(t *testing.T) {
	logger := New("debug", "json")
	if logger.GetLevel() != logrus.DebugLevel {
		t.Errorf("Expected debug level, got %s", logger.GetLevel())
	}
	if _, ok := logger.Formatter.(*logrus.JSONFormatter); !ok {
		t.Errorf("Expected JSON formatter, got %T", logger.Formatter)
	}

	logger = New("loud", "text")
	if logger.GetLevel() != logrus.InfoLevel {
		t.Errorf("Expected info level for unknown input, got %s", logger.GetLevel())
	}
	if _, ok := logger.Formatter.(*logrus.TextFormatter); !ok {
		t.Errorf("Expected text formatter, got %T", logger.Formatter)
	}
}
