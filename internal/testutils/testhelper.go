package testutils

import (
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
)

type TestHelper struct {
	T      *testing.T
	Logger *logrus.Logger
	// Hook records every entry written to Logger.
	Hook *test.Hook
}

// NewTestHelper creates a test helper whose logger records entries for assertions.
func NewTestHelper(t *testing.T) *TestHelper {
	logger, hook := test.NewNullLogger()
	logger.SetLevel(logrus.DebugLevel) // enable debug logs to track execution flow
	return &TestHelper{
		T:      t,
		Logger: logger,
		Hook:   hook,
	}
}

// CountEntries returns how many recorded entries have the given level and message.
func (h *TestHelper) CountEntries(level logrus.Level, msg string) int {
	n := 0
	for _, e := range h.Hook.AllEntries() {
		if e.Level == level && e.Message == msg {
			n++
		}
	}
	return n
}
