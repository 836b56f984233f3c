package app

import (
	"os"
	"strconv"
	"sync"
)

const testModeEnv = "TVBILLING_TEST_MODE"

var (
	testModeMu     sync.RWMutex
	testModeLoaded bool
	testMode       bool
)

// InTestMode reports whether TVBILLING_TEST_MODE asks the worker to skip
// connecting to Postgres and Redis. The variable is read once.
func InTestMode() bool {
	testModeMu.RLock()
	if testModeLoaded {
		defer testModeMu.RUnlock()
		return testMode
	}
	testModeMu.RUnlock()
	return RefreshTestMode()
}

// RefreshTestMode re-reads the environment and returns the new value.
func RefreshTestMode() bool {
	enabled, _ := strconv.ParseBool(os.Getenv(testModeEnv))
	testModeMu.Lock()
	defer testModeMu.Unlock()
	testMode, testModeLoaded = enabled, true
	return enabled
}
