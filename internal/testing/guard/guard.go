// Package guard switches binaries into test mode when imported by tests, so
// main packages skip opening database and Redis connections.
package guard

import (
	"os"
	"sync"
)

// EnvTestMode is the switch read by app.InTestMode.
const EnvTestMode = "CREDITDESK_TEST_MODE"

var once sync.Once

func init() {
	once.Do(func() {
		if os.Getenv(EnvTestMode) == "" {
			_ = os.Setenv(EnvTestMode, "1")
		}
	})
}
