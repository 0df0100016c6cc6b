// Package guard switches the binaries into test mode when imported by a test,
// so entrypoints never dial Postgres or Redis under go test.
package guard

import (
	"os"
	"sync"
)

var once sync.Once

func init() {
	once.Do(func() {
		if os.Getenv("SUPPLY_TEST_MODE") == "" {
			_ = os.Setenv("SUPPLY_TEST_MODE", "1")
		}
	})
}
