// Package guard forces test mode for binaries exercised from tests. Import it
// for side effects only.
package guard

import (
	"os"
	"sync"

	"github.com/odyssey-erp/odyssey-clinic/internal/app"
)

var once sync.Once

func init() {
	once.Do(func() {
		if os.Getenv(app.TestModeEnv) == "" {
			_ = os.Setenv(app.TestModeEnv, "1")
		}
	})
}
