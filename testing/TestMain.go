package testing

import (
	"os"
	"sync"
	stdtesting "testing"

	"github.com/odyssey-erp/odyssey-clinic/internal/app"
)

var once sync.Once

func ensureTestMode() {
	once.Do(func() {
		_ = os.Setenv(app.TestModeEnv, "1")
		// Never reach the real chat API from a test binary.
		_ = os.Setenv("TELEGRAM_BOT_TOKEN", "")
		if os.Getenv("TELEGRAM_API_URL") == "" {
			_ = os.Setenv("TELEGRAM_API_URL", "http://127.0.0.1:0")
		}
	})
}

func init() {
	ensureTestMode()
}

func TestMain(m *stdtesting.M) {
	ensureTestMode()
	os.Exit(m.Run())
}
