package testing

import (
	"os"
	"sync"
	stdtesting "testing"
)

var once sync.Once

func ensureTestMode() {
	once.Do(func() {
		_ = os.Setenv("CONNECTOR_TEST_MODE", "1")
		if os.Getenv("ADMIN_TOKEN_HASH") == "" {
			_ = os.Setenv("ADMIN_TOKEN_HASH", "$2a$04$testtesttesttesttesttu")
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
