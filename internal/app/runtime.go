package app

import (
	"os"
	"testing"
)

const testModeEnv = "STOCKLEDGER_TEST_MODE"

// InTestMode reports whether binaries should skip opening listeners and
// queue consumers: inside a test binary, or when STOCKLEDGER_TEST_MODE=1.
func InTestMode() bool {
	return testing.Testing() || os.Getenv(testModeEnv) == "1"
}
