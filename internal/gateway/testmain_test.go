package gateway

import (
	"testing"

	"go.uber.org/goleak"
)

// TestMain runs all tests in the gateway package and checks for goroutine
// leaks after all tests complete. Any leaked session or fire-and-forget
// goroutine causes a test failure.
func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}
