package assert

import "testing"

// Without the weirdebug build tag, Debug must never panic regardless of
// cond, since release builds favour a logged warning over crashing.
func TestDebugIsNoOpWithoutBuildTag(t *testing.T) {
	Debug(true, "should not panic in a release build")
}
