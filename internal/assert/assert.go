// Package assert provides a debug-only invariant check, mirroring the
// source's WEIR_BUG_ON macro: in a release build it does nothing, and under
// the weirdebug build tag it panics, so a violated invariant is caught
// loudly in development without taking down a production process.
package assert

// Debug panics with msg if cond is true. In a build without the weirdebug
// tag this is a no-op; see assert_release.go and assert_debug.go.
func Debug(cond bool, msg string) {
	debug(cond, msg)
}
