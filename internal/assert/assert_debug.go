//go:build weirdebug

package assert

func debug(cond bool, msg string) {
	if cond {
		panic("weir: assertion failed: " + msg)
	}
}
