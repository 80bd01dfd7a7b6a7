package repl

import (
	"fmt"

	"github.com/golang/glog"
)

// debugPanics makes invariant breaches fatal; tests flip it on so a broken
// invariant fails the run instead of producing a log line.
var debugPanics = false

func debugAssert(cond bool, format string, args ...interface{}) {
	if cond {
		return
	}
	if debugPanics {
		panic(fmt.Sprintf("assertion failed: "+format, args...))
	}
	glog.Errorf("assertion failed: "+format, args...)
}
