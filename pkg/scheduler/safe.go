package scheduler

import (
	"fmt"
)

// runSafely executes fn and converts panics into returned errors tagged with scope.
// Timer callbacks run on clock goroutines where a panic would crash the process.
func runSafely(scope string, fn func()) (err error) {
	defer func() {
		recovered := recover()
		if recovered == nil {
			return
		}
		err = fmt.Errorf("%s: panic recovered: %v", scope, recovered)
	}()

	fn()

	return nil
}

// Guard runs fn with panic recovery and reports a recovered panic to onPanic.
// Components use it around user-supplied observer callbacks.
func Guard(scope string, fn func(), onPanic func(error)) {
	if err := runSafely(scope, fn); err != nil && onPanic != nil {
		onPanic(err)
	}
}
