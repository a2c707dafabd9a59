package guard

import "runtime"

// MaxCallerFrames is the number of return addresses captured for each allocation
const MaxCallerFrames = 16

// captureCallers writes the return addresses of the call stack into out. A skip of 0 starts at the
// caller of the function that called captureCallers.
func captureCallers(skip int, out *[MaxCallerFrames]uintptr) int {
	// Skip runtime.Callers, captureCallers and its direct caller
	return runtime.Callers(skip+3, out[:])
}
