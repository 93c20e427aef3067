//go:build !linux

package simdriver

// PerThreadContexts is false on platforms without a thread id: all threads share one current-context
// stack, so concurrent callers using different devices interfere with each other.
const PerThreadContexts = false

func threadID() int64 { return 0 }
