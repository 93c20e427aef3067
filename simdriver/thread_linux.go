package simdriver

import "golang.org/x/sys/unix"

// PerThreadContexts is true when the current context is tracked per OS thread.
const PerThreadContexts = true

// threadID identifies the OS thread running the caller.
func threadID() int64 { return int64(unix.Gettid()) }
