//go:build !windows

package main

import (
	"os"
	"syscall"
)

// saveSignals trigger a replay save.
var saveSignals = []os.Signal{syscall.SIGUSR1}
