// Package os has process level helpers of the daemon.
package os

import (
	"os"
	"os/signal"
	"syscall"
)

// ExpectTermination returns the first SIGINT or SIGTERM the process gets.
func ExpectTermination() <-chan os.Signal {
	signals := make(chan os.Signal, 1)
	signal.Notify(signals, os.Interrupt, syscall.SIGTERM)
	return signals
}
