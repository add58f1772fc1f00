//go:build !windows

package main

import (
	"os"
	"os/signal"
	"syscall"
)

// notifyPause routes SIGUSR1, which pauses and resumes transfers.
func notifyPause(c chan<- os.Signal) {
	signal.Notify(c, syscall.SIGUSR1)
}
