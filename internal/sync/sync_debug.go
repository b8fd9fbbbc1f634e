//go:build deadlock

// Package sync provides the lock types used across the gateway. Building
// with -tags deadlock swaps the mutexes for go-deadlock's, which report
// lock-order inversions and locks held too long.
package sync

import (
	"os"
	"sync"
	"time"

	"github.com/sasha-s/go-deadlock"
)

type (
	Mutex     = deadlock.Mutex
	RWMutex   = deadlock.RWMutex
	Once      = sync.Once
	WaitGroup = sync.WaitGroup
)

// DetectionEnabled reports whether mutexes check for deadlocks.
const DetectionEnabled = true

func init() {
	deadlock.Opts.DeadlockTimeout = 30 * time.Second
	deadlock.Opts.PrintAllCurrentGoroutines = true

	if os.Getenv("WSGATE_NO_DEADLOCK_DETECT") != "" {
		deadlock.Opts.Disable = true
	}
}
