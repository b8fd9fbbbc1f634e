//go:build !deadlock

// Package sync provides the lock types used across the gateway. Building
// with -tags deadlock swaps the mutexes for go-deadlock's, which report
// lock-order inversions and locks held too long.
package sync

import "sync"

type (
	Mutex     = sync.Mutex
	RWMutex   = sync.RWMutex
	Once      = sync.Once
	WaitGroup = sync.WaitGroup
)

// DetectionEnabled reports whether mutexes check for deadlocks.
const DetectionEnabled = false
