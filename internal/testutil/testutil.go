// Package testutil holds small helpers for the networked end-to-end tests,
// which assert on state that settles asynchronously.
package testutil

import (
	"sync"
	"testing"
	"time"
)

// Eventually polls cond until it returns true or the timeout expires.
func Eventually(t testing.TB, timeout time.Duration, msg string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for {
		if cond() {
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("timeout waiting for %s", msg)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

// SyncPoint coordinates two goroutines in a test: one side signals once,
// the other waits with a bounded timeout.
type SyncPoint struct {
	ch   chan struct{}
	once sync.Once
}

func NewSyncPoint() *SyncPoint {
	return &SyncPoint{ch: make(chan struct{})}
}

func (s *SyncPoint) Signal() {
	s.once.Do(func() { close(s.ch) })
}

func (s *SyncPoint) Wait(t testing.TB, timeout time.Duration) {
	t.Helper()
	select {
	case <-s.ch:
	case <-time.After(timeout):
		t.Fatal("timeout waiting for sync point")
	}
}
