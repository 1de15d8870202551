// Package sysmetrics samples process-level CPU and memory usage for the
// metrics endpoint.
package sysmetrics

import (
	"runtime"
	"sync"
	"syscall"
	"time"
)

// Sampler measures CPU usage between successive calls.
type Sampler struct {
	mu       sync.Mutex
	lastWall time.Time
	lastUser time.Duration
	lastSys  time.Duration
	lastPct  float64
}

// New returns a Sampler with its baseline set to now.
func New() *Sampler {
	s := &Sampler{lastWall: time.Now()}
	s.lastUser, s.lastSys = rusageTimes()
	return s
}

// CPUPercent returns the process CPU usage as a percentage of wall time
// since the previous call. Multi-core processes can exceed 100.
func (s *Sampler) CPUPercent() float64 {
	now := time.Now()
	user, sys := rusageTimes()

	s.mu.Lock()
	defer s.mu.Unlock()

	wall := now.Sub(s.lastWall)
	if wall <= 0 {
		return s.lastPct
	}

	busy := (user - s.lastUser) + (sys - s.lastSys)
	pct := float64(busy) / float64(wall) * 100.0

	s.lastWall = now
	s.lastUser = user
	s.lastSys = sys
	s.lastPct = pct

	return pct
}

// MemoryInuse returns the bytes actively in use by the Go runtime: live
// heap spans plus goroutine stacks, excluding address space reserved but
// not committed.
func MemoryInuse() int64 {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)
	return int64(m.HeapInuse + m.StackInuse)
}

func rusageTimes() (user, sys time.Duration) {
	var ru syscall.Rusage
	if err := syscall.Getrusage(syscall.RUSAGE_SELF, &ru); err != nil {
		return 0, 0
	}
	return time.Duration(ru.Utime.Nano()), time.Duration(ru.Stime.Nano())
}
