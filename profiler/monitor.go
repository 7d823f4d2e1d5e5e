package profiler

import (
	"runtime"
	"sync"
	"time"

	"github.com/loov/hrtime"
)

// Monitor samples hardware and process counters. It is refreshed once per rendered frame.
type Monitor interface {
	Refresh()
}

type Sample struct {
	At         time.Duration
	HeapAlloc  uint64
	Goroutines int
}

// HostMonitor samples the Go runtime. It keeps only the most recent sample.
type HostMonitor struct {
	mu        sync.Mutex
	last      Sample
	refreshes int
}

func NewHostMonitor() *HostMonitor {
	return &HostMonitor{}
}

func (m *HostMonitor) Refresh() {
	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)

	m.mu.Lock()
	defer m.mu.Unlock()
	m.refreshes++
	m.last = Sample{
		At:         hrtime.Now(),
		HeapAlloc:  mem.HeapAlloc,
		Goroutines: runtime.NumGoroutine(),
	}
}

func (m *HostMonitor) Last() Sample {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.last
}

func (m *HostMonitor) Refreshes() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.refreshes
}
