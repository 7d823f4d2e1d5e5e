// Package profiler times named sections of a frame with the high resolution clock.
package profiler

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/loov/hrtime"
)

type Stats struct {
	Count int
	Total time.Duration
	Min   time.Duration
	Max   time.Duration
	Last  time.Duration
}

func (s Stats) Mean() time.Duration {
	if s.Count == 0 {
		return 0
	}
	return s.Total / time.Duration(s.Count)
}

type Profiler struct {
	mu         sync.Mutex
	sections   map[string]*Stats
	order      []string
	frames     int
	frameStart time.Duration
	frameTime  Stats
}

func New() *Profiler {
	return &Profiler{sections: map[string]*Stats{}}
}

func (p *Profiler) BeginFrame() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.frameStart = hrtime.Now()
}

func (p *Profiler) EndFrame() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.frames++
	record(&p.frameTime, hrtime.Since(p.frameStart))
}

func (p *Profiler) Frames() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.frames
}

// Section is an open timing span. End closes it.
type Section struct {
	profiler *Profiler
	name     string
	start    time.Duration
}

// TimeRecurring opens a section that accumulates into the statistics kept under name.
func (p *Profiler) TimeRecurring(name string) Section {
	return Section{profiler: p, name: name, start: hrtime.Now()}
}

func (s Section) End() time.Duration {
	elapsed := hrtime.Since(s.start)
	if s.profiler == nil {
		return elapsed
	}

	p := s.profiler
	p.mu.Lock()
	defer p.mu.Unlock()
	stats, ok := p.sections[s.name]
	if !ok {
		stats = &Stats{}
		p.sections[s.name] = stats
		p.order = append(p.order, s.name)
	}
	record(stats, elapsed)
	return elapsed
}

func record(s *Stats, d time.Duration) {
	if s.Count == 0 || d < s.Min {
		s.Min = d
	}
	if d > s.Max {
		s.Max = d
	}
	s.Count++
	s.Total += d
	s.Last = d
}

func (p *Profiler) Stats(name string) (Stats, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	stats, ok := p.sections[name]
	if !ok {
		return Stats{}, false
	}
	return *stats, true
}

// Sections lists section names in the order they were first closed.
func (p *Profiler) Sections() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.order...)
}

func (p *Profiler) String() string {
	p.mu.Lock()
	defer p.mu.Unlock()

	var b strings.Builder
	fmt.Fprintf(&b, "frames %d, mean frame %v", p.frames, p.frameTime.Mean())
	for _, name := range p.order {
		s := p.sections[name]
		fmt.Fprintf(&b, "\n  %-10s count %d mean %v min %v max %v", name, s.Count, s.Mean(), s.Min, s.Max)
	}
	return b.String()
}
