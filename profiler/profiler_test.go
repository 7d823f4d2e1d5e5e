package profiler

import (
	"strings"
	"testing"
)

func TestSectionsAccumulate(t *testing.T) {
	p := New()
	for i := 0; i < 3; i++ {
		p.BeginFrame()
		p.TimeRecurring("Render").End()
		p.TimeRecurring("Tonemap").End()
		p.EndFrame()
	}

	if p.Frames() != 3 {
		t.Errorf("Frames = %d, want 3", p.Frames())
	}

	sections := p.Sections()
	if len(sections) != 2 || sections[0] != "Render" || sections[1] != "Tonemap" {
		t.Fatalf("Sections = %v", sections)
	}

	stats, ok := p.Stats("Render")
	if !ok {
		t.Fatal("no Render stats")
	}
	if stats.Count != 3 {
		t.Errorf("Render count = %d, want 3", stats.Count)
	}
	if stats.Min > stats.Max || stats.Mean() > stats.Max {
		t.Errorf("inconsistent stats %+v", stats)
	}

	if _, ok := p.Stats("missing"); ok {
		t.Error("Stats reported a section that was never timed")
	}
	if !strings.Contains(p.String(), "Tonemap") {
		t.Errorf("String() = %q", p.String())
	}
}

func TestHostMonitorRefresh(t *testing.T) {
	m := NewHostMonitor()
	m.Refresh()
	m.Refresh()

	if m.Refreshes() != 2 {
		t.Errorf("Refreshes = %d, want 2", m.Refreshes())
	}
	if m.Last().Goroutines < 1 {
		t.Errorf("Goroutines = %d", m.Last().Goroutines)
	}
}
