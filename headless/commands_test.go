package headless

import (
	"io"
	"testing"
	"time"

	"github.com/vkngwrapper/headless/gpu"
	"github.com/vkngwrapper/headless/gpu/gputest"
)

func newEngine(t *testing.T, device *gputest.Device) *CommandEngine {
	t.Helper()
	engine, err := NewCommandEngine(device, gpu.Queue{Role: gpu.RoleGraphics}, discardLogger())
	if err != nil {
		t.Fatalf("NewCommandEngine: %v", err)
	}
	return engine
}

func TestSubmitAndWaitBlocksUntilSignaled(t *testing.T) {
	device := gputest.New()
	device.ManualFences = true
	engine := newEngine(t, device)

	cb, err := engine.BeginCommandBuffer()
	if err != nil {
		t.Fatal(err)
	}

	done := make(chan error, 1)
	go func() {
		done <- engine.SubmitAndWait(cb)
	}()

	fence := <-device.Submitted
	select {
	case err := <-done:
		t.Fatalf("SubmitAndWait returned before the fence signaled: %v", err)
	case <-time.After(50 * time.Millisecond):
	}

	device.Signal(fence)
	if err := <-done; err != nil {
		t.Fatalf("SubmitAndWait: %v", err)
	}
	if live := device.Live(); live.Fences != 0 {
		t.Errorf("fences alive after wait = %d", live.Fences)
	}
	if v := device.Violations(); len(v) != 0 {
		t.Errorf("violations: %v", v)
	}
}

func TestSubmitAndWaitDestroysFenceOnFailure(t *testing.T) {
	tests := []string{"QueueSubmit", "WaitForFence"}

	for _, op := range tests {
		t.Run(op, func(t *testing.T) {
			device := gputest.New()
			engine := newEngine(t, device)
			cb, err := engine.BeginCommandBuffer()
			if err != nil {
				t.Fatal(err)
			}

			device.Fail(op, io.ErrUnexpectedEOF)
			if err := engine.SubmitAndWait(cb); err == nil {
				t.Fatal("expected SubmitAndWait to fail")
			}
			if live := device.Live(); live.Fences != 0 {
				t.Errorf("fences alive after failure = %d", live.Fences)
			}
		})
	}
}

func TestBeginCommandBufferFreesPrevious(t *testing.T) {
	device := gputest.New()
	engine := newEngine(t, device)

	for i := 0; i < 3; i++ {
		if _, err := engine.BeginCommandBuffer(); err != nil {
			t.Fatal(err)
		}
		if live := device.Live(); live.CommandBuffers != 1 {
			t.Fatalf("command buffers after begin %d = %d", i, live.CommandBuffers)
		}
	}

	engine.Destroy()
	engine.Destroy()
	if live := device.Live(); live.Total() != 0 {
		t.Errorf("live after Destroy = %+v", live)
	}
}

func TestTempCommandBuffer(t *testing.T) {
	device := gputest.New()
	engine := newEngine(t, device)

	cb, err := engine.CreateTempCmdBuffer()
	if err != nil {
		t.Fatal(err)
	}
	device.ResetCalls()
	if err := engine.SubmitTempCmdBuffer(cb); err != nil {
		t.Fatalf("SubmitTempCmdBuffer: %v", err)
	}

	want := []string{"EndCommandBuffer", "QueueSubmit", "QueueWaitIdle", "FreeCommandBuffer"}
	calls := device.Calls()
	if len(calls) != len(want) {
		t.Fatalf("calls = %v, want %v", calls, want)
	}
	for i := range want {
		if calls[i] != want[i] {
			t.Fatalf("calls = %v, want %v", calls, want)
		}
	}
	if live := device.Live(); live.CommandBuffers != 0 {
		t.Errorf("command buffers alive = %d", live.CommandBuffers)
	}

	cb, err = engine.CreateTempCmdBuffer()
	if err != nil {
		t.Fatal(err)
	}
	engine.FreeTempCmdBuffer(cb)
	if live := device.Live(); live.CommandBuffers != 0 {
		t.Errorf("command buffers alive after free = %d", live.CommandBuffers)
	}
}
