package headless

import (
	"io"
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/vkngwrapper/core/v3/core1_0"
	"github.com/vkngwrapper/headless/gpu"
	"github.com/vkngwrapper/headless/gpu/gputest"
	"golang.org/x/exp/slog"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTargets(device *gputest.Device) *Targets {
	return NewTargets(gpu.NewAllocator(device, discardLogger()), discardLogger())
}

func createAll(t *testing.T, targets *Targets, extent core1_0.Extent2D) {
	t.Helper()
	if err := targets.CreateColorTarget(extent, ColorFormat); err != nil {
		t.Fatalf("CreateColorTarget: %v", err)
	}
	if err := targets.CreateDepthTarget(extent, core1_0.FormatUndefined); err != nil {
		t.Fatalf("CreateDepthTarget: %v", err)
	}
	if err := targets.CreateRenderPass(); err != nil {
		t.Fatalf("CreateRenderPass: %v", err)
	}
	if err := targets.CreateFrameBuffer(); err != nil {
		t.Fatalf("CreateFrameBuffer: %v", err)
	}
}

func TestTargetsRecreateLeavesNoLeaks(t *testing.T) {
	device := gputest.New()
	targets := newTargets(device)
	if err := targets.Setup(); err != nil {
		t.Fatal(err)
	}

	want := gputest.Counts{
		Images:         2,
		Memories:       2,
		Views:          2,
		RenderPasses:   1,
		Framebuffers:   1,
		PipelineCaches: 1,
	}
	for _, extent := range []core1_0.Extent2D{{Width: 64, Height: 48}, {Width: 64, Height: 48}, {Width: 32, Height: 16}} {
		createAll(t, targets, extent)
		if live := device.Live(); live != want {
			t.Fatalf("live after creating %v = %+v, want %+v", extent, live, want)
		}
	}

	targets.Destroy()
	targets.Destroy()
	if live := device.Live(); live.Total() != 0 {
		t.Errorf("live after Destroy = %+v", live)
	}
	if v := device.Violations(); len(v) != 0 {
		t.Errorf("violations: %v", v)
	}
}

func TestColorTargetDestroysBeforeCreating(t *testing.T) {
	device := gputest.New()
	targets := newTargets(device)
	extent := core1_0.Extent2D{Width: 8, Height: 8}
	if err := targets.CreateColorTarget(extent, ColorFormat); err != nil {
		t.Fatal(err)
	}

	device.ResetCalls()
	if err := targets.CreateColorTarget(extent, ColorFormat); err != nil {
		t.Fatal(err)
	}
	calls := device.Calls()
	want := []string{"DestroyImageView", "DestroyImage", "FreeMemory", "CreateImage"}
	if len(calls) < len(want) {
		t.Fatalf("calls = %v", calls)
	}
	for i, op := range want {
		if calls[i] != op {
			t.Fatalf("calls = %v, want prefix %v", calls, want)
		}
	}
}

func TestDepthFormatSelection(t *testing.T) {
	tests := []struct {
		name        string
		unsupported []core1_0.Format
		want        core1_0.Format
	}{
		{
			name: "first candidate",
			want: core1_0.FormatD24UnsignedNormalizedS8UnsignedInt,
		},
		{
			name:        "second candidate",
			unsupported: []core1_0.Format{core1_0.FormatD24UnsignedNormalizedS8UnsignedInt},
			want:        core1_0.FormatD32SignedFloatS8UnsignedInt,
		},
		{
			name:        "none supported",
			unsupported: gpu.DepthCandidates,
			want:        core1_0.FormatUndefined,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			device := gputest.New()
			for _, f := range tt.unsupported {
				device.Unsupported[f] = true
			}
			targets := newTargets(device)

			err := targets.CreateDepthTarget(core1_0.Extent2D{Width: 4, Height: 4}, core1_0.FormatUndefined)
			if tt.want == core1_0.FormatUndefined {
				if !errors.Is(err, gpu.ErrUnsupportedFormat) {
					t.Fatalf("err = %v, want ErrUnsupportedFormat", err)
				}
				if live := device.Live(); live.Total() != 0 {
					t.Errorf("live after failure = %+v", live)
				}
				return
			}
			if err != nil {
				t.Fatal(err)
			}
			if targets.DepthFormat() != tt.want {
				t.Errorf("depth format = %s, want %s", targets.DepthFormat(), tt.want)
			}
		})
	}
}

func TestRenderPassShape(t *testing.T) {
	device := gputest.New()
	targets := newTargets(device)
	createAll(t, targets, core1_0.Extent2D{Width: 16, Height: 16})

	info, ok := device.RenderPassInfo(targets.RenderPass())
	if !ok {
		t.Fatal("render pass not found")
	}
	if len(info.Attachments) != 2 {
		t.Fatalf("attachments = %d", len(info.Attachments))
	}

	color, depth := info.Attachments[0], info.Attachments[1]
	if color.Format != ColorFormat || color.LoadOp != core1_0.AttachmentLoadOpClear ||
		color.StoreOp != core1_0.AttachmentStoreOpStore ||
		color.InitialLayout != core1_0.ImageLayoutUndefined ||
		color.FinalLayout != core1_0.ImageLayoutTransferSrcOptimal {
		t.Errorf("color attachment = %+v", color)
	}
	if depth.LoadOp != core1_0.AttachmentLoadOpClear || depth.StencilLoadOp != core1_0.AttachmentLoadOpClear ||
		depth.FinalLayout != core1_0.ImageLayoutDepthStencilAttachmentOptimal {
		t.Errorf("depth attachment = %+v", depth)
	}

	if len(info.Subpasses) != 1 || len(info.SubpassDependencies) != 2 {
		t.Fatalf("subpasses = %d, dependencies = %d", len(info.Subpasses), len(info.SubpassDependencies))
	}
	in, out := info.SubpassDependencies[0], info.SubpassDependencies[1]
	if in.SrcSubpass != core1_0.SubpassExternal || in.DstSubpass != 0 ||
		out.SrcSubpass != 0 || out.DstSubpass != core1_0.SubpassExternal {
		t.Errorf("dependencies = %+v", info.SubpassDependencies)
	}
	for i, dep := range info.SubpassDependencies {
		if dep.DependencyFlags&core1_0.DependencyByRegion == 0 {
			t.Errorf("dependency %d is not by region", i)
		}
	}

	fb, ok := device.FramebufferInfo(targets.Framebuffer())
	if !ok || len(fb.Attachments) != 2 || fb.Extent != targets.Extent() {
		t.Errorf("framebuffer = %+v", fb)
	}
}

func TestFrameBufferRejectsMismatchedExtents(t *testing.T) {
	device := gputest.New()
	targets := newTargets(device)
	if err := targets.CreateFrameBuffer(); err == nil {
		t.Error("expected CreateFrameBuffer without a render pass to fail")
	}
	if err := targets.CreateRenderPass(); err == nil {
		t.Error("expected CreateRenderPass without targets to fail")
	}

	if err := targets.CreateColorTarget(core1_0.Extent2D{Width: 16, Height: 16}, ColorFormat); err != nil {
		t.Fatal(err)
	}
	if err := targets.CreateDepthTarget(core1_0.Extent2D{Width: 8, Height: 16}, core1_0.FormatUndefined); err != nil {
		t.Fatal(err)
	}
	if err := targets.CreateRenderPass(); err != nil {
		t.Fatal(err)
	}
	if err := targets.CreateFrameBuffer(); err == nil {
		t.Error("expected CreateFrameBuffer with mismatched extents to fail")
	}
	targets.Destroy()
}
