package headless

import (
	"bytes"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/vkngwrapper/core/v3/core1_0"
	"github.com/vkngwrapper/headless/gpu"
	"github.com/vkngwrapper/headless/gpu/gputest"
)

// clearTargets renders a frame that only clears the color target to c.
func clearTargets(t *testing.T, device *gputest.Device, engine *CommandEngine, targets *Targets, c [4]float32) {
	t.Helper()
	cb, err := engine.BeginCommandBuffer()
	if err != nil {
		t.Fatal(err)
	}
	err = device.CmdBeginRenderPass(cb, gpu.RenderPassBegin{
		RenderPass:  targets.RenderPass(),
		Framebuffer: targets.Framebuffer(),
		Area:        core1_0.Rect2D{Extent: targets.Extent()},
		ClearColor:  c,
		ClearDepth:  1,
	})
	if err != nil {
		t.Fatal(err)
	}
	device.CmdEndRenderPass(cb)
	if err := engine.SubmitAndWait(cb); err != nil {
		t.Fatal(err)
	}
}

func TestReadbackRoundTrip(t *testing.T) {
	tests := []struct {
		name   string
		format core1_0.Format
		want   [3]byte
	}{
		{"bgra", core1_0.FormatB8G8R8A8UnsignedNormalized, [3]byte{51, 102, 204}},
		{"rgba", core1_0.FormatR8G8B8A8UnsignedNormalized, [3]byte{51, 102, 204}},
		{"srgb bgra", core1_0.FormatB8G8R8A8SRGB, [3]byte{51, 102, 204}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			device := gputest.New()
			allocator := gpu.NewAllocator(device, discardLogger())
			targets := NewTargets(allocator, discardLogger())
			extent := core1_0.Extent2D{Width: 64, Height: 48}
			if err := targets.CreateColorTarget(extent, tt.format); err != nil {
				t.Fatal(err)
			}
			if err := targets.CreateDepthTarget(extent, core1_0.FormatUndefined); err != nil {
				t.Fatal(err)
			}
			if err := targets.CreateRenderPass(); err != nil {
				t.Fatal(err)
			}
			if err := targets.CreateFrameBuffer(); err != nil {
				t.Fatal(err)
			}
			engine := newEngine(t, device)
			clearTargets(t, device, engine, targets, [4]float32{0.2, 0.4, 0.8, 1})
			before := device.Live()

			path := filepath.Join(t.TempDir(), OutputFile)
			readback := NewReadback(allocator, engine, discardLogger())
			if err := readback.DumpImage(path, targets.ColorImage(), targets.ColorFormat(), extent); err != nil {
				t.Fatalf("DumpImage: %v", err)
			}

			data, err := os.ReadFile(path)
			if err != nil {
				t.Fatal(err)
			}
			header := []byte("P6\n64\n48\n255\n")
			if !bytes.HasPrefix(data, header) {
				t.Fatalf("header = %q", data[:min(len(data), 16)])
			}
			pixels := data[len(header):]
			if len(pixels) != 64*48*3 {
				t.Fatalf("pixel bytes = %d, want %d", len(pixels), 64*48*3)
			}
			for i := 0; i < len(pixels); i += 3 {
				if [3]byte(pixels[i:i+3]) != tt.want {
					t.Fatalf("pixel %d = %v, want %v", i/3, pixels[i:i+3], tt.want)
				}
			}

			if live := device.Live(); live != before {
				t.Errorf("live after readback = %+v, want %+v", live, before)
			}
			if v := device.Violations(); len(v) != 0 {
				t.Errorf("violations: %v", v)
			}
		})
	}
}

func TestReadbackFormats(t *testing.T) {
	tests := []struct {
		name    string
		format  core1_0.Format
		wantErr bool
	}{
		{"unknown four byte order", core1_0.FormatR32SignedFloat, false},
		{"eight byte texel", core1_0.FormatR16G16B16A16SignedFloat, true},
		{"sixteen byte texel", core1_0.FormatR32G32B32A32SignedFloat, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			device := gputest.New()
			allocator := gpu.NewAllocator(device, discardLogger())
			extent := core1_0.Extent2D{Width: 4, Height: 4}
			src, err := allocator.CreateImage(gpu.ImageInfo{
				Format: tt.format,
				Extent: extent,
				Tiling: core1_0.ImageTilingOptimal,
				Usage:  core1_0.ImageUsageTransferSrc,
			}, core1_0.MemoryPropertyDeviceLocal)
			if err != nil {
				t.Fatal(err)
			}
			engine := newEngine(t, device)
			cb, err := engine.BeginCommandBuffer()
			if err != nil {
				t.Fatal(err)
			}
			err = device.CmdPipelineBarrier(cb, core1_0.PipelineStageTopOfPipe, core1_0.PipelineStageTransfer, gpu.ImageBarrier{
				Image:     src.Image,
				Aspect:    core1_0.ImageAspectColor,
				OldLayout: core1_0.ImageLayoutUndefined,
				NewLayout: core1_0.ImageLayoutTransferSrcOptimal,
			})
			if err != nil {
				t.Fatal(err)
			}
			if err := engine.SubmitAndWait(cb); err != nil {
				t.Fatal(err)
			}

			path := filepath.Join(t.TempDir(), OutputFile)
			readback := NewReadback(allocator, engine, discardLogger())
			err = readback.DumpImage(path, src.Image, tt.format, extent)
			if tt.wantErr {
				if err == nil {
					t.Fatal("expected DumpImage to fail")
				}
				if _, statErr := os.Stat(path); !os.IsNotExist(statErr) {
					t.Error("output file written on failure")
				}
				return
			}
			if err != nil {
				t.Fatalf("DumpImage: %v", err)
			}
		})
	}
}

func TestReadbackReleasesOnFailure(t *testing.T) {
	for _, op := range []string{"CmdCopyImage", "QueueSubmit", "MapMemory"} {
		t.Run(op, func(t *testing.T) {
			device := gputest.New()
			allocator := gpu.NewAllocator(device, discardLogger())
			targets := NewTargets(allocator, discardLogger())
			createAll(t, targets, core1_0.Extent2D{Width: 8, Height: 8})
			engine := newEngine(t, device)
			clearTargets(t, device, engine, targets, [4]float32{1, 1, 1, 1})
			before := device.Live()

			device.Fail(op, io.ErrShortBuffer)
			readback := NewReadback(allocator, engine, discardLogger())
			if _, err := readback.ReadPixels(targets.ColorImage(), targets.ColorFormat(), targets.Extent()); err == nil {
				t.Fatal("expected ReadPixels to fail")
			}
			if live := device.Live(); live != before {
				t.Errorf("live after failure = %+v, want %+v", live, before)
			}
		})
	}
}

func TestWritePPM(t *testing.T) {
	var buf bytes.Buffer
	rgb := []byte{1, 2, 3, 4, 5, 6}
	if err := WritePPM(&buf, 2, 1, rgb); err != nil {
		t.Fatal(err)
	}
	want := append([]byte("P6\n2\n1\n255\n"), rgb...)
	if !bytes.Equal(buf.Bytes(), want) {
		t.Errorf("ppm = %q, want %q", buf.Bytes(), want)
	}

	if err := WritePPM(io.Discard, 2, 2, rgb); err == nil {
		t.Error("expected a size mismatch error")
	}
}
