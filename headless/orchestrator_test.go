package headless

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"os"
	"path/filepath"
	"testing"

	"github.com/vkngwrapper/core/v3/core1_0"
	"github.com/vkngwrapper/headless/gpu"
	"github.com/vkngwrapper/headless/gpu/gputest"
	"github.com/vkngwrapper/headless/offscreen"
	"github.com/vkngwrapper/headless/profiler"
	"github.com/vkngwrapper/headless/render"
	"github.com/vkngwrapper/headless/scene"
)

const sceneOBJ = `mtllib scene.mtl
o floor
v -1 0 -1
v 1 0 -1
v 1 0 1
v -1 0 1
usemtl grey
f 1 2 3 4
`

const sceneMTL = `newmtl grey
Kd 0.5 0.5 0.5
`

type fixture struct {
	scenePath string
	envPath   string
	outPath   string
}

func writeFixture(t *testing.T, sky color.NRGBA) fixture {
	t.Helper()
	dir := t.TempDir()
	f := fixture{
		scenePath: filepath.Join(dir, "scene.obj"),
		envPath:   filepath.Join(dir, "std_env.png"),
		outPath:   filepath.Join(dir, OutputFile),
	}
	if err := os.WriteFile(f.scenePath, []byte(sceneOBJ), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "scene.mtl"), []byte(sceneMTL), 0o644); err != nil {
		t.Fatal(err)
	}

	img := image.NewNRGBA(image.Rect(0, 0, 8, 4))
	for i := 0; i < len(img.Pix); i += 4 {
		img.Pix[i], img.Pix[i+1], img.Pix[i+2], img.Pix[i+3] = sky.R, sky.G, sky.B, sky.A
	}
	out, err := os.Create(f.envPath)
	if err != nil {
		t.Fatal(err)
	}
	defer out.Close()
	if err := png.Encode(out, img); err != nil {
		t.Fatal(err)
	}
	return f
}

// recordingMethod logs its lifecycle into the device call log so ordering against device calls
// can be checked.
type recordingMethod struct {
	kind   render.Kind
	device *gputest.Device
	state  render.State
	runs   []core1_0.Extent2D
}

func (m *recordingMethod) Create(extent core1_0.Extent2D, layouts []gpu.DescriptorSetLayout, scn *scene.Scene) error {
	m.device.Record("Create:" + m.kind.String())
	return nil
}

func (m *recordingMethod) Run(cb gpu.CommandBuffer, extent core1_0.Extent2D, prof *profiler.Profiler, sets []gpu.DescriptorSet) error {
	m.runs = append(m.runs, extent)
	return nil
}

func (m *recordingMethod) SetPushConstants(state render.State) {
	m.state = state
}

func (m *recordingMethod) Destroy() {
	m.device.Record("Destroy:" + m.kind.String())
}

func (m *recordingMethod) Name() string {
	return m.kind.String()
}

type recordingFactory struct {
	device  *gputest.Device
	methods map[render.Kind]*recordingMethod
}

func (f *recordingFactory) New(kind render.Kind) (render.Method, error) {
	if kind == render.KindNone {
		return nil, fmt.Errorf("no method for %s", kind)
	}
	m := &recordingMethod{kind: kind, device: f.device}
	f.methods[kind] = m
	return m, nil
}

func newOrchestrator(t *testing.T, device *gputest.Device, opts Options) *Orchestrator {
	t.Helper()
	opts.Device = device
	opts.Logger = discardLogger()
	o, err := New(opts)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return o
}

// prepare runs everything Run does before the first frame.
func prepare(t *testing.T, o *Orchestrator, fx fixture, extent core1_0.Extent2D) {
	t.Helper()
	if err := o.Targets().Setup(); err != nil {
		t.Fatal(err)
	}
	if err := o.CreateTargets(extent); err != nil {
		t.Fatal(err)
	}
	if err := o.CreateOffscreenRender(); err != nil {
		t.Fatal(err)
	}
	if err := o.LoadEnvironment(fx.envPath); err != nil {
		t.Fatal(err)
	}
	if err := o.LoadScene(context.Background(), fx.scenePath); err != nil {
		t.Fatal(err)
	}
	o.SetRenderRegion(core1_0.Rect2D{Extent: extent})
}

func TestRunWritesSampleImage(t *testing.T) {
	tests := []struct {
		name string
		sky  color.NRGBA
		want [3]byte
	}{
		{"white sky", color.NRGBA{255, 255, 255, 255}, [3]byte{255, 255, 255}},
		// Red has a luminance of 0.2126, so the firefly clamp caps it at 0.85.
		{"red sky clamped", color.NRGBA{255, 0, 0, 255}, [3]byte{217, 0, 0}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			device := gputest.New()
			fx := writeFixture(t, tt.sky)
			monitor := profiler.NewHostMonitor()
			o := newOrchestrator(t, device, Options{
				Monitor:         monitor,
				ScenePath:       fx.scenePath,
				EnvironmentPath: fx.envPath,
				OutputPath:      fx.outPath,
				Samples:         64,
			})

			if err := o.Run(context.Background()); err != nil {
				t.Fatalf("Run: %v", err)
			}
			if got := o.Frame(); got.State.Frame != 0 || got.State.MaxSamples != 64 || got.State.MaxDepth != 10 {
				t.Errorf("frame state = %+v", got.State)
			}
			if monitor.Refreshes() != 1 {
				t.Errorf("monitor refreshes = %d, want 1", monitor.Refreshes())
			}

			data, err := os.ReadFile(fx.outPath)
			if err != nil {
				t.Fatal(err)
			}
			header := []byte("P6\n1008\n660\n255\n")
			if len(data) != len(header)+SampleWidth*SampleHeight*3 {
				t.Fatalf("file size = %d, want %d", len(data), len(header)+SampleWidth*SampleHeight*3)
			}
			if !bytes.HasPrefix(data, header) {
				t.Fatalf("header = %q", data[:len(header)])
			}
			pixels := data[len(header):]
			for _, i := range []int{0, len(pixels)/2 - len(pixels)/2%3, len(pixels) - 3} {
				if [3]byte(pixels[i:i+3]) != tt.want {
					t.Errorf("pixel at byte %d = %v, want %v", i, pixels[i:i+3], tt.want)
				}
			}

			o.Destroy()
			if live := device.Live(); live.Total() != 0 {
				t.Errorf("live after Destroy = %+v", live)
			}
			if v := device.Violations(); len(v) != 0 {
				t.Errorf("violations: %v", v)
			}
		})
	}
}

func TestRunFailsWithoutEnvironment(t *testing.T) {
	device := gputest.New()
	fx := writeFixture(t, color.NRGBA{255, 255, 255, 255})
	o := newOrchestrator(t, device, Options{
		Extent:          core1_0.Extent2D{Width: 16, Height: 16},
		ScenePath:       fx.scenePath,
		EnvironmentPath: filepath.Join(t.TempDir(), "missing.png"),
		OutputPath:      fx.outPath,
	})

	if err := o.Run(context.Background()); err == nil {
		t.Fatal("expected Run to fail")
	}
	if _, err := os.Stat(fx.outPath); !os.IsNotExist(err) {
		t.Error("output written after a failed run")
	}

	o.Destroy()
	if live := device.Live(); live.Total() != 0 {
		t.Errorf("live after Destroy = %+v", live)
	}
}

func TestLoadSceneFailureLeaksNothing(t *testing.T) {
	device := gputest.New()
	fx := writeFixture(t, color.NRGBA{255, 255, 255, 255})
	o := newOrchestrator(t, device, Options{})
	if err := o.CreateTargets(core1_0.Extent2D{Width: 8, Height: 8}); err != nil {
		t.Fatal(err)
	}
	if err := o.CreateOffscreenRender(); err != nil {
		t.Fatal(err)
	}

	if err := o.LoadScene(context.Background(), filepath.Join(t.TempDir(), "missing.obj")); err == nil {
		t.Fatal("expected LoadScene to fail")
	}
	if o.Scene() != nil {
		t.Error("scene set after a failed load")
	}

	// A good load after a failed one still works, and so does reloading over it.
	for i := 0; i < 2; i++ {
		if err := o.LoadScene(context.Background(), fx.scenePath); err != nil {
			t.Fatalf("LoadScene %d: %v", i, err)
		}
	}

	o.Destroy()
	if live := device.Live(); live.Total() != 0 {
		t.Errorf("live after Destroy = %+v", live)
	}
	if v := device.Violations(); len(v) != 0 {
		t.Errorf("violations: %v", v)
	}
}

func TestResetFrameIsIdempotent(t *testing.T) {
	o := newOrchestrator(t, gputest.New(), Options{})
	o.frame.State.Frame = 12
	o.ResetFrame()
	o.ResetFrame()
	if got := o.Frame().State.Frame; got != render.FrameRestart {
		t.Errorf("frame = %d, want %d", got, render.FrameRestart)
	}
}

func TestSetRenderRegionResetsOnChange(t *testing.T) {
	o := newOrchestrator(t, gputest.New(), Options{})
	region := core1_0.Rect2D{Extent: core1_0.Extent2D{Width: 100, Height: 50}}

	o.SetRenderRegion(region)
	o.frame.State.Frame = 7
	o.SetRenderRegion(region)
	if got := o.Frame().State.Frame; got != 7 {
		t.Errorf("frame after same region = %d, want 7", got)
	}

	region.Offset.X = 10
	o.SetRenderRegion(region)
	if got := o.Frame().State.Frame; got != render.FrameRestart {
		t.Errorf("frame after new region = %d, want %d", got, render.FrameRestart)
	}
	if o.Frame().Region != region {
		t.Errorf("region = %+v, want %+v", o.Frame().Region, region)
	}
}

func TestSetDescaling(t *testing.T) {
	tests := []struct {
		name      string
		level     int
		descaling bool
		reset     bool
	}{
		{"off stays off", 1, false, false},
		{"zero is off", 0, false, false},
		{"turning on", 2, true, true},
		{"level change", 4, true, true},
	}

	o := newOrchestrator(t, gputest.New(), Options{})
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			o.frame.State.Frame = 3
			o.SetDescaling(tt.level)
			got := o.Frame()
			if got.Descaling != tt.descaling {
				t.Errorf("descaling = %v, want %v", got.Descaling, tt.descaling)
			}
			if reset := got.State.Frame == render.FrameRestart; reset != tt.reset {
				t.Errorf("reset = %v, want %v", reset, tt.reset)
			}
		})
	}
}

func TestSelectMethodOrdering(t *testing.T) {
	device := gputest.New()
	factory := &recordingFactory{device: device, methods: map[render.Kind]*recordingMethod{}}
	fx := writeFixture(t, color.NRGBA{255, 255, 255, 255})
	o := newOrchestrator(t, device, Options{
		Method:    render.KindSolid,
		NewMethod: factory.New,
	})
	prepare(t, o, fx, core1_0.Extent2D{Width: 32, Height: 16})
	if o.Frame().Method != render.KindSolid {
		t.Fatalf("method after load = %s", o.Frame().Method)
	}

	device.ResetCalls()
	o.frame.State.Frame = 4
	if err := o.SelectMethod(render.KindSky); err != nil {
		t.Fatal(err)
	}
	want := []string{"WaitIdle", "Destroy:Solid", "Create:Sky"}
	if calls := device.Calls(); fmt.Sprint(calls) != fmt.Sprint(want) {
		t.Errorf("calls = %v, want %v", calls, want)
	}
	if o.Frame().State.Frame != render.FrameRestart {
		t.Errorf("frame not reset by a method switch")
	}

	device.ResetCalls()
	o.frame.State.Frame = 4
	if err := o.SelectMethod(render.KindSky); err != nil {
		t.Fatal(err)
	}
	if calls := device.Calls(); len(calls) != 0 {
		t.Errorf("reselecting the current method made calls %v", calls)
	}
	if o.Frame().State.Frame != 4 {
		t.Errorf("reselecting the current method reset the frame")
	}

	// Switching back reuses the cached method.
	if err := o.SelectMethod(render.KindSolid); err != nil {
		t.Fatal(err)
	}
	if len(factory.methods) != 2 {
		t.Errorf("factory built %d methods, want 2", len(factory.methods))
	}

	o.Destroy()
	if live := device.Live(); live.Total() != 0 {
		t.Errorf("live after Destroy = %+v", live)
	}
}

func TestRenderScene(t *testing.T) {
	device := gputest.New()
	factory := &recordingFactory{device: device, methods: map[render.Kind]*recordingMethod{}}
	fx := writeFixture(t, color.NRGBA{255, 255, 255, 255})
	o := newOrchestrator(t, device, Options{NewMethod: factory.New})
	extent := core1_0.Extent2D{Width: 64, Height: 32}
	prepare(t, o, fx, extent)
	defer o.Destroy()
	m := factory.methods[render.KindSky]

	cb, err := o.engine.BeginCommandBuffer()
	if err != nil {
		t.Fatal(err)
	}

	if err := o.RenderScene(cb); err != nil {
		t.Fatal(err)
	}
	if m.state.Frame != 0 || m.state.Size != [2]int32{64, 32} {
		t.Errorf("pushed state = %+v", m.state)
	}

	o.SetDescaling(4)
	if err := o.RenderScene(cb); err != nil {
		t.Fatal(err)
	}
	if got := m.runs[len(m.runs)-1]; got != (core1_0.Extent2D{Width: 16, Height: 8}) {
		t.Errorf("descaled run extent = %+v", got)
	}
	if err := o.DrawPost(cb); err != nil {
		t.Fatal(err)
	}
	if zoom := o.post.(*offscreen.Tonemapper).Zoom(); zoom != 0.25 {
		t.Errorf("post zoom with descaling 4 = %v, want 0.25", zoom)
	}

	o.frame.State.Frame = maxFrames
	runs := len(m.runs)
	if err := o.RenderScene(cb); err != nil {
		t.Fatal(err)
	}
	if len(m.runs) != runs {
		t.Error("rendered past the frame limit")
	}
	if stats, _ := o.profiler.Stats("Render"); stats.Count != 3 {
		t.Errorf("Render section count = %d, want 3", stats.Count)
	}
}

func TestRenderFrameWithoutMethod(t *testing.T) {
	device := gputest.New()
	fx := writeFixture(t, color.NRGBA{255, 255, 255, 255})
	o := newOrchestrator(t, device, Options{})
	prepare(t, o, fx, core1_0.Extent2D{Width: 8, Height: 8})
	defer o.Destroy()

	if err := o.SelectMethod(render.KindNone); err != nil {
		t.Fatal(err)
	}
	if err := o.RenderFrame(); err == nil {
		t.Error("expected RenderFrame with no method to fail")
	}
}
