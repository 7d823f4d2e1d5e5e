package render

import (
	"io"
	"strings"
	"testing"

	"github.com/go-gl/mathgl/mgl32"
	"github.com/vkngwrapper/core/v3/core1_0"
	"github.com/vkngwrapper/headless/gpu"
	"github.com/vkngwrapper/headless/gpu/gputest"
	"github.com/vkngwrapper/headless/offscreen"
	"github.com/vkngwrapper/headless/profiler"
	"github.com/vkngwrapper/headless/scene"
	"golang.org/x/exp/slog"
)

const triangle = `o tri
v 0 0 0
v 1 0 0
v 0 1 0
usemtl blue
f 1 2 3
`

const blue = `newmtl blue
Kd 0.5 0.25 1.0
`

type fixedEnv struct {
	env *scene.Environment
}

func (f fixedEnv) Environment() *scene.Environment {
	return f.env
}

type fixture struct {
	device *gputest.Device
	output *offscreen.Output
	logger *slog.Logger
	scn    *scene.Scene
	pool   gpu.CommandPool
}

func newFixture(t *testing.T) *fixture {
	device := gputest.New()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	output := offscreen.NewOutput(gpu.NewAllocator(device, logger), gpu.Queue{Role: gpu.RoleTransfer}, logger)
	if err := output.Create(core1_0.Extent2D{Width: 16, Height: 8}); err != nil {
		t.Fatalf("output.Create: %v", err)
	}
	scn, err := scene.DecodeReader("tri", strings.NewReader(triangle), strings.NewReader(blue))
	if err != nil {
		t.Fatalf("DecodeReader: %v", err)
	}
	pool, err := device.CreateCommandPool(0, core1_0.CommandPoolCreateResetBuffer)
	if err != nil {
		t.Fatalf("CreateCommandPool: %v", err)
	}
	return &fixture{device: device, output: output, logger: logger, scn: scn, pool: pool}
}

// run records one Run of m and executes it.
func (f *fixture) run(t *testing.T, m Method, prof *profiler.Profiler) {
	t.Helper()
	cb, err := f.device.AllocateCommandBuffer(f.pool)
	if err != nil {
		t.Fatal(err)
	}
	defer f.device.FreeCommandBuffer(f.pool, cb)
	if err := f.device.BeginCommandBuffer(cb, core1_0.CommandBufferUsageOneTimeSubmit); err != nil {
		t.Fatal(err)
	}
	if err := m.Run(cb, f.output.Extent(), prof, []gpu.DescriptorSet{f.output.DescriptorSet()}); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if err := f.device.EndCommandBuffer(cb); err != nil {
		t.Fatal(err)
	}
	if err := f.device.QueueSubmit(gpu.Queue{}, cb, 0); err != nil {
		t.Fatal(err)
	}
}

func TestMethodRadiance(t *testing.T) {
	env := &scene.Environment{Mean: mgl32.Vec3{0.1, 0.2, 0.3}}

	tests := []struct {
		name  string
		kind  Kind
		env   *scene.Environment
		state func(*State)
		want  [4]float32
	}{
		{"solid", KindSolid, nil, func(*State) {}, [4]float32{0.5, 0.25, 1, 1}},
		{"solid clamped", KindSolid, nil, func(s *State) { s.HdrMultiplier = 4 }, [4]float32{0.5, 0.25, 1, 1}},
		{"solid unclamped", KindSolid, nil, func(s *State) { s.HdrMultiplier = 4; s.FireflyClampThreshold = 0 }, [4]float32{2, 1, 4, 1}},
		{"sky", KindSky, env, func(*State) {}, [4]float32{0.1, 0.2, 0.3, 1}},
		{"sky multiplier", KindSky, env, func(s *State) { s.HdrMultiplier = 2 }, [4]float32{0.2, 0.4, 0.6, 1}},
		{"sky without environment", KindSky, nil, func(*State) {}, [4]float32{0, 0, 0, 1}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			m, err := New(tt.kind, f.device, f.output, fixedEnv{tt.env}, f.logger)
			if err != nil {
				t.Fatalf("New: %v", err)
			}
			if err := m.Create(f.output.Extent(), []gpu.DescriptorSetLayout{f.output.DescriptorSetLayout()}, f.scn); err != nil {
				t.Fatalf("Create: %v", err)
			}
			state := DefaultState()
			tt.state(&state)
			m.SetPushConstants(state)
			if got := m.(interface{ State() State }).State(); got != state {
				t.Errorf("State() = %+v, want %+v", got, state)
			}

			prof := profiler.New()
			f.run(t, m, prof)

			got := f.output.Radiance()
			for i := range got {
				if !mgl32.FloatEqualThreshold(got[i], tt.want[i], 1e-5) {
					t.Fatalf("radiance = %v, want %v", got, tt.want)
				}
			}
			if f.output.Layout() != core1_0.ImageLayoutGeneral || f.device.Layout(f.output.Image()) != core1_0.ImageLayoutGeneral {
				t.Errorf("output layout = %s", f.device.Layout(f.output.Image()))
			}
			if s, ok := prof.Stats(m.Name()); !ok || s.Count != 1 {
				t.Errorf("profiler section %q = %+v", m.Name(), s)
			}
			if v := f.device.Violations(); len(v) != 0 {
				t.Errorf("violations: %v", v)
			}
			m.Destroy()
		})
	}
}

func TestMethodLifecycleErrors(t *testing.T) {
	f := newFixture(t)
	m := NewSolid(f.device, f.output, f.logger)

	cb, err := f.device.AllocateCommandBuffer(f.pool)
	if err != nil {
		t.Fatal(err)
	}
	if err := m.Run(cb, f.output.Extent(), nil, nil); err == nil {
		t.Error("expected Run before Create to fail")
	}
	if err := m.Create(f.output.Extent(), nil, nil); err == nil {
		t.Error("expected Create without a scene to fail")
	}
	if err := m.Create(f.output.Extent(), []gpu.DescriptorSetLayout{0}, f.scn); err == nil {
		t.Error("expected Create with an uninitialized layout to fail")
	}
	if err := m.Create(core1_0.Extent2D{Width: 4, Height: 4}, nil, f.scn); err != nil {
		t.Fatal(err)
	}
	if err := m.Run(cb, core1_0.Extent2D{Width: 8, Height: 4}, nil, nil); err == nil {
		t.Error("expected Run with a larger extent to fail")
	}
	m.Destroy()
	if err := m.Run(cb, core1_0.Extent2D{Width: 4, Height: 4}, nil, nil); err == nil {
		t.Error("expected Run after Destroy to fail")
	}
}

func TestKinds(t *testing.T) {
	tests := []struct {
		kind Kind
		name string
	}{
		{KindNone, "None"},
		{KindSolid, "Solid"},
		{KindSky, "Sky"},
		{Kind(7), "Kind(7)"},
	}
	for _, tt := range tests {
		if got := tt.kind.String(); got != tt.name {
			t.Errorf("Kind(%d).String() = %q, want %q", int(tt.kind), got, tt.name)
		}
	}

	if _, err := New(KindNone, nil, nil, nil, nil); err == nil {
		t.Error("expected New(KindNone) to fail")
	}
}

func TestStateBytes(t *testing.T) {
	state := DefaultState()
	state.Frame = FrameRestart
	b := state.Bytes()
	if len(b) != 48 {
		t.Fatalf("state size = %d, want 48", len(b))
	}
	if b[0] != 0xff || b[1] != 0xff || b[2] != 0xff || b[3] != 0xff {
		t.Errorf("frame bytes = % x, want the restart sentinel", b[:4])
	}
}
