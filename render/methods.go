package render

import (
	"github.com/cockroachdb/errors"
	"github.com/go-gl/mathgl/mgl32"
	"github.com/vkngwrapper/core/v3/core1_0"
	"github.com/vkngwrapper/headless/gpu"
	"github.com/vkngwrapper/headless/offscreen"
	"github.com/vkngwrapper/headless/profiler"
	"github.com/vkngwrapper/headless/scene"
	"golang.org/x/exp/slog"
)

// EnvironmentSource hands out the environment currently lighting the scene, which may change
// between frames.
type EnvironmentSource interface {
	Environment() *scene.Environment
}

// radianceFunc computes the flat radiance a method writes for the current state.
type radianceFunc func(state State) mgl32.Vec3

// method is the shared body of the built-in methods. Each one resolves a single radiance value
// on the host and clears the offscreen output to it.
type method struct {
	name     string
	device   gpu.Device
	output   *offscreen.Output
	logger   *slog.Logger
	radiance radianceFunc

	state   State
	scn     *scene.Scene
	extent  core1_0.Extent2D
	created bool
}

func (m *method) Name() string {
	return m.name
}

func (m *method) Create(extent core1_0.Extent2D, layouts []gpu.DescriptorSetLayout, scn *scene.Scene) error {
	if scn == nil {
		return errors.Newf("%s: create without a scene", m.name)
	}
	for i, layout := range layouts {
		if !layout.Initialized() {
			return errors.Newf("%s: descriptor set layout %d is not initialized", m.name, i)
		}
	}
	m.scn = scn
	m.extent = extent
	m.created = true

	m.logger.Info("created render method",
		slog.String("method", m.name),
		slog.Int("width", extent.Width),
		slog.Int("height", extent.Height),
		slog.Int("triangles", scn.TriangleCount()))
	return nil
}

func (m *method) SetPushConstants(state State) {
	m.state = state
}

// State is the push-constant block most recently set.
func (m *method) State() State {
	return m.state
}

func (m *method) Run(cb gpu.CommandBuffer, extent core1_0.Extent2D, prof *profiler.Profiler, sets []gpu.DescriptorSet) error {
	if !m.created {
		return errors.Newf("%s: run before create", m.name)
	}
	if extent.Width > m.extent.Width || extent.Height > m.extent.Height {
		return errors.Newf("%s: run extent %dx%d exceeds created extent %dx%d",
			m.name, extent.Width, extent.Height, m.extent.Width, m.extent.Height)
	}
	for i, set := range sets {
		if !set.Initialized() {
			return errors.Newf("%s: descriptor set %d is not initialized", m.name, i)
		}
	}

	section := prof.TimeRecurring(m.name)
	defer section.End()

	c := clampRadiance(m.radiance(m.state), m.state.FireflyClampThreshold)
	color := [4]float32{c[0], c[1], c[2], 1}

	err := m.output.Transition(cb, core1_0.ImageLayoutTransferDstOptimal, core1_0.AccessShaderRead, core1_0.AccessTransferWrite)
	if err != nil {
		return err
	}
	err = m.device.CmdClearColorImage(cb, m.output.Image(), core1_0.ImageLayoutTransferDstOptimal, color)
	if err != nil {
		return err
	}
	err = m.output.Transition(cb, core1_0.ImageLayoutGeneral, core1_0.AccessTransferWrite, core1_0.AccessShaderRead)
	if err != nil {
		return err
	}

	m.output.SetRadiance(color)
	return nil
}

func (m *method) Destroy() {
	if m.created {
		m.logger.Debug("destroyed render method", slog.String("method", m.name))
	}
	m.created = false
	m.scn = nil
}

// clampRadiance scales c down so its largest channel does not exceed threshold. A threshold of
// zero or less disables the clamp.
func clampRadiance(c mgl32.Vec3, threshold float32) mgl32.Vec3 {
	if threshold <= 0 {
		return c
	}
	peak := max(c[0], c[1], c[2])
	if peak <= threshold {
		return c
	}
	return c.Mul(threshold / peak)
}

// Solid shades every pixel with the scene's average diffuse albedo.
type Solid struct {
	method
}

func NewSolid(device gpu.Device, output *offscreen.Output, logger *slog.Logger) *Solid {
	s := &Solid{}
	s.method = method{
		name:   KindSolid.String(),
		device: device,
		output: output,
		logger: logger,
	}
	s.radiance = func(state State) mgl32.Vec3 {
		return s.scn.AverageDiffuse().Mul(state.HdrMultiplier)
	}
	return s
}

// Sky shades every pixel with the mean radiance of the environment, or black without one.
type Sky struct {
	method

	env EnvironmentSource
}

func NewSky(device gpu.Device, output *offscreen.Output, env EnvironmentSource, logger *slog.Logger) *Sky {
	s := &Sky{env: env}
	s.method = method{
		name:   KindSky.String(),
		device: device,
		output: output,
		logger: logger,
	}
	s.radiance = func(state State) mgl32.Vec3 {
		e := s.env.Environment()
		if e == nil {
			return mgl32.Vec3{}
		}
		return e.Mean.Mul(state.HdrMultiplier)
	}
	return s
}

// New builds the method for kind. KindNone has no method.
func New(kind Kind, device gpu.Device, output *offscreen.Output, env EnvironmentSource, logger *slog.Logger) (Method, error) {
	switch kind {
	case KindSolid:
		return NewSolid(device, output, logger), nil
	case KindSky:
		return NewSky(device, output, env, logger), nil
	}
	return nil, errors.Newf("no render method for kind %s", kind)
}
