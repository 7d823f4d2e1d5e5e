package offscreen

import (
	"math"

	"github.com/cockroachdb/errors"
	"github.com/vkngwrapper/core/v3/core1_0"
	"github.com/vkngwrapper/headless/gpu"
	"golang.org/x/exp/slog"
)

// Tonemapper draws the offscreen output into the bound color attachment.
type Tonemapper struct {
	Exposure float32
	Gamma    float32

	device     gpu.Device
	output     *Output
	logger     *slog.Logger
	extent     core1_0.Extent2D
	renderPass gpu.RenderPass
	zoom       float32
}

func NewTonemapper(device gpu.Device, output *Output, logger *slog.Logger) *Tonemapper {
	return &Tonemapper{
		Exposure: 1,
		Gamma:    1,
		device:   device,
		output:   output,
		logger:   logger,
		zoom:     1,
	}
}

func (t *Tonemapper) Create(extent core1_0.Extent2D, renderPass gpu.RenderPass) error {
	if !renderPass.Initialized() {
		return errors.New("tonemapper needs a render pass")
	}
	t.extent = extent
	t.renderPass = renderPass
	return nil
}

// Zoom is the zoom most recently passed to Draw.
func (t *Tonemapper) Zoom() float32 {
	return t.zoom
}

// Map applies exposure and gamma to a linear color and clamps it to [0, 1].
func (t *Tonemapper) Map(c [4]float32) [4]float32 {
	gamma := t.Gamma
	if gamma <= 0 {
		gamma = 1
	}
	var out [4]float32
	for i := 0; i < 3; i++ {
		v := float64(c[i] * t.Exposure)
		if v <= 0 {
			continue
		}
		out[i] = float32(math.Min(1, math.Pow(v, 1/float64(gamma))))
	}
	out[3] = 1
	return out
}

// Draw must be recorded inside the render pass passed to Create. The scissor always covers the
// extent given to Create, whatever the viewport offset. zoom is only recorded for Zoom: the pass
// is a flat clear, so there is no descaled image to sample.
func (t *Tonemapper) Draw(cb gpu.CommandBuffer, viewport core1_0.Rect2D, zoom float32) error {
	if !t.renderPass.Initialized() {
		return errors.New("tonemapper drawn before Create")
	}
	t.zoom = zoom

	scissor := core1_0.Rect2D{Extent: t.extent}
	t.device.CmdSetViewport(cb, core1_0.Viewport{
		X:        float32(viewport.Offset.X),
		Y:        float32(viewport.Offset.Y),
		Width:    float32(viewport.Extent.Width),
		Height:   float32(viewport.Extent.Height),
		MinDepth: 0,
		MaxDepth: 1,
	}, scissor)

	return t.device.CmdClearColorAttachment(cb, t.Map(t.output.Radiance()), scissor)
}

func (t *Tonemapper) Destroy() {
	t.renderPass = 0
}
