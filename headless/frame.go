package headless

import (
	"github.com/cockroachdb/errors"
	"github.com/vkngwrapper/core/v3/core1_0"
	"github.com/vkngwrapper/headless/gpu"
	"github.com/vkngwrapper/headless/render"
	"golang.org/x/exp/slog"
)

// FrameState is what decides whether accumulated samples are still valid.
type FrameState struct {
	Method render.Kind
	// State carries the frame counter. It is render.FrameRestart after any reset.
	State          render.State
	Region         core1_0.Rect2D
	Descaling      bool
	DescalingLevel int
}

func (o *Orchestrator) Frame() FrameState {
	return o.frame
}

// ResetFrame restarts accumulation on the next rendered frame.
func (o *Orchestrator) ResetFrame() {
	o.frame.State.Frame = render.FrameRestart
}

// SetRenderRegion restarts accumulation whenever the region changes.
func (o *Orchestrator) SetRenderRegion(region core1_0.Rect2D) {
	if region != o.frame.Region {
		o.ResetFrame()
	}
	o.frame.Region = region
}

// SetDescaling renders at 1/level of the region size. A level below 2 turns descaling off.
func (o *Orchestrator) SetDescaling(level int) {
	enabled := level > 1
	if enabled != o.frame.Descaling || enabled && level != o.frame.DescalingLevel {
		o.ResetFrame()
	}
	o.frame.Descaling = enabled
	o.frame.DescalingLevel = max(level, 1)
}

// SelectMethod switches the render method. The device is idled before the current method is
// destroyed, then the new one is created.
func (o *Orchestrator) SelectMethod(kind render.Kind) error {
	if kind == o.frame.Method {
		return nil
	}

	o.logger.Info("switching renderer",
		slog.String("from", o.frame.Method.String()),
		slog.String("to", kind.String()))

	if o.method != nil {
		err := o.device.WaitIdle()
		if err != nil {
			return err
		}
		o.method.Destroy()
		o.method = nil
	}
	o.frame.Method = render.KindNone
	o.ResetFrame()

	if kind == render.KindNone {
		return nil
	}

	m, err := o.methodFor(kind)
	if err != nil {
		return err
	}
	layouts, err := o.layouts()
	if err != nil {
		return err
	}
	err = m.Create(o.targets.Extent(), layouts, o.scene)
	if err != nil {
		return errors.Wrapf(err, "create %s renderer", kind)
	}

	o.method = m
	o.frame.Method = kind
	return nil
}

func (o *Orchestrator) methodFor(kind render.Kind) (render.Method, error) {
	if m, ok := o.methods[kind]; ok {
		return m, nil
	}
	m, err := o.newMethod(kind)
	if err != nil {
		return nil, err
	}
	o.methods[kind] = m
	return m, nil
}

// layouts lists the descriptor set layouts every method binds, in set order.
func (o *Orchestrator) layouts() ([]gpu.DescriptorSetLayout, error) {
	if o.scene == nil {
		return nil, errors.New("no scene loaded")
	}
	return []gpu.DescriptorSetLayout{
		o.accel.DescriptorSetLayout(),
		o.output.DescriptorSetLayout(),
		o.scene.DescriptorSetLayout(),
		o.descLayout,
	}, nil
}

func (o *Orchestrator) descriptorSets() []gpu.DescriptorSet {
	return []gpu.DescriptorSet{
		o.accel.DescriptorSet(),
		o.output.DescriptorSet(),
		o.scene.DescriptorSet(),
		o.descSet,
	}
}

// UpdateUniformBuffer records the camera and sun-and-sky updates for this frame.
func (o *Orchestrator) UpdateUniformBuffer(cb gpu.CommandBuffer) error {
	if o.scene == nil || o.sunAndSkyAlloc == nil {
		return errors.New("uniform update before the scene is loaded")
	}
	region := o.frame.Region.Extent
	if region.Height == 0 {
		return errors.New("uniform update with an empty render region")
	}
	aspect := float32(region.Width) / float32(region.Height)

	err := o.scene.UpdateCamera(cb, aspect)
	if err != nil {
		return err
	}
	return o.device.CmdUpdateBuffer(cb, o.sunAndSkyAlloc.Buffer, 0, o.sunAndSky.Bytes())
}

// RenderScene advances the frame counter and records the current method. Once maxFrames
// frames have accumulated it records nothing.
func (o *Orchestrator) RenderScene(cb gpu.CommandBuffer) error {
	if o.monitor != nil {
		o.monitor.Refresh()
	}

	section := o.profiler.TimeRecurring("Render")
	defer section.End()

	if o.frame.State.Frame >= maxFrames {
		return nil
	}
	if o.method == nil {
		return errors.New("no render method selected")
	}
	o.frame.State.Frame++

	size := o.frame.Region.Extent
	if o.frame.Descaling {
		size = core1_0.Extent2D{
			Width:  size.Width / o.frame.DescalingLevel,
			Height: size.Height / o.frame.DescalingLevel,
		}
	}

	extent := o.targets.Extent()
	o.frame.State.Size = [2]int32{int32(extent.Width), int32(extent.Height)}
	o.method.SetPushConstants(o.frame.State)
	return o.method.Run(cb, size, o.profiler, o.descriptorSets())
}

// DrawPost records the post pass. It must be inside the render pass.
func (o *Orchestrator) DrawPost(cb gpu.CommandBuffer) error {
	viewport := core1_0.Rect2D{
		Offset: o.frame.Region.Offset,
		Extent: o.targets.Extent(),
	}
	zoom := float32(1)
	if o.frame.Descaling {
		zoom = 1 / float32(o.frame.DescalingLevel)
	}
	return o.post.Draw(cb, viewport, zoom)
}

// RenderFrame records, submits and waits for one complete frame.
func (o *Orchestrator) RenderFrame() error {
	o.profiler.BeginFrame()

	cb, err := o.engine.BeginCommandBuffer()
	if err != nil {
		return err
	}

	err = o.UpdateUniformBuffer(cb)
	if err != nil {
		return err
	}

	err = o.RenderScene(cb)
	if err != nil {
		return err
	}

	section := o.profiler.TimeRecurring("Tonemap")
	err = o.device.CmdBeginRenderPass(cb, gpu.RenderPassBegin{
		RenderPass:   o.targets.RenderPass(),
		Framebuffer:  o.targets.Framebuffer(),
		Area:         core1_0.Rect2D{Extent: o.targets.Extent()},
		ClearColor:   [4]float32{0, 0, 0, 0},
		ClearDepth:   1,
		ClearStencil: 0,
	})
	if err != nil {
		return err
	}

	err = o.DrawPost(cb)
	if err != nil {
		return err
	}

	o.device.CmdEndRenderPass(cb)
	section.End()
	o.profiler.EndFrame()

	err = o.engine.SubmitAndWait(cb)
	if err != nil {
		return errors.Wrap(err, "submit frame")
	}
	return o.device.WaitIdle()
}
