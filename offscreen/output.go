// Package offscreen owns the high-precision image render methods write into, and the post pass
// that tonemaps it into the color attachment.
package offscreen

import (
	"github.com/cockroachdb/errors"
	"github.com/vkngwrapper/core/v3/core1_0"
	"github.com/vkngwrapper/headless/gpu"
	"golang.org/x/exp/slog"
)

const OutputFormat = core1_0.FormatR32G32B32A32SignedFloat

// Output is the storage image a render method accumulates radiance into.
type Output struct {
	allocator *gpu.Allocator
	device    gpu.Device
	queue     gpu.Queue
	logger    *slog.Logger

	extent     core1_0.Extent2D
	image      *gpu.ImageAllocation
	view       gpu.ImageView
	layout     core1_0.ImageLayout
	descLayout gpu.DescriptorSetLayout
	descPool   gpu.DescriptorPool
	descSet    gpu.DescriptorSet

	radiance [4]float32
}

// NewOutput returns an output whose initial layout transition is submitted on queue.
func NewOutput(allocator *gpu.Allocator, queue gpu.Queue, logger *slog.Logger) *Output {
	return &Output{
		allocator: allocator,
		device:    allocator.Device(),
		queue:     queue,
		logger:    logger,
	}
}

// Create builds the output image for extent, destroying any previous one first.
func (o *Output) Create(extent core1_0.Extent2D) error {
	o.Destroy()

	var err error
	o.image, err = o.allocator.CreateImage(gpu.ImageInfo{
		Format: OutputFormat,
		Extent: extent,
		Tiling: core1_0.ImageTilingOptimal,
		Usage:  core1_0.ImageUsageStorage | core1_0.ImageUsageTransferDst | core1_0.ImageUsageSampled,
	}, core1_0.MemoryPropertyDeviceLocal)
	if err != nil {
		return errors.Wrapf(err, "create offscreen output %dx%d", extent.Width, extent.Height)
	}
	o.layout = core1_0.ImageLayoutUndefined
	o.extent = extent

	o.view, err = o.device.CreateImageView(gpu.ImageViewInfo{
		Image:  o.image.Image,
		Format: OutputFormat,
		Aspect: core1_0.ImageAspectColor,
	})
	if err != nil {
		o.Destroy()
		return err
	}

	err = o.createDescriptorSet()
	if err != nil {
		o.Destroy()
		return err
	}

	err = o.initLayout()
	if err != nil {
		o.Destroy()
		return errors.Wrap(err, "transition offscreen output")
	}

	o.logger.Debug("created offscreen output",
		slog.Int("width", extent.Width),
		slog.Int("height", extent.Height))
	return nil
}

// initLayout moves the new image into the general layout storage writes expect.
func (o *Output) initLayout() error {
	var scratch gpu.Arena
	defer scratch.Release()

	pool, err := o.device.CreateCommandPool(o.queue.FamilyIndex, core1_0.CommandPoolCreateTransient)
	if err != nil {
		return err
	}
	scratch.Defer(func() { o.device.DestroyCommandPool(pool) })

	cb, err := o.device.AllocateCommandBuffer(pool)
	if err != nil {
		return err
	}
	scratch.Defer(func() { o.device.FreeCommandBuffer(pool, cb) })

	err = o.device.BeginCommandBuffer(cb, core1_0.CommandBufferUsageOneTimeSubmit)
	if err != nil {
		return err
	}
	err = o.device.CmdPipelineBarrier(cb, core1_0.PipelineStageTopOfPipe, core1_0.PipelineStageAllCommands,
		gpu.ImageBarrier{
			Image:     o.image.Image,
			Aspect:    core1_0.ImageAspectColor,
			OldLayout: core1_0.ImageLayoutUndefined,
			NewLayout: core1_0.ImageLayoutGeneral,
			DstAccess: core1_0.AccessShaderRead | core1_0.AccessShaderWrite,
		})
	if err != nil {
		return err
	}
	err = o.device.EndCommandBuffer(cb)
	if err != nil {
		return err
	}

	err = o.device.QueueSubmit(o.queue, cb, 0)
	if err != nil {
		return err
	}
	err = o.device.QueueWaitIdle(o.queue)
	if err != nil {
		return err
	}
	o.layout = core1_0.ImageLayoutGeneral
	return nil
}

func (o *Output) createDescriptorSet() error {
	var err error
	o.descLayout, err = o.device.CreateDescriptorSetLayout([]core1_0.DescriptorSetLayoutBinding{
		{
			Binding:         0,
			DescriptorType:  core1_0.DescriptorTypeStorageImage,
			DescriptorCount: 1,
			StageFlags:      core1_0.StageCompute | core1_0.StageFragment,
		},
	})
	if err != nil {
		return err
	}

	o.descPool, err = o.device.CreateDescriptorPool(1, []core1_0.DescriptorPoolSize{
		{Type: core1_0.DescriptorTypeStorageImage, DescriptorCount: 1},
	})
	if err != nil {
		return err
	}

	o.descSet, err = o.device.AllocateDescriptorSet(o.descPool, o.descLayout)
	if err != nil {
		return err
	}

	return o.device.UpdateDescriptorSets(gpu.DescriptorWrite{
		Set:         o.descSet,
		Binding:     0,
		Type:        core1_0.DescriptorTypeStorageImage,
		ImageView:   o.view,
		ImageLayout: core1_0.ImageLayoutGeneral,
	})
}

func (o *Output) Extent() core1_0.Extent2D {
	return o.extent
}

func (o *Output) View() gpu.ImageView {
	return o.view
}

func (o *Output) DescriptorSetLayout() gpu.DescriptorSetLayout {
	return o.descLayout
}

func (o *Output) DescriptorSet() gpu.DescriptorSet {
	return o.descSet
}

func (o *Output) Image() gpu.Image {
	if o.image == nil {
		return 0
	}
	return o.image.Image
}

// Layout is the layout the image will be in once every recorded command has executed.
func (o *Output) Layout() core1_0.ImageLayout {
	return o.layout
}

// Transition records a barrier from the tracked layout to layout.
func (o *Output) Transition(cb gpu.CommandBuffer, layout core1_0.ImageLayout, srcAccess, dstAccess core1_0.AccessFlags) error {
	err := o.device.CmdPipelineBarrier(cb,
		core1_0.PipelineStageAllCommands, core1_0.PipelineStageAllCommands,
		gpu.ImageBarrier{
			Image:     o.image.Image,
			Aspect:    core1_0.ImageAspectColor,
			OldLayout: o.layout,
			NewLayout: layout,
			SrcAccess: srcAccess,
			DstAccess: dstAccess,
		})
	if err != nil {
		return err
	}
	o.layout = layout
	return nil
}

// Radiance is the color most recently written by a render method.
func (o *Output) Radiance() [4]float32 {
	return o.radiance
}

func (o *Output) SetRadiance(c [4]float32) {
	o.radiance = c
}

func (o *Output) Destroy() {
	if o.descPool.Initialized() {
		o.device.DestroyDescriptorPool(o.descPool)
		o.descPool = 0
		o.descSet = 0
	}
	if o.descLayout.Initialized() {
		o.device.DestroyDescriptorSetLayout(o.descLayout)
		o.descLayout = 0
	}
	if o.view.Initialized() {
		o.device.DestroyImageView(o.view)
		o.view = 0
	}
	o.image.Release()
	o.image = nil
	o.layout = core1_0.ImageLayoutUndefined
}
