// Package headless renders a single frame without a window: it owns the render targets, records
// and submits command buffers, orchestrates the frame, and reads the result back to a file.
package headless

import (
	"github.com/cockroachdb/errors"
	"github.com/vkngwrapper/core/v3/core1_0"
	"github.com/vkngwrapper/headless/gpu"
	"golang.org/x/exp/slog"
)

type attachment struct {
	alloc  *gpu.ImageAllocation
	view   gpu.ImageView
	format core1_0.Format
	extent core1_0.Extent2D
}

func (a *attachment) image() gpu.Image {
	if a.alloc == nil {
		return 0
	}
	return a.alloc.Image
}

// destroy releases the view, then the image, then its memory.
func (a *attachment) destroy(device gpu.Device) {
	if a.view.Initialized() {
		device.DestroyImageView(a.view)
		a.view = 0
	}
	a.alloc.Release()
	a.alloc = nil
}

// Targets owns the color and depth attachments of the offscreen frame along with the render pass
// and framebuffer built on them.
type Targets struct {
	allocator *gpu.Allocator
	device    gpu.Device
	logger    *slog.Logger

	color         attachment
	depth         attachment
	renderPass    gpu.RenderPass
	framebuffer   gpu.Framebuffer
	pipelineCache gpu.PipelineCache
}

func NewTargets(allocator *gpu.Allocator, logger *slog.Logger) *Targets {
	return &Targets{
		allocator: allocator,
		device:    allocator.Device(),
		logger:    logger,
	}
}

// Setup creates the pipeline cache shared by every pipeline the render methods build.
func (t *Targets) Setup() error {
	if t.pipelineCache.Initialized() {
		t.device.DestroyPipelineCache(t.pipelineCache)
		t.pipelineCache = 0
	}

	var err error
	t.pipelineCache, err = t.device.CreatePipelineCache()
	return err
}

// CreateColorTarget replaces the color attachment.
func (t *Targets) CreateColorTarget(extent core1_0.Extent2D, format core1_0.Format) error {
	t.color.destroy(t.device)

	err := t.createAttachment(&t.color, extent, format,
		core1_0.ImageUsageColorAttachment|core1_0.ImageUsageTransferSrc,
		core1_0.ImageAspectColor)
	if err != nil {
		return errors.Wrapf(err, "create color target %dx%d %s", extent.Width, extent.Height, format)
	}
	return nil
}

// CreateDepthTarget replaces the depth attachment. FormatUndefined picks the first supported
// entry of gpu.DepthCandidates.
func (t *Targets) CreateDepthTarget(extent core1_0.Extent2D, format core1_0.Format) error {
	t.depth.destroy(t.device)

	if format == core1_0.FormatUndefined {
		var err error
		format, err = gpu.FindSupportedFormat(t.device, gpu.DepthCandidates,
			core1_0.ImageTilingOptimal, core1_0.FormatFeatureDepthStencilAttachment)
		if err != nil {
			return err
		}
	}

	aspect := core1_0.ImageAspectDepth
	if gpu.HasStencil(format) {
		aspect |= core1_0.ImageAspectStencil
	}

	err := t.createAttachment(&t.depth, extent, format,
		core1_0.ImageUsageDepthStencilAttachment|core1_0.ImageUsageTransferSrc,
		aspect)
	if err != nil {
		return errors.Wrapf(err, "create depth target %dx%d %s", extent.Width, extent.Height, format)
	}
	return nil
}

func (t *Targets) createAttachment(a *attachment, extent core1_0.Extent2D, format core1_0.Format, usage core1_0.ImageUsageFlags, aspect core1_0.ImageAspectFlags) error {
	alloc, err := t.allocator.CreateImage(gpu.ImageInfo{
		Format: format,
		Extent: extent,
		Tiling: core1_0.ImageTilingOptimal,
		Usage:  usage,
	}, core1_0.MemoryPropertyDeviceLocal)
	if err != nil {
		return err
	}

	view, err := t.device.CreateImageView(gpu.ImageViewInfo{
		Image:  alloc.Image,
		Format: format,
		Aspect: aspect,
	})
	if err != nil {
		alloc.Release()
		return err
	}

	*a = attachment{alloc: alloc, view: view, format: format, extent: extent}
	t.logger.Debug("created attachment",
		slog.String("format", format.String()),
		slog.Int("width", extent.Width),
		slog.Int("height", extent.Height))
	return nil
}

// CreateRenderPass replaces the render pass. Both attachments must exist.
func (t *Targets) CreateRenderPass() error {
	if t.color.alloc == nil || t.depth.alloc == nil {
		return errors.New("render pass needs both color and depth targets")
	}
	if t.renderPass.Initialized() {
		t.device.DestroyRenderPass(t.renderPass)
		t.renderPass = 0
	}

	var err error
	t.renderPass, err = t.device.CreateRenderPass(core1_0.RenderPassCreateInfo{
		Attachments: []core1_0.AttachmentDescription{
			{
				Format:         t.color.format,
				Samples:        core1_0.Samples1,
				LoadOp:         core1_0.AttachmentLoadOpClear,
				StoreOp:        core1_0.AttachmentStoreOpStore,
				StencilLoadOp:  core1_0.AttachmentLoadOpDontCare,
				StencilStoreOp: core1_0.AttachmentStoreOpDontCare,
				InitialLayout:  core1_0.ImageLayoutUndefined,
				FinalLayout:    core1_0.ImageLayoutTransferSrcOptimal,
			},
			{
				Format:         t.depth.format,
				Samples:        core1_0.Samples1,
				LoadOp:         core1_0.AttachmentLoadOpClear,
				StoreOp:        core1_0.AttachmentStoreOpStore,
				StencilLoadOp:  core1_0.AttachmentLoadOpClear,
				StencilStoreOp: core1_0.AttachmentStoreOpDontCare,
				InitialLayout:  core1_0.ImageLayoutUndefined,
				FinalLayout:    core1_0.ImageLayoutDepthStencilAttachmentOptimal,
			},
		},
		Subpasses: []core1_0.SubpassDescription{
			{
				PipelineBindPoint: core1_0.PipelineBindPointGraphics,
				ColorAttachments: []core1_0.AttachmentReference{
					{
						Attachment: 0,
						Layout:     core1_0.ImageLayoutColorAttachmentOptimal,
					},
				},
				DepthStencilAttachment: &core1_0.AttachmentReference{
					Attachment: 1,
					Layout:     core1_0.ImageLayoutDepthStencilAttachmentOptimal,
				},
			},
		},
		SubpassDependencies: []core1_0.SubpassDependency{
			{
				SrcSubpass: core1_0.SubpassExternal,
				DstSubpass: 0,

				SrcStageMask:  core1_0.PipelineStageBottomOfPipe,
				SrcAccessMask: core1_0.AccessMemoryRead,

				DstStageMask:  core1_0.PipelineStageColorAttachmentOutput,
				DstAccessMask: core1_0.AccessColorAttachmentRead | core1_0.AccessColorAttachmentWrite,

				DependencyFlags: core1_0.DependencyByRegion,
			},
			{
				SrcSubpass: 0,
				DstSubpass: core1_0.SubpassExternal,

				SrcStageMask:  core1_0.PipelineStageColorAttachmentOutput,
				SrcAccessMask: core1_0.AccessColorAttachmentRead | core1_0.AccessColorAttachmentWrite,

				DstStageMask:  core1_0.PipelineStageBottomOfPipe,
				DstAccessMask: core1_0.AccessMemoryRead,

				DependencyFlags: core1_0.DependencyByRegion,
			},
		},
	})
	return err
}

// CreateFrameBuffer replaces the framebuffer. It must follow any attachment or render pass
// recreation.
func (t *Targets) CreateFrameBuffer() error {
	if !t.renderPass.Initialized() {
		return errors.New("framebuffer needs a render pass")
	}
	if t.color.extent != t.depth.extent {
		return errors.Newf("color target %dx%d and depth target %dx%d differ in size",
			t.color.extent.Width, t.color.extent.Height, t.depth.extent.Width, t.depth.extent.Height)
	}
	if t.framebuffer.Initialized() {
		t.device.DestroyFramebuffer(t.framebuffer)
		t.framebuffer = 0
	}

	var err error
	t.framebuffer, err = t.device.CreateFramebuffer(gpu.FramebufferInfo{
		RenderPass:  t.renderPass,
		Attachments: []gpu.ImageView{t.color.view, t.depth.view},
		Extent:      t.color.extent,
	})
	return err
}

// SetViewport records a viewport and scissor covering the whole frame.
func (t *Targets) SetViewport(cb gpu.CommandBuffer) {
	t.device.CmdSetViewport(cb, core1_0.Viewport{
		X:        0,
		Y:        0,
		Width:    float32(t.color.extent.Width),
		Height:   float32(t.color.extent.Height),
		MinDepth: 0,
		MaxDepth: 1,
	}, core1_0.Rect2D{
		Offset: core1_0.Offset2D{X: 0, Y: 0},
		Extent: t.color.extent,
	})
}

func (t *Targets) Extent() core1_0.Extent2D {
	return t.color.extent
}

func (t *Targets) ColorImage() gpu.Image {
	return t.color.image()
}

func (t *Targets) ColorFormat() core1_0.Format {
	return t.color.format
}

func (t *Targets) DepthFormat() core1_0.Format {
	return t.depth.format
}

func (t *Targets) RenderPass() gpu.RenderPass {
	return t.renderPass
}

func (t *Targets) Framebuffer() gpu.Framebuffer {
	return t.framebuffer
}

func (t *Targets) PipelineCache() gpu.PipelineCache {
	return t.pipelineCache
}

func (t *Targets) Destroy() {
	if t.framebuffer.Initialized() {
		t.device.DestroyFramebuffer(t.framebuffer)
		t.framebuffer = 0
	}
	if t.renderPass.Initialized() {
		t.device.DestroyRenderPass(t.renderPass)
		t.renderPass = 0
	}
	t.color.destroy(t.device)
	t.depth.destroy(t.device)
	if t.pipelineCache.Initialized() {
		t.device.DestroyPipelineCache(t.pipelineCache)
		t.pipelineCache = 0
	}
}
