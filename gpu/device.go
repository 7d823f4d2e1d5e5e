package gpu

import "github.com/vkngwrapper/core/v3/core1_0"

type ImageInfo struct {
	Format core1_0.Format
	Extent core1_0.Extent2D
	Tiling core1_0.ImageTiling
	Usage  core1_0.ImageUsageFlags
}

type ImageViewInfo struct {
	Image  Image
	Format core1_0.Format
	Aspect core1_0.ImageAspectFlags
}

type BufferInfo struct {
	Size  int
	Usage core1_0.BufferUsageFlags
}

type MemoryRequirements struct {
	Size           int
	Alignment      int
	MemoryTypeBits uint32
}

type SubresourceLayout struct {
	Offset   int
	Size     int
	RowPitch int
}

type FramebufferInfo struct {
	RenderPass  RenderPass
	Attachments []ImageView
	Extent      core1_0.Extent2D
}

// DescriptorWrite points one binding of a set at either an image view or a buffer range.
type DescriptorWrite struct {
	Set         DescriptorSet
	Binding     int
	Type        core1_0.DescriptorType
	ImageView   ImageView
	ImageLayout core1_0.ImageLayout
	Buffer      Buffer
	Range       int
}

type ImageBarrier struct {
	Image     Image
	Aspect    core1_0.ImageAspectFlags
	OldLayout core1_0.ImageLayout
	NewLayout core1_0.ImageLayout
	SrcAccess core1_0.AccessFlags
	DstAccess core1_0.AccessFlags
}

type RenderPassBegin struct {
	RenderPass   RenderPass
	Framebuffer  Framebuffer
	Area         core1_0.Rect2D
	ClearColor   [4]float32
	ClearDepth   float32
	ClearStencil uint32
}

// MemoryDevice covers memory heaps and host mapping.
type MemoryDevice interface {
	MemoryTypes() []core1_0.MemoryPropertyFlags
	AllocateMemory(size int, memoryTypeIndex int) (DeviceMemory, error)
	FreeMemory(memory DeviceMemory)
	MapMemory(memory DeviceMemory, offset, size int) ([]byte, error)
	UnmapMemory(memory DeviceMemory)
}

// ResourceDevice creates and destroys the objects the harness owns.
type ResourceDevice interface {
	FormatFeatures(format core1_0.Format, tiling core1_0.ImageTiling) core1_0.FormatFeatureFlags

	CreateImage(info ImageInfo) (Image, error)
	DestroyImage(image Image)
	ImageMemoryRequirements(image Image) MemoryRequirements
	BindImageMemory(image Image, memory DeviceMemory) error
	ImageSubresourceLayout(image Image, aspect core1_0.ImageAspectFlags) SubresourceLayout
	CreateImageView(info ImageViewInfo) (ImageView, error)
	DestroyImageView(view ImageView)

	CreateBuffer(info BufferInfo) (Buffer, error)
	DestroyBuffer(buffer Buffer)
	BufferMemoryRequirements(buffer Buffer) MemoryRequirements
	BindBufferMemory(buffer Buffer, memory DeviceMemory) error

	CreateRenderPass(info core1_0.RenderPassCreateInfo) (RenderPass, error)
	DestroyRenderPass(renderPass RenderPass)
	CreateFramebuffer(info FramebufferInfo) (Framebuffer, error)
	DestroyFramebuffer(framebuffer Framebuffer)
	CreatePipelineCache() (PipelineCache, error)
	DestroyPipelineCache(cache PipelineCache)

	CreateDescriptorSetLayout(bindings []core1_0.DescriptorSetLayoutBinding) (DescriptorSetLayout, error)
	DestroyDescriptorSetLayout(layout DescriptorSetLayout)
	CreateDescriptorPool(maxSets int, sizes []core1_0.DescriptorPoolSize) (DescriptorPool, error)
	DestroyDescriptorPool(pool DescriptorPool)
	AllocateDescriptorSet(pool DescriptorPool, layout DescriptorSetLayout) (DescriptorSet, error)
	UpdateDescriptorSets(writes ...DescriptorWrite) error
}

// CommandDevice records work into command buffers.
type CommandDevice interface {
	CreateCommandPool(queueFamilyIndex int, flags core1_0.CommandPoolCreateFlags) (CommandPool, error)
	DestroyCommandPool(pool CommandPool)
	AllocateCommandBuffer(pool CommandPool) (CommandBuffer, error)
	FreeCommandBuffer(pool CommandPool, buffer CommandBuffer)
	BeginCommandBuffer(buffer CommandBuffer, flags core1_0.CommandBufferUsageFlags) error
	EndCommandBuffer(buffer CommandBuffer) error

	CmdPipelineBarrier(buffer CommandBuffer, srcStages, dstStages core1_0.PipelineStageFlags, barriers ...ImageBarrier) error
	CmdCopyImage(buffer CommandBuffer, src Image, srcLayout core1_0.ImageLayout, dst Image, dstLayout core1_0.ImageLayout, extent core1_0.Extent2D) error
	CmdCopyBuffer(buffer CommandBuffer, src, dst Buffer, size int) error
	CmdUpdateBuffer(buffer CommandBuffer, dst Buffer, offset int, data []byte) error
	CmdClearColorImage(buffer CommandBuffer, image Image, layout core1_0.ImageLayout, color [4]float32) error
	CmdBeginRenderPass(buffer CommandBuffer, begin RenderPassBegin) error
	CmdEndRenderPass(buffer CommandBuffer)
	CmdClearColorAttachment(buffer CommandBuffer, color [4]float32, rect core1_0.Rect2D) error
	CmdSetViewport(buffer CommandBuffer, viewport core1_0.Viewport, scissor core1_0.Rect2D)
}

// QueueDevice submits and synchronizes. Every wait is unbounded.
type QueueDevice interface {
	CreateFence() (Fence, error)
	DestroyFence(fence Fence)
	WaitForFence(fence Fence) error
	QueueSubmit(queue Queue, buffer CommandBuffer, fence Fence) error
	QueueWaitIdle(queue Queue) error
	WaitIdle() error
}

// Device is everything the harness needs from a logical GPU device.
type Device interface {
	MemoryDevice
	ResourceDevice
	CommandDevice
	QueueDevice
}
