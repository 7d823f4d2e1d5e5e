package vkdevice

import (
	"unsafe"

	"github.com/cockroachdb/errors"
	"github.com/vkngwrapper/core/v3/common"
	"github.com/vkngwrapper/core/v3/core1_0"
	"github.com/vkngwrapper/headless/gpu"
)

func register[K ~uint64, V any](d *Device, m map[K]V, v V) K {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.next++
	k := K(d.next)
	m[k] = v
	return k
}

func lookup[K ~uint64, V any](d *Device, m map[K]V, k K) V {
	d.mu.Lock()
	defer d.mu.Unlock()
	return m[k]
}

func release[K ~uint64, V any](d *Device, m map[K]V, k K) (V, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	v, ok := m[k]
	delete(m, k)
	return v, ok
}

func (d *Device) MemoryTypes() []core1_0.MemoryPropertyFlags {
	return append([]core1_0.MemoryPropertyFlags(nil), d.memoryTypes...)
}

func (d *Device) AllocateMemory(size int, memoryTypeIndex int) (gpu.DeviceMemory, error) {
	memory, _, err := d.deviceDriver.AllocateMemory(nil, core1_0.MemoryAllocateInfo{
		AllocationSize:  size,
		MemoryTypeIndex: memoryTypeIndex,
	})
	if err != nil {
		return 0, gpu.DeviceError(err, "vkAllocateMemory size %d type %d", size, memoryTypeIndex)
	}
	return register(d, d.memories, memory), nil
}

func (d *Device) FreeMemory(memory gpu.DeviceMemory) {
	if m, ok := release(d, d.memories, memory); ok {
		d.deviceDriver.FreeMemory(m, nil)
	}
}

func (d *Device) MapMemory(memory gpu.DeviceMemory, offset, size int) ([]byte, error) {
	ptr, _, err := d.deviceDriver.MapMemory(lookup(d, d.memories, memory), offset, size, 0)
	if err != nil {
		return nil, gpu.DeviceError(err, "vkMapMemory offset %d size %d", offset, size)
	}
	return unsafe.Slice((*byte)(ptr), size), nil
}

func (d *Device) UnmapMemory(memory gpu.DeviceMemory) {
	d.deviceDriver.UnmapMemory(lookup(d, d.memories, memory))
}

func (d *Device) FormatFeatures(format core1_0.Format, tiling core1_0.ImageTiling) core1_0.FormatFeatureFlags {
	props := d.instanceDriver.GetPhysicalDeviceFormatProperties(d.physicalDevice, format)
	if tiling == core1_0.ImageTilingLinear {
		return props.LinearTilingFeatures
	}
	return props.OptimalTilingFeatures
}

func (d *Device) CreateImage(info gpu.ImageInfo) (gpu.Image, error) {
	image, _, err := d.deviceDriver.CreateImage(nil, core1_0.ImageCreateInfo{
		ImageType: core1_0.ImageType2D,
		Extent: core1_0.Extent3D{
			Width:  info.Extent.Width,
			Height: info.Extent.Height,
			Depth:  1,
		},
		MipLevels:     1,
		ArrayLayers:   1,
		Format:        info.Format,
		Tiling:        info.Tiling,
		InitialLayout: core1_0.ImageLayoutUndefined,
		Usage:         info.Usage,
		SharingMode:   core1_0.SharingModeExclusive,
		Samples:       core1_0.Samples1,
	})
	if err != nil {
		return 0, gpu.DeviceError(err, "vkCreateImage %dx%d %s", info.Extent.Width, info.Extent.Height, info.Format)
	}
	return register(d, d.images, image), nil
}

func (d *Device) DestroyImage(image gpu.Image) {
	if img, ok := release(d, d.images, image); ok {
		d.deviceDriver.DestroyImage(img, nil)
	}
}

func (d *Device) ImageMemoryRequirements(image gpu.Image) gpu.MemoryRequirements {
	reqs := d.deviceDriver.GetImageMemoryRequirements(lookup(d, d.images, image))
	return gpu.MemoryRequirements{Size: reqs.Size, Alignment: reqs.Alignment, MemoryTypeBits: reqs.MemoryTypeBits}
}

func (d *Device) BindImageMemory(image gpu.Image, memory gpu.DeviceMemory) error {
	_, err := d.deviceDriver.BindImageMemory(lookup(d, d.images, image), lookup(d, d.memories, memory), 0)
	return gpu.DeviceError(err, "vkBindImageMemory")
}

func (d *Device) ImageSubresourceLayout(image gpu.Image, aspect core1_0.ImageAspectFlags) gpu.SubresourceLayout {
	layout := d.deviceDriver.GetImageSubresourceLayout(lookup(d, d.images, image), &core1_0.ImageSubresource{
		AspectMask: aspect,
		MipLevel:   0,
		ArrayLayer: 0,
	})
	return gpu.SubresourceLayout{Offset: layout.Offset, Size: layout.Size, RowPitch: layout.RowPitch}
}

func (d *Device) CreateImageView(info gpu.ImageViewInfo) (gpu.ImageView, error) {
	view, _, err := d.deviceDriver.CreateImageView(nil, core1_0.ImageViewCreateInfo{
		Image:    lookup(d, d.images, info.Image),
		ViewType: core1_0.ImageViewType2D,
		Format:   info.Format,
		SubresourceRange: core1_0.ImageSubresourceRange{
			AspectMask:     info.Aspect,
			BaseMipLevel:   0,
			LevelCount:     1,
			BaseArrayLayer: 0,
			LayerCount:     1,
		},
	})
	if err != nil {
		return 0, gpu.DeviceError(err, "vkCreateImageView %s aspect %s", info.Format, info.Aspect)
	}
	return register(d, d.views, view), nil
}

func (d *Device) DestroyImageView(view gpu.ImageView) {
	if v, ok := release(d, d.views, view); ok {
		d.deviceDriver.DestroyImageView(v, nil)
	}
}

func (d *Device) CreateBuffer(info gpu.BufferInfo) (gpu.Buffer, error) {
	buffer, _, err := d.deviceDriver.CreateBuffer(nil, core1_0.BufferCreateInfo{
		Size:        info.Size,
		Usage:       info.Usage,
		SharingMode: core1_0.SharingModeExclusive,
	})
	if err != nil {
		return 0, gpu.DeviceError(err, "vkCreateBuffer size %d usage %s", info.Size, info.Usage)
	}
	return register(d, d.buffers, buffer), nil
}

func (d *Device) DestroyBuffer(buffer gpu.Buffer) {
	if b, ok := release(d, d.buffers, buffer); ok {
		d.deviceDriver.DestroyBuffer(b, nil)
	}
}

func (d *Device) BufferMemoryRequirements(buffer gpu.Buffer) gpu.MemoryRequirements {
	reqs := d.deviceDriver.GetBufferMemoryRequirements(lookup(d, d.buffers, buffer))
	return gpu.MemoryRequirements{Size: reqs.Size, Alignment: reqs.Alignment, MemoryTypeBits: reqs.MemoryTypeBits}
}

func (d *Device) BindBufferMemory(buffer gpu.Buffer, memory gpu.DeviceMemory) error {
	_, err := d.deviceDriver.BindBufferMemory(lookup(d, d.buffers, buffer), lookup(d, d.memories, memory), 0)
	return gpu.DeviceError(err, "vkBindBufferMemory")
}

func (d *Device) CreateRenderPass(info core1_0.RenderPassCreateInfo) (gpu.RenderPass, error) {
	renderPass, _, err := d.deviceDriver.CreateRenderPass(nil, info)
	if err != nil {
		return 0, gpu.DeviceError(err, "vkCreateRenderPass with %d attachments", len(info.Attachments))
	}
	return register(d, d.renderPasses, renderPass), nil
}

func (d *Device) DestroyRenderPass(renderPass gpu.RenderPass) {
	if rp, ok := release(d, d.renderPasses, renderPass); ok {
		d.deviceDriver.DestroyRenderPass(rp, nil)
	}
}

func (d *Device) CreateFramebuffer(info gpu.FramebufferInfo) (gpu.Framebuffer, error) {
	attachments := make([]core1_0.ImageView, 0, len(info.Attachments))
	for _, view := range info.Attachments {
		attachments = append(attachments, lookup(d, d.views, view))
	}

	framebuffer, _, err := d.deviceDriver.CreateFramebuffer(nil, core1_0.FramebufferCreateInfo{
		RenderPass:  lookup(d, d.renderPasses, info.RenderPass),
		Layers:      1,
		Attachments: attachments,
		Width:       info.Extent.Width,
		Height:      info.Extent.Height,
	})
	if err != nil {
		return 0, gpu.DeviceError(err, "vkCreateFramebuffer %dx%d", info.Extent.Width, info.Extent.Height)
	}
	return register(d, d.framebuffers, framebuffer), nil
}

func (d *Device) DestroyFramebuffer(framebuffer gpu.Framebuffer) {
	if fb, ok := release(d, d.framebuffers, framebuffer); ok {
		d.deviceDriver.DestroyFramebuffer(fb, nil)
	}
}

func (d *Device) CreatePipelineCache() (gpu.PipelineCache, error) {
	cache, _, err := d.deviceDriver.CreatePipelineCache(nil, core1_0.PipelineCacheCreateInfo{})
	if err != nil {
		return 0, gpu.DeviceError(err, "vkCreatePipelineCache")
	}
	return register(d, d.caches, cache), nil
}

func (d *Device) DestroyPipelineCache(cache gpu.PipelineCache) {
	if c, ok := release(d, d.caches, cache); ok {
		d.deviceDriver.DestroyPipelineCache(c, nil)
	}
}

func (d *Device) CreateDescriptorSetLayout(bindings []core1_0.DescriptorSetLayoutBinding) (gpu.DescriptorSetLayout, error) {
	layout, _, err := d.deviceDriver.CreateDescriptorSetLayout(nil, core1_0.DescriptorSetLayoutCreateInfo{
		Bindings: bindings,
	})
	if err != nil {
		return 0, gpu.DeviceError(err, "vkCreateDescriptorSetLayout with %d bindings", len(bindings))
	}
	return register(d, d.setLayouts, layout), nil
}

func (d *Device) DestroyDescriptorSetLayout(layout gpu.DescriptorSetLayout) {
	if l, ok := release(d, d.setLayouts, layout); ok {
		d.deviceDriver.DestroyDescriptorSetLayout(l, nil)
	}
}

func (d *Device) CreateDescriptorPool(maxSets int, sizes []core1_0.DescriptorPoolSize) (gpu.DescriptorPool, error) {
	pool, _, err := d.deviceDriver.CreateDescriptorPool(nil, core1_0.DescriptorPoolCreateInfo{
		MaxSets:   maxSets,
		PoolSizes: sizes,
	})
	if err != nil {
		return 0, gpu.DeviceError(err, "vkCreateDescriptorPool max sets %d", maxSets)
	}
	return register(d, d.descPools, pool), nil
}

func (d *Device) DestroyDescriptorPool(pool gpu.DescriptorPool) {
	if p, ok := release(d, d.descPools, pool); ok {
		d.deviceDriver.DestroyDescriptorPool(p, nil)
	}
}

func (d *Device) AllocateDescriptorSet(pool gpu.DescriptorPool, layout gpu.DescriptorSetLayout) (gpu.DescriptorSet, error) {
	sets, _, err := d.deviceDriver.AllocateDescriptorSets(core1_0.DescriptorSetAllocateInfo{
		DescriptorPool: lookup(d, d.descPools, pool),
		SetLayouts:     []core1_0.DescriptorSetLayout{lookup(d, d.setLayouts, layout)},
	})
	if err != nil {
		return 0, gpu.DeviceError(err, "vkAllocateDescriptorSets")
	}
	return register(d, d.sets, sets[0]), nil
}

func (d *Device) UpdateDescriptorSets(writes ...gpu.DescriptorWrite) error {
	vkWrites := make([]core1_0.WriteDescriptorSet, 0, len(writes))
	for _, w := range writes {
		write := core1_0.WriteDescriptorSet{
			DstSet:          lookup(d, d.sets, w.Set),
			DstBinding:      w.Binding,
			DstArrayElement: 0,
			DescriptorType:  w.Type,
		}
		if w.ImageView.Initialized() {
			write.ImageInfo = []core1_0.DescriptorImageInfo{
				{
					ImageView:   lookup(d, d.views, w.ImageView),
					ImageLayout: w.ImageLayout,
				},
			}
		} else {
			write.BufferInfo = []core1_0.DescriptorBufferInfo{
				{
					Buffer: lookup(d, d.buffers, w.Buffer),
					Offset: 0,
					Range:  w.Range,
				},
			}
		}
		vkWrites = append(vkWrites, write)
	}
	return gpu.DeviceError(d.deviceDriver.UpdateDescriptorSets(vkWrites, nil), "vkUpdateDescriptorSets")
}

func (d *Device) CreateCommandPool(queueFamilyIndex int, flags core1_0.CommandPoolCreateFlags) (gpu.CommandPool, error) {
	pool, _, err := d.deviceDriver.CreateCommandPool(nil, core1_0.CommandPoolCreateInfo{
		Flags:            flags,
		QueueFamilyIndex: queueFamilyIndex,
	})
	if err != nil {
		return 0, gpu.DeviceError(err, "vkCreateCommandPool family %d", queueFamilyIndex)
	}
	return register(d, d.pools, pool), nil
}

func (d *Device) DestroyCommandPool(pool gpu.CommandPool) {
	p, ok := release(d, d.pools, pool)
	if !ok {
		return
	}

	d.mu.Lock()
	for handle, owner := range d.bufferPools {
		if owner == pool {
			delete(d.commandBuffers, handle)
			delete(d.bufferPools, handle)
		}
	}
	d.mu.Unlock()
	d.deviceDriver.DestroyCommandPool(p, nil)
}

func (d *Device) AllocateCommandBuffer(pool gpu.CommandPool) (gpu.CommandBuffer, error) {
	buffers, _, err := d.deviceDriver.AllocateCommandBuffers(core1_0.CommandBufferAllocateInfo{
		CommandPool:        lookup(d, d.pools, pool),
		Level:              core1_0.CommandBufferLevelPrimary,
		CommandBufferCount: 1,
	})
	if err != nil {
		return 0, gpu.DeviceError(err, "vkAllocateCommandBuffers")
	}
	handle := register(d, d.commandBuffers, buffers[0])
	d.mu.Lock()
	d.bufferPools[handle] = pool
	d.mu.Unlock()
	return handle, nil
}

func (d *Device) FreeCommandBuffer(pool gpu.CommandPool, buffer gpu.CommandBuffer) {
	release(d, d.bufferPools, buffer)
	if cb, ok := release(d, d.commandBuffers, buffer); ok {
		d.deviceDriver.FreeCommandBuffers(cb)
	}
}

func (d *Device) BeginCommandBuffer(buffer gpu.CommandBuffer, flags core1_0.CommandBufferUsageFlags) error {
	_, err := d.deviceDriver.BeginCommandBuffer(lookup(d, d.commandBuffers, buffer), core1_0.CommandBufferBeginInfo{
		Flags: flags,
	})
	return gpu.DeviceError(err, "vkBeginCommandBuffer")
}

func (d *Device) EndCommandBuffer(buffer gpu.CommandBuffer) error {
	_, err := d.deviceDriver.EndCommandBuffer(lookup(d, d.commandBuffers, buffer))
	return gpu.DeviceError(err, "vkEndCommandBuffer")
}

func (d *Device) CmdPipelineBarrier(buffer gpu.CommandBuffer, srcStages, dstStages core1_0.PipelineStageFlags, barriers ...gpu.ImageBarrier) error {
	imageBarriers := make([]core1_0.ImageMemoryBarrier, 0, len(barriers))
	for _, b := range barriers {
		imageBarriers = append(imageBarriers, core1_0.ImageMemoryBarrier{
			SrcAccessMask:       b.SrcAccess,
			DstAccessMask:       b.DstAccess,
			OldLayout:           b.OldLayout,
			NewLayout:           b.NewLayout,
			SrcQueueFamilyIndex: -1,
			DstQueueFamilyIndex: -1,
			Image:               lookup(d, d.images, b.Image),
			SubresourceRange: core1_0.ImageSubresourceRange{
				AspectMask:     b.Aspect,
				BaseMipLevel:   0,
				LevelCount:     1,
				BaseArrayLayer: 0,
				LayerCount:     1,
			},
		})
	}

	err := d.deviceDriver.CmdPipelineBarrier(lookup(d, d.commandBuffers, buffer), srcStages, dstStages, 0, nil, nil, imageBarriers)
	return gpu.DeviceError(err, "vkCmdPipelineBarrier %s -> %s", srcStages, dstStages)
}

func colorLayers() core1_0.ImageSubresourceLayers {
	return core1_0.ImageSubresourceLayers{
		AspectMask:     core1_0.ImageAspectColor,
		MipLevel:       0,
		BaseArrayLayer: 0,
		LayerCount:     1,
	}
}

func (d *Device) CmdCopyImage(buffer gpu.CommandBuffer, src gpu.Image, srcLayout core1_0.ImageLayout, dst gpu.Image, dstLayout core1_0.ImageLayout, extent core1_0.Extent2D) error {
	err := d.deviceDriver.CmdCopyImage(lookup(d, d.commandBuffers, buffer),
		lookup(d, d.images, src), srcLayout,
		lookup(d, d.images, dst), dstLayout,
		core1_0.ImageCopy{
			SrcSubresource: colorLayers(),
			SrcOffset:      core1_0.Offset3D{X: 0, Y: 0, Z: 0},
			DstSubresource: colorLayers(),
			DstOffset:      core1_0.Offset3D{X: 0, Y: 0, Z: 0},
			Extent:         core1_0.Extent3D{Width: extent.Width, Height: extent.Height, Depth: 1},
		})
	return gpu.DeviceError(err, "vkCmdCopyImage %dx%d", extent.Width, extent.Height)
}

func (d *Device) CmdCopyBuffer(buffer gpu.CommandBuffer, src, dst gpu.Buffer, size int) error {
	err := d.deviceDriver.CmdCopyBuffer(lookup(d, d.commandBuffers, buffer), lookup(d, d.buffers, src), lookup(d, d.buffers, dst),
		core1_0.BufferCopy{
			SrcOffset: 0,
			DstOffset: 0,
			Size:      size,
		})
	return gpu.DeviceError(err, "vkCmdCopyBuffer size %d", size)
}

func (d *Device) CmdUpdateBuffer(buffer gpu.CommandBuffer, dst gpu.Buffer, offset int, data []byte) error {
	err := d.deviceDriver.CmdUpdateBuffer(lookup(d, d.commandBuffers, buffer), lookup(d, d.buffers, dst), offset, len(data), data)
	return gpu.DeviceError(err, "vkCmdUpdateBuffer offset %d size %d", offset, len(data))
}

func (d *Device) CmdClearColorImage(buffer gpu.CommandBuffer, image gpu.Image, layout core1_0.ImageLayout, color [4]float32) error {
	d.deviceDriver.CmdClearColorImage(lookup(d, d.commandBuffers, buffer), lookup(d, d.images, image), layout,
		core1_0.ClearValueFloat(color),
		core1_0.ImageSubresourceRange{
			AspectMask:     core1_0.ImageAspectColor,
			BaseMipLevel:   0,
			LevelCount:     1,
			BaseArrayLayer: 0,
			LayerCount:     1,
		})
	return nil
}

func (d *Device) CmdBeginRenderPass(buffer gpu.CommandBuffer, begin gpu.RenderPassBegin) error {
	err := d.deviceDriver.CmdBeginRenderPass(lookup(d, d.commandBuffers, buffer), core1_0.SubpassContentsInline,
		core1_0.RenderPassBeginInfo{
			RenderPass:  lookup(d, d.renderPasses, begin.RenderPass),
			Framebuffer: lookup(d, d.framebuffers, begin.Framebuffer),
			RenderArea:  begin.Area,
			ClearValues: []core1_0.ClearValue{
				core1_0.ClearValueFloat(begin.ClearColor),
				core1_0.ClearValueDepthStencil{Depth: begin.ClearDepth, Stencil: begin.ClearStencil},
			},
		})
	return gpu.DeviceError(err, "vkCmdBeginRenderPass")
}

func (d *Device) CmdEndRenderPass(buffer gpu.CommandBuffer) {
	d.deviceDriver.CmdEndRenderPass(lookup(d, d.commandBuffers, buffer))
}

func (d *Device) CmdClearColorAttachment(buffer gpu.CommandBuffer, color [4]float32, rect core1_0.Rect2D) error {
	err := d.deviceDriver.CmdClearAttachments(lookup(d, d.commandBuffers, buffer),
		[]core1_0.ClearAttachment{
			{
				AspectMask:      core1_0.ImageAspectColor,
				ColorAttachment: 0,
				ClearValue:      core1_0.ClearValueFloat(color),
			},
		},
		[]core1_0.ClearRect{
			{
				Rect:           rect,
				BaseArrayLayer: 0,
				LayerCount:     1,
			},
		})
	return gpu.DeviceError(err, "vkCmdClearAttachments")
}

func (d *Device) CmdSetViewport(buffer gpu.CommandBuffer, viewport core1_0.Viewport, scissor core1_0.Rect2D) {
	cb := lookup(d, d.commandBuffers, buffer)
	d.deviceDriver.CmdSetViewport(cb, viewport)
	d.deviceDriver.CmdSetScissor(cb, scissor)
}

func (d *Device) CreateFence() (gpu.Fence, error) {
	fence, _, err := d.deviceDriver.CreateFence(nil, core1_0.FenceCreateInfo{})
	if err != nil {
		return 0, gpu.DeviceError(err, "vkCreateFence")
	}
	return register(d, d.fences, fence), nil
}

func (d *Device) DestroyFence(fence gpu.Fence) {
	if f, ok := release(d, d.fences, fence); ok {
		d.deviceDriver.DestroyFence(f, nil)
	}
}

func (d *Device) WaitForFence(fence gpu.Fence) error {
	_, err := d.deviceDriver.WaitForFences(true, common.NoTimeout, lookup(d, d.fences, fence))
	return gpu.DeviceError(err, "vkWaitForFences")
}

func (d *Device) QueueSubmit(queue gpu.Queue, buffer gpu.CommandBuffer, fence gpu.Fence) error {
	q, ok := d.queueHandles[queue.Handle]
	if !ok {
		return errors.Newf("unknown queue %s", queue.Role)
	}

	var fencePtr *core1_0.Fence
	if fence.Initialized() {
		f := lookup(d, d.fences, fence)
		fencePtr = &f
	}

	_, err := d.deviceDriver.QueueSubmit(q, fencePtr, core1_0.SubmitInfo{
		CommandBuffers: []core1_0.CommandBuffer{lookup(d, d.commandBuffers, buffer)},
	})
	return gpu.DeviceError(err, "vkQueueSubmit on %s", queue.Role)
}

func (d *Device) QueueWaitIdle(queue gpu.Queue) error {
	_, err := d.deviceDriver.QueueWaitIdle(d.queueHandles[queue.Handle])
	return gpu.DeviceError(err, "vkQueueWaitIdle on %s", queue.Role)
}

func (d *Device) WaitIdle() error {
	_, err := d.deviceDriver.DeviceWaitIdle()
	return gpu.DeviceError(err, "vkDeviceWaitIdle")
}
