// Package gputest provides an in-memory gpu.Device for tests. It tracks every live object,
// keeps a call log, simulates 8-bit color image contents, replays recorded commands when they
// are submitted, and can hold fences unsignaled until a test releases them.
package gputest

import (
	"fmt"
	"math"
	"sync"

	"github.com/cockroachdb/errors"
	"github.com/vkngwrapper/core/v3/core1_0"
	"github.com/vkngwrapper/headless/gpu"
)

const rowAlignment = 256

type image struct {
	info     gpu.ImageInfo
	memory   gpu.DeviceMemory
	rowPitch int
	size     int
	layout   core1_0.ImageLayout
}

type memory struct {
	typeIndex int
	data      []byte
	mapped    bool
}

type buffer struct {
	info   gpu.BufferInfo
	memory gpu.DeviceMemory
}

type commandBuffer struct {
	pool      gpu.CommandPool
	recording bool
	ended     bool
	ops       []func(*execution)
}

type fence struct {
	submitted bool
	done      chan struct{}
	signaled  bool
}

type execution struct {
	pass *gpu.RenderPassBegin
}

// Counts is a snapshot of live objects by kind.
type Counts struct {
	Images, Memories, Views, Buffers         int
	RenderPasses, Framebuffers, PipelineCaches int
	CommandPools, CommandBuffers, Fences     int
	DescriptorLayouts, DescriptorPools       int
}

func (c Counts) Total() int {
	return c.Images + c.Memories + c.Views + c.Buffers + c.RenderPasses + c.Framebuffers +
		c.PipelineCaches + c.CommandPools + c.CommandBuffers + c.Fences +
		c.DescriptorLayouts + c.DescriptorPools
}

type Device struct {
	// Types lists the memory types the device exposes.
	Types []core1_0.MemoryPropertyFlags
	// ImageTypeBits restricts which memory types images may use. Zero allows all.
	ImageTypeBits uint32
	// Unsupported formats report no features for any tiling.
	Unsupported map[core1_0.Format]bool
	// ManualFences keeps submitted fences unsignaled until Signal is called. Each such fence
	// is sent on Submitted.
	ManualFences bool
	Submitted    chan gpu.Fence

	mu         sync.Mutex
	next       uint64
	calls      []string
	violations []string
	failures   map[string]error

	images       map[gpu.Image]*image
	memories     map[gpu.DeviceMemory]*memory
	views        map[gpu.ImageView]gpu.ImageViewInfo
	buffers      map[gpu.Buffer]*buffer
	renderPasses map[gpu.RenderPass]core1_0.RenderPassCreateInfo
	framebuffers map[gpu.Framebuffer]gpu.FramebufferInfo
	caches       map[gpu.PipelineCache]bool
	pools        map[gpu.CommandPool]int
	cmdBuffers   map[gpu.CommandBuffer]*commandBuffer
	fences       map[gpu.Fence]*fence
	layouts      map[gpu.DescriptorSetLayout]int
	descPools    map[gpu.DescriptorPool]bool
	sets         map[gpu.DescriptorSet]map[int]gpu.DescriptorWrite
	submissions  int
}

// New returns a device with one device-local and one host-visible, host-coherent memory type.
func New() *Device {
	return &Device{
		Types: []core1_0.MemoryPropertyFlags{
			core1_0.MemoryPropertyDeviceLocal,
			core1_0.MemoryPropertyHostVisible | core1_0.MemoryPropertyHostCoherent,
		},
		Unsupported:  map[core1_0.Format]bool{},
		Submitted:    make(chan gpu.Fence, 16),
		failures:     map[string]error{},
		images:       map[gpu.Image]*image{},
		memories:     map[gpu.DeviceMemory]*memory{},
		views:        map[gpu.ImageView]gpu.ImageViewInfo{},
		buffers:      map[gpu.Buffer]*buffer{},
		renderPasses: map[gpu.RenderPass]core1_0.RenderPassCreateInfo{},
		framebuffers: map[gpu.Framebuffer]gpu.FramebufferInfo{},
		caches:       map[gpu.PipelineCache]bool{},
		pools:        map[gpu.CommandPool]int{},
		cmdBuffers:   map[gpu.CommandBuffer]*commandBuffer{},
		fences:       map[gpu.Fence]*fence{},
		layouts:      map[gpu.DescriptorSetLayout]int{},
		descPools:    map[gpu.DescriptorPool]bool{},
		sets:         map[gpu.DescriptorSet]map[int]gpu.DescriptorWrite{},
	}
}

var _ gpu.Device = (*Device)(nil)

// Fail makes the next call to op return err.
func (d *Device) Fail(op string, err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.failures[op] = err
}

// Record appends an entry to the call log. Test doubles of collaborators use it to interleave
// their own calls with device calls.
func (d *Device) Record(op string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.calls = append(d.calls, op)
}

func (d *Device) Calls() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.calls...)
}

func (d *Device) ResetCalls() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.calls = nil
}

// Violations lists misuse detected while replaying commands: wrong layouts, copies between
// incompatible images, commands recorded outside a render pass, and so on.
func (d *Device) Violations() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.violations...)
}

func (d *Device) Submissions() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.submissions
}

func (d *Device) Live() Counts {
	d.mu.Lock()
	defer d.mu.Unlock()
	return Counts{
		Images:            len(d.images),
		Memories:          len(d.memories),
		Views:             len(d.views),
		Buffers:           len(d.buffers),
		RenderPasses:      len(d.renderPasses),
		Framebuffers:      len(d.framebuffers),
		PipelineCaches:    len(d.caches),
		CommandPools:      len(d.pools),
		CommandBuffers:    len(d.cmdBuffers),
		Fences:            len(d.fences),
		DescriptorLayouts: len(d.layouts),
		DescriptorPools:   len(d.descPools),
	}
}

// Signal releases a fence held because of ManualFences.
func (d *Device) Signal(f gpu.Fence) {
	d.mu.Lock()
	defer d.mu.Unlock()
	fe, ok := d.fences[f]
	if !ok || fe.signaled {
		return
	}
	fe.signaled = true
	close(fe.done)
}

// Pixels returns a copy of the texel rows of an image, tightly packed.
func (d *Device) Pixels(img gpu.Image) []byte {
	d.mu.Lock()
	defer d.mu.Unlock()
	im, ok := d.images[img]
	if !ok {
		return nil
	}
	data := d.imageData(im)
	if data == nil {
		return nil
	}
	texel := gpu.TexelSize(im.info.Format)
	rowBytes := im.info.Extent.Width * texel
	out := make([]byte, 0, rowBytes*im.info.Extent.Height)
	for y := 0; y < im.info.Extent.Height; y++ {
		out = append(out, data[y*im.rowPitch:y*im.rowPitch+rowBytes]...)
	}
	return out
}

func (d *Device) Layout(img gpu.Image) core1_0.ImageLayout {
	d.mu.Lock()
	defer d.mu.Unlock()
	if im, ok := d.images[img]; ok {
		return im.layout
	}
	return core1_0.ImageLayoutUndefined
}

func (d *Device) RenderPassInfo(rp gpu.RenderPass) (core1_0.RenderPassCreateInfo, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	info, ok := d.renderPasses[rp]
	return info, ok
}

func (d *Device) FramebufferInfo(fb gpu.Framebuffer) (gpu.FramebufferInfo, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	info, ok := d.framebuffers[fb]
	return info, ok
}

func (d *Device) ImageInfo(img gpu.Image) (gpu.ImageInfo, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	im, ok := d.images[img]
	if !ok {
		return gpu.ImageInfo{}, false
	}
	return im.info, true
}

func (d *Device) ViewImage(view gpu.ImageView) gpu.Image {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.views[view].Image
}

func (d *Device) DescriptorWrites(set gpu.DescriptorSet) map[int]gpu.DescriptorWrite {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := map[int]gpu.DescriptorWrite{}
	for k, v := range d.sets[set] {
		out[k] = v
	}
	return out
}

func (d *Device) handle(op string) uint64 {
	d.next++
	d.calls = append(d.calls, op)
	return d.next
}

func (d *Device) call(op string) error {
	d.calls = append(d.calls, op)
	if err, ok := d.failures[op]; ok {
		delete(d.failures, op)
		return gpu.DeviceError(err, "%s", op)
	}
	return nil
}

func (d *Device) violate(format string, args ...any) {
	d.violations = append(d.violations, fmt.Sprintf(format, args...))
}

func (d *Device) imageData(im *image) []byte {
	if !im.memory.Initialized() {
		return nil
	}
	mem, ok := d.memories[im.memory]
	if !ok {
		return nil
	}
	return mem.data
}

func (d *Device) allTypeBits() uint32 {
	return uint32(1)<<len(d.Types) - 1
}

func (d *Device) MemoryTypes() []core1_0.MemoryPropertyFlags {
	return append([]core1_0.MemoryPropertyFlags(nil), d.Types...)
}

func (d *Device) AllocateMemory(size int, memoryTypeIndex int) (gpu.DeviceMemory, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.call("AllocateMemory"); err != nil {
		return 0, err
	}
	if memoryTypeIndex < 0 || memoryTypeIndex >= len(d.Types) {
		return 0, gpu.DeviceError(errors.Newf("memory type %d out of range", memoryTypeIndex), "vkAllocateMemory")
	}
	d.next++
	h := gpu.DeviceMemory(d.next)
	d.memories[h] = &memory{typeIndex: memoryTypeIndex, data: make([]byte, size)}
	return h, nil
}

func (d *Device) FreeMemory(mem gpu.DeviceMemory) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.calls = append(d.calls, "FreeMemory")
	if _, ok := d.memories[mem]; !ok {
		d.violate("FreeMemory of unknown memory %d", mem)
		return
	}
	for h, im := range d.images {
		if im.memory == mem {
			d.violate("FreeMemory %d while image %d is still bound", mem, h)
		}
	}
	delete(d.memories, mem)
}

func (d *Device) MapMemory(mem gpu.DeviceMemory, offset, size int) ([]byte, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.call("MapMemory"); err != nil {
		return nil, err
	}
	m, ok := d.memories[mem]
	if !ok {
		return nil, gpu.DeviceError(errors.Newf("unknown memory %d", mem), "vkMapMemory")
	}
	if d.Types[m.typeIndex]&core1_0.MemoryPropertyHostVisible == 0 {
		return nil, gpu.DeviceError(errors.New("memory is not host visible"), "vkMapMemory")
	}
	if m.mapped {
		return nil, gpu.DeviceError(errors.New("memory is already mapped"), "vkMapMemory")
	}
	if offset < 0 || offset+size > len(m.data) {
		return nil, gpu.DeviceError(errors.Newf("range %d+%d exceeds allocation of %d", offset, size, len(m.data)), "vkMapMemory")
	}
	m.mapped = true
	return m.data[offset : offset+size], nil
}

func (d *Device) UnmapMemory(mem gpu.DeviceMemory) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.calls = append(d.calls, "UnmapMemory")
	if m, ok := d.memories[mem]; ok {
		m.mapped = false
	}
}

func (d *Device) FormatFeatures(format core1_0.Format, tiling core1_0.ImageTiling) core1_0.FormatFeatureFlags {
	if d.Unsupported[format] {
		return 0
	}
	return ^core1_0.FormatFeatureFlags(0)
}

func (d *Device) CreateImage(info gpu.ImageInfo) (gpu.Image, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.call("CreateImage"); err != nil {
		return 0, err
	}
	if info.Extent.Width <= 0 || info.Extent.Height <= 0 {
		return 0, gpu.DeviceError(errors.Newf("invalid extent %dx%d", info.Extent.Width, info.Extent.Height), "vkCreateImage")
	}
	texel := gpu.TexelSize(info.Format)
	if texel == 0 {
		texel = 4
	}
	rowPitch := info.Extent.Width * texel
	if info.Tiling == core1_0.ImageTilingLinear {
		rowPitch = (rowPitch + rowAlignment - 1) / rowAlignment * rowAlignment
	}
	d.next++
	h := gpu.Image(d.next)
	d.images[h] = &image{
		info:     info,
		rowPitch: rowPitch,
		size:     rowPitch * info.Extent.Height,
		layout:   core1_0.ImageLayoutUndefined,
	}
	return h, nil
}

func (d *Device) DestroyImage(img gpu.Image) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.calls = append(d.calls, "DestroyImage")
	if _, ok := d.images[img]; !ok {
		d.violate("DestroyImage of unknown image %d", img)
		return
	}
	for v, info := range d.views {
		if info.Image == img {
			d.violate("DestroyImage %d while view %d is alive", img, v)
		}
	}
	delete(d.images, img)
}

func (d *Device) ImageMemoryRequirements(img gpu.Image) gpu.MemoryRequirements {
	d.mu.Lock()
	defer d.mu.Unlock()
	im, ok := d.images[img]
	if !ok {
		return gpu.MemoryRequirements{}
	}
	bits := d.ImageTypeBits
	if bits == 0 {
		bits = d.allTypeBits()
	}
	return gpu.MemoryRequirements{Size: im.size, Alignment: rowAlignment, MemoryTypeBits: bits}
}

func (d *Device) BindImageMemory(img gpu.Image, mem gpu.DeviceMemory) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.call("BindImageMemory"); err != nil {
		return err
	}
	im, ok := d.images[img]
	if !ok {
		return gpu.DeviceError(errors.Newf("unknown image %d", img), "vkBindImageMemory")
	}
	m, ok := d.memories[mem]
	if !ok {
		return gpu.DeviceError(errors.Newf("unknown memory %d", mem), "vkBindImageMemory")
	}
	if len(m.data) < im.size {
		return gpu.DeviceError(errors.Newf("memory of %d bytes too small for image of %d", len(m.data), im.size), "vkBindImageMemory")
	}
	im.memory = mem
	return nil
}

func (d *Device) ImageSubresourceLayout(img gpu.Image, aspect core1_0.ImageAspectFlags) gpu.SubresourceLayout {
	d.mu.Lock()
	defer d.mu.Unlock()
	im, ok := d.images[img]
	if !ok {
		return gpu.SubresourceLayout{}
	}
	return gpu.SubresourceLayout{Offset: 0, Size: im.size, RowPitch: im.rowPitch}
}

func (d *Device) CreateImageView(info gpu.ImageViewInfo) (gpu.ImageView, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.call("CreateImageView"); err != nil {
		return 0, err
	}
	if _, ok := d.images[info.Image]; !ok {
		return 0, gpu.DeviceError(errors.Newf("unknown image %d", info.Image), "vkCreateImageView")
	}
	d.next++
	h := gpu.ImageView(d.next)
	d.views[h] = info
	return h, nil
}

func (d *Device) DestroyImageView(view gpu.ImageView) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.calls = append(d.calls, "DestroyImageView")
	if _, ok := d.views[view]; !ok {
		d.violate("DestroyImageView of unknown view %d", view)
		return
	}
	delete(d.views, view)
}

func (d *Device) CreateBuffer(info gpu.BufferInfo) (gpu.Buffer, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.call("CreateBuffer"); err != nil {
		return 0, err
	}
	if info.Size <= 0 {
		return 0, gpu.DeviceError(errors.Newf("invalid buffer size %d", info.Size), "vkCreateBuffer")
	}
	d.next++
	h := gpu.Buffer(d.next)
	d.buffers[h] = &buffer{info: info}
	return h, nil
}

func (d *Device) DestroyBuffer(buf gpu.Buffer) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.calls = append(d.calls, "DestroyBuffer")
	if _, ok := d.buffers[buf]; !ok {
		d.violate("DestroyBuffer of unknown buffer %d", buf)
		return
	}
	delete(d.buffers, buf)
}

func (d *Device) BufferMemoryRequirements(buf gpu.Buffer) gpu.MemoryRequirements {
	d.mu.Lock()
	defer d.mu.Unlock()
	b, ok := d.buffers[buf]
	if !ok {
		return gpu.MemoryRequirements{}
	}
	return gpu.MemoryRequirements{Size: b.info.Size, Alignment: 16, MemoryTypeBits: d.allTypeBits()}
}

func (d *Device) BindBufferMemory(buf gpu.Buffer, mem gpu.DeviceMemory) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.call("BindBufferMemory"); err != nil {
		return err
	}
	b, ok := d.buffers[buf]
	if !ok {
		return gpu.DeviceError(errors.Newf("unknown buffer %d", buf), "vkBindBufferMemory")
	}
	if _, ok := d.memories[mem]; !ok {
		return gpu.DeviceError(errors.Newf("unknown memory %d", mem), "vkBindBufferMemory")
	}
	b.memory = mem
	return nil
}

// BufferData returns a copy of a buffer's backing memory.
func (d *Device) BufferData(buf gpu.Buffer) []byte {
	d.mu.Lock()
	defer d.mu.Unlock()
	b, ok := d.buffers[buf]
	if !ok {
		return nil
	}
	m, ok := d.memories[b.memory]
	if !ok {
		return nil
	}
	return append([]byte(nil), m.data[:b.info.Size]...)
}

func (d *Device) CreateRenderPass(info core1_0.RenderPassCreateInfo) (gpu.RenderPass, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.call("CreateRenderPass"); err != nil {
		return 0, err
	}
	d.next++
	h := gpu.RenderPass(d.next)
	d.renderPasses[h] = info
	return h, nil
}

func (d *Device) DestroyRenderPass(rp gpu.RenderPass) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.calls = append(d.calls, "DestroyRenderPass")
	delete(d.renderPasses, rp)
}

func (d *Device) CreateFramebuffer(info gpu.FramebufferInfo) (gpu.Framebuffer, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.call("CreateFramebuffer"); err != nil {
		return 0, err
	}
	rp, ok := d.renderPasses[info.RenderPass]
	if !ok {
		return 0, gpu.DeviceError(errors.Newf("unknown render pass %d", info.RenderPass), "vkCreateFramebuffer")
	}
	if len(rp.Attachments) != len(info.Attachments) {
		return 0, gpu.DeviceError(errors.Newf("render pass has %d attachments, framebuffer %d", len(rp.Attachments), len(info.Attachments)), "vkCreateFramebuffer")
	}
	for _, view := range info.Attachments {
		v, ok := d.views[view]
		if !ok {
			return 0, gpu.DeviceError(errors.Newf("unknown view %d", view), "vkCreateFramebuffer")
		}
		im := d.images[v.Image]
		if im.info.Extent.Width < info.Extent.Width || im.info.Extent.Height < info.Extent.Height {
			return 0, gpu.DeviceError(errors.Newf("attachment %d smaller than framebuffer", view), "vkCreateFramebuffer")
		}
	}
	d.next++
	h := gpu.Framebuffer(d.next)
	d.framebuffers[h] = gpu.FramebufferInfo{
		RenderPass:  info.RenderPass,
		Attachments: append([]gpu.ImageView(nil), info.Attachments...),
		Extent:      info.Extent,
	}
	return h, nil
}

func (d *Device) DestroyFramebuffer(fb gpu.Framebuffer) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.calls = append(d.calls, "DestroyFramebuffer")
	delete(d.framebuffers, fb)
}

func (d *Device) CreatePipelineCache() (gpu.PipelineCache, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.call("CreatePipelineCache"); err != nil {
		return 0, err
	}
	d.next++
	h := gpu.PipelineCache(d.next)
	d.caches[h] = true
	return h, nil
}

func (d *Device) DestroyPipelineCache(cache gpu.PipelineCache) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.calls = append(d.calls, "DestroyPipelineCache")
	delete(d.caches, cache)
}

func (d *Device) CreateDescriptorSetLayout(bindings []core1_0.DescriptorSetLayoutBinding) (gpu.DescriptorSetLayout, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.call("CreateDescriptorSetLayout"); err != nil {
		return 0, err
	}
	d.next++
	h := gpu.DescriptorSetLayout(d.next)
	d.layouts[h] = len(bindings)
	return h, nil
}

func (d *Device) DestroyDescriptorSetLayout(layout gpu.DescriptorSetLayout) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.calls = append(d.calls, "DestroyDescriptorSetLayout")
	delete(d.layouts, layout)
}

func (d *Device) CreateDescriptorPool(maxSets int, sizes []core1_0.DescriptorPoolSize) (gpu.DescriptorPool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.call("CreateDescriptorPool"); err != nil {
		return 0, err
	}
	d.next++
	h := gpu.DescriptorPool(d.next)
	d.descPools[h] = true
	return h, nil
}

func (d *Device) DestroyDescriptorPool(pool gpu.DescriptorPool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.calls = append(d.calls, "DestroyDescriptorPool")
	delete(d.descPools, pool)
}

func (d *Device) AllocateDescriptorSet(pool gpu.DescriptorPool, layout gpu.DescriptorSetLayout) (gpu.DescriptorSet, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.call("AllocateDescriptorSet"); err != nil {
		return 0, err
	}
	if !d.descPools[pool] {
		return 0, gpu.DeviceError(errors.Newf("unknown descriptor pool %d", pool), "vkAllocateDescriptorSets")
	}
	if _, ok := d.layouts[layout]; !ok {
		return 0, gpu.DeviceError(errors.Newf("unknown descriptor set layout %d", layout), "vkAllocateDescriptorSets")
	}
	d.next++
	h := gpu.DescriptorSet(d.next)
	d.sets[h] = map[int]gpu.DescriptorWrite{}
	return h, nil
}

func (d *Device) UpdateDescriptorSets(writes ...gpu.DescriptorWrite) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.call("UpdateDescriptorSets"); err != nil {
		return err
	}
	for _, w := range writes {
		set, ok := d.sets[w.Set]
		if !ok {
			return gpu.DeviceError(errors.Newf("unknown descriptor set %d", w.Set), "vkUpdateDescriptorSets")
		}
		set[w.Binding] = w
	}
	return nil
}

func (d *Device) CreateCommandPool(queueFamilyIndex int, flags core1_0.CommandPoolCreateFlags) (gpu.CommandPool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.call("CreateCommandPool"); err != nil {
		return 0, err
	}
	d.next++
	h := gpu.CommandPool(d.next)
	d.pools[h] = queueFamilyIndex
	return h, nil
}

func (d *Device) DestroyCommandPool(pool gpu.CommandPool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.calls = append(d.calls, "DestroyCommandPool")
	for h, cb := range d.cmdBuffers {
		if cb.pool == pool {
			delete(d.cmdBuffers, h)
		}
	}
	delete(d.pools, pool)
}

func (d *Device) AllocateCommandBuffer(pool gpu.CommandPool) (gpu.CommandBuffer, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.call("AllocateCommandBuffer"); err != nil {
		return 0, err
	}
	if _, ok := d.pools[pool]; !ok {
		return 0, gpu.DeviceError(errors.Newf("unknown command pool %d", pool), "vkAllocateCommandBuffers")
	}
	d.next++
	h := gpu.CommandBuffer(d.next)
	d.cmdBuffers[h] = &commandBuffer{pool: pool}
	return h, nil
}

func (d *Device) FreeCommandBuffer(pool gpu.CommandPool, buf gpu.CommandBuffer) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.calls = append(d.calls, "FreeCommandBuffer")
	cb, ok := d.cmdBuffers[buf]
	if !ok {
		d.violate("FreeCommandBuffer of unknown buffer %d", buf)
		return
	}
	if cb.pool != pool {
		d.violate("FreeCommandBuffer %d with wrong pool %d", buf, pool)
	}
	delete(d.cmdBuffers, buf)
}

func (d *Device) BeginCommandBuffer(buf gpu.CommandBuffer, flags core1_0.CommandBufferUsageFlags) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.call("BeginCommandBuffer"); err != nil {
		return err
	}
	cb, ok := d.cmdBuffers[buf]
	if !ok {
		return gpu.DeviceError(errors.Newf("unknown command buffer %d", buf), "vkBeginCommandBuffer")
	}
	cb.recording = true
	cb.ended = false
	cb.ops = nil
	return nil
}

func (d *Device) EndCommandBuffer(buf gpu.CommandBuffer) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.call("EndCommandBuffer"); err != nil {
		return err
	}
	cb, ok := d.cmdBuffers[buf]
	if !ok || !cb.recording {
		return gpu.DeviceError(errors.Newf("command buffer %d is not recording", buf), "vkEndCommandBuffer")
	}
	cb.recording = false
	cb.ended = true
	return nil
}

func (d *Device) record(op string, buf gpu.CommandBuffer, fn func(*execution)) error {
	d.calls = append(d.calls, op)
	if err, ok := d.failures[op]; ok {
		delete(d.failures, op)
		return gpu.DeviceError(err, "%s", op)
	}
	cb, ok := d.cmdBuffers[buf]
	if !ok || !cb.recording {
		return gpu.DeviceError(errors.Newf("command buffer %d is not recording", buf), "%s", op)
	}
	cb.ops = append(cb.ops, fn)
	return nil
}

func (d *Device) CmdPipelineBarrier(buf gpu.CommandBuffer, srcStages, dstStages core1_0.PipelineStageFlags, barriers ...gpu.ImageBarrier) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	barriers = append([]gpu.ImageBarrier(nil), barriers...)
	return d.record("CmdPipelineBarrier", buf, func(e *execution) {
		if e.pass != nil {
			d.violate("image barrier recorded inside a render pass")
		}
		for _, b := range barriers {
			im, ok := d.images[b.Image]
			if !ok {
				d.violate("barrier on unknown image %d", b.Image)
				continue
			}
			if b.OldLayout != core1_0.ImageLayoutUndefined && b.OldLayout != im.layout {
				d.violate("barrier on image %d expects layout %s, image is in %s", b.Image, b.OldLayout, im.layout)
			}
			im.layout = b.NewLayout
		}
	})
}

func (d *Device) CmdCopyImage(buf gpu.CommandBuffer, src gpu.Image, srcLayout core1_0.ImageLayout, dst gpu.Image, dstLayout core1_0.ImageLayout, extent core1_0.Extent2D) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.record("CmdCopyImage", buf, func(e *execution) {
		s, ok1 := d.images[src]
		t, ok2 := d.images[dst]
		if !ok1 || !ok2 {
			d.violate("copy between unknown images %d -> %d", src, dst)
			return
		}
		if s.layout != srcLayout || srcLayout != core1_0.ImageLayoutTransferSrcOptimal && srcLayout != core1_0.ImageLayoutGeneral {
			d.violate("copy source %d is in %s, recorded as %s", src, s.layout, srcLayout)
		}
		if t.layout != dstLayout || dstLayout != core1_0.ImageLayoutTransferDstOptimal && dstLayout != core1_0.ImageLayoutGeneral {
			d.violate("copy destination %d is in %s, recorded as %s", dst, t.layout, dstLayout)
		}
		texel := gpu.TexelSize(s.info.Format)
		if texel == 0 || texel != gpu.TexelSize(t.info.Format) {
			d.violate("copy between incompatible formats %s and %s", s.info.Format, t.info.Format)
			return
		}
		sData, tData := d.imageData(s), d.imageData(t)
		if sData == nil || tData == nil {
			d.violate("copy with unbound image memory")
			return
		}
		rowBytes := extent.Width * texel
		for y := 0; y < extent.Height; y++ {
			copy(tData[y*t.rowPitch:y*t.rowPitch+rowBytes], sData[y*s.rowPitch:y*s.rowPitch+rowBytes])
		}
	})
}

func (d *Device) CmdCopyBuffer(buf gpu.CommandBuffer, src, dst gpu.Buffer, size int) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.record("CmdCopyBuffer", buf, func(e *execution) {
		s, ok1 := d.buffers[src]
		t, ok2 := d.buffers[dst]
		if !ok1 || !ok2 {
			d.violate("copy between unknown buffers %d -> %d", src, dst)
			return
		}
		copy(d.memories[t.memory].data[:size], d.memories[s.memory].data[:size])
	})
}

func (d *Device) CmdUpdateBuffer(buf gpu.CommandBuffer, dst gpu.Buffer, offset int, data []byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	data = append([]byte(nil), data...)
	return d.record("CmdUpdateBuffer", buf, func(e *execution) {
		if e.pass != nil {
			d.violate("buffer update recorded inside a render pass")
		}
		b, ok := d.buffers[dst]
		if !ok {
			d.violate("update of unknown buffer %d", dst)
			return
		}
		copy(d.memories[b.memory].data[offset:], data)
	})
}

func (d *Device) CmdClearColorImage(buf gpu.CommandBuffer, img gpu.Image, layout core1_0.ImageLayout, color [4]float32) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.record("CmdClearColorImage", buf, func(e *execution) {
		im, ok := d.images[img]
		if !ok {
			d.violate("clear of unknown image %d", img)
			return
		}
		if im.layout != layout || layout != core1_0.ImageLayoutTransferDstOptimal && layout != core1_0.ImageLayoutGeneral {
			d.violate("clear of image %d in %s, recorded as %s", img, im.layout, layout)
		}
		d.fill(im, color, core1_0.Rect2D{Extent: im.info.Extent})
	})
}

func (d *Device) CmdBeginRenderPass(buf gpu.CommandBuffer, begin gpu.RenderPassBegin) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.record("CmdBeginRenderPass", buf, func(e *execution) {
		if e.pass != nil {
			d.violate("render pass begun inside a render pass")
		}
		b := begin
		e.pass = &b
		rp, ok := d.renderPasses[begin.RenderPass]
		fb, ok2 := d.framebuffers[begin.Framebuffer]
		if !ok || !ok2 {
			d.violate("render pass %d or framebuffer %d destroyed before execution", begin.RenderPass, begin.Framebuffer)
			return
		}
		for i, view := range fb.Attachments {
			im := d.images[d.views[view].Image]
			if im == nil {
				d.violate("framebuffer attachment %d has no image", i)
				continue
			}
			if rp.Attachments[i].LoadOp == core1_0.AttachmentLoadOpClear {
				d.fill(im, begin.ClearColor, begin.Area)
			}
		}
	})
}

func (d *Device) CmdEndRenderPass(buf gpu.CommandBuffer) {
	d.mu.Lock()
	defer d.mu.Unlock()
	_ = d.record("CmdEndRenderPass", buf, func(e *execution) {
		if e.pass == nil {
			d.violate("render pass ended outside a render pass")
			return
		}
		rp := d.renderPasses[e.pass.RenderPass]
		fb := d.framebuffers[e.pass.Framebuffer]
		for i, view := range fb.Attachments {
			if im := d.images[d.views[view].Image]; im != nil && i < len(rp.Attachments) {
				im.layout = rp.Attachments[i].FinalLayout
			}
		}
		e.pass = nil
	})
}

func (d *Device) CmdClearColorAttachment(buf gpu.CommandBuffer, color [4]float32, rect core1_0.Rect2D) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.record("CmdClearColorAttachment", buf, func(e *execution) {
		if e.pass == nil {
			d.violate("attachment clear recorded outside a render pass")
			return
		}
		fb := d.framebuffers[e.pass.Framebuffer]
		if len(fb.Attachments) == 0 {
			return
		}
		if im := d.images[d.views[fb.Attachments[0]].Image]; im != nil {
			d.fill(im, color, rect)
		}
	})
}

func (d *Device) CmdSetViewport(buf gpu.CommandBuffer, viewport core1_0.Viewport, scissor core1_0.Rect2D) {
	d.mu.Lock()
	defer d.mu.Unlock()
	_ = d.record("CmdSetViewport", buf, func(e *execution) {})
}

// fill writes color into rect of an 8-bit color image, honoring its channel order.
func (d *Device) fill(im *image, color [4]float32, rect core1_0.Rect2D) {
	order := gpu.ChannelOrderOf(im.info.Format)
	if order == gpu.OrderUnknown {
		return
	}
	data := d.imageData(im)
	if data == nil {
		d.violate("write to image with unbound memory")
		return
	}
	texel := [4]byte{unorm(color[0]), unorm(color[1]), unorm(color[2]), unorm(color[3])}
	if order == gpu.OrderBGRA {
		texel[0], texel[2] = texel[2], texel[0]
	}
	x0, y0 := rect.Offset.X, rect.Offset.Y
	x1 := min(x0+rect.Extent.Width, im.info.Extent.Width)
	y1 := min(y0+rect.Extent.Height, im.info.Extent.Height)
	for y := max(y0, 0); y < y1; y++ {
		for x := max(x0, 0); x < x1; x++ {
			copy(data[y*im.rowPitch+x*4:], texel[:])
		}
	}
}

func unorm(c float32) byte {
	if c <= 0 {
		return 0
	}
	if c >= 1 {
		return 255
	}
	return byte(math.Round(float64(c) * 255))
}

func (d *Device) CreateFence() (gpu.Fence, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.call("CreateFence"); err != nil {
		return 0, err
	}
	d.next++
	h := gpu.Fence(d.next)
	d.fences[h] = &fence{done: make(chan struct{})}
	return h, nil
}

func (d *Device) DestroyFence(f gpu.Fence) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.calls = append(d.calls, "DestroyFence")
	fe, ok := d.fences[f]
	if !ok {
		d.violate("DestroyFence of unknown fence %d", f)
		return
	}
	if fe.submitted && !fe.signaled {
		d.violate("DestroyFence %d while its submission is pending", f)
	}
	delete(d.fences, f)
}

func (d *Device) WaitForFence(f gpu.Fence) error {
	d.mu.Lock()
	if err := d.call("WaitForFence"); err != nil {
		d.mu.Unlock()
		return err
	}
	fe, ok := d.fences[f]
	d.mu.Unlock()
	if !ok {
		return gpu.DeviceError(errors.Newf("unknown fence %d", f), "vkWaitForFences")
	}
	if !fe.submitted {
		return gpu.DeviceError(errors.Newf("fence %d was never submitted", f), "vkWaitForFences")
	}
	<-fe.done
	return nil
}

// QueueSubmit replays the command buffer immediately. The fence, if any, is signaled at once
// unless ManualFences is set.
func (d *Device) QueueSubmit(queue gpu.Queue, buf gpu.CommandBuffer, f gpu.Fence) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.call("QueueSubmit"); err != nil {
		return err
	}
	cb, ok := d.cmdBuffers[buf]
	if !ok || !cb.ended {
		return gpu.DeviceError(errors.Newf("command buffer %d is not executable", buf), "vkQueueSubmit")
	}
	var fe *fence
	if f.Initialized() {
		fe, ok = d.fences[f]
		if !ok {
			return gpu.DeviceError(errors.Newf("unknown fence %d", f), "vkQueueSubmit")
		}
		if fe.submitted {
			return gpu.DeviceError(errors.Newf("fence %d already submitted", f), "vkQueueSubmit")
		}
		fe.submitted = true
	}

	e := &execution{}
	for _, op := range cb.ops {
		op(e)
	}
	if e.pass != nil {
		d.violate("command buffer %d ended inside a render pass", buf)
	}
	d.submissions++

	if fe != nil {
		if d.ManualFences {
			d.Submitted <- f
		} else {
			fe.signaled = true
			close(fe.done)
		}
	}
	return nil
}

func (d *Device) QueueWaitIdle(queue gpu.Queue) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.call("QueueWaitIdle")
}

func (d *Device) WaitIdle() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.call("WaitIdle")
}
