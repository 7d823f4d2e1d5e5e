// Package accel builds the bounding-volume hierarchy render methods trace against. Boxes are
// computed on the host and uploaded with the compute queue.
package accel

import (
	"bytes"
	"encoding/binary"

	"github.com/cockroachdb/errors"
	"github.com/go-gl/mathgl/mgl32"
	"github.com/vkngwrapper/core/v3/common"
	"github.com/vkngwrapper/core/v3/core1_0"
	"github.com/vkngwrapper/headless/gpu"
	"github.com/vkngwrapper/headless/scene"
	"golang.org/x/exp/slog"
)

type AABB struct {
	Min mgl32.Vec3
	Max mgl32.Vec3
}

// Union returns the smallest box containing both a and o.
func (a AABB) Union(o AABB) AABB {
	for i := 0; i < 3; i++ {
		a.Min[i] = min(a.Min[i], o.Min[i])
		a.Max[i] = max(a.Max[i], o.Max[i])
	}
	return a
}

func (a AABB) Contains(p mgl32.Vec3) bool {
	for i := 0; i < 3; i++ {
		if p[i] < a.Min[i] || p[i] > a.Max[i] {
			return false
		}
	}
	return true
}

// MeshBounds returns the box around every vertex of mesh.
func MeshBounds(mesh scene.Mesh) AABB {
	if len(mesh.Vertices) == 0 {
		return AABB{}
	}
	box := AABB{Min: mesh.Vertices[0].Position, Max: mesh.Vertices[0].Position}
	for _, v := range mesh.Vertices[1:] {
		box = box.Union(AABB{Min: v.Position, Max: v.Position})
	}
	return box
}

// aabbRecord is the device layout of one box: two vec4s.
type aabbRecord struct {
	Min mgl32.Vec4
	Max mgl32.Vec4
}

// Builder owns the bottom-level boxes (one per mesh) and the top-level box around them.
type Builder struct {
	allocator *gpu.Allocator
	device    gpu.Device
	queue     gpu.Queue
	logger    *slog.Logger

	meshes     []AABB
	top        AABB
	alloc      *gpu.BufferAllocation
	descLayout gpu.DescriptorSetLayout
	descPool   gpu.DescriptorPool
	descSet    gpu.DescriptorSet
}

func NewBuilder(allocator *gpu.Allocator, queue gpu.Queue, logger *slog.Logger) *Builder {
	return &Builder{
		allocator: allocator,
		device:    allocator.Device(),
		queue:     queue,
		logger:    logger,
	}
}

// Create builds the hierarchy for scn, replacing any previous one. vertexBuffers and
// indexBuffers must hold one device buffer per mesh.
func (b *Builder) Create(scn *scene.Scene, vertexBuffers, indexBuffers []gpu.Buffer) error {
	b.Destroy()

	if scn == nil || len(scn.Meshes) == 0 {
		return errors.New("acceleration structure needs at least one mesh")
	}
	if len(vertexBuffers) != len(scn.Meshes) || len(indexBuffers) != len(scn.Meshes) {
		return errors.Newf("acceleration structure for %d meshes got %d vertex and %d index buffers",
			len(scn.Meshes), len(vertexBuffers), len(indexBuffers))
	}
	for i := range scn.Meshes {
		if !vertexBuffers[i].Initialized() || !indexBuffers[i].Initialized() {
			return errors.Newf("mesh %d has no device geometry", i)
		}
	}

	records := make([]aabbRecord, 0, len(scn.Meshes)+1)
	b.meshes = make([]AABB, 0, len(scn.Meshes))
	for i, mesh := range scn.Meshes {
		box := MeshBounds(mesh)
		b.meshes = append(b.meshes, box)
		if i == 0 {
			b.top = box
		} else {
			b.top = b.top.Union(box)
		}
	}
	// The top-level box goes first so a shader can reject a ray with one test.
	records = append(records, aabbRecord{Min: b.top.Min.Vec4(1), Max: b.top.Max.Vec4(1)})
	for _, box := range b.meshes {
		records = append(records, aabbRecord{Min: box.Min.Vec4(1), Max: box.Max.Vec4(1)})
	}

	buf := &bytes.Buffer{}
	_ = binary.Write(buf, common.ByteOrder, records)

	err := b.upload(buf.Bytes())
	if err != nil {
		b.Destroy()
		return err
	}

	err = b.createDescriptorSet(buf.Len())
	if err != nil {
		b.Destroy()
		return err
	}

	b.logger.Info("built acceleration structure",
		slog.Int("instances", len(b.meshes)),
		slog.Any("min", b.top.Min),
		slog.Any("max", b.top.Max))
	return nil
}

// upload copies data into a device-local buffer with a one-shot command buffer on the compute
// queue and waits for it on a fence.
func (b *Builder) upload(data []byte) error {
	var scratch gpu.Arena
	defer scratch.Release()

	staging, err := b.allocator.CreateBuffer(gpu.BufferInfo{
		Size:  len(data),
		Usage: core1_0.BufferUsageTransferSrc,
	}, core1_0.MemoryPropertyHostVisible|core1_0.MemoryPropertyHostCoherent)
	if err != nil {
		return err
	}
	scratch.Defer(staging.Release)

	err = staging.Write(0, data)
	if err != nil {
		return err
	}

	b.alloc, err = b.allocator.CreateBuffer(gpu.BufferInfo{
		Size:  len(data),
		Usage: core1_0.BufferUsageStorageBuffer | core1_0.BufferUsageTransferDst,
	}, core1_0.MemoryPropertyDeviceLocal)
	if err != nil {
		return err
	}

	pool, err := b.device.CreateCommandPool(b.queue.FamilyIndex, core1_0.CommandPoolCreateTransient)
	if err != nil {
		return err
	}
	scratch.Defer(func() { b.device.DestroyCommandPool(pool) })

	cb, err := b.device.AllocateCommandBuffer(pool)
	if err != nil {
		return err
	}
	scratch.Defer(func() { b.device.FreeCommandBuffer(pool, cb) })

	err = b.device.BeginCommandBuffer(cb, core1_0.CommandBufferUsageOneTimeSubmit)
	if err != nil {
		return err
	}
	err = b.device.CmdCopyBuffer(cb, staging.Buffer, b.alloc.Buffer, len(data))
	if err != nil {
		return err
	}
	err = b.device.EndCommandBuffer(cb)
	if err != nil {
		return err
	}

	fence, err := b.device.CreateFence()
	if err != nil {
		return err
	}
	scratch.Defer(func() { b.device.DestroyFence(fence) })

	err = b.device.QueueSubmit(b.queue, cb, fence)
	if err != nil {
		return err
	}
	return b.device.WaitForFence(fence)
}

func (b *Builder) createDescriptorSet(size int) error {
	var err error
	b.descLayout, err = b.device.CreateDescriptorSetLayout([]core1_0.DescriptorSetLayoutBinding{
		{
			Binding:         0,
			DescriptorType:  core1_0.DescriptorTypeStorageBuffer,
			DescriptorCount: 1,
			StageFlags:      core1_0.StageCompute | core1_0.StageFragment,
		},
	})
	if err != nil {
		return err
	}

	b.descPool, err = b.device.CreateDescriptorPool(1, []core1_0.DescriptorPoolSize{
		{Type: core1_0.DescriptorTypeStorageBuffer, DescriptorCount: 1},
	})
	if err != nil {
		return err
	}

	b.descSet, err = b.device.AllocateDescriptorSet(b.descPool, b.descLayout)
	if err != nil {
		return err
	}

	return b.device.UpdateDescriptorSets(gpu.DescriptorWrite{
		Set:     b.descSet,
		Binding: 0,
		Type:    core1_0.DescriptorTypeStorageBuffer,
		Buffer:  b.alloc.Buffer,
		Range:   size,
	})
}

func (b *Builder) Bounds() AABB {
	return b.top
}

func (b *Builder) MeshBounds() []AABB {
	return b.meshes
}

func (b *Builder) Buffer() gpu.Buffer {
	if b.alloc == nil {
		return 0
	}
	return b.alloc.Buffer
}

func (b *Builder) DescriptorSetLayout() gpu.DescriptorSetLayout {
	return b.descLayout
}

func (b *Builder) DescriptorSet() gpu.DescriptorSet {
	return b.descSet
}

func (b *Builder) Destroy() {
	if b.descPool.Initialized() {
		b.device.DestroyDescriptorPool(b.descPool)
		b.descPool = 0
		b.descSet = 0
	}
	if b.descLayout.Initialized() {
		b.device.DestroyDescriptorSetLayout(b.descLayout)
		b.descLayout = 0
	}
	b.alloc.Release()
	b.alloc = nil
	b.meshes = nil
	b.top = AABB{}
}
