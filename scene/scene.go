// Package scene loads triangle geometry and environment lighting and keeps their device copies.
package scene

import (
	"github.com/go-gl/mathgl/mgl32"
	"github.com/vkngwrapper/core/v3/core1_0"
	"github.com/vkngwrapper/headless/gpu"
)

type Vertex struct {
	Position mgl32.Vec3
	Normal   mgl32.Vec3
	UV       mgl32.Vec2
}

type Material struct {
	Name     string
	Diffuse  mgl32.Vec3
	Emission mgl32.Vec3
}

// Mesh is an indexed triangle list with a single material.
type Mesh struct {
	Name     string
	Vertices []Vertex
	Indices  []uint32
	Material int
}

type Scene struct {
	Name      string
	Meshes    []Mesh
	Materials []Material
	Camera    Camera

	device        gpu.Device
	vertexAllocs  []*gpu.BufferAllocation
	indexAllocs   []*gpu.BufferAllocation
	materialAlloc *gpu.BufferAllocation
	cameraAlloc   *gpu.BufferAllocation
	descLayout    gpu.DescriptorSetLayout
	descPool      gpu.DescriptorPool
	descSet       gpu.DescriptorSet
}

func (s *Scene) TriangleCount() int {
	n := 0
	for _, m := range s.Meshes {
		n += len(m.Indices) / 3
	}
	return n
}

// AverageDiffuse is the triangle-weighted mean diffuse color. A scene without materials is white.
func (s *Scene) AverageDiffuse() mgl32.Vec3 {
	var sum mgl32.Vec3
	var weight float32
	for _, m := range s.Meshes {
		if m.Material < 0 || m.Material >= len(s.Materials) {
			continue
		}
		w := float32(len(m.Indices) / 3)
		sum = sum.Add(s.Materials[m.Material].Diffuse.Mul(w))
		weight += w
	}
	if weight == 0 {
		return mgl32.Vec3{1, 1, 1}
	}
	return sum.Mul(1 / weight)
}

// Bounds returns the axis-aligned box around every vertex.
func (s *Scene) Bounds() (mgl32.Vec3, mgl32.Vec3) {
	var lo, hi mgl32.Vec3
	first := true
	for _, m := range s.Meshes {
		for _, v := range m.Vertices {
			if first {
				lo, hi = v.Position, v.Position
				first = false
				continue
			}
			for i := 0; i < 3; i++ {
				lo[i] = min(lo[i], v.Position[i])
				hi[i] = max(hi[i], v.Position[i])
			}
		}
	}
	return lo, hi
}

func (s *Scene) VertexBuffers() []gpu.Buffer {
	buffers := make([]gpu.Buffer, 0, len(s.vertexAllocs))
	for _, a := range s.vertexAllocs {
		buffers = append(buffers, a.Buffer)
	}
	return buffers
}

func (s *Scene) IndexBuffers() []gpu.Buffer {
	buffers := make([]gpu.Buffer, 0, len(s.indexAllocs))
	for _, a := range s.indexAllocs {
		buffers = append(buffers, a.Buffer)
	}
	return buffers
}

func (s *Scene) DescriptorSetLayout() gpu.DescriptorSetLayout {
	return s.descLayout
}

func (s *Scene) DescriptorSet() gpu.DescriptorSet {
	return s.descSet
}

// UpdateCamera records an update of the camera uniforms for the given aspect ratio.
func (s *Scene) UpdateCamera(cb gpu.CommandBuffer, aspect float32) error {
	if s.cameraAlloc == nil {
		return nil
	}
	return s.device.CmdUpdateBuffer(cb, s.cameraAlloc.Buffer, 0, s.Camera.Uniforms(aspect).Bytes())
}

func sceneBindings() []core1_0.DescriptorSetLayoutBinding {
	return []core1_0.DescriptorSetLayoutBinding{
		{
			Binding:         0,
			DescriptorType:  core1_0.DescriptorTypeUniformBuffer,
			DescriptorCount: 1,
			StageFlags:      core1_0.StageFragment | core1_0.StageCompute,
		},
		{
			Binding:         1,
			DescriptorType:  core1_0.DescriptorTypeStorageBuffer,
			DescriptorCount: 1,
			StageFlags:      core1_0.StageFragment | core1_0.StageCompute,
		},
	}
}

// Destroy releases every device object the scene owns. The host geometry stays.
func (s *Scene) Destroy() {
	if s.device == nil {
		return
	}
	if s.descPool.Initialized() {
		s.device.DestroyDescriptorPool(s.descPool)
		s.descPool = 0
		s.descSet = 0
	}
	if s.descLayout.Initialized() {
		s.device.DestroyDescriptorSetLayout(s.descLayout)
		s.descLayout = 0
	}
	for _, a := range s.vertexAllocs {
		a.Release()
	}
	for _, a := range s.indexAllocs {
		a.Release()
	}
	s.vertexAllocs, s.indexAllocs = nil, nil
	s.materialAlloc.Release()
	s.cameraAlloc.Release()
	s.materialAlloc, s.cameraAlloc = nil, nil
}
