package scene

import (
	"bytes"
	"encoding/binary"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/cockroachdb/errors"
	"github.com/g3n/engine/loader/obj"
	"github.com/go-gl/mathgl/mgl32"
	"github.com/vkngwrapper/core/v3/common"
	"github.com/vkngwrapper/core/v3/core1_0"
	"github.com/vkngwrapper/headless/gpu"
	"golang.org/x/exp/slog"
)

// TransferContext records and submits one-shot upload command buffers.
type TransferContext interface {
	CreateTempCmdBuffer() (gpu.CommandBuffer, error)
	SubmitTempCmdBuffer(cb gpu.CommandBuffer) error
	FreeTempCmdBuffer(cb gpu.CommandBuffer)
}

type Loader struct {
	allocator *gpu.Allocator
	transfer  TransferContext
	logger    *slog.Logger
}

func NewLoader(allocator *gpu.Allocator, transfer TransferContext, logger *slog.Logger) *Loader {
	return &Loader{allocator: allocator, transfer: transfer, logger: logger}
}

// Load decodes an OBJ file (and the MTL file next to it, if any) and uploads its geometry.
func (l *Loader) Load(path string) (*Scene, error) {
	scn, err := Decode(path)
	if err != nil {
		return nil, err
	}

	err = scn.Upload(l.allocator, l.transfer)
	if err != nil {
		scn.Destroy()
		return nil, err
	}

	l.logger.Info("scene loaded",
		slog.String("path", path),
		slog.Int("meshes", len(scn.Meshes)),
		slog.Int("materials", len(scn.Materials)),
		slog.Int("triangles", scn.TriangleCount()))
	return scn, nil
}

func Decode(path string) (*Scene, error) {
	objFile, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrapf(err, "open scene %s", path)
	}
	defer objFile.Close()

	var mtl io.Reader = strings.NewReader("")
	mtlPath := strings.TrimSuffix(path, filepath.Ext(path)) + ".mtl"
	if mtlFile, err := os.Open(mtlPath); err == nil {
		defer mtlFile.Close()
		mtl = mtlFile
	}

	return DecodeReader(filepath.Base(path), objFile, mtl)
}

func DecodeReader(name string, objReader, mtlReader io.Reader) (*Scene, error) {
	decoder, err := obj.DecodeReader(objReader, mtlReader)
	if err != nil {
		return nil, errors.Wrapf(err, "decode scene %s", name)
	}

	scn := &Scene{Name: name, Camera: DefaultCamera()}

	materialIndex := map[string]int{}
	names := make([]string, 0, len(decoder.Materials))
	for matName := range decoder.Materials {
		names = append(names, matName)
	}
	sort.Strings(names)
	for _, matName := range names {
		mat := decoder.Materials[matName]
		materialIndex[matName] = len(scn.Materials)
		scn.Materials = append(scn.Materials, Material{
			Name:     matName,
			Diffuse:  mgl32.Vec3{mat.Diffuse.R, mat.Diffuse.G, mat.Diffuse.B},
			Emission: mgl32.Vec3{mat.Emissive.R, mat.Emissive.G, mat.Emissive.B},
		})
	}

	for _, decodedObj := range decoder.Objects {
		mesh := Mesh{Name: decodedObj.Name, Material: -1}
		unique := map[[3]int]uint32{}

		for _, face := range decodedObj.Faces {
			if idx, ok := materialIndex[face.Material]; ok && mesh.Material < 0 {
				mesh.Material = idx
			}
			// Faces are fans; split them into triangles.
			for i := 2; i < len(face.Vertices); i++ {
				addVertex(decoder, &mesh, unique, face, 0)
				addVertex(decoder, &mesh, unique, face, i-1)
				addVertex(decoder, &mesh, unique, face, i)
			}
		}

		if len(mesh.Indices) > 0 {
			scn.Meshes = append(scn.Meshes, mesh)
		}
	}

	if len(scn.Meshes) == 0 {
		return nil, errors.Newf("scene %s has no triangles", name)
	}
	return scn, nil
}

func faceIndex(indices []int, i int) int {
	if i < len(indices) {
		return indices[i]
	}
	return -1
}

func addVertex(decoder *obj.Decoder, mesh *Mesh, unique map[[3]int]uint32, face obj.Face, i int) {
	key := [3]int{face.Vertices[i], faceIndex(face.Uvs, i), faceIndex(face.Normals, i)}
	index, exists := unique[key]

	if !exists {
		vertInd := key[0]
		vert := Vertex{Position: mgl32.Vec3{
			decoder.Vertices[vertInd*3],
			decoder.Vertices[vertInd*3+1],
			decoder.Vertices[vertInd*3+2],
		}}

		if uvInd := key[1]; uvInd >= 0 && uvInd*2+1 < len(decoder.Uvs) {
			vert.UV = mgl32.Vec2{decoder.Uvs[uvInd*2], 1.0 - decoder.Uvs[uvInd*2+1]}
		}
		if nInd := key[2]; nInd >= 0 && nInd*3+2 < len(decoder.Normals) {
			vert.Normal = mgl32.Vec3{decoder.Normals[nInd*3], decoder.Normals[nInd*3+1], decoder.Normals[nInd*3+2]}
		}

		index = uint32(len(mesh.Vertices))
		mesh.Vertices = append(mesh.Vertices, vert)
		unique[key] = index
	}

	mesh.Indices = append(mesh.Indices, index)
}

func encode(data any) []byte {
	buf := &bytes.Buffer{}
	_ = binary.Write(buf, common.ByteOrder, data)
	return buf.Bytes()
}

type materialRecord struct {
	Diffuse  mgl32.Vec4
	Emission mgl32.Vec4
}

// Upload copies geometry and materials into device-local buffers through staging buffers and
// creates the scene descriptor set.
func (s *Scene) Upload(allocator *gpu.Allocator, transfer TransferContext) error {
	s.device = allocator.Device()
	geometryUsage := core1_0.BufferUsageStorageBuffer | core1_0.BufferUsageVertexBuffer

	for _, mesh := range s.Meshes {
		vb, err := uploadBuffer(allocator, transfer, encode(mesh.Vertices), geometryUsage)
		if err != nil {
			return errors.Wrapf(err, "upload vertices of %s", mesh.Name)
		}
		s.vertexAllocs = append(s.vertexAllocs, vb)

		ib, err := uploadBuffer(allocator, transfer, encode(mesh.Indices), core1_0.BufferUsageStorageBuffer|core1_0.BufferUsageIndexBuffer)
		if err != nil {
			return errors.Wrapf(err, "upload indices of %s", mesh.Name)
		}
		s.indexAllocs = append(s.indexAllocs, ib)
	}

	records := []materialRecord{{Diffuse: mgl32.Vec4{1, 1, 1, 1}}}
	if len(s.Materials) > 0 {
		records = records[:0]
		for _, m := range s.Materials {
			records = append(records, materialRecord{Diffuse: m.Diffuse.Vec4(1), Emission: m.Emission.Vec4(1)})
		}
	}
	var err error
	s.materialAlloc, err = uploadBuffer(allocator, transfer, encode(records), core1_0.BufferUsageStorageBuffer)
	if err != nil {
		return errors.Wrap(err, "upload materials")
	}

	cameraSize := len(CameraUniforms{}.Bytes())
	s.cameraAlloc, err = allocator.CreateBuffer(gpu.BufferInfo{
		Size:  cameraSize,
		Usage: core1_0.BufferUsageUniformBuffer | core1_0.BufferUsageTransferDst,
	}, core1_0.MemoryPropertyDeviceLocal)
	if err != nil {
		return errors.Wrap(err, "create camera buffer")
	}

	return s.createDescriptorSet(cameraSize, len(encode(records)))
}

func (s *Scene) createDescriptorSet(cameraSize, materialSize int) error {
	var err error
	s.descLayout, err = s.device.CreateDescriptorSetLayout(sceneBindings())
	if err != nil {
		return err
	}

	s.descPool, err = s.device.CreateDescriptorPool(1, []core1_0.DescriptorPoolSize{
		{Type: core1_0.DescriptorTypeUniformBuffer, DescriptorCount: 1},
		{Type: core1_0.DescriptorTypeStorageBuffer, DescriptorCount: 1},
	})
	if err != nil {
		return err
	}

	s.descSet, err = s.device.AllocateDescriptorSet(s.descPool, s.descLayout)
	if err != nil {
		return err
	}

	return s.device.UpdateDescriptorSets(
		gpu.DescriptorWrite{
			Set:     s.descSet,
			Binding: 0,
			Type:    core1_0.DescriptorTypeUniformBuffer,
			Buffer:  s.cameraAlloc.Buffer,
			Range:   cameraSize,
		},
		gpu.DescriptorWrite{
			Set:     s.descSet,
			Binding: 1,
			Type:    core1_0.DescriptorTypeStorageBuffer,
			Buffer:  s.materialAlloc.Buffer,
			Range:   materialSize,
		},
	)
}

// uploadBuffer creates a device-local buffer holding data. The staging buffer is gone when
// this returns, whatever the outcome.
func uploadBuffer(allocator *gpu.Allocator, transfer TransferContext, data []byte, usage core1_0.BufferUsageFlags) (*gpu.BufferAllocation, error) {
	var staging gpu.Arena
	defer staging.Release()

	src, err := allocator.CreateBuffer(gpu.BufferInfo{
		Size:  len(data),
		Usage: core1_0.BufferUsageTransferSrc,
	}, core1_0.MemoryPropertyHostVisible|core1_0.MemoryPropertyHostCoherent)
	if err != nil {
		return nil, err
	}
	staging.Defer(src.Release)

	err = src.Write(0, data)
	if err != nil {
		return nil, err
	}

	dst, err := allocator.CreateBuffer(gpu.BufferInfo{
		Size:  len(data),
		Usage: usage | core1_0.BufferUsageTransferDst,
	}, core1_0.MemoryPropertyDeviceLocal)
	if err != nil {
		return nil, err
	}

	cb, err := transfer.CreateTempCmdBuffer()
	if err != nil {
		dst.Release()
		return nil, err
	}

	err = allocator.Device().CmdCopyBuffer(cb, src.Buffer, dst.Buffer, len(data))
	if err != nil {
		transfer.FreeTempCmdBuffer(cb)
		dst.Release()
		return nil, err
	}

	err = transfer.SubmitTempCmdBuffer(cb)
	if err != nil {
		dst.Release()
		return nil, err
	}
	return dst, nil
}
