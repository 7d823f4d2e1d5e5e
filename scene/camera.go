package scene

import (
	"bytes"
	"encoding/binary"

	"github.com/go-gl/mathgl/mgl32"
	"github.com/vkngwrapper/core/v3/common"
)

type Camera struct {
	Eye    mgl32.Vec3
	Center mgl32.Vec3
	Up     mgl32.Vec3
	// FovY is the vertical field of view in degrees.
	FovY   float32
	Near   float32
	Far    float32
}

func DefaultCamera() Camera {
	return Camera{
		Eye:    mgl32.Vec3{2, 2, -5},
		Center: mgl32.Vec3{-1, 2, -1},
		Up:     mgl32.Vec3{0, 1, 0},
		FovY:   60,
		Near:   0.1,
		Far:    1000,
	}
}

type CameraUniforms struct {
	View        mgl32.Mat4
	Proj        mgl32.Mat4
	ViewInverse mgl32.Mat4
	ProjInverse mgl32.Mat4
}

func (c Camera) Uniforms(aspect float32) CameraUniforms {
	view := mgl32.LookAtV(c.Eye, c.Center, c.Up)
	proj := mgl32.Perspective(mgl32.DegToRad(c.FovY), aspect, c.Near, c.Far)
	// Vulkan clip space has Y pointing down.
	proj.Set(1, 1, -proj.At(1, 1))

	return CameraUniforms{
		View:        view,
		Proj:        proj,
		ViewInverse: view.Inv(),
		ProjInverse: proj.Inv(),
	}
}

func (u CameraUniforms) Bytes() []byte {
	buf := &bytes.Buffer{}
	// Writing fixed-size matrices into a bytes.Buffer cannot fail.
	_ = binary.Write(buf, common.ByteOrder, u)
	return buf.Bytes()
}
