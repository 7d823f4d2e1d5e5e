package accel

import (
	"bytes"
	"encoding/binary"
	"io"
	"strings"
	"testing"

	"github.com/go-gl/mathgl/mgl32"
	"github.com/vkngwrapper/core/v3/common"
	"github.com/vkngwrapper/core/v3/core1_0"
	"github.com/vkngwrapper/headless/gpu"
	"github.com/vkngwrapper/headless/gpu/gputest"
	"github.com/vkngwrapper/headless/scene"
	"golang.org/x/exp/slog"
)

const twoMeshes = `o low
v -1 0 0
v 1 0 0
v 0 2 0
f 1 2 3
o high
v 0 5 -3
v 4 6 -3
v 0 6 1
f 4 5 6
`

func geometry(t *testing.T, device *gputest.Device, n int) []gpu.Buffer {
	buffers := make([]gpu.Buffer, 0, n)
	for i := 0; i < n; i++ {
		b, err := device.CreateBuffer(gpu.BufferInfo{Size: 64, Usage: core1_0.BufferUsageStorageBuffer})
		if err != nil {
			t.Fatal(err)
		}
		buffers = append(buffers, b)
	}
	return buffers
}

func TestBuilderBounds(t *testing.T) {
	scn, err := scene.DecodeReader("two", strings.NewReader(twoMeshes), strings.NewReader(""))
	if err != nil {
		t.Fatalf("DecodeReader: %v", err)
	}

	device := gputest.New()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	builder := NewBuilder(gpu.NewAllocator(device, logger), gpu.Queue{Role: gpu.RoleCompute}, logger)
	vbs, ibs := geometry(t, device, 2), geometry(t, device, 2)
	before := device.Live()

	if err := builder.Create(scn, vbs, ibs); err != nil {
		t.Fatalf("Create: %v", err)
	}

	want := []AABB{
		{Min: mgl32.Vec3{-1, 0, 0}, Max: mgl32.Vec3{1, 2, 0}},
		{Min: mgl32.Vec3{0, 5, -3}, Max: mgl32.Vec3{4, 6, 1}},
	}
	got := builder.MeshBounds()
	if len(got) != len(want) {
		t.Fatalf("mesh bounds = %v", got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("mesh %d bounds = %v, want %v", i, got[i], want[i])
		}
	}
	top := builder.Bounds()
	if top != (AABB{Min: mgl32.Vec3{-1, 0, -3}, Max: mgl32.Vec3{4, 6, 1}}) {
		t.Errorf("top bounds = %v", top)
	}
	if !top.Contains(mgl32.Vec3{0, 3, 0}) || top.Contains(mgl32.Vec3{5, 0, 0}) {
		t.Error("Contains disagrees with the top bounds")
	}

	records := []aabbRecord{
		{Min: top.Min.Vec4(1), Max: top.Max.Vec4(1)},
		{Min: want[0].Min.Vec4(1), Max: want[0].Max.Vec4(1)},
		{Min: want[1].Min.Vec4(1), Max: want[1].Max.Vec4(1)},
	}
	expected := &bytes.Buffer{}
	_ = binary.Write(expected, common.ByteOrder, records)
	if !bytes.Equal(device.BufferData(builder.Buffer()), expected.Bytes()) {
		t.Error("device boxes differ from host boxes")
	}

	live := device.Live()
	if live.Buffers != before.Buffers+1 || live.CommandPools != 0 || live.CommandBuffers != 0 || live.Fences != 0 {
		t.Errorf("live after Create = %+v", live)
	}

	builder.Destroy()
	builder.Destroy()
	if live := device.Live(); live != before {
		t.Errorf("live after Destroy = %+v, want %+v", live, before)
	}
	if v := device.Violations(); len(v) != 0 {
		t.Errorf("violations: %v", v)
	}
}

func TestBuilderRejectsMismatchedGeometry(t *testing.T) {
	scn, err := scene.DecodeReader("two", strings.NewReader(twoMeshes), strings.NewReader(""))
	if err != nil {
		t.Fatal(err)
	}
	device := gputest.New()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	builder := NewBuilder(gpu.NewAllocator(device, logger), gpu.Queue{Role: gpu.RoleCompute}, logger)

	tests := []struct {
		name string
		vbs  []gpu.Buffer
		ibs  []gpu.Buffer
	}{
		{"missing vertex buffers", geometry(t, device, 1), geometry(t, device, 2)},
		{"missing index buffers", geometry(t, device, 2), nil},
		{"uninitialized buffer", []gpu.Buffer{0, 1}, geometry(t, device, 2)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := builder.Create(scn, tt.vbs, tt.ibs); err == nil {
				t.Error("expected Create to fail")
			}
		})
	}
	if err := builder.Create(nil, nil, nil); err == nil {
		t.Error("expected Create without a scene to fail")
	}
}

func TestBuilderUploadFailureLeaksNothing(t *testing.T) {
	scn, err := scene.DecodeReader("two", strings.NewReader(twoMeshes), strings.NewReader(""))
	if err != nil {
		t.Fatal(err)
	}
	device := gputest.New()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	builder := NewBuilder(gpu.NewAllocator(device, logger), gpu.Queue{Role: gpu.RoleCompute}, logger)
	vbs, ibs := geometry(t, device, 2), geometry(t, device, 2)
	before := device.Live()

	device.Fail("QueueSubmit", io.ErrClosedPipe)
	if err := builder.Create(scn, vbs, ibs); err == nil {
		t.Fatal("expected Create to fail")
	}
	if live := device.Live(); live != before {
		t.Errorf("live after failed Create = %+v, want %+v", live, before)
	}
}
