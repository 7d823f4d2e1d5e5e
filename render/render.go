// Package render defines the interchangeable rendering methods the harness can run.
package render

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"github.com/vkngwrapper/core/v3/common"
	"github.com/vkngwrapper/core/v3/core1_0"
	"github.com/vkngwrapper/headless/gpu"
	"github.com/vkngwrapper/headless/profiler"
	"github.com/vkngwrapper/headless/scene"
)

// Kind is the closed set of rendering methods. KindNone means no method has been selected.
type Kind int

const (
	KindNone Kind = iota
	KindSolid
	KindSky
)

func (k Kind) String() string {
	switch k {
	case KindNone:
		return "None"
	case KindSolid:
		return "Solid"
	case KindSky:
		return "Sky"
	}
	return fmt.Sprintf("Kind(%d)", int(k))
}

// FrameRestart is the frame counter value meaning accumulation starts over on the next frame.
const FrameRestart = -1

// State is the push-constant block shared by every method.
type State struct {
	Frame                 int32
	MaxDepth              int32
	MaxSamples            int32
	FireflyClampThreshold float32
	HdrMultiplier         float32
	DebuggingMode         int32
	PbrMode               int32
	_                     int32
	Size                  [2]int32
	MinHeatmap            int32
	MaxHeatmap            int32
}

func DefaultState() State {
	return State{
		Frame:                 0,
		MaxDepth:              10,
		MaxSamples:            1,
		FireflyClampThreshold: 1,
		HdrMultiplier:         1,
		DebuggingMode:         0,
		PbrMode:               0,
		MinHeatmap:            0,
		MaxHeatmap:            65000,
	}
}

func (s State) Bytes() []byte {
	buf := &bytes.Buffer{}
	_ = binary.Write(buf, common.ByteOrder, s)
	return buf.Bytes()
}

// Method renders one frame of the loaded scene into the offscreen output.
type Method interface {
	Create(extent core1_0.Extent2D, layouts []gpu.DescriptorSetLayout, scn *scene.Scene) error
	Run(cb gpu.CommandBuffer, extent core1_0.Extent2D, prof *profiler.Profiler, sets []gpu.DescriptorSet) error
	SetPushConstants(state State)
	Destroy()
	Name() string
}
