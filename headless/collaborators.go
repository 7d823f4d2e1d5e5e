package headless

import (
	"github.com/vkngwrapper/core/v3/core1_0"
	"github.com/vkngwrapper/headless/gpu"
	"github.com/vkngwrapper/headless/render"
	"github.com/vkngwrapper/headless/scene"
)

// SceneLoader loads geometry and uploads it to the device. Load runs on the loader goroutine.
type SceneLoader interface {
	Load(path string) (*scene.Scene, error)
}

// AccelBuilder builds the acceleration structure render methods trace against.
type AccelBuilder interface {
	Create(scn *scene.Scene, vertexBuffers, indexBuffers []gpu.Buffer) error
	DescriptorSetLayout() gpu.DescriptorSetLayout
	DescriptorSet() gpu.DescriptorSet
	Destroy()
}

// PostPass draws the render result into the color attachment. Draw is recorded inside the render
// pass given to Create.
type PostPass interface {
	Create(extent core1_0.Extent2D, renderPass gpu.RenderPass) error
	Draw(cb gpu.CommandBuffer, viewport core1_0.Rect2D, zoom float32) error
	Destroy()
}

// MethodFactory builds the render method for a kind.
type MethodFactory func(kind render.Kind) (render.Method, error)
