package gpu

// Handles are opaque, device-scoped identifiers. The zero value is never a live object.

type Image uint64

func (h Image) Initialized() bool { return h != 0 }

type DeviceMemory uint64

func (h DeviceMemory) Initialized() bool { return h != 0 }

type ImageView uint64

func (h ImageView) Initialized() bool { return h != 0 }

type Buffer uint64

func (h Buffer) Initialized() bool { return h != 0 }

type RenderPass uint64

func (h RenderPass) Initialized() bool { return h != 0 }

type Framebuffer uint64

func (h Framebuffer) Initialized() bool { return h != 0 }

type CommandPool uint64

func (h CommandPool) Initialized() bool { return h != 0 }

type CommandBuffer uint64

func (h CommandBuffer) Initialized() bool { return h != 0 }

type Fence uint64

func (h Fence) Initialized() bool { return h != 0 }

type PipelineCache uint64

func (h PipelineCache) Initialized() bool { return h != 0 }

type DescriptorSetLayout uint64

func (h DescriptorSetLayout) Initialized() bool { return h != 0 }

type DescriptorPool uint64

func (h DescriptorPool) Initialized() bool { return h != 0 }

type DescriptorSet uint64

func (h DescriptorSet) Initialized() bool { return h != 0 }

type QueueHandle uint64

func (h QueueHandle) Initialized() bool { return h != 0 }
