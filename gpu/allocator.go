package gpu

import (
	"github.com/cockroachdb/errors"
	"github.com/vkngwrapper/core/v3/core1_0"
	"golang.org/x/exp/slog"
)

// Allocator binds dedicated device memory to images and buffers. Each allocation owns exactly
// one memory object; there is no suballocation.
type Allocator struct {
	device      Device
	memoryTypes []core1_0.MemoryPropertyFlags
	logger      *slog.Logger
}

func NewAllocator(device Device, logger *slog.Logger) *Allocator {
	return &Allocator{
		device:      device,
		memoryTypes: device.MemoryTypes(),
		logger:      logger,
	}
}

func (a *Allocator) Device() Device {
	return a.device
}

// FindMemoryType returns the first memory type allowed by typeBits that has every requested
// property flag.
func (a *Allocator) FindMemoryType(typeBits uint32, properties core1_0.MemoryPropertyFlags) (int, error) {
	for i, flags := range a.memoryTypes {
		typeBit := uint32(1) << i
		if typeBits&typeBit != 0 && flags&properties == properties {
			return i, nil
		}
	}

	a.logger.Error("unable to find memory type",
		slog.String("properties", properties.String()),
		slog.Uint64("typeBits", uint64(typeBits)))
	return 0, errors.Mark(
		errors.Newf("could not find a memory type matching type request %x with flags %s", typeBits, properties),
		ErrNoMemoryType)
}

type ImageAllocation struct {
	Image  Image
	Memory DeviceMemory
	Size   int

	device Device
}

// Release destroys the image and then frees its memory. Safe to call more than once.
func (i *ImageAllocation) Release() {
	if i == nil {
		return
	}
	if i.Image.Initialized() {
		i.device.DestroyImage(i.Image)
		i.Image = 0
	}
	if i.Memory.Initialized() {
		i.device.FreeMemory(i.Memory)
		i.Memory = 0
	}
}

// CreateImage creates an image and binds freshly allocated memory with the requested
// properties. On failure nothing created by this call survives.
func (a *Allocator) CreateImage(info ImageInfo, properties core1_0.MemoryPropertyFlags) (*ImageAllocation, error) {
	image, err := a.device.CreateImage(info)
	if err != nil {
		return nil, err
	}

	alloc := &ImageAllocation{Image: image, device: a.device}
	reqs := a.device.ImageMemoryRequirements(image)
	memoryIndex, err := a.FindMemoryType(reqs.MemoryTypeBits, properties)
	if err != nil {
		alloc.Release()
		return nil, err
	}

	alloc.Memory, err = a.device.AllocateMemory(reqs.Size, memoryIndex)
	if err != nil {
		alloc.Release()
		return nil, err
	}
	alloc.Size = reqs.Size

	err = a.device.BindImageMemory(image, alloc.Memory)
	if err != nil {
		alloc.Release()
		return nil, err
	}

	return alloc, nil
}

type BufferAllocation struct {
	Buffer Buffer
	Memory DeviceMemory
	Size   int

	device Device
}

func (b *BufferAllocation) Release() {
	if b == nil {
		return
	}
	if b.Buffer.Initialized() {
		b.device.DestroyBuffer(b.Buffer)
		b.Buffer = 0
	}
	if b.Memory.Initialized() {
		b.device.FreeMemory(b.Memory)
		b.Memory = 0
	}
}

// Write copies data into host-visible buffer memory at offset.
func (b *BufferAllocation) Write(offset int, data []byte) error {
	mapped, err := b.device.MapMemory(b.Memory, offset, len(data))
	if err != nil {
		return err
	}
	defer b.device.UnmapMemory(b.Memory)

	copy(mapped, data)
	return nil
}

func (a *Allocator) CreateBuffer(info BufferInfo, properties core1_0.MemoryPropertyFlags) (*BufferAllocation, error) {
	buffer, err := a.device.CreateBuffer(info)
	if err != nil {
		return nil, err
	}

	alloc := &BufferAllocation{Buffer: buffer, device: a.device}
	reqs := a.device.BufferMemoryRequirements(buffer)
	memoryIndex, err := a.FindMemoryType(reqs.MemoryTypeBits, properties)
	if err != nil {
		alloc.Release()
		return nil, err
	}

	alloc.Memory, err = a.device.AllocateMemory(reqs.Size, memoryIndex)
	if err != nil {
		alloc.Release()
		return nil, err
	}
	alloc.Size = info.Size

	err = a.device.BindBufferMemory(buffer, alloc.Memory)
	if err != nil {
		alloc.Release()
		return nil, err
	}

	return alloc, nil
}
