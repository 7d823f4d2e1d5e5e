// Package vkdevice implements gpu.Device on top of a real Vulkan driver. The Vulkan loader is
// obtained through SDL with its offscreen video driver, so no window or display is needed.
package vkdevice

import (
	"context"
	"os"
	"sync"

	"github.com/cockroachdb/errors"
	"github.com/veandco/go-sdl2/sdl"
	"github.com/vkngwrapper/core/v3"
	"github.com/vkngwrapper/core/v3/common"
	"github.com/vkngwrapper/core/v3/core1_0"
	"github.com/vkngwrapper/extensions/v3/ext_debug_utils"
	"github.com/vkngwrapper/extensions/v3/khr_portability_enumeration"
	"github.com/vkngwrapper/extensions/v3/khr_portability_subset"
	"github.com/vkngwrapper/headless/gpu"
	"golang.org/x/exp/slog"
)

const validationLayer = "VK_LAYER_KHRONOS_validation"

type Options struct {
	ApplicationName string
	// Validation enables the Khronos validation layer when it is installed.
	Validation bool
	Logger     *slog.Logger
}

// Device owns the instance, the logical device, and every handle handed out through gpu.Device.
type Device struct {
	logger *slog.Logger

	globalDriver   core1_0.GlobalDriver
	instanceDriver core1_0.CoreInstanceDriver
	deviceDriver   core1_0.CoreDeviceDriver
	debugDriver    ext_debug_utils.ExtensionDriver
	debugMessenger ext_debug_utils.DebugUtilsMessenger
	physicalDevice core1_0.PhysicalDevice
	queues         gpu.Queues
	memoryTypes    []core1_0.MemoryPropertyFlags

	mu             sync.Mutex
	next           uint64
	queueHandles   map[gpu.QueueHandle]core1_0.Queue
	images         map[gpu.Image]core1_0.Image
	memories       map[gpu.DeviceMemory]core1_0.DeviceMemory
	views          map[gpu.ImageView]core1_0.ImageView
	buffers        map[gpu.Buffer]core1_0.Buffer
	renderPasses   map[gpu.RenderPass]core1_0.RenderPass
	framebuffers   map[gpu.Framebuffer]core1_0.Framebuffer
	caches         map[gpu.PipelineCache]core1_0.PipelineCache
	pools          map[gpu.CommandPool]core1_0.CommandPool
	commandBuffers map[gpu.CommandBuffer]core1_0.CommandBuffer
	bufferPools    map[gpu.CommandBuffer]gpu.CommandPool
	fences         map[gpu.Fence]core1_0.Fence
	setLayouts     map[gpu.DescriptorSetLayout]core1_0.DescriptorSetLayout
	descPools      map[gpu.DescriptorPool]core1_0.DescriptorPool
	sets           map[gpu.DescriptorSet]core1_0.DescriptorSet
}

var _ gpu.Device = (*Device)(nil)

// Open loads Vulkan, creates an instance and picks the first physical device that has a
// graphics queue family, then creates a logical device with one queue per role.
func Open(opts Options) (*Device, error) {
	d := &Device{
		logger:         opts.Logger,
		queueHandles:   map[gpu.QueueHandle]core1_0.Queue{},
		images:         map[gpu.Image]core1_0.Image{},
		memories:       map[gpu.DeviceMemory]core1_0.DeviceMemory{},
		views:          map[gpu.ImageView]core1_0.ImageView{},
		buffers:        map[gpu.Buffer]core1_0.Buffer{},
		renderPasses:   map[gpu.RenderPass]core1_0.RenderPass{},
		framebuffers:   map[gpu.Framebuffer]core1_0.Framebuffer{},
		caches:         map[gpu.PipelineCache]core1_0.PipelineCache{},
		pools:          map[gpu.CommandPool]core1_0.CommandPool{},
		commandBuffers: map[gpu.CommandBuffer]core1_0.CommandBuffer{},
		bufferPools:    map[gpu.CommandBuffer]gpu.CommandPool{},
		fences:         map[gpu.Fence]core1_0.Fence{},
		setLayouts:     map[gpu.DescriptorSetLayout]core1_0.DescriptorSetLayout{},
		descPools:      map[gpu.DescriptorPool]core1_0.DescriptorPool{},
		sets:           map[gpu.DescriptorSet]core1_0.DescriptorSet{},
	}
	if d.logger == nil {
		d.logger = slog.Default()
	}

	err := d.loadDriver()
	if err != nil {
		return nil, err
	}

	err = d.createInstance(opts)
	if err != nil {
		d.Close()
		return nil, err
	}

	err = d.pickPhysicalDevice()
	if err != nil {
		d.Close()
		return nil, err
	}

	err = d.createLogicalDevice()
	if err != nil {
		d.Close()
		return nil, err
	}

	return d, nil
}

func (d *Device) loadDriver() error {
	if os.Getenv("SDL_VIDEODRIVER") == "" {
		os.Setenv("SDL_VIDEODRIVER", "offscreen")
	}
	if err := sdl.Init(sdl.INIT_VIDEO); err != nil {
		return errors.Wrap(err, "sdl init")
	}
	if err := sdl.VulkanLoadLibrary(""); err != nil {
		sdl.Quit()
		return errors.Wrap(err, "load vulkan library")
	}

	var err error
	d.globalDriver, err = core.CreateDriverFromProcAddr(sdl.VulkanGetVkGetInstanceProcAddr())
	if err != nil {
		sdl.VulkanUnloadLibrary()
		sdl.Quit()
		return errors.Wrap(err, "create global driver")
	}
	return nil
}

func (d *Device) createInstance(opts Options) error {
	instanceOptions := core1_0.InstanceCreateInfo{
		ApplicationName:    opts.ApplicationName,
		ApplicationVersion: common.CreateVersion(1, 0, 0),
		EngineName:         "No Engine",
		EngineVersion:      common.CreateVersion(1, 0, 0),
		APIVersion:         common.Vulkan1_2,
	}

	extensions, _, err := d.globalDriver.AvailableExtensions()
	if err != nil {
		return gpu.DeviceError(err, "enumerate instance extensions")
	}

	_, enumerationSupported := extensions[khr_portability_enumeration.ExtensionName]
	if enumerationSupported {
		instanceOptions.EnabledExtensionNames = append(instanceOptions.EnabledExtensionNames, khr_portability_enumeration.ExtensionName)
		instanceOptions.Flags |= khr_portability_enumeration.InstanceCreateEnumeratePortability
	}

	validation := false
	if opts.Validation {
		layers, _, err := d.globalDriver.AvailableLayers()
		if err != nil {
			return gpu.DeviceError(err, "enumerate instance layers")
		}

		_, hasLayer := layers[validationLayer]
		_, hasDebugUtils := extensions[ext_debug_utils.ExtensionName]
		if hasLayer && hasDebugUtils {
			validation = true
			instanceOptions.EnabledLayerNames = append(instanceOptions.EnabledLayerNames, validationLayer)
			instanceOptions.EnabledExtensionNames = append(instanceOptions.EnabledExtensionNames, ext_debug_utils.ExtensionName)
			instanceOptions.Next = d.debugMessengerOptions()
		} else {
			d.logger.Warn("validation requested but not available", slog.String("layer", validationLayer))
		}
	}

	d.instanceDriver, _, err = d.globalDriver.CreateInstance(nil, instanceOptions)
	if err != nil {
		return gpu.DeviceError(err, "vkCreateInstance")
	}

	if validation {
		d.debugDriver = ext_debug_utils.CreateExtensionDriverFromCoreDriver(d.instanceDriver)
		d.debugMessenger, _, err = d.debugDriver.CreateDebugUtilsMessenger(nil, d.debugMessengerOptions())
		if err != nil {
			return gpu.DeviceError(err, "vkCreateDebugUtilsMessengerEXT")
		}
	}

	return nil
}

func (d *Device) debugMessengerOptions() ext_debug_utils.DebugUtilsMessengerCreateInfo {
	return ext_debug_utils.DebugUtilsMessengerCreateInfo{
		MessageSeverity: ext_debug_utils.SeverityError | ext_debug_utils.SeverityWarning,
		MessageType:     ext_debug_utils.TypeGeneral | ext_debug_utils.TypeValidation | ext_debug_utils.TypePerformance,
		UserCallback:    d.logDebug,
	}
}

func (d *Device) logDebug(msgType ext_debug_utils.DebugUtilsMessageTypeFlags, severity ext_debug_utils.DebugUtilsMessageSeverityFlags, data *ext_debug_utils.DebugUtilsMessengerCallbackData) bool {
	level := slog.LevelWarn
	if severity&ext_debug_utils.SeverityError != 0 {
		level = slog.LevelError
	}
	d.logger.Log(context.Background(), level, data.Message, slog.String("type", msgType.String()))
	return false
}

func (d *Device) pickPhysicalDevice() error {
	physicalDevices, _, err := d.instanceDriver.EnumeratePhysicalDevices()
	if err != nil {
		return gpu.DeviceError(err, "vkEnumeratePhysicalDevices")
	}

	for _, device := range physicalDevices {
		for _, family := range d.instanceDriver.GetPhysicalDeviceQueueFamilyProperties(device) {
			if family.QueueFlags&core1_0.QueueGraphics != 0 {
				d.physicalDevice = device
				break
			}
		}
		if d.physicalDevice.Initialized() {
			break
		}
	}

	if !d.physicalDevice.Initialized() {
		return errors.New("failed to find a GPU with a graphics queue")
	}

	properties, err := d.instanceDriver.GetPhysicalDeviceProperties(d.physicalDevice)
	if err != nil {
		return gpu.DeviceError(err, "vkGetPhysicalDeviceProperties")
	}
	d.logger.Info("selected physical device",
		slog.Uint64("vendorID", uint64(properties.VendorID)),
		slog.Uint64("deviceID", uint64(properties.DeviceID)),
		slog.String("pipelineCacheUUID", properties.PipelineCacheUUID.String()))

	memProperties := d.instanceDriver.GetPhysicalDeviceMemoryProperties(d.physicalDevice)
	for _, memoryType := range memProperties.MemoryTypes {
		d.memoryTypes = append(d.memoryTypes, memoryType.PropertyFlags)
	}
	return nil
}

type queueSlot struct {
	family int
	index  int
}

// selectQueues assigns a family and queue index to each role. GCT1 takes a second queue of
// the graphics family when there is one. Compute and transfer prefer dedicated families.
func selectQueues(families []*core1_0.QueueFamilyProperties) ([4]queueSlot, map[int]int, error) {
	var slots [4]queueSlot
	graphics, compute, transfer := -1, -1, -1
	const gct = core1_0.QueueGraphics | core1_0.QueueCompute | core1_0.QueueTransfer

	for i, family := range families {
		flags := family.QueueFlags
		switch {
		case flags&gct == gct && graphics < 0:
			graphics = i
		case flags&core1_0.QueueCompute != 0 && flags&core1_0.QueueGraphics == 0 && compute < 0:
			compute = i
		case flags&core1_0.QueueTransfer != 0 && flags&(core1_0.QueueGraphics|core1_0.QueueCompute) == 0 && transfer < 0:
			transfer = i
		}
	}
	if graphics < 0 {
		return slots, nil, errors.New("no queue family supports graphics, compute and transfer")
	}

	counts := map[int]int{}
	take := func(family int) queueSlot {
		index := counts[family]
		if index >= families[family].QueueCount {
			index = families[family].QueueCount - 1
		} else {
			counts[family]++
		}
		return queueSlot{family: family, index: index}
	}

	slots[gpu.RoleGraphics] = take(graphics)
	slots[gpu.RoleGraphicsLoad] = take(graphics)
	if compute < 0 {
		compute = graphics
	}
	slots[gpu.RoleCompute] = take(compute)
	if transfer < 0 {
		transfer = graphics
	}
	slots[gpu.RoleTransfer] = take(transfer)
	return slots, counts, nil
}

func (d *Device) createLogicalDevice() error {
	families := d.instanceDriver.GetPhysicalDeviceQueueFamilyProperties(d.physicalDevice)
	slots, counts, err := selectQueues(families)
	if err != nil {
		return err
	}

	var queueFamilyOptions []core1_0.DeviceQueueCreateInfo
	for family, count := range counts {
		priorities := make([]float32, count)
		for i := range priorities {
			priorities[i] = 1.0
		}
		queueFamilyOptions = append(queueFamilyOptions, core1_0.DeviceQueueCreateInfo{
			QueueFamilyIndex: family,
			QueuePriorities:  priorities,
		})
	}

	var extensionNames []string
	extensions, _, err := d.instanceDriver.EnumerateDeviceExtensionProperties(d.physicalDevice)
	if err != nil {
		return gpu.DeviceError(err, "vkEnumerateDeviceExtensionProperties")
	}

	_, supported := extensions[khr_portability_subset.ExtensionName]
	if supported {
		extensionNames = append(extensionNames, khr_portability_subset.ExtensionName)
	}

	d.deviceDriver, _, err = d.instanceDriver.CreateDevice(d.physicalDevice, nil, core1_0.DeviceCreateInfo{
		QueueCreateInfos:      queueFamilyOptions,
		EnabledExtensionNames: extensionNames,
	})
	if err != nil {
		return gpu.DeviceError(err, "vkCreateDevice")
	}

	for role, slot := range slots {
		queue := d.deviceDriver.GetQueue(slot.family, slot.index)
		d.next++
		handle := gpu.QueueHandle(d.next)
		d.queueHandles[handle] = queue
		d.queues[role] = gpu.Queue{
			Handle:      handle,
			FamilyIndex: slot.family,
			QueueIndex:  slot.index,
			Role:        gpu.Role(role),
		}
		d.logger.Debug("queue selected",
			slog.String("role", gpu.Role(role).String()),
			slog.Int("family", slot.family),
			slog.Int("index", slot.index))
	}
	return nil
}

func (d *Device) Queues() gpu.Queues {
	return d.queues
}

// Close destroys the device, messenger and instance, then unloads Vulkan. Every resource
// handed out must already be released.
func (d *Device) Close() {
	if d.deviceDriver != nil {
		d.deviceDriver.DestroyDevice(nil)
		d.deviceDriver = nil
	}
	if d.debugMessenger.Initialized() {
		d.debugDriver.DestroyDebugUtilsMessenger(d.debugMessenger, nil)
		d.debugMessenger = ext_debug_utils.DebugUtilsMessenger{}
	}
	if d.instanceDriver != nil {
		d.instanceDriver.DestroyInstance(nil)
		d.instanceDriver = nil
	}
	if d.globalDriver != nil {
		d.globalDriver = nil
		sdl.VulkanUnloadLibrary()
		sdl.Quit()
	}
}
