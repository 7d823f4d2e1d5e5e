package headless

import (
	"context"

	"github.com/cockroachdb/errors"
	"github.com/vkngwrapper/core/v3/core1_0"
	"github.com/vkngwrapper/headless/accel"
	"github.com/vkngwrapper/headless/gpu"
	"github.com/vkngwrapper/headless/offscreen"
	"github.com/vkngwrapper/headless/profiler"
	"github.com/vkngwrapper/headless/render"
	"github.com/vkngwrapper/headless/scene"
	"golang.org/x/exp/slog"
	"golang.org/x/sync/errgroup"
)

type Options struct {
	Device gpu.Device
	Queues gpu.Queues
	Logger *slog.Logger
	// Monitor is refreshed once per rendered frame. Nil disables it.
	Monitor  profiler.Monitor
	Profiler *profiler.Profiler

	// Extent defaults to SampleExtent and ColorFormat to the package ColorFormat.
	Extent      core1_0.Extent2D
	ColorFormat core1_0.Format
	// DepthFormat is probed when left undefined.
	DepthFormat core1_0.Format

	ScenePath       string
	EnvironmentPath string
	OutputPath      string
	// Samples is the per-pixel sample count pushed to the render method.
	Samples int
	// Method is selected once the scene is loaded. KindNone picks render.KindSky.
	Method render.Kind

	// Collaborators. Nil picks the built-in one.
	SceneLoader  SceneLoader
	AccelBuilder AccelBuilder
	PostPass     PostPass
	NewMethod    MethodFactory
}

// Orchestrator drives one headless frame from target creation to the file on disk.
type Orchestrator struct {
	device    gpu.Device
	queues    gpu.Queues
	allocator *gpu.Allocator
	logger    *slog.Logger
	monitor   profiler.Monitor
	profiler  *profiler.Profiler
	opts      Options

	targets    *Targets
	engine     *CommandEngine
	loadEngine *CommandEngine
	readback   *Readback
	output     *offscreen.Output
	post       PostPass
	loader     SceneLoader
	accel      AccelBuilder
	newMethod  MethodFactory

	methods map[render.Kind]render.Method
	method  render.Method
	frame   FrameState

	scene          *scene.Scene
	env            *scene.Environment
	sunAndSky      scene.SunAndSky
	sunAndSkyAlloc *gpu.BufferAllocation
	descLayout     gpu.DescriptorSetLayout
	descPool       gpu.DescriptorPool
	descSet        gpu.DescriptorSet
}

func New(opts Options) (*Orchestrator, error) {
	if opts.Device == nil {
		return nil, errors.New("orchestrator needs a device")
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Profiler == nil {
		opts.Profiler = profiler.New()
	}
	if opts.Extent == (core1_0.Extent2D{}) {
		opts.Extent = SampleExtent
	}
	if opts.ColorFormat == core1_0.FormatUndefined {
		opts.ColorFormat = ColorFormat
	}
	if opts.OutputPath == "" {
		opts.OutputPath = OutputFile
	}
	if opts.Method == render.KindNone {
		opts.Method = render.KindSky
	}

	o := &Orchestrator{
		device:    opts.Device,
		queues:    opts.Queues,
		allocator: gpu.NewAllocator(opts.Device, opts.Logger),
		logger:    opts.Logger,
		monitor:   opts.Monitor,
		profiler:  opts.Profiler,
		opts:      opts,
		methods:   map[render.Kind]render.Method{},
		sunAndSky: scene.DefaultSunAndSky(),
	}
	o.frame.State = render.DefaultState()
	o.frame.DescalingLevel = 1
	o.ResetFrame()

	var err error
	o.engine, err = NewCommandEngine(o.device, o.queues.Get(gpu.RoleGraphics), o.logger)
	if err != nil {
		return nil, err
	}
	o.targets = NewTargets(o.allocator, o.logger)
	o.readback = NewReadback(o.allocator, o.engine, o.logger)
	o.output = offscreen.NewOutput(o.allocator, o.queues.Get(gpu.RoleTransfer), o.logger)

	o.post = opts.PostPass
	if o.post == nil {
		o.post = offscreen.NewTonemapper(o.device, o.output, o.logger)
	}

	o.loader = opts.SceneLoader
	if o.loader == nil {
		// Scene uploads go through the second graphics queue so they can overlap the main one.
		o.loadEngine, err = NewCommandEngine(o.device, o.queues.Get(gpu.RoleGraphicsLoad), o.logger)
		if err != nil {
			o.engine.Destroy()
			return nil, err
		}
		o.loader = scene.NewLoader(o.allocator, o.loadEngine, o.logger)
	}

	o.accel = opts.AccelBuilder
	if o.accel == nil {
		o.accel = accel.NewBuilder(o.allocator, o.queues.Get(gpu.RoleCompute), o.logger)
	}

	o.newMethod = opts.NewMethod
	if o.newMethod == nil {
		o.newMethod = func(kind render.Kind) (render.Method, error) {
			return render.New(kind, o.device, o.output, o, o.logger)
		}
	}

	return o, nil
}

// Environment is the environment loaded by LoadEnvironment, or nil.
func (o *Orchestrator) Environment() *scene.Environment {
	return o.env
}

func (o *Orchestrator) Scene() *scene.Scene {
	return o.scene
}

func (o *Orchestrator) Targets() *Targets {
	return o.targets
}

func (o *Orchestrator) Output() *offscreen.Output {
	return o.output
}

// CreateTargets (re)creates the attachments, render pass and framebuffer for extent.
func (o *Orchestrator) CreateTargets(extent core1_0.Extent2D) error {
	err := o.targets.CreateColorTarget(extent, o.opts.ColorFormat)
	if err != nil {
		return err
	}
	err = o.targets.CreateDepthTarget(extent, o.opts.DepthFormat)
	if err != nil {
		return err
	}
	err = o.targets.CreateRenderPass()
	if err != nil {
		return errors.Wrap(err, "create render pass")
	}
	err = o.targets.CreateFrameBuffer()
	if err != nil {
		return errors.Wrap(err, "create framebuffer")
	}
	return nil
}

// CreateOffscreenRender builds the offscreen output and the post pass drawing it.
func (o *Orchestrator) CreateOffscreenRender() error {
	err := o.output.Create(o.targets.Extent())
	if err != nil {
		return err
	}
	return o.post.Create(o.targets.Extent(), o.targets.RenderPass())
}

// LoadEnvironment loads the lighting environment and derives the firefly clamp from it.
func (o *Orchestrator) LoadEnvironment(path string) error {
	section := o.profiler.TimeRecurring("Environment")
	env, err := scene.LoadEnvironment(path)
	elapsed := section.End()
	if err != nil {
		return err
	}

	o.env = env
	o.frame.State.FireflyClampThreshold = env.Integral * 4
	o.logger.Info("environment loaded",
		slog.String("path", path),
		slog.Int("width", env.Width),
		slog.Int("height", env.Height),
		slog.Float64("integral", float64(env.Integral)),
		slog.Duration("elapsed", elapsed))
	return nil
}

// LoadScene loads the scene and builds everything that depends on it on a separate goroutine,
// then waits for it. ctx only scopes that goroutine.
func (o *Orchestrator) LoadScene(ctx context.Context, path string) error {
	if o.scene != nil {
		// The current method was created against the old scene.
		err := o.SelectMethod(render.KindNone)
		if err != nil {
			return err
		}
		o.accel.Destroy()
		o.scene.Destroy()
		o.scene = nil
	}

	g, _ := errgroup.WithContext(ctx)
	g.Go(func() error {
		scn, err := o.loader.Load(path)
		if err != nil {
			return errors.Wrapf(err, "load scene %s", path)
		}

		err = o.accel.Create(scn, scn.VertexBuffers(), scn.IndexBuffers())
		if err != nil {
			scn.Destroy()
			return errors.Wrap(err, "build acceleration structure")
		}
		o.scene = scn

		err = o.createUniformBuffer()
		if err != nil {
			return err
		}
		err = o.createDescriptorSet()
		if err != nil {
			return err
		}
		err = o.SelectMethod(o.opts.Method)
		if err != nil {
			return err
		}
		o.ResetFrame()
		return nil
	})
	return g.Wait()
}

func (o *Orchestrator) createUniformBuffer() error {
	o.sunAndSkyAlloc.Release()

	var err error
	o.sunAndSkyAlloc, err = o.allocator.CreateBuffer(gpu.BufferInfo{
		Size:  len(o.sunAndSky.Bytes()),
		Usage: core1_0.BufferUsageUniformBuffer | core1_0.BufferUsageTransferDst,
	}, core1_0.MemoryPropertyDeviceLocal)
	if err != nil {
		return errors.Wrap(err, "create sun and sky buffer")
	}
	return nil
}

func (o *Orchestrator) createDescriptorSet() error {
	o.destroyDescriptorSet()

	var err error
	o.descLayout, err = o.device.CreateDescriptorSetLayout([]core1_0.DescriptorSetLayoutBinding{
		{
			Binding:         0,
			DescriptorType:  core1_0.DescriptorTypeUniformBuffer,
			DescriptorCount: 1,
			StageFlags:      core1_0.StageFragment | core1_0.StageCompute,
		},
	})
	if err != nil {
		return err
	}

	o.descPool, err = o.device.CreateDescriptorPool(1, []core1_0.DescriptorPoolSize{
		{Type: core1_0.DescriptorTypeUniformBuffer, DescriptorCount: 1},
	})
	if err != nil {
		return err
	}

	o.descSet, err = o.device.AllocateDescriptorSet(o.descPool, o.descLayout)
	if err != nil {
		return err
	}

	return o.device.UpdateDescriptorSets(gpu.DescriptorWrite{
		Set:     o.descSet,
		Binding: 0,
		Type:    core1_0.DescriptorTypeUniformBuffer,
		Buffer:  o.sunAndSkyAlloc.Buffer,
		Range:   len(o.sunAndSky.Bytes()),
	})
}

func (o *Orchestrator) destroyDescriptorSet() {
	if o.descPool.Initialized() {
		o.device.DestroyDescriptorPool(o.descPool)
		o.descPool = 0
		o.descSet = 0
	}
	if o.descLayout.Initialized() {
		o.device.DestroyDescriptorSetLayout(o.descLayout)
		o.descLayout = 0
	}
}

// DumpImage writes the color target to path.
func (o *Orchestrator) DumpImage(path string) error {
	return o.readback.DumpImage(path, o.targets.ColorImage(), o.targets.ColorFormat(), o.targets.Extent())
}

// Run renders one frame and writes it to the output file. Destroy must still be called.
func (o *Orchestrator) Run(ctx context.Context) error {
	err := o.targets.Setup()
	if err != nil {
		return errors.Wrap(err, "create pipeline cache")
	}

	err = o.CreateTargets(o.opts.Extent)
	if err != nil {
		return err
	}

	err = o.CreateOffscreenRender()
	if err != nil {
		return err
	}

	err = o.LoadEnvironment(o.opts.EnvironmentPath)
	if err != nil {
		return err
	}

	err = o.LoadScene(ctx, o.opts.ScenePath)
	if err != nil {
		return err
	}

	if o.opts.Samples > 0 {
		o.frame.State.MaxSamples = int32(o.opts.Samples)
	}
	o.frame.State.MaxDepth = 10
	o.SetRenderRegion(core1_0.Rect2D{Extent: o.opts.Extent})

	err = o.RenderFrame()
	if err != nil {
		return err
	}

	err = o.DumpImage(o.opts.OutputPath)
	if err != nil {
		return err
	}

	o.logger.Info("profile", slog.String("stats", o.profiler.String()))
	return nil
}

// Destroy waits for the device to go idle and releases everything, newest first.
func (o *Orchestrator) Destroy() {
	err := o.device.WaitIdle()
	if err != nil {
		o.logger.Error("wait idle before teardown", slog.Any("error", err))
	}

	if o.method != nil {
		o.method.Destroy()
		o.method = nil
	}
	o.frame.Method = render.KindNone
	o.destroyDescriptorSet()
	o.sunAndSkyAlloc.Release()
	o.sunAndSkyAlloc = nil
	o.accel.Destroy()
	if o.scene != nil {
		o.scene.Destroy()
		o.scene = nil
	}
	o.post.Destroy()
	o.output.Destroy()
	if o.loadEngine != nil {
		o.loadEngine.Destroy()
	}
	o.engine.Destroy()
	o.targets.Destroy()
}
