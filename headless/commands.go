package headless

import (
	"github.com/cockroachdb/errors"
	"github.com/vkngwrapper/core/v3/core1_0"
	"github.com/vkngwrapper/headless/gpu"
	"golang.org/x/exp/slog"
)

// CommandEngine records and submits work on one queue. It keeps a single primary command buffer;
// submissions never overlap because every one of them is waited on before returning.
type CommandEngine struct {
	device gpu.Device
	queue  gpu.Queue
	logger *slog.Logger

	pool    gpu.CommandPool
	primary gpu.CommandBuffer
}

func NewCommandEngine(device gpu.Device, queue gpu.Queue, logger *slog.Logger) (*CommandEngine, error) {
	pool, err := device.CreateCommandPool(queue.FamilyIndex, core1_0.CommandPoolCreateResetBuffer)
	if err != nil {
		return nil, errors.Wrapf(err, "create command pool for queue %s", queue.Role)
	}

	return &CommandEngine{
		device: device,
		queue:  queue,
		logger: logger,
		pool:   pool,
	}, nil
}

func (e *CommandEngine) Queue() gpu.Queue {
	return e.queue
}

// BeginCommandBuffer frees the previous primary buffer, if any, and starts recording a new one.
func (e *CommandEngine) BeginCommandBuffer() (gpu.CommandBuffer, error) {
	if e.primary.Initialized() {
		e.device.FreeCommandBuffer(e.pool, e.primary)
		e.primary = 0
	}

	cb, err := e.device.AllocateCommandBuffer(e.pool)
	if err != nil {
		return 0, err
	}
	e.primary = cb

	err = e.device.BeginCommandBuffer(cb, core1_0.CommandBufferUsageOneTimeSubmit)
	if err != nil {
		return 0, err
	}
	return cb, nil
}

// SubmitAndWait ends cb, submits it with a fresh fence and blocks until the fence signals.
// The fence is destroyed on every path.
func (e *CommandEngine) SubmitAndWait(cb gpu.CommandBuffer) error {
	err := e.device.EndCommandBuffer(cb)
	if err != nil {
		return err
	}

	fence, err := e.device.CreateFence()
	if err != nil {
		return err
	}
	defer e.device.DestroyFence(fence)

	err = e.device.QueueSubmit(e.queue, cb, fence)
	if err != nil {
		return err
	}

	err = e.device.WaitForFence(fence)
	if err != nil {
		return err
	}
	e.logger.Debug("submission complete", slog.String("queue", e.queue.Role.String()))
	return nil
}

// CreateTempCmdBuffer allocates a one-shot command buffer that is already recording.
func (e *CommandEngine) CreateTempCmdBuffer() (gpu.CommandBuffer, error) {
	cb, err := e.device.AllocateCommandBuffer(e.pool)
	if err != nil {
		return 0, err
	}

	err = e.device.BeginCommandBuffer(cb, core1_0.CommandBufferUsageOneTimeSubmit)
	if err != nil {
		e.device.FreeCommandBuffer(e.pool, cb)
		return 0, err
	}
	return cb, nil
}

// SubmitTempCmdBuffer ends, submits and frees cb once the queue is idle.
func (e *CommandEngine) SubmitTempCmdBuffer(cb gpu.CommandBuffer) error {
	defer e.device.FreeCommandBuffer(e.pool, cb)

	err := e.device.EndCommandBuffer(cb)
	if err != nil {
		return err
	}

	err = e.device.QueueSubmit(e.queue, cb, 0)
	if err != nil {
		return err
	}
	return e.device.QueueWaitIdle(e.queue)
}

// FreeTempCmdBuffer discards a one-shot buffer that will not be submitted.
func (e *CommandEngine) FreeTempCmdBuffer(cb gpu.CommandBuffer) {
	e.device.FreeCommandBuffer(e.pool, cb)
}

func (e *CommandEngine) Destroy() {
	if !e.pool.Initialized() {
		return
	}
	if e.primary.Initialized() {
		e.device.FreeCommandBuffer(e.pool, e.primary)
		e.primary = 0
	}
	e.device.DestroyCommandPool(e.pool)
	e.pool = 0
}
