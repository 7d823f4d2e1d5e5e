package headless

import (
	"github.com/cockroachdb/errors"
	"github.com/vkngwrapper/core/v3/core1_0"
	"github.com/vkngwrapper/headless/gpu"
	"golang.org/x/exp/slog"
)

// readbackFormat is the host-visible image format the color target is copied into. The copy
// does not convert, so the bytes keep the channel order of the source.
const readbackFormat = core1_0.FormatR8G8B8A8UnsignedNormalized

// Readback copies a color image into host memory.
type Readback struct {
	allocator *gpu.Allocator
	device    gpu.Device
	engine    *CommandEngine
	logger    *slog.Logger
}

func NewReadback(allocator *gpu.Allocator, engine *CommandEngine, logger *slog.Logger) *Readback {
	return &Readback{
		allocator: allocator,
		device:    allocator.Device(),
		engine:    engine,
		logger:    logger,
	}
}

// ReadPixels copies src, which must be in TransferSrcOptimal layout, into a linear host-visible
// image and returns its texels as tightly packed RGB rows from top to bottom.
func (r *Readback) ReadPixels(src gpu.Image, srcFormat core1_0.Format, extent core1_0.Extent2D) ([]byte, error) {
	if gpu.TexelSize(srcFormat) != 4 {
		return nil, errors.Newf("cannot read back %s: copy into %s needs a 4-byte texel", srcFormat, readbackFormat)
	}
	order := gpu.ChannelOrderOf(srcFormat)
	if order == gpu.OrderUnknown {
		r.logger.Warn("unknown channel order, writing bytes unswizzled", slog.String("format", srcFormat.String()))
	}

	var scratch gpu.Arena
	defer scratch.Release()

	dst, err := r.allocator.CreateImage(gpu.ImageInfo{
		Format: readbackFormat,
		Extent: extent,
		Tiling: core1_0.ImageTilingLinear,
		Usage:  core1_0.ImageUsageTransferDst,
	}, core1_0.MemoryPropertyHostVisible|core1_0.MemoryPropertyHostCoherent)
	if err != nil {
		return nil, errors.Wrap(err, "create readback image")
	}
	scratch.Defer(dst.Release)

	cb, err := r.engine.CreateTempCmdBuffer()
	if err != nil {
		return nil, err
	}
	scratch.Defer(func() { r.engine.FreeTempCmdBuffer(cb) })

	err = r.device.CmdPipelineBarrier(cb, core1_0.PipelineStageTopOfPipe, core1_0.PipelineStageTransfer,
		gpu.ImageBarrier{
			Image:     dst.Image,
			Aspect:    core1_0.ImageAspectColor,
			OldLayout: core1_0.ImageLayoutUndefined,
			NewLayout: core1_0.ImageLayoutTransferDstOptimal,
			SrcAccess: 0,
			DstAccess: core1_0.AccessTransferWrite,
		})
	if err != nil {
		return nil, err
	}

	err = r.device.CmdCopyImage(cb, src, core1_0.ImageLayoutTransferSrcOptimal,
		dst.Image, core1_0.ImageLayoutTransferDstOptimal, extent)
	if err != nil {
		return nil, err
	}

	// Make the copy visible to the host before mapping.
	err = r.device.CmdPipelineBarrier(cb, core1_0.PipelineStageTransfer, core1_0.PipelineStageHost,
		gpu.ImageBarrier{
			Image:     dst.Image,
			Aspect:    core1_0.ImageAspectColor,
			OldLayout: core1_0.ImageLayoutTransferDstOptimal,
			NewLayout: core1_0.ImageLayoutGeneral,
			SrcAccess: core1_0.AccessTransferWrite,
			DstAccess: core1_0.AccessHostRead,
		})
	if err != nil {
		return nil, err
	}

	err = r.engine.SubmitAndWait(cb)
	if err != nil {
		return nil, errors.Wrap(err, "submit readback copy")
	}

	layout := r.device.ImageSubresourceLayout(dst.Image, core1_0.ImageAspectColor)
	mapped, err := r.device.MapMemory(dst.Memory, 0, dst.Size)
	if err != nil {
		return nil, err
	}
	scratch.Defer(func() { r.device.UnmapMemory(dst.Memory) })

	rgb := make([]byte, 0, extent.Width*extent.Height*3)
	rowStart := layout.Offset
	for y := 0; y < extent.Height; y++ {
		row := mapped[rowStart : rowStart+extent.Width*4]
		for x := 0; x < len(row); x += 4 {
			if order == gpu.OrderBGRA {
				rgb = append(rgb, row[x+2], row[x+1], row[x])
			} else {
				rgb = append(rgb, row[x], row[x+1], row[x+2])
			}
		}
		rowStart += layout.RowPitch
	}
	return rgb, nil
}

// DumpImage reads src back and writes it to path as a PPM. Nothing is written if the readback
// fails.
func (r *Readback) DumpImage(path string, src gpu.Image, srcFormat core1_0.Format, extent core1_0.Extent2D) error {
	rgb, err := r.ReadPixels(src, srcFormat, extent)
	if err != nil {
		return err
	}

	err = writePPMFile(path, extent.Width, extent.Height, rgb)
	if err != nil {
		return err
	}

	r.logger.Info("wrote frame",
		slog.String("path", path),
		slog.Int("width", extent.Width),
		slog.Int("height", extent.Height))
	return nil
}
