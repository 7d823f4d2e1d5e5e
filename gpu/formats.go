package gpu

import (
	"github.com/cockroachdb/errors"
	"github.com/vkngwrapper/core/v3/core1_0"
)

// ChannelOrder is the byte order of an 8-bit, 4-channel texel.
type ChannelOrder int

const (
	OrderUnknown ChannelOrder = iota
	OrderRGBA
	OrderBGRA
)

func (o ChannelOrder) String() string {
	switch o {
	case OrderRGBA:
		return "RGBA"
	case OrderBGRA:
		return "BGRA"
	}
	return "unknown"
}

// DepthCandidates is probed in order when no depth format is requested.
var DepthCandidates = []core1_0.Format{
	core1_0.FormatD24UnsignedNormalizedS8UnsignedInt,
	core1_0.FormatD32SignedFloatS8UnsignedInt,
	core1_0.FormatD16UnsignedNormalizedS8UnsignedInt,
}

func ChannelOrderOf(format core1_0.Format) ChannelOrder {
	switch format {
	case core1_0.FormatB8G8R8A8UnsignedNormalized,
		core1_0.FormatB8G8R8A8SRGB,
		core1_0.FormatB8G8R8A8SignedNormalized,
		core1_0.FormatB8G8R8A8UnsignedInt,
		core1_0.FormatB8G8R8A8SignedInt:
		return OrderBGRA
	case core1_0.FormatR8G8B8A8UnsignedNormalized,
		core1_0.FormatR8G8B8A8SRGB,
		core1_0.FormatR8G8B8A8SignedNormalized,
		core1_0.FormatR8G8B8A8UnsignedInt,
		core1_0.FormatR8G8B8A8SignedInt:
		return OrderRGBA
	}
	return OrderUnknown
}

// TexelSize returns the size in bytes of one texel, or 0 for formats the harness does not know.
func TexelSize(format core1_0.Format) int {
	if ChannelOrderOf(format) != OrderUnknown {
		return 4
	}

	switch format {
	case core1_0.FormatR32SignedFloat, core1_0.FormatR32UnsignedInt, core1_0.FormatR32SignedInt,
		core1_0.FormatD24UnsignedNormalizedS8UnsignedInt, core1_0.FormatD32SignedFloat:
		return 4
	case core1_0.FormatR32G32B32A32SignedFloat:
		return 16
	case core1_0.FormatR16G16B16A16SignedFloat:
		return 8
	case core1_0.FormatD32SignedFloatS8UnsignedInt:
		return 8
	case core1_0.FormatD16UnsignedNormalizedS8UnsignedInt:
		return 3
	case core1_0.FormatD16UnsignedNormalized:
		return 2
	}
	return 0
}

func HasStencil(format core1_0.Format) bool {
	switch format {
	case core1_0.FormatD24UnsignedNormalizedS8UnsignedInt,
		core1_0.FormatD32SignedFloatS8UnsignedInt,
		core1_0.FormatD16UnsignedNormalizedS8UnsignedInt:
		return true
	}
	return false
}

func FindSupportedFormat(device ResourceDevice, candidates []core1_0.Format, tiling core1_0.ImageTiling, features core1_0.FormatFeatureFlags) (core1_0.Format, error) {
	for _, format := range candidates {
		if device.FormatFeatures(format, tiling)&features == features {
			return format, nil
		}
	}

	return core1_0.FormatUndefined, errors.Mark(
		errors.Newf("failed to find supported format among %v for tiling %s, featureset %s", candidates, tiling, features),
		ErrUnsupportedFormat)
}
