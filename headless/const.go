package headless

import "github.com/vkngwrapper/core/v3/core1_0"

const (
	SampleWidth  = 1008
	SampleHeight = 660

	// OutputFile is written to the working directory.
	OutputFile = "headless.ppm"

	ColorFormat = core1_0.FormatB8G8R8A8UnsignedNormalized

	// maxFrames stops accumulation once reached.
	maxFrames = 100000
)

// SampleExtent is the size of the frame the harness renders.
var SampleExtent = core1_0.Extent2D{Width: SampleWidth, Height: SampleHeight}
