package scene

import (
	"image"
	"image/jpeg"
	"image/png"
	"io"
	"math"
	"os"
	"path/filepath"
	"strings"

	"github.com/cockroachdb/errors"
	"github.com/ftrvxmtrx/tga"
	"github.com/go-gl/mathgl/mgl32"
	"golang.org/x/image/bmp"
	"golang.org/x/image/draw"
	"golang.org/x/image/tiff"
	"golang.org/x/image/webp"
)

// environmentDecoders maps a lowercase file extension to its decoder. The tga package registers
// itself with an empty magic string, so image.Decode would hand every file to it.
var environmentDecoders = map[string]func(io.Reader) (image.Image, error){
	".png":  png.Decode,
	".jpg":  jpeg.Decode,
	".jpeg": jpeg.Decode,
	".bmp":  bmp.Decode,
	".tif":  tiff.Decode,
	".tiff": tiff.Decode,
	".webp": webp.Decode,
	".tga":  tga.Decode,
}

// previewSize bounds the longer side of the image the lighting statistics are taken from.
const previewSize = 256

// Environment is an equirectangular light probe reduced to the statistics the renderer needs.
type Environment struct {
	Path   string
	Width  int
	Height int
	// Mean is the average linear radiance.
	Mean mgl32.Vec3
	// Integral is the average luminance over the sphere.
	Integral float32
	Preview  *image.NRGBA
}

// LoadEnvironment decodes the image at path, picking the decoder from its extension.
func LoadEnvironment(path string) (*Environment, error) {
	ext := strings.ToLower(filepath.Ext(path))
	decode, ok := environmentDecoders[ext]
	if !ok {
		return nil, errors.Newf("unsupported environment format %q for %s", ext, path)
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrapf(err, "open environment %s", path)
	}
	defer f.Close()

	img, err := decode(f)
	if err != nil {
		return nil, errors.Wrapf(err, "decode environment %s", path)
	}

	env := NewEnvironment(img)
	env.Path = path
	return env, nil
}

func NewEnvironment(img image.Image) *Environment {
	b := img.Bounds()
	w, h := b.Dx(), b.Dy()
	pw, ph := w, h
	if longest := max(w, h); longest > previewSize {
		pw = max(1, w*previewSize/longest)
		ph = max(1, h*previewSize/longest)
	}

	preview := image.NewNRGBA(image.Rect(0, 0, pw, ph))
	draw.ApproxBiLinear.Scale(preview, preview.Bounds(), img, b, draw.Src, nil)

	var sum [3]float64
	for i := 0; i < len(preview.Pix); i += 4 {
		for c := 0; c < 3; c++ {
			sum[c] += srgbToLinear(preview.Pix[i+c])
		}
	}
	n := float64(pw * ph)
	mean := mgl32.Vec3{float32(sum[0] / n), float32(sum[1] / n), float32(sum[2] / n)}

	return &Environment{
		Width:    w,
		Height:   h,
		Mean:     mean,
		Integral: Luminance(mean),
		Preview:  preview,
	}
}

func Luminance(c mgl32.Vec3) float32 {
	return 0.2126*c[0] + 0.7152*c[1] + 0.0722*c[2]
}

func srgbToLinear(v uint8) float64 {
	c := float64(v) / 255
	if c <= 0.04045 {
		return c / 12.92
	}
	return math.Pow((c+0.055)/1.055, 2.4)
}
