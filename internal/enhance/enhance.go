// Package enhance implements the histogram-clipped auto contrast/brightness
// correction and the fixed half-scale downscale applied to every frame.
//
// Output images are *image.RGBA with channels in R, G, B order and opaque alpha.
// The detector and embedding workers receive frames encoded from this layout.
package enhance

import (
	"image"
	"image/color"
	"math"

	"golang.org/x/image/draw"
)

const (
	// DefaultClipPercent is the share of pixels clipped from both tails combined.
	DefaultClipPercent = 15.0
	// ScaleFactor maps normalized coordinates back to original frame coordinates.
	ScaleFactor = 2
	// ChannelOrder is the channel layout of every image produced by this package.
	ChannelOrder = "RGB"
)

// Normalizer adjusts contrast/brightness and downscales frames.
type Normalizer struct {
	ClipPercent float64
}

// New returns a Normalizer. A negative clip percent falls back to the default.
func New(clipPercent float64) *Normalizer {
	if clipPercent < 0 {
		clipPercent = DefaultClipPercent
	}
	return &Normalizer{ClipPercent: clipPercent}
}

// Normalize runs Adjust followed by Downscale.
func (n *Normalizer) Normalize(img image.Image) *image.RGBA {
	return Downscale(Adjust(img, n.ClipPercent))
}

// Transform is the affine intensity map out = alpha*in + beta.
type Transform struct {
	Alpha   float64
	Beta    float64
	MinGray int
	MaxGray int
}

// Identity reports whether the transform leaves pixels unchanged.
func (t Transform) Identity() bool {
	return t.Alpha == 1 && t.Beta == 0
}

// Apply maps a single channel value.
func (t Transform) Apply(v uint8) uint8 {
	out := math.RoundToEven(t.Alpha*float64(v) + t.Beta)
	if out < 0 {
		return 0
	}
	if out > 255 {
		return 255
	}
	return uint8(out)
}

// Adjust coerces img to RGB and applies the clipped-histogram contrast stretch.
func Adjust(img image.Image, clipPercent float64) *image.RGBA {
	rgb := ToRGB(img)
	t := ComputeTransform(Histogram(rgb), clipPercent)
	if t.Identity() {
		return rgb
	}

	var lut [256]uint8
	for i := range lut {
		lut[i] = t.Apply(uint8(i))
	}
	for i := 0; i < len(rgb.Pix); i += 4 {
		rgb.Pix[i] = lut[rgb.Pix[i]]
		rgb.Pix[i+1] = lut[rgb.Pix[i+1]]
		rgb.Pix[i+2] = lut[rgb.Pix[i+2]]
	}
	return rgb
}

// ToRGB copies img into a fresh RGBA with origin (0,0) and opaque alpha.
// Gray images are replicated across channels; alpha is dropped, not premultiplied.
func ToRGB(img image.Image) *image.RGBA {
	b := img.Bounds()
	out := image.NewRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))

	switch src := img.(type) {
	case *image.Gray:
		for y := 0; y < b.Dy(); y++ {
			row := src.Pix[y*src.Stride : y*src.Stride+b.Dx()]
			o := y * out.Stride
			for _, g := range row {
				out.Pix[o], out.Pix[o+1], out.Pix[o+2], out.Pix[o+3] = g, g, g, 0xff
				o += 4
			}
		}
	case *image.NRGBA:
		for y := 0; y < b.Dy(); y++ {
			s := y * src.Stride
			o := y * out.Stride
			for x := 0; x < b.Dx(); x++ {
				out.Pix[o], out.Pix[o+1], out.Pix[o+2], out.Pix[o+3] = src.Pix[s], src.Pix[s+1], src.Pix[s+2], 0xff
				s += 4
				o += 4
			}
		}
	default:
		for y := 0; y < b.Dy(); y++ {
			o := y * out.Stride
			for x := 0; x < b.Dx(); x++ {
				c := color.NRGBAModel.Convert(img.At(b.Min.X+x, b.Min.Y+y)).(color.NRGBA)
				out.Pix[o], out.Pix[o+1], out.Pix[o+2], out.Pix[o+3] = c.R, c.G, c.B, 0xff
				o += 4
			}
		}
	}
	return out
}

// Gray converts an RGB triple to luma with BT.601 weights in 14-bit fixed point.
func Gray(r, g, b uint8) uint8 {
	return uint8((uint32(r)*4899 + uint32(g)*9617 + uint32(b)*1868 + 1<<13) >> 14)
}

// Histogram counts grayscale intensities of an RGB image.
func Histogram(img *image.RGBA) [256]int {
	var hist [256]int
	for i := 0; i < len(img.Pix); i += 4 {
		hist[Gray(img.Pix[i], img.Pix[i+1], img.Pix[i+2])]++
	}
	return hist
}

// ComputeTransform derives alpha/beta from a histogram.
// Both cut searches are bounded, and a collapsed range yields the identity transform.
func ComputeTransform(hist [256]int, clipPercent float64) Transform {
	var acc [256]float64
	acc[0] = float64(hist[0])
	for i := 1; i < len(hist); i++ {
		acc[i] = acc[i-1] + float64(hist[i])
	}

	maximum := acc[255]
	clip := clipPercent * (maximum / 100.0) / 2.0

	minGray := 0
	for minGray < 255 && acc[minGray] < clip {
		minGray++
	}

	maxGray := 255
	for maxGray >= 0 && acc[maxGray] >= maximum-clip {
		maxGray--
	}

	if maxGray <= minGray {
		return Transform{Alpha: 1, Beta: 0, MinGray: minGray, MaxGray: maxGray}
	}

	alpha := 255.0 / float64(maxGray-minGray)
	return Transform{
		Alpha:   alpha,
		Beta:    -float64(minGray) * alpha,
		MinGray: minGray,
		MaxGray: maxGray,
	}
}

// Downscale halves both dimensions (floor, at least one pixel) with bilinear resampling.
// Floor keeps every rescaled coordinate inside the original frame.
func Downscale(img *image.RGBA) *image.RGBA {
	b := img.Bounds()
	w := max(b.Dx()/ScaleFactor, 1)
	h := max(b.Dy()/ScaleFactor, 1)

	dst := image.NewRGBA(image.Rect(0, 0, w, h))
	draw.BiLinear.Scale(dst, dst.Bounds(), img, b, draw.Src, nil)
	return dst
}
