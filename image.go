package diffrast

import (
	"fmt"
	"image"

	xdraw "golang.org/x/image/draw"

	"github.com/gogpu/diffrast/tensor"
)

// TextureFromImage converts an image into a [1,H,W,4] texture with
// channels scaled to 0..1. Texture row 0 is the bottom of the image,
// matching the rasterizer's orientation.
func TextureFromImage(img image.Image) *tensor.Float {
	b := img.Bounds()
	w, h := b.Dx(), b.Dy()
	t := tensor.NewFloat(1, h, w, 4)
	data := t.Data()
	for y := 0; y < h; y++ {
		row := (h - 1 - y) * w * 4
		for x := 0; x < w; x++ {
			r, g, bl, a := img.At(b.Min.X+x, b.Min.Y+y).RGBA()
			o := row + x*4
			data[o+0] = float32(r) / 65535
			data[o+1] = float32(g) / 65535
			data[o+2] = float32(bl) / 65535
			data[o+3] = float32(a) / 65535
		}
	}
	return t
}

// ImageFromTexture converts one image of a [B,H,W,C] tensor into an NRGBA
// image, undoing the vertical flip. C must be 1 (gray), 3 (rgb) or 4
// (rgba); values clamp to 0..1.
func ImageFromTexture(t *tensor.Float, batch int) (*image.NRGBA, error) {
	if t.Rank() != 4 {
		return nil, fmt.Errorf("%w: texture must be [B,H,W,C], got %s", ErrShapeMismatch, tensor.ShapeString(t.Shape()))
	}
	if batch < 0 || batch >= t.Dim(0) {
		return nil, fmt.Errorf("%w: batch %d of %d", ErrIndexOutOfRange, batch, t.Dim(0))
	}
	h, w, c := t.Dim(1), t.Dim(2), t.Dim(3)
	if c != 1 && c != 3 && c != 4 {
		return nil, fmt.Errorf("%w: cannot encode %d channels as an image", ErrShapeMismatch, c)
	}

	img := image.NewNRGBA(image.Rect(0, 0, w, h))
	data := t.Data()[batch*h*w*c:]
	for y := 0; y < h; y++ {
		src := (h - 1 - y) * w * c
		dst := y * img.Stride
		for x := 0; x < w; x++ {
			px := data[src+x*c : src+x*c+c]
			var r, g, b, a uint8
			switch c {
			case 1:
				r = clamp8(px[0])
				g, b, a = r, r, 255
			case 3:
				r, g, b = clamp8(px[0]), clamp8(px[1]), clamp8(px[2])
				a = 255
			default:
				r, g, b, a = clamp8(px[0]), clamp8(px[1]), clamp8(px[2]), clamp8(px[3])
			}
			o := dst + x*4
			img.Pix[o+0] = r
			img.Pix[o+1] = g
			img.Pix[o+2] = b
			img.Pix[o+3] = a
		}
	}
	return img, nil
}

func clamp8(v float32) uint8 {
	if v <= 0 {
		return 0
	}
	if v >= 1 {
		return 255
	}
	return uint8(v*255 + 0.5)
}

// ResizePowerOfTwo resamples an image up to the next power of two per
// axis with Catmull-Rom filtering, so its mip chain halves cleanly all
// the way down. Images already at power-of-two sizes pass through.
func ResizePowerOfTwo(img image.Image) image.Image {
	b := img.Bounds()
	w2, h2 := nextPow2(b.Dx()), nextPow2(b.Dy())
	if w2 == b.Dx() && h2 == b.Dy() {
		return img
	}
	dst := image.NewRGBA64(image.Rect(0, 0, w2, h2))
	xdraw.CatmullRom.Scale(dst, dst.Bounds(), img, b, xdraw.Src, nil)
	return dst
}

func nextPow2(n int) int {
	p := 1
	for p < n {
		p <<= 1
	}
	return p
}
