package diffrast

import (
	"errors"
	"image"
	"image/color"
	"testing"

	"github.com/gogpu/diffrast/tensor"
)

func TestTextureFromImageFlipsVertically(t *testing.T) {
	// Red top left, green top right, blue bottom left.
	img := image.NewNRGBA(image.Rect(0, 0, 2, 2))
	img.SetNRGBA(0, 0, color.NRGBA{R: 255, A: 255})
	img.SetNRGBA(1, 0, color.NRGBA{G: 255, A: 255})
	img.SetNRGBA(0, 1, color.NRGBA{B: 255, A: 255})
	img.SetNRGBA(1, 1, color.NRGBA{R: 255, B: 255, A: 255})

	tex := TextureFromImage(img)
	if !tex.ShapeIs(1, 2, 2, 4) {
		t.Fatalf("texture shape = %s, want [1,2,2,4]", tensor.ShapeString(tex.Shape()))
	}

	// Texture row 0 is the image's bottom row.
	at := func(row, col, ch int) float32 {
		return tex.Data()[(row*2+col)*4+ch]
	}
	if at(0, 0, 2) != 1 || at(0, 0, 0) != 0 {
		t.Errorf("row 0 col 0 = (%v,%v,%v), want the bottom-left blue",
			at(0, 0, 0), at(0, 0, 1), at(0, 0, 2))
	}
	if at(1, 0, 0) != 1 || at(1, 0, 2) != 0 {
		t.Errorf("row 1 col 0 = (%v,%v,%v), want the top-left red",
			at(1, 0, 0), at(1, 0, 1), at(1, 0, 2))
	}
	for p := 0; p < 4; p++ {
		if a := tex.Data()[p*4+3]; a != 1 {
			t.Errorf("pixel %d alpha = %v, want 1", p, a)
		}
	}
}

func TestImageTextureRoundTrip(t *testing.T) {
	img := image.NewNRGBA(image.Rect(0, 0, 3, 2))
	for y := 0; y < 2; y++ {
		for x := 0; x < 3; x++ {
			img.SetNRGBA(x, y, color.NRGBA{
				R: uint8(40*x + 10*y),
				G: uint8(200 - 30*x),
				B: uint8(17 * (x + y)),
				A: 255,
			})
		}
	}

	tex := TextureFromImage(img)
	back, err := ImageFromTexture(tex, 0)
	if err != nil {
		t.Fatalf("ImageFromTexture() = %v", err)
	}
	if back.Bounds() != img.Bounds() {
		t.Fatalf("bounds = %v, want %v", back.Bounds(), img.Bounds())
	}
	for i, v := range img.Pix {
		if back.Pix[i] != v {
			t.Fatalf("byte %d: round trip %d, want %d", i, back.Pix[i], v)
		}
	}
}

func TestImageFromTextureChannels(t *testing.T) {
	gray := mustFloat(t, []float32{0.5, 0, -0.5, 1.5}, 1, 2, 2, 1)
	img, err := ImageFromTexture(gray, 0)
	if err != nil {
		t.Fatalf("ImageFromTexture(gray) = %v", err)
	}
	// Tensor row 1 lands on image row 0.
	if got := img.NRGBAAt(1, 0); got != (color.NRGBA{R: 255, G: 255, B: 255, A: 255}) {
		t.Errorf("over-range gray = %v, want white", got)
	}
	if got := img.NRGBAAt(0, 0); got != (color.NRGBA{A: 255}) {
		t.Errorf("under-range gray = %v, want black", got)
	}
	if got := img.NRGBAAt(0, 1); got != (color.NRGBA{R: 128, G: 128, B: 128, A: 255}) {
		t.Errorf("mid gray = %v, want 128", got)
	}

	rgb := mustFloat(t, []float32{1, 0, 0}, 1, 1, 1, 3)
	img, err = ImageFromTexture(rgb, 0)
	if err != nil {
		t.Fatalf("ImageFromTexture(rgb) = %v", err)
	}
	if got := img.NRGBAAt(0, 0); got != (color.NRGBA{R: 255, A: 255}) {
		t.Errorf("rgb pixel = %v, want opaque red", got)
	}

	batched := mustFloat(t, []float32{0, 1}, 2, 1, 1, 1)
	img, err = ImageFromTexture(batched, 1)
	if err != nil {
		t.Fatalf("ImageFromTexture(batch 1) = %v", err)
	}
	if got := img.NRGBAAt(0, 0); got != (color.NRGBA{R: 255, G: 255, B: 255, A: 255}) {
		t.Errorf("second batch = %v, want white", got)
	}

	if _, err := ImageFromTexture(tensor.NewFloat(2, 2, 1), 0); !errors.Is(err, ErrShapeMismatch) {
		t.Errorf("rank 3 = %v, want ErrShapeMismatch", err)
	}
	if _, err := ImageFromTexture(gray, 2); !errors.Is(err, ErrIndexOutOfRange) {
		t.Errorf("batch 2 = %v, want ErrIndexOutOfRange", err)
	}
	if _, err := ImageFromTexture(tensor.NewFloat(1, 2, 2, 2), 0); !errors.Is(err, ErrShapeMismatch) {
		t.Errorf("2 channels = %v, want ErrShapeMismatch", err)
	}
}

func TestResizePowerOfTwo(t *testing.T) {
	src := image.NewNRGBA(image.Rect(0, 0, 5, 3))
	for y := 0; y < 3; y++ {
		for x := 0; x < 5; x++ {
			src.SetNRGBA(x, y, color.NRGBA{R: 70, G: 140, B: 210, A: 255})
		}
	}
	resized := ResizePowerOfTwo(src)
	if b := resized.Bounds(); b.Dx() != 8 || b.Dy() != 4 {
		t.Fatalf("resized to %dx%d, want 8x4", b.Dx(), b.Dy())
	}
	// A constant image stays constant through the resampling filter.
	for y := 0; y < 4; y++ {
		for x := 0; x < 8; x++ {
			r, g, b, _ := resized.At(x, y).RGBA()
			if d := int(r>>8) - 70; d < -1 || d > 1 {
				t.Fatalf("pixel (%d,%d) red = %d, want 70", x, y, r>>8)
			}
			if d := int(g>>8) - 140; d < -1 || d > 1 {
				t.Fatalf("pixel (%d,%d) green = %d, want 140", x, y, g>>8)
			}
			if d := int(b>>8) - 210; d < -1 || d > 1 {
				t.Fatalf("pixel (%d,%d) blue = %d, want 210", x, y, b>>8)
			}
		}
	}

	pow2 := image.NewNRGBA(image.Rect(0, 0, 8, 4))
	if got := ResizePowerOfTwo(pow2); got != image.Image(pow2) {
		t.Error("power-of-two image did not pass through")
	}
	one := image.NewNRGBA(image.Rect(0, 0, 1, 1))
	if got := ResizePowerOfTwo(one); got != image.Image(one) {
		t.Error("1x1 image did not pass through")
	}

	// The resized texture's mip chain halves cleanly to one texel.
	pyr, err := BuildMipPyramid(TextureFromImage(resized), -1, false)
	if err != nil {
		t.Fatalf("BuildMipPyramid() = %v", err)
	}
	if pyr.Levels() != 4 {
		t.Fatalf("Levels() = %d, want 4 for an 8x4 base", pyr.Levels())
	}
}
