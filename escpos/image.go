package escpos

import (
	"bytes"
	"fmt"
	"image"
	"image/color"
	"image/draw"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"

	"github.com/disintegration/imaging"
	"github.com/makeworld-the-better-one/dither/v2"
	"github.com/nixxel-company-limited/escpos-cloud-printer/printer"
	_ "golang.org/x/image/bmp"
)

// Dither selects how grey levels are reduced to black and white dots
type Dither string

const (
	DitherFloydSteinberg Dither = "floyd-steinberg"
	DitherBayer          Dither = "bayer"
	DitherThreshold      Dither = "threshold"
)

// ParseDither validates a dither name
func ParseDither(s string) (Dither, error) {
	switch d := Dither(s); d {
	case DitherFloydSteinberg, DitherBayer, DitherThreshold:
		return d, nil
	}
	return "", printer.NewError(printer.CodeInvalidArgument, "dither", fmt.Sprintf("unknown dither %q", s), nil)
}

// Raster images are sent in bands so the printer's receive buffer is never overrun
const maxBandRows = 256

// bitmap is a 1-bit image, rows packed MSB first, 1 = black dot
type bitmap struct {
	width, height int
	stride        int
	data          []byte
}

func (b *bitmap) set(x, y int) {
	b.data[y*b.stride+x/8] |= 0x80 >> (x % 8)
}

// quantize flattens img onto white and reduces it to one bit per dot
func quantize(img image.Image, mode Dither) *bitmap {
	bounds := img.Bounds()
	w, h := bounds.Dx(), bounds.Dy()

	// transparent areas print as paper
	flat := image.NewRGBA(image.Rect(0, 0, w, h))
	draw.Draw(flat, flat.Bounds(), image.White, image.Point{}, draw.Src)
	draw.Draw(flat, flat.Bounds(), img, bounds.Min, draw.Over)

	var src image.Image = flat
	if mode != DitherThreshold {
		d := dither.NewDitherer([]color.Color{color.Black, color.White})
		if mode == DitherBayer {
			d.Mapper = dither.Bayer(8, 8, 1.0)
		} else {
			d.Matrix = dither.FloydSteinberg
		}
		if out := d.Dither(flat); out != nil {
			src = out
		}
	}

	bm := &bitmap{width: w, height: h, stride: (w + 7) / 8}
	bm.data = make([]byte, bm.stride*h)
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			if isDark(src.At(src.Bounds().Min.X+x, src.Bounds().Min.Y+y)) {
				bm.set(x, y)
			}
		}
	}
	return bm
}

func isDark(c color.Color) bool {
	g := color.GrayModel.Convert(c).(color.Gray)
	return g.Y < 0x80
}

// rasterCommands encodes the bitmap as GS v 0 bands
func rasterCommands(bm *bitmap) []byte {
	var out bytes.Buffer
	for top := 0; top < bm.height; top += maxBandRows {
		rows := min(maxBandRows, bm.height-top)

		out.Write(cmdRasterImage)
		out.WriteByte(byte(bm.stride))
		out.WriteByte(byte(bm.stride >> 8))
		out.WriteByte(byte(rows))
		out.WriteByte(byte(rows >> 8))
		out.Write(bm.data[top*bm.stride : (top+rows)*bm.stride])
	}
	return out.Bytes()
}

// decodeImage decodes image bytes and scales them to width x height when requested
func decodeImage(data []byte, width, height int) (image.Image, error) {
	if len(data) == 0 {
		return nil, printer.NewError(printer.CodeInvalidArgument, "add image", "empty image data", nil)
	}

	img, err := imaging.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, printer.NewError(printer.CodeInvalidArgument, "add image", "cannot decode image", err)
	}

	size := img.Bounds().Size()
	if width <= 0 {
		width = size.X
	}
	if height <= 0 {
		height = size.Y
	}
	if size.X != width || size.Y != height {
		img = imaging.Resize(img, width, height, imaging.Lanczos)
	}
	return img, nil
}

// FitWidth scales img down, keeping its aspect ratio, so it is at most maxDots wide
func FitWidth(img image.Image, maxDots int) image.Image {
	if img.Bounds().Dx() <= maxDots {
		return img
	}
	return imaging.Resize(img, maxDots, 0, imaging.Lanczos)
}
