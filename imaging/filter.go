package imaging

import (
	"bytes"
	"fmt"
	"image"
	"image/draw"
	"image/jpeg"
	_ "image/png"
)

const (
	DefaultMul     = 0x08FF04
	DefaultAdd     = 0x000001
	DefaultQuality = 90
)

// LightingFilter multiplies each RGB channel by the matching channel of Mul
// (scaled to [0,1]) and then adds the matching channel of Add, clamping to
// 255. Alpha is untouched. Output is always JPEG.
type LightingFilter struct {
	Mul     uint32
	Add     uint32
	Quality int
}

// NewLightingFilter returns the green-tint filter applied to downloads.
func NewLightingFilter() LightingFilter {
	return LightingFilter{Mul: DefaultMul, Add: DefaultAdd, Quality: DefaultQuality}
}

// Apply decodes a JPEG or PNG, filters it, and re-encodes it as JPEG.
func (f LightingFilter) Apply(data []byte) ([]byte, error) {
	src, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecode, err)
	}

	b := src.Bounds()
	if b.Dx() <= 0 || b.Dy() <= 0 {
		return nil, fmt.Errorf("%w: empty bounds", ErrDecode)
	}

	dst := image.NewNRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))
	draw.Draw(dst, dst.Bounds(), src, b.Min, draw.Src)

	mul := channels(f.Mul)
	add := channels(f.Add)
	for i := 0; i < len(dst.Pix); i += 4 {
		for c := range 3 {
			dst.Pix[i+c] = light(dst.Pix[i+c], mul[c], add[c])
		}
	}

	quality := f.Quality
	if quality <= 0 || quality > 100 {
		quality = DefaultQuality
	}

	var out bytes.Buffer
	if err := jpeg.Encode(&out, dst, &jpeg.Options{Quality: quality}); err != nil {
		return nil, err
	}
	return out.Bytes(), nil
}

func channels(rgb uint32) [3]uint32 {
	return [3]uint32{(rgb >> 16) & 0xFF, (rgb >> 8) & 0xFF, rgb & 0xFF}
}

func light(v uint8, mul, add uint32) uint8 {
	return uint8(min(uint32(v)*mul/255+add, 255))
}
