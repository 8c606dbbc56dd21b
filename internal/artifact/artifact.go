// Package artifact computes the derived visual artifact for an image: a
// dominant-color gradient plus a blurhash placeholder.
//
// Generate is a pure function over the raw bytes — no I/O, no shared state —
// so it can run from any number of job handlers concurrently.
package artifact

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	"image/color"
	"math"

	"github.com/buckket/go-blurhash"
	color_extractor "github.com/marekm4/color-extractor"
	"golang.org/x/image/draw"

	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"

	_ "golang.org/x/image/webp"
)

const (
	// extractMaxDim bounds the image size fed to palette extraction.
	extractMaxDim = 256
	// placeholderMaxDim bounds the image size fed to blurhash encoding, which
	// is O(pixels × components).
	placeholderMaxDim = 32
	// paletteSize caps the number of palette entries in the artifact.
	paletteSize = 6
)

// Artifact is the computed visual summary of one image.
type Artifact struct {
	Palette         []string `json:"palette"`
	Primary         string   `json:"primary"`
	Secondary       string   `json:"secondary"`
	Foreground      string   `json:"foreground"`
	CSSGradient     string   `json:"cssGradient"`
	BlurPlaceholder string   `json:"blurPlaceholder"`
}

// Generate decodes data and computes its artifact. Empty or undecodable input
// is an error, never a panic.
func Generate(data []byte) (*Artifact, error) {
	if len(data) == 0 {
		return nil, errors.New("artifact: empty image data")
	}
	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("artifact: decode image: %w", err)
	}

	small := downscale(img, extractMaxDim)
	palette := color_extractor.ExtractColors(small)

	primary, secondary := dominantPair(palette)
	hexPalette := make([]string, 0, paletteSize)
	for i, c := range palette {
		if i == paletteSize {
			break
		}
		hexPalette = append(hexPalette, hexString(c))
	}
	if len(hexPalette) == 0 {
		hexPalette = []string{hexString(primary)}
	}

	hash, err := blurhash.Encode(4, 3, downscale(small, placeholderMaxDim))
	if err != nil {
		return nil, fmt.Errorf("artifact: encode placeholder: %w", err)
	}

	return &Artifact{
		Palette:    hexPalette,
		Primary:    hexString(primary),
		Secondary:  hexString(secondary),
		Foreground: foregroundFor(primary),
		CSSGradient: fmt.Sprintf("linear-gradient(135deg, %s 0%%, %s 100%%)",
			hexString(primary), hexString(secondary)),
		BlurPlaceholder: hash,
	}, nil
}

// dominantPair picks the gradient endpoints from the extracted palette. A
// single-color image gets a darkened shade of its own color as the second
// stop; an empty palette falls back to neutral gray.
func dominantPair(palette []color.Color) (primary, secondary color.Color) {
	switch len(palette) {
	case 0:
		gray := color.NRGBA{R: 0x80, G: 0x80, B: 0x80, A: 0xff}
		return gray, shade(gray, 0.72)
	case 1:
		return palette[0], shade(palette[0], 0.72)
	default:
		return palette[0], palette[1]
	}
}

// downscale resizes img so its longer side is at most maxDim, preserving
// aspect ratio. Returns img unchanged when already small enough.
func downscale(img image.Image, maxDim int) image.Image {
	b := img.Bounds()
	w, h := b.Dx(), b.Dy()
	if w <= maxDim && h <= maxDim {
		return img
	}
	scale := float64(maxDim) / float64(max(w, h))
	dw := max(1, int(float64(w)*scale))
	dh := max(1, int(float64(h)*scale))
	dst := image.NewRGBA(image.Rect(0, 0, dw, dh))
	draw.ApproxBiLinear.Scale(dst, dst.Bounds(), img, b, draw.Over, nil)
	return dst
}

// foregroundFor returns black or white, whichever contrasts with bg. The
// 0.179 relative-luminance threshold is the WCAG contrast crossover point.
func foregroundFor(bg color.Color) string {
	c := color.NRGBAModel.Convert(bg).(color.NRGBA)
	l := 0.2126*linearize(c.R) + 0.7152*linearize(c.G) + 0.0722*linearize(c.B)
	if l > 0.179 {
		return "#000000"
	}
	return "#ffffff"
}

// linearize converts an 8-bit sRGB channel to linear light.
func linearize(v uint8) float64 {
	f := float64(v) / 255.0
	if f <= 0.04045 {
		return f / 12.92
	}
	return math.Pow((f+0.055)/1.055, 2.4)
}

func shade(c color.Color, factor float64) color.Color {
	n := color.NRGBAModel.Convert(c).(color.NRGBA)
	return color.NRGBA{
		R: uint8(float64(n.R) * factor),
		G: uint8(float64(n.G) * factor),
		B: uint8(float64(n.B) * factor),
		A: n.A,
	}
}

func hexString(c color.Color) string {
	n := color.NRGBAModel.Convert(c).(color.NRGBA)
	return fmt.Sprintf("#%02x%02x%02x", n.R, n.G, n.B)
}
