package artifact_test

import (
	"bytes"
	"image"
	"image/color"
	"image/png"
	"regexp"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/julianstephens/photo-gallery-sub002/internal/artifact"
)

var hexColor = regexp.MustCompile(`^#[0-9a-f]{6}$`)

// encodePNG renders a w×h image filled by fill and returns its PNG bytes.
func encodePNG(t *testing.T, w, h int, fill func(x, y int) color.Color) []byte {
	t.Helper()
	img := image.NewNRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, fill(x, y))
		}
	}
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

func TestGenerate_TwoToneImage(t *testing.T) {
	t.Parallel()
	red := color.NRGBA{R: 0xff, A: 0xff}
	blue := color.NRGBA{B: 0xff, A: 0xff}
	data := encodePNG(t, 64, 64, func(x, _ int) color.Color {
		if x < 32 {
			return red
		}
		return blue
	})

	art, err := artifact.Generate(data)
	require.NoError(t, err)

	require.NotEmpty(t, art.Palette)
	for _, c := range art.Palette {
		require.Regexp(t, hexColor, c)
	}
	require.Regexp(t, hexColor, art.Primary)
	require.Regexp(t, hexColor, art.Secondary)
	require.NotEqual(t, art.Primary, art.Secondary)

	require.True(t, strings.HasPrefix(art.CSSGradient, "linear-gradient(135deg, "))
	require.Contains(t, art.CSSGradient, art.Primary)
	require.Contains(t, art.CSSGradient, art.Secondary)

	if len(art.BlurPlaceholder) < 6 {
		t.Errorf("blur placeholder = %q, too short to be a blurhash", art.BlurPlaceholder)
	}
}

func TestGenerate_SolidColorImage(t *testing.T) {
	t.Parallel()
	data := encodePNG(t, 16, 16, func(int, int) color.Color {
		return color.NRGBA{R: 0x33, G: 0x66, B: 0x99, A: 0xff}
	})

	art, err := artifact.Generate(data)
	require.NoError(t, err)

	require.Equal(t, "#336699", art.Primary)
	// A single-color image still gets a two-stop gradient.
	require.NotEqual(t, art.Primary, art.Secondary)
	// Mid-dark blue background wants light text.
	require.Equal(t, "#ffffff", art.Foreground)
}

func TestGenerate_ForegroundContrast(t *testing.T) {
	t.Parallel()
	light := encodePNG(t, 8, 8, func(int, int) color.Color {
		return color.NRGBA{R: 0xf0, G: 0xf0, B: 0xf0, A: 0xff}
	})
	art, err := artifact.Generate(light)
	require.NoError(t, err)
	require.Equal(t, "#000000", art.Foreground)

	dark := encodePNG(t, 8, 8, func(int, int) color.Color {
		return color.NRGBA{R: 0x10, G: 0x10, B: 0x10, A: 0xff}
	})
	art, err = artifact.Generate(dark)
	require.NoError(t, err)
	require.Equal(t, "#ffffff", art.Foreground)
}

func TestGenerate_EmptyInput(t *testing.T) {
	t.Parallel()
	_, err := artifact.Generate(nil)
	require.Error(t, err)
}

func TestGenerate_UndecodableInput(t *testing.T) {
	t.Parallel()
	_, err := artifact.Generate([]byte("definitely not an image"))
	require.Error(t, err)
}
