package captcha

import (
	"bytes"
	"errors"
	"fmt"
	"hash/fnv"
	"image"
	"image/color"
	"image/png"
	"math"
	"math/rand/v2"

	xdraw "golang.org/x/image/draw"
	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/f64"
	"golang.org/x/image/math/fixed"
)

const (
	glyphScale   = 4.0
	cellWidth    = 34
	imageHeight  = 72
	imagePadding = 12
	noiseLines   = 6
	noiseDots    = 180
)

// Render draws text as a PNG. Output depends only on text: the jitter and
// noise are seeded from it.
func Render(text string) ([]byte, error) {
	if text == "" {
		return nil, errors.New("captcha: empty text")
	}
	if len(text) > MaxLength {
		return nil, fmt.Errorf("captcha: text longer than %d", MaxLength)
	}
	for _, r := range text {
		if r < 0x21 || r > 0x7e {
			return nil, fmt.Errorf("captcha: unsupported character %q", r)
		}
	}

	rng := seededRand(text)
	width := imagePadding*2 + cellWidth*len(text)
	canvas := image.NewRGBA(image.Rect(0, 0, width, imageHeight))
	bg := color.RGBA{R: uint8(225 + rng.IntN(30)), G: uint8(225 + rng.IntN(30)), B: uint8(225 + rng.IntN(30)), A: 255}
	xdraw.Draw(canvas, canvas.Bounds(), image.NewUniform(bg), image.Point{}, xdraw.Src)

	for i := 0; i < noiseLines/2; i++ {
		drawLine(canvas, rng, randomInk(rng, 120))
	}
	for i, r := range text {
		cx := float64(imagePadding + cellWidth*i + cellWidth/2 + rng.IntN(7) - 3)
		cy := float64(imageHeight/2 + rng.IntN(11) - 5)
		angle := (rng.Float64() - 0.5) * 0.7
		drawGlyph(canvas, r, cx, cy, angle, randomInk(rng, 110))
	}
	for i := 0; i < noiseLines-noiseLines/2; i++ {
		drawLine(canvas, rng, randomInk(rng, 140))
	}
	for i := 0; i < noiseDots; i++ {
		canvas.Set(rng.IntN(width), rng.IntN(imageHeight), randomInk(rng, 160))
	}

	var buf bytes.Buffer
	if err := png.Encode(&buf, canvas); err != nil {
		return nil, fmt.Errorf("captcha: encode png: %w", err)
	}
	return buf.Bytes(), nil
}

func seededRand(text string) *rand.Rand {
	h := fnv.New64a()
	_, _ = h.Write([]byte(text))
	sum := h.Sum64()
	return rand.New(rand.NewPCG(sum, sum^0x9e3779b97f4a7c15))
}

func randomInk(rng *rand.Rand, max int) color.RGBA {
	return color.RGBA{R: uint8(rng.IntN(max)), G: uint8(rng.IntN(max)), B: uint8(rng.IntN(max)), A: 255}
}

// drawGlyph renders r with the 7x13 bitmap face, then scales and rotates it
// around (cx, cy) onto dst.
func drawGlyph(dst *image.RGBA, r rune, cx, cy, angle float64, ink color.Color) {
	face := basicfont.Face7x13
	glyph := image.NewRGBA(image.Rect(0, 0, face.Width, face.Height))
	d := &font.Drawer{
		Dst:  glyph,
		Src:  image.NewUniform(ink),
		Face: face,
		Dot:  fixed.P(0, face.Ascent),
	}
	d.DrawString(string(r))

	sin, cos := math.Sincos(angle)
	a, b := glyphScale*cos, -glyphScale*sin
	c, e := glyphScale*sin, glyphScale*cos
	sx, sy := float64(face.Width)/2, float64(face.Height)/2
	m := f64.Aff3{
		a, b, cx - (a*sx + b*sy),
		c, e, cy - (c*sx + e*sy),
	}
	xdraw.ApproxBiLinear.Transform(dst, m, glyph, glyph.Bounds(), xdraw.Over, nil)
}

func drawLine(dst *image.RGBA, rng *rand.Rand, ink color.Color) {
	b := dst.Bounds()
	x0, y0 := rng.IntN(b.Dx()), rng.IntN(b.Dy())
	x1, y1 := rng.IntN(b.Dx()), rng.IntN(b.Dy())
	dx, dy := abs(x1-x0), -abs(y1-y0)
	sx, sy := 1, 1
	if x0 > x1 {
		sx = -1
	}
	if y0 > y1 {
		sy = -1
	}
	errTerm := dx + dy
	for {
		dst.Set(x0, y0, ink)
		if x0 == x1 && y0 == y1 {
			return
		}
		e2 := 2 * errTerm
		if e2 >= dy {
			errTerm += dy
			x0 += sx
		}
		if e2 <= dx {
			errTerm += dx
			y0 += sy
		}
	}
}

func abs(v int) int {
	if v < 0 {
		return -v
	}
	return v
}
