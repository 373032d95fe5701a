// Package imagetest generates small encoded images for tests.
package imagetest

import (
	"bytes"
	"image"
	"image/color"
	"image/jpeg"
	"image/png"
)

// PNG returns a w x h PNG filled with a colour derived from seed, so that
// different seeds give different bytes.
func PNG(w, h int, seed byte) []byte {
	var buf bytes.Buffer
	if err := png.Encode(&buf, fill(w, h, seed)); err != nil {
		panic(err)
	}
	return buf.Bytes()
}

// JPEG returns a w x h JPEG filled with a colour derived from seed.
func JPEG(w, h int, seed byte) []byte {
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, fill(w, h, seed), &jpeg.Options{Quality: 80}); err != nil {
		panic(err)
	}
	return buf.Bytes()
}

func fill(w, h int, seed byte) *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	c := color.RGBA{R: seed, G: 255 - seed, B: seed / 2, A: 255}
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, c)
		}
	}
	return img
}
