package filter

import (
	"image"
	"math/bits"

	"golang.org/x/image/draw"
)

// hashResolution is the downsample grid: 9x8 pixels yielding a 64-bit
// gradient descriptor.
const hashResolution = 8

// DHash computes a perceptual difference hash of the image.
//
// The algorithm:
//  1. Resize the image to 9x8
//  2. Convert to grayscale
//  3. Compare horizontally adjacent pixels
//  4. Set one bit per comparison, producing a 64-bit hash
func DHash(img image.Image) uint64 {
	small := image.NewRGBA(image.Rect(0, 0, hashResolution+1, hashResolution))
	draw.NearestNeighbor.Scale(small, small.Bounds(), img, img.Bounds(), draw.Src, nil)

	var hash uint64
	for y := 0; y < hashResolution; y++ {
		for x := 0; x < hashResolution; x++ {
			left := luma(small, x, y)
			right := luma(small, x+1, y)
			if left < right {
				hash |= 1 << (y*hashResolution + x)
			}
		}
	}
	return hash
}

// HammingDistance returns the number of differing bits between two hashes.
func HammingDistance(a, b uint64) int {
	return bits.OnesCount64(a ^ b)
}

// luma returns the ITU-R BT.601 grayscale value of a pixel.
func luma(img *image.RGBA, x, y int) uint32 {
	i := img.PixOffset(x, y)
	r := uint32(img.Pix[i])
	g := uint32(img.Pix[i+1])
	b := uint32(img.Pix[i+2])
	return (299*r + 587*g + 114*b) / 1000
}
