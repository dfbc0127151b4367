// Package images turns extracted files into validated image descriptions and
// keeps their bytes in a blob store.
package images

import (
	"bytes"
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"os"
	"path/filepath"

	"github.com/kalambet/stager/internal/batch"
)

// DefaultMinDimension is the smallest accepted width and height in pixels.
const DefaultMinDimension = 150

// File is a decoded, validated image file.
type File struct {
	Path      string
	FileName  string
	Hash      string // md5 of the file contents, hex
	Format    string
	Width     int
	Height    int
	Size      int64
	Signature uint64
}

// ID is the stored identity of the image within source.
func (f *File) ID(source string) string {
	return source + "/" + f.Hash
}

// FromFile reads and validates the image at path. Problems with the image
// itself are returned as *batch.CodedError with EMPTY_IMAGE, MALFORMED_IMAGE
// or TOO_SMALL.
func FromFile(path string, minDimension int) (*File, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", path, err)
	}
	if len(data) == 0 {
		return nil, batch.Fail(batch.ErrEmptyImage, nil)
	}

	img, format, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, batch.Fail(batch.ErrMalformedImage, err)
	}
	b := img.Bounds()
	if b.Dx() < minDimension || b.Dy() < minDimension {
		return nil, batch.Fail(batch.ErrTooSmall, fmt.Errorf("%dx%d", b.Dx(), b.Dy()))
	}

	sum := md5.Sum(data)
	return &File{
		Path:      path,
		FileName:  filepath.Base(path),
		Hash:      hex.EncodeToString(sum[:]),
		Format:    format,
		Width:     b.Dx(),
		Height:    b.Dy(),
		Size:      int64(len(data)),
		Signature: Signature(img),
	}, nil
}

// Signature computes a 64-bit average hash: the image is reduced to an 8x8
// grayscale grid and each bit records whether a cell is brighter than the
// mean. Visually similar images have signatures a small Hamming distance apart.
func Signature(img image.Image) uint64 {
	const grid = 8
	b := img.Bounds()
	w, h := b.Dx(), b.Dy()
	if w == 0 || h == 0 {
		return 0
	}

	var cells [grid * grid]float64
	var total float64
	for cy := 0; cy < grid; cy++ {
		y0, y1 := b.Min.Y+cy*h/grid, b.Min.Y+(cy+1)*h/grid
		if y1 <= y0 {
			y1 = y0 + 1
		}
		for cx := 0; cx < grid; cx++ {
			x0, x1 := b.Min.X+cx*w/grid, b.Min.X+(cx+1)*w/grid
			if x1 <= x0 {
				x1 = x0 + 1
			}
			cells[cy*grid+cx] = cellLuma(img, x0, y0, x1, y1)
			total += cells[cy*grid+cx]
		}
	}

	mean := total / float64(len(cells))
	var sig uint64
	for i, v := range cells {
		if v > mean {
			sig |= 1 << uint(i)
		}
	}
	return sig
}

// cellLuma averages the luminance of at most 16x16 samples of a cell.
func cellLuma(img image.Image, x0, y0, x1, y1 int) float64 {
	const samples = 16
	stepX := max((x1-x0)/samples, 1)
	stepY := max((y1-y0)/samples, 1)

	var sum float64
	var n int
	for y := y0; y < y1; y += stepY {
		for x := x0; x < x1; x += stepX {
			r, g, bl, _ := img.At(x, y).RGBA()
			sum += 0.299*float64(r) + 0.587*float64(g) + 0.114*float64(bl)
			n++
		}
	}
	return sum / float64(n)
}
