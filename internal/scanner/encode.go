package scanner

import (
	"bytes"
	"fmt"
	"image"
	"image/color"
	"image/jpeg"
	"image/png"

	"golang.org/x/image/tiff"

	"github.com/mzyy94/airmustek/internal/ma1017"
)

// Document formats.
const (
	FormatJPEG = "image/jpeg"
	FormatPNG  = "image/png"
	FormatTIFF = "image/tiff"
	FormatPDF  = "application/pdf"
)

// Formats lists every format Encode understands.
var Formats = []string{FormatPDF, FormatJPEG, FormatPNG, FormatTIFF}

// Extension returns the file extension for a format.
func Extension(format string) string {
	switch format {
	case FormatPDF:
		return "pdf"
	case FormatPNG:
		return "png"
	case FormatTIFF:
		return "tiff"
	}
	return "jpg"
}

// Page is one scanned image in the raw line format of its frame.
type Page struct {
	Frame Frame
	Data  []byte
}

// collectReserve caps the buffer Collect reserves up front. Larger pages
// grow as lines arrive.
const collectReserve = 8 << 20

// Collect drains a stream into a page. The stream's error, if any, is
// returned together with the lines received so far.
func Collect(st *Stream) (*Page, error) {
	f := st.Frame()
	page := &Page{Frame: f, Data: make([]byte, 0, reserve(f))}
	for line := range st.Lines() {
		page.Data = append(page.Data, line...)
	}
	return page, st.Wait()
}

func reserve(f Frame) int {
	return min(max(f.BytesPerLine*f.Lines, 0), collectReserve)
}

// Lines returns the number of complete lines held.
func (p *Page) Lines() int {
	if p.Frame.BytesPerLine == 0 {
		return 0
	}
	return len(p.Data) / p.Frame.BytesPerLine
}

var bitonal = color.Palette{color.White, color.Black}

// Image wraps the page data as an image. Lineart becomes a two-colour
// paletted image with index 1 for black.
func (p *Page) Image() image.Image {
	f := p.Frame
	r := image.Rect(0, 0, f.PixelsPerLine, p.Lines())
	switch f.Mode {
	case ColorGray:
		return &image.Gray{Pix: p.Data, Stride: f.BytesPerLine, Rect: r}
	case ColorLineart:
		img := image.NewPaletted(r, bitonal)
		for y := range r.Dy() {
			src := p.Data[y*f.BytesPerLine:]
			dst := img.Pix[y*img.Stride:]
			for x := range r.Dx() {
				dst[x] = (src[x/8] >> (7 - x%8)) & 1
			}
		}
		return img
	}
	img := image.NewRGBA(r)
	for y := range r.Dy() {
		src := p.Data[y*f.BytesPerLine:]
		dst := img.Pix[y*img.Stride:]
		for x := range r.Dx() {
			copy(dst[x*4:x*4+3], src[x*3:x*3+3])
			dst[x*4+3] = 0xff
		}
	}
	return img
}

// Encode renders pages in format. Image formats hold one page; PDF holds
// all of them.
func Encode(pages []*Page, format string) ([]byte, error) {
	if len(pages) == 0 {
		return nil, fmt.Errorf("encode: no pages: %w", ma1017.ErrInvalidParameter)
	}
	if format == FormatPDF {
		return GeneratePDF(pages)
	}
	var buf bytes.Buffer
	img := pages[0].Image()
	var err error
	switch format {
	case FormatJPEG, "":
		if pages[0].Frame.Mode == ColorLineart {
			img = toGray(img)
		}
		err = jpeg.Encode(&buf, img, &jpeg.Options{Quality: 90})
	case FormatPNG:
		err = png.Encode(&buf, img)
	case FormatTIFF:
		err = tiff.Encode(&buf, img, &tiff.Options{Compression: tiff.Deflate})
	default:
		return nil, fmt.Errorf("encode: format %q: %w", format, ma1017.ErrInvalidParameter)
	}
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", format, err)
	}
	return buf.Bytes(), nil
}

// toGray expands a bitonal image for encoders without palette support.
func toGray(img image.Image) *image.Gray {
	b := img.Bounds()
	g := image.NewGray(b)
	for y := b.Min.Y; y < b.Max.Y; y++ {
		for x := b.Min.X; x < b.Max.X; x++ {
			g.Set(x, y, img.At(x, y))
		}
	}
	return g
}
