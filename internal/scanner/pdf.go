package scanner

import (
	"bytes"
	"fmt"
	"image/jpeg"
	"image/png"
	"os"

	"github.com/go-pdf/fpdf"
)

// WritePDF writes pages into a single PDF file.
func WritePDF(pages []*Page, outputPath string) error {
	data, err := GeneratePDF(pages)
	if err != nil {
		return err
	}
	return os.WriteFile(outputPath, data, 0644)
}

// GeneratePDF builds a PDF in memory with one page per scan, sized from the
// scan resolution. Colour and grey pages are embedded as JPEG, lineart as a
// 1-bit paletted PNG.
func GeneratePDF(pages []*Page) ([]byte, error) {
	if len(pages) == 0 {
		return nil, fmt.Errorf("no pages to write")
	}

	pdf := fpdf.New("P", "mm", "", "")
	pdf.SetAutoPageBreak(false, 0)

	for i, p := range pages {
		dpi := p.Frame.DPI
		if dpi <= 0 {
			dpi = DefaultDPI
		}
		widthMM := float64(p.Frame.PixelsPerLine) / float64(dpi) * mmPerInch
		heightMM := float64(p.Lines()) / float64(dpi) * mmPerInch

		pdf.AddPageFormat("P", fpdf.SizeType{Wd: widthMM, Ht: heightMM})

		name := fmt.Sprintf("page%d", i)
		var buf bytes.Buffer
		if p.Frame.Mode == ColorLineart {
			if err := png.Encode(&buf, p.Image()); err != nil {
				return nil, fmt.Errorf("encode page %d PNG: %w", i+1, err)
			}
			pdf.RegisterImageOptionsReader(name, fpdf.ImageOptions{ImageType: "PNG"}, &buf)
		} else {
			if err := jpeg.Encode(&buf, p.Image(), &jpeg.Options{Quality: 90}); err != nil {
				return nil, fmt.Errorf("encode page %d JPEG: %w", i+1, err)
			}
			pdf.RegisterImageOptionsReader(name, fpdf.ImageOptions{ImageType: "JPEG"}, &buf)
		}
		pdf.ImageOptions(name, 0, 0, widthMM, heightMM, false, fpdf.ImageOptions{}, 0, "")
	}

	var out bytes.Buffer
	if err := pdf.Output(&out); err != nil {
		return nil, fmt.Errorf("generate PDF: %w", err)
	}
	return out.Bytes(), nil
}
