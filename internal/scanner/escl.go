package scanner

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"math"

	"github.com/OpenPrinting/go-mfp/abstract"
	"github.com/OpenPrinting/go-mfp/util/generic"
	"github.com/OpenPrinting/go-mfp/util/uuid"
)

// minScanMM is the smallest platen region advertised over eSCL.
const minScanMM = 25

var esclResolutions = []int{50, 100, 150, 200, 300, 600, 1200}

// ESCLAdapter implements abstract.Scanner for a flatbed with one platen.
type ESCLAdapter struct {
	scanner *Scanner
	caps    *abstract.ScannerCapabilities
}

// NewESCLAdapter creates an eSCL adapter wrapping the given Scanner. The
// scanner should be connected so the resolution limit is known.
func NewESCLAdapter(s *Scanner) *ESCLAdapter {
	a := &ESCLAdapter{scanner: s}
	a.caps = a.buildCapabilities()
	return a
}

func (a *ESCLAdapter) buildCapabilities() *abstract.ScannerCapabilities {
	maxDPI := 600
	if a.scanner.Device().State() != StateClosed {
		maxDPI = a.scanner.Device().MaxDPI()
	}
	var resolutions []abstract.Resolution
	for _, dpi := range esclResolutions {
		if dpi <= maxDPI {
			resolutions = append(resolutions, abstract.Resolution{XResolution: dpi, YResolution: dpi})
		}
	}

	profile := abstract.SettingsProfile{
		ColorModes: generic.MakeBitset(
			abstract.ColorModeColor,
			abstract.ColorModeMono,
			abstract.ColorModeBinary,
		),
		Depths: generic.MakeBitset(abstract.ColorDepth8),
		BinaryRenderings: generic.MakeBitset(
			abstract.BinaryRenderingThreshold,
		),
		Resolutions: resolutions,
	}

	platen := &abstract.InputCapabilities{
		MinWidth:              minScanMM * abstract.Millimeter,
		MaxWidth:              mmToDim(MaxWidthInch * mmPerInch),
		MinHeight:             minScanMM * abstract.Millimeter,
		MaxHeight:             mmToDim(MaxHeightInch * mmPerInch),
		MaxOpticalXResolution: maxDPI,
		MaxOpticalYResolution: maxDPI,
		Intents: generic.MakeBitset(
			abstract.IntentDocument,
			abstract.IntentPhoto,
			abstract.IntentTextAndGraphic,
		),
		Profiles: []abstract.SettingsProfile{profile},
	}

	serial := a.scanner.Serial()
	if serial == "" {
		serial = "unknown"
	}
	deviceUUID := uuid.SHA1(uuid.NameSpaceDNS, "airmustek."+serial)

	name := a.scanner.Name()
	if name == "" {
		name = "Mustek USB"
	}

	return &abstract.ScannerCapabilities{
		UUID:            deviceUUID,
		MakeAndModel:    name,
		Manufacturer:    "Mustek",
		SerialNumber:    serial,
		DocumentFormats: Formats,
		Platen:          platen,
	}
}

// Capabilities returns the scanner capabilities.
func (a *ESCLAdapter) Capabilities() *abstract.ScannerCapabilities {
	return a.caps
}

// Scan converts an eSCL request to scan parameters, scans one page and
// returns it encoded in the requested format.
func (a *ESCLAdapter) Scan(ctx context.Context, req abstract.ScannerRequest) (abstract.Document, error) {
	if err := req.Validate(a.caps); err != nil {
		return nil, err
	}

	p := mapScanParams(req)
	slog.Info("scan requested",
		"colorMode", req.ColorMode,
		"resolution", req.Resolution,
		"mode", p.Mode.String(),
		"dpi", p.DPI,
	)

	page, err := a.scanner.Scan(ctx, p)
	if err != nil {
		return nil, err
	}

	format := req.DocumentFormat
	if format == "" {
		format = FormatJPEG
	}
	data, err := Encode([]*Page{page}, format)
	if err != nil {
		return nil, err
	}
	res := abstract.Resolution{XResolution: page.Frame.DPI, YResolution: page.Frame.DPI}
	return &pageDocument{res: res, format: format, pages: [][]byte{data}}, nil
}

// Close closes the scanner connection.
func (a *ESCLAdapter) Close() error {
	return a.scanner.Disconnect()
}

// mapScanParams converts an eSCL ScannerRequest to scan parameters.
func mapScanParams(req abstract.ScannerRequest) Params {
	p := DefaultParams()

	switch req.ColorMode {
	case abstract.ColorModeMono:
		p.Mode = ColorGray
	case abstract.ColorModeBinary:
		p.Mode = ColorLineart
	default:
		p.Mode = ColorColor
	}

	if dpi := req.Resolution.XResolution; dpi > 0 {
		p.DPI = dpi
	}

	// A zero region scans the whole glass.
	r := req.Region
	if r.Width > 0 && r.Height > 0 {
		p.TopLeftX = dimToMM(r.XOffset)
		p.TopLeftY = dimToMM(r.YOffset)
		p.BottomRightX = p.TopLeftX + dimToMM(r.Width)
		p.BottomRightY = p.TopLeftY + dimToMM(r.Height)
	}
	return p
}

// dimToMM converts 1/100 mm to millimetres.
func dimToMM(d abstract.Dimension) float64 {
	return float64(d) / float64(abstract.Millimeter)
}

func mmToDim(mm float64) abstract.Dimension {
	return abstract.Dimension(math.Round(mm * float64(abstract.Millimeter)))
}

// --------------------------------------------------------------------------
// Document / DocumentFile implementation for encoded pages
// --------------------------------------------------------------------------

// pageDocument wraps encoded pages as an abstract.Document.
type pageDocument struct {
	res    abstract.Resolution
	format string
	pages  [][]byte
	idx    int
}

func (d *pageDocument) Resolution() abstract.Resolution { return d.res }

func (d *pageDocument) Next() (abstract.DocumentFile, error) {
	if d.idx >= len(d.pages) {
		return nil, io.EOF
	}
	f := &pageFile{Reader: bytes.NewReader(d.pages[d.idx]), format: d.format}
	d.idx++
	return f, nil
}

func (d *pageDocument) Close() error { return nil }

// pageFile wraps a single encoded page as an abstract.DocumentFile.
type pageFile struct {
	*bytes.Reader
	format string
}

func (f *pageFile) Format() string { return f.format }
