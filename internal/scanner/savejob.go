package scanner

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/mzyy94/airmustek/internal/config"
)

// ScanJobStatus tracks the state of the last scan-to-folder job.
type ScanJobStatus struct {
	mu        sync.RWMutex
	Scanning  bool   `json:"scanning"`
	LastError string `json:"lastError,omitempty"`
	LastScan  string `json:"lastScan,omitempty"` // RFC3339
	Lines     int    `json:"lines"`
	FilePath  string `json:"filePath,omitempty"`
}

// Snapshot returns a copy of the current status.
func (s *ScanJobStatus) Snapshot() ScanJobStatus {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return ScanJobStatus{
		Scanning:  s.Scanning,
		LastError: s.LastError,
		LastScan:  s.LastScan,
		Lines:     s.Lines,
		FilePath:  s.FilePath,
	}
}

// SetScanning marks the scan as in-progress.
func (s *ScanJobStatus) SetScanning(v bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Scanning = v
	if v {
		s.LastError = ""
	}
}

// SetResult records the outcome of a completed scan.
func (s *ScanJobStatus) SetResult(err error, lines int, filePath string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Scanning = false
	s.LastScan = time.Now().UTC().Format(time.RFC3339)
	s.Lines = lines
	s.FilePath = filePath
	if err != nil {
		s.LastError = err.Error()
	} else {
		s.LastError = ""
	}
}

// SettingsToParams converts stored settings into scan parameters.
func SettingsToParams(s config.Settings) Params {
	p := DefaultParams()
	if m, err := ParseColorMode(s.ColorMode); err == nil {
		p.Mode = m
	}
	if s.Resolution > 0 {
		p.DPI = s.Resolution
	}
	p.Threshold = s.Threshold
	p.TopLeftX, p.TopLeftY = s.Left, s.Top
	if s.Width > 0 {
		p.BottomRightX = s.Left + s.Width
	}
	if s.Height > 0 {
		p.BottomRightY = s.Top + s.Height
	}
	if s.UseGamma {
		p.Gamma = PowerGamma(s.Gamma)
	}
	return p
}

// RunSaveJob scans one page and writes it to savePath as
// scan_<timestamp>.<ext>. It returns the file written.
func RunSaveJob(ctx context.Context, sc *Scanner, p Params, format, savePath string) (string, int, error) {
	if err := os.MkdirAll(savePath, 0755); err != nil {
		return "", 0, fmt.Errorf("create save directory: %w", err)
	}

	slog.Info("scan to folder starting", "format", format, "savePath", savePath)
	page, err := sc.Scan(ctx, p)
	if err != nil {
		return "", 0, err
	}
	data, err := Encode([]*Page{page}, format)
	if err != nil {
		return "", page.Lines(), err
	}

	timestamp := time.Now().Format("20060102_150405")
	outPath := filepath.Join(savePath, fmt.Sprintf("scan_%s.%s", timestamp, Extension(format)))
	if err := os.WriteFile(outPath, data, 0644); err != nil {
		return "", page.Lines(), fmt.Errorf("write %s: %w", outPath, err)
	}
	slog.Info("scan saved", "path", outPath, "lines", page.Lines(), "bytes", len(data))
	return outPath, page.Lines(), nil
}
