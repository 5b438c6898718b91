package webui

import (
	"context"
	"embed"
	"encoding/json"
	"errors"
	"io/fs"
	"log/slog"
	"net/http"
	"time"

	"github.com/mzyy94/airmustek/internal/calib"
	"github.com/mzyy94/airmustek/internal/config"
	"github.com/mzyy94/airmustek/internal/ma1017"
	"github.com/mzyy94/airmustek/internal/scanner"
)

//go:embed static
var staticFS embed.FS

type handler struct {
	adapter  *scanner.ESCLAdapter
	sc       *scanner.Scanner
	settings *config.Store
	job      *scanner.ScanJobStatus
	// base bounds background scans; cancelled on shutdown.
	base context.Context
}

// NewHandler creates an HTTP handler for the Web UI. Background scans
// started from the UI stop when ctx is cancelled.
func NewHandler(ctx context.Context, sc *scanner.Scanner, adapter *scanner.ESCLAdapter, settings *config.Store) http.Handler {
	if settings == nil {
		settings = config.NewMemoryStore()
	}
	h := &handler{adapter: adapter, sc: sc, settings: settings, job: &scanner.ScanJobStatus{}, base: ctx}
	sc.Device().SetCacheEnabled(settings.Get().UseCalibrationCache)
	mux := http.NewServeMux()
	staticContent, _ := fs.Sub(staticFS, "static")
	mux.HandleFunc("GET /api/status", h.handleStatus)
	mux.HandleFunc("GET /api/settings", h.handleGetSettings)
	mux.HandleFunc("PUT /api/settings", h.handlePutSettings)
	mux.HandleFunc("GET /api/calibration", h.handleGetCalibration)
	mux.HandleFunc("DELETE /api/calibration", h.handleDeleteCalibration)
	mux.HandleFunc("GET /api/scan", h.handleScanStatus)
	mux.HandleFunc("POST /api/scan", h.handleScan)
	mux.Handle("GET /", http.FileServer(http.FS(staticContent)))
	return mux
}

type statusResponse struct {
	Online    bool                  `json:"online"`
	Device    deviceInfo            `json:"device"`
	Scanner   scanner.Status        `json:"scanner"`
	Job       scanner.ScanJobStatus `json:"job"`
	Caps      capsInfo              `json:"capabilities"`
	ESCLUrl   string                `json:"esclUrl"`
	UpdatedAt string                `json:"updatedAt"`
}

type deviceInfo struct {
	Name         string `json:"name"`
	Serial       string `json:"serial"`
	Manufacturer string `json:"manufacturer"`
}

type capsInfo struct {
	Resolutions []int    `json:"resolutions"`
	ColorModes  []string `json:"colorModes"`
	Formats     []string `json:"formats"`
	MaxWidthMM  float64  `json:"maxWidthMM"`
	MaxHeightMM float64  `json:"maxHeightMM"`
}

func (h *handler) handleStatus(w http.ResponseWriter, r *http.Request) {
	st := h.sc.Status()
	resp := statusResponse{
		Online:  st.State != scanner.StateClosed.String(),
		Scanner: st,
		Job:     h.job.Snapshot(),
		Device: deviceInfo{
			Name:         h.sc.Name(),
			Serial:       h.sc.Serial(),
			Manufacturer: "Mustek",
		},
		ESCLUrl:   "http://" + r.Host + "/eSCL",
		UpdatedAt: time.Now().UTC().Format(time.RFC3339),
	}

	caps := h.adapter.Capabilities()
	resp.Caps = capsInfo{
		ColorModes:  []string{"color", "grayscale", "lineart"},
		Formats:     caps.DocumentFormats,
		MaxWidthMM:  scanner.MaxWidthInch * 25.4,
		MaxHeightMM: scanner.MaxHeightInch * 25.4,
	}
	if caps.Platen != nil {
		for _, p := range caps.Platen.Profiles {
			for _, res := range p.Resolutions {
				resp.Caps.Resolutions = append(resp.Caps.Resolutions, res.XResolution)
			}
		}
	}

	writeJSON(w, http.StatusOK, resp)
}

// --- Settings API ---

func (h *handler) handleGetSettings(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.settings.Get())
}

func (h *handler) handlePutSettings(w http.ResponseWriter, r *http.Request) {
	var s config.Settings
	if err := json.NewDecoder(r.Body).Decode(&s); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if err := h.settings.Update(s); err != nil {
		if config.IsInvalid(err) {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		slog.Warn("settings save failed", "err", err)
		http.Error(w, "failed to save settings", http.StatusInternalServerError)
		return
	}
	h.sc.Device().SetCacheEnabled(s.UseCalibrationCache)
	writeJSON(w, http.StatusOK, s)
}

// --- Calibration cache API ---

func (h *handler) handleGetCalibration(w http.ResponseWriter, r *http.Request) {
	entries := h.sc.Device().Cache().List()
	if entries == nil {
		entries = []calib.Record{}
	}
	writeJSON(w, http.StatusOK, entries)
}

func (h *handler) handleDeleteCalibration(w http.ResponseWriter, r *http.Request) {
	if err := h.sc.Device().Cache().Clear(); err != nil {
		slog.Warn("clearing calibration cache failed", "err", err)
		http.Error(w, "failed to clear calibration cache", http.StatusInternalServerError)
		return
	}
	slog.Info("calibration cache cleared")
	w.WriteHeader(http.StatusNoContent)
}

// --- Scan to folder ---

func (h *handler) handleScanStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.job.Snapshot())
}

func (h *handler) handleScan(w http.ResponseWriter, r *http.Request) {
	s := h.settings.Get()
	if s.SavePath == "" {
		http.Error(w, "save path is not configured", http.StatusBadRequest)
		return
	}
	if h.sc.Busy() || h.job.Snapshot().Scanning {
		http.Error(w, "scanner is busy", http.StatusConflict)
		return
	}
	h.job.SetScanning(true)
	go func() {
		path, lines, err := scanner.RunSaveJob(h.base, h.sc, scanner.SettingsToParams(s), s.Format, s.SavePath)
		if err != nil {
			if errors.Is(err, ma1017.ErrBusy) {
				slog.Warn("scan to folder skipped, scanner busy")
			} else {
				slog.Error("scan to folder failed", "err", err)
			}
		}
		h.job.SetResult(err, lines, path)
	}()
	writeJSON(w, http.StatusAccepted, h.job.Snapshot())
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Debug("writing response failed", "err", err)
	}
}
