package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/OpenPrinting/go-mfp/proto/escl"
	"github.com/OpenPrinting/go-mfp/transport"
	"github.com/grandcat/zeroconf"
	"github.com/peterbourgon/ff/v4"
	"github.com/peterbourgon/ff/v4/ffhelp"

	"github.com/mzyy94/airmustek/internal/calib"
	"github.com/mzyy94/airmustek/internal/config"
	"github.com/mzyy94/airmustek/internal/ma1017"
	"github.com/mzyy94/airmustek/internal/notify"
	"github.com/mzyy94/airmustek/internal/scanner"
	"github.com/mzyy94/airmustek/internal/webui"
)

func main() {
	fs := ff.NewFlagSet("airmustek")
	var (
		listenPort     = fs.IntLong("listen-port", 8080, "HTTP port for eSCL and the web UI")
		dataDir        = fs.StringLong("data-dir", "", "directory for settings and the calibration cache (empty = memory only)")
		deviceName     = fs.StringLong("device-name", "", "name advertised over mDNS (default: scanner model)")
		modelName      = fs.StringLong("model", "auto", "scanner model: auto, 1200ub, 1200cu, 1200cu_plus, 600cu, 1200usb")
		devicePath     = fs.StringLong("device", "", "USB path (bus:address) of the scanner to use")
		maxBlockSize   = fs.IntLong("max-block-size", 8192, "largest single bulk read in bytes")
		simulate       = fs.BoolLong("simulate", "use a simulated scanner instead of USB")
		scanTo         = fs.StringLong("scan-to", "", "scan one page with the saved settings into this directory and exit")
		streamCapacity = fs.IntLong("stream-capacity", scanner.DefaultStreamCapacity, "image lines buffered between the scanner and the client")
		mqttBroker     = fs.StringLong("mqtt-broker", "", "MQTT broker URL for scan events, e.g. tcp://localhost:1883")
		mqttTopic      = fs.StringLong("mqtt-topic", "airmustek", "MQTT topic prefix")
		mqttUser       = fs.StringLong("mqtt-user", "", "MQTT username")
		mqttPass       = fs.StringLong("mqtt-pass", "", "MQTT password")
		logLevel       = fs.StringLong("log-level", "info", "log level: debug, info, warn, error")
	)
	if err := ff.Parse(fs, os.Args[1:], ff.WithEnvVarPrefix("AIRMUSTEK")); err != nil {
		fmt.Fprintf(os.Stderr, "%s\n", ffhelp.Flags(fs))
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: parseLogLevel(*logLevel)})))

	model, ok := ma1017.ParseModel(*modelName)
	if !ok {
		slog.Error("unknown scanner model", "model", *modelName)
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// Settings and calibration cache
	settings := config.NewMemoryStore()
	cache := calib.NewCache()
	if *dataDir != "" {
		var err error
		if settings, err = config.NewStore(*dataDir); err != nil {
			slog.Error("failed to open settings", "dir", *dataDir, "err", err)
			os.Exit(1)
		}
		if cache, err = calib.OpenCache(filepath.Join(*dataDir, "calibration.db")); err != nil {
			slog.Error("failed to open calibration cache", "dir", *dataDir, "err", err)
			os.Exit(1)
		}
	}
	defer cache.Close()

	// Scanner
	var registry ma1017.Registry
	if *simulate {
		registry = ma1017.NewSimRegistry(ma1017.NewSimulator(ma1017.SimulatorOptions{Model: model}))
		slog.Info("using simulated scanner")
	} else {
		usb := ma1017.NewUSBRegistry()
		defer usb.Close()
		registry = usb
	}
	dev := scanner.NewDevice(registry, scanner.Options{
		Path:         *devicePath,
		Model:        model,
		MaxBlockSize: *maxBlockSize,
		Cache:        cache,
	})
	dev.SetCacheEnabled(settings.Get().UseCalibrationCache)

	var publisher notify.Publisher = notify.Nop{}
	if *mqttBroker != "" {
		m, err := notify.NewMQTT(notify.Options{
			Broker:   *mqttBroker,
			ClientID: "airmustek",
			Topic:    *mqttTopic,
			Username: *mqttUser,
			Password: *mqttPass,
		})
		if err != nil {
			slog.Error("MQTT connection failed", "broker", *mqttBroker, "err", err)
			os.Exit(1)
		}
		publisher = m
	}
	defer publisher.Close()

	sc := scanner.New(dev, publisher)
	sc.SetStreamCapacity(*streamCapacity)
	if err := sc.Connect(); err != nil {
		slog.Error("scanner connection failed", "err", err)
		os.Exit(1)
	}
	defer sc.Disconnect()

	if *scanTo != "" {
		s := settings.Get()
		path, _, err := scanner.RunSaveJob(ctx, sc, scanner.SettingsToParams(s), s.Format, *scanTo)
		if err != nil {
			slog.Error("scan failed", "err", err)
			os.Exit(1)
		}
		fmt.Println(path)
		return
	}

	name := *deviceName
	if name == "" {
		name = sc.Name()
	}

	adapter := scanner.NewESCLAdapter(sc)

	// eSCL HTTP server (BasePath="" so it handles paths directly)
	esclServer := escl.NewAbstractServer(escl.AbstractServerOptions{
		Scanner:  adapter,
		BasePath: "",
		Hooks: escl.ServerHooks{
			OnScannerStatusResponse: func(_ *transport.ServerQuery, status *escl.ScannerStatus) *escl.ScannerStatus {
				if sc.Busy() {
					status.State = escl.ScannerProcessing
				}
				return status
			},
		},
	})
	ui := webui.NewHandler(ctx, sc, adapter, settings)

	mux := http.NewServeMux()
	// Serve at /eSCL/ for clients using the rs TXT record (sane-airscan, macOS)
	mux.Handle("/eSCL/", http.StripPrefix("/eSCL", esclServer))
	// Also serve the eSCL resources at root for clients that ignore rs (sane-escl)
	for _, p := range []string{"/ScannerCapabilities", "/ScannerStatus", "/ScanJobs", "/ScanJobs/"} {
		mux.Handle(p, esclServer)
	}
	mux.Handle("/", ui)

	addr := fmt.Sprintf(":%d", *listenPort)
	httpServer := &http.Server{
		Addr:    addr,
		Handler: logMiddleware(mux),
	}

	mdnsServer, err := zeroconf.Register(
		name,
		"_uscan._tcp",
		"local.",
		*listenPort,
		[]string{
			"txtvers=1",
			"ty=" + name,
			"pdl=" + strings.Join(scanner.Formats, ","),
			"cs=color,grayscale,binary",
			"is=platen",
			"duplex=F",
			"rs=eSCL",
			"uuid=" + adapter.Capabilities().UUID.String(),
		},
		nil,
	)
	if err != nil {
		slog.Error("mDNS registration failed", "err", err)
		os.Exit(1)
	}
	defer mdnsServer.Shutdown()
	slog.Info("mDNS registered", "name", name, "service", "_uscan._tcp")

	go func() {
		slog.Info("eSCL server starting", "addr", addr)
		if err := httpServer.ListenAndServe(); err != http.ErrServerClosed {
			slog.Error("HTTP server error", "err", err)
			cancel()
		}
	}()

	<-ctx.Done()
	slog.Info("shutting down...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		slog.Error("HTTP shutdown error", "err", err)
	}

	slog.Info("shutdown complete")
}

func parseLogLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// responseRecorder captures the status code for logging.
type responseRecorder struct {
	http.ResponseWriter
	status int
}

func (r *responseRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func logMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rec := &responseRecorder{ResponseWriter: w, status: 200}
		start := time.Now()
		next.ServeHTTP(rec, r)
		slog.Info("http",
			"method", r.Method,
			"path", r.URL.Path,
			"status", rec.status,
			"remote", r.RemoteAddr,
			"duration", time.Since(start).Round(time.Millisecond),
		)
	})
}
