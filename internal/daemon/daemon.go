package daemon

// Package daemon wires the components into a kardianos/service program.

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/kardianos/service"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/multierr"

	"slot-upload-daemon/internal/api"
	"slot-upload-daemon/internal/capture"
	"slot-upload-daemon/internal/config"
	"slot-upload-daemon/internal/device"
	"slot-upload-daemon/internal/ingest"
	"slot-upload-daemon/internal/metrics"
	"slot-upload-daemon/internal/netwatch"
	"slot-upload-daemon/internal/pruner"
	"slot-upload-daemon/internal/recording"
	"slot-upload-daemon/internal/store"
	"slot-upload-daemon/internal/sysinfo"
	"slot-upload-daemon/internal/transport"
	"slot-upload-daemon/internal/watcher"
)

// DefaultConfigPath is config.json next to the executable.
func DefaultConfigPath() string {
	ex, err := os.Executable()
	if err != nil {
		return "config.json"
	}
	return filepath.Join(filepath.Dir(ex), "config.json")
}

// Daemon implements service.Interface. Start returns once every component
// is running; Stop tears them down in reverse order.
type Daemon struct {
	Logger  *slog.Logger
	Cfg     *config.Config
	CfgPath string

	// Transport overrides the one built from Cfg. Used by tests.
	Transport transport.Transport

	DeviceID    string
	Store       *store.Store
	Records     *recording.Repository
	Coordinator *ingest.Coordinator
	Scheduler   *ingest.Scheduler
	Session     *capture.Session

	monitor     *netwatch.Monitor
	watcherSvc  *watcher.Watcher
	prunerSvc   *pruner.Pruner
	unsubscribe func()

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// Start is called by the service manager. It must not block.
func (d *Daemon) Start(s service.Service) error {
	if d.Logger == nil {
		d.Logger = slog.Default()
	}
	if err := d.loadConfig(); err != nil {
		return err
	}
	cfg := d.Cfg

	loc, err := cfg.Location()
	if err != nil {
		return fmt.Errorf("failed to load timezone %q: %w", cfg.Timezone, err)
	}
	d.DeviceID, err = device.Resolve(cfg.DeviceID)
	if err != nil {
		return fmt.Errorf("failed to resolve device id: %w", err)
	}
	if err := os.MkdirAll(cfg.DataPath, 0755); err != nil {
		return fmt.Errorf("failed to create data dir: %w", err)
	}

	d.Store, err = store.NewStore(cfg.DBPath)
	if err != nil {
		return fmt.Errorf("failed to init store at %s: %w", cfg.DBPath, err)
	}
	d.Records = recording.NewRepository(d.Store, cfg.DataPath, loc)

	d.ctx, d.cancel = context.WithCancel(context.Background())

	client := api.NewClient(cfg.Endpoint, config.ParseDuration(cfg.APITimeout, time.Minute), api.StaticToken(cfg.AuthToken))
	tr := d.Transport
	if tr == nil {
		tr, err = transport.New(d.ctx, cfg, client, d.DeviceID, sysinfo.DeviceContext(), d.Logger)
		if err != nil {
			d.cancel()
			d.Store.Close()
			return fmt.Errorf("failed to init transport: %w", err)
		}
	}

	reg := prometheus.NewRegistry()
	uploadMetrics := metrics.NewUploadMetrics(reg)
	if cfg.MetricsAddr != "" {
		d.wg.Add(1)
		go func() {
			defer d.wg.Done()
			if err := metrics.Serve(d.ctx, cfg.MetricsAddr, reg, d.Logger); err != nil {
				d.Logger.Error("Metrics server failed", "error", err)
			}
		}()
	}

	d.Coordinator = ingest.NewCoordinator(d.Records, tr, ingest.Options{
		DeviceID:    d.DeviceID,
		Concurrency: cfg.UploadConcurrency,
		Metrics:     uploadMetrics,
		Logger:      d.Logger,
	})
	d.unsubscribe = d.Coordinator.Subscribe(func(ev ingest.Event) {
		d.Logger.Debug("Ledger updated", "file", ev.Record.FileName, "status", ev.Record.Status, "attempts", ev.Record.UploadAttempts)
	})

	// Only the HTTP backend has an endpoint worth probing.
	var prober netwatch.Prober
	if cfg.Transport == "http" && cfg.Endpoint != "" {
		prober = client
	}
	d.monitor = netwatch.New(config.ParseDuration(cfg.ConnectivityCheckInterval, 15*time.Second), prober, d.Logger)
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		d.monitor.Run(d.ctx)
	}()

	d.Scheduler = ingest.NewScheduler(d.Coordinator, config.ParseDuration(cfg.UploadCheckInterval, 5*time.Minute), d.monitor.Restored(), d.Logger)
	d.Scheduler.Start(d.ctx)

	d.watcherSvc, err = watcher.NewWatcher(cfg.DataPath, config.ParseDuration(cfg.DebounceDuration, 2*time.Second), d.register, d.Logger)
	if err != nil {
		d.Stop(s)
		return fmt.Errorf("failed to start watcher: %w", err)
	}

	// Captures made while the daemon was down.
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		d.Logger.Info("Performing initial scan", "path", cfg.DataPath)
		if err := watcher.Scan(cfg.DataPath, d.register); err != nil {
			d.Logger.Error("Initial scan failed", "error", err)
		}
	}()

	if cfg.CaptureEnabled {
		rec := &capture.ExecRecorder{
			Command: cfg.CaptureCommand,
			Grace:   config.ParseDuration(cfg.CaptureStopGrace, 10*time.Second),
			Logger:  d.Logger,
		}
		d.Session = capture.NewSession(rec, d.Records, d.Coordinator.UploadOne, capture.Options{
			Guard:        d.Coordinator.TryAcquire,
			DeviceID:     d.DeviceID,
			Location:     loc,
			DismissAfter: phaseDismiss(cfg.PhaseDismissAfter),
			Logger:       d.Logger,
		})
		d.Session.Start(d.ctx)
	}

	d.prunerSvc = pruner.NewPruner(d.Store, d.Records, pruner.Options{
		MaxBytes:             int64(cfg.MaxDataSizeGB * (1 << 30)),
		HighWatermarkPercent: cfg.PruneHighWatermarkPercent,
		LowWatermarkPercent:  cfg.PruneLowWatermarkPercent,
		BatchSize:            cfg.PruneBatchSize,
		Interval:             config.ParseDuration(cfg.PruneCheckInterval, 10*time.Minute),
		Logger:               d.Logger,
	})
	d.prunerSvc.Start(d.ctx)

	d.Logger.Info("Slot Upload Daemon started",
		"device_id", d.DeviceID,
		"timezone", loc.String(),
		"data_path", cfg.DataPath,
		"transport", cfg.Transport,
		"capture", cfg.CaptureEnabled)
	return nil
}

func (d *Daemon) loadConfig() error {
	if d.Cfg != nil {
		return nil
	}
	if d.CfgPath == "" {
		d.CfgPath = DefaultConfigPath()
	}
	cfg, err := config.Load(d.CfgPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	d.Cfg = cfg

	// Write the defaults out so there is something to edit.
	if _, err := os.Stat(d.CfgPath); os.IsNotExist(err) {
		if err := config.Save(d.CfgPath, cfg); err != nil {
			d.Logger.Warn("Failed to write default config", "path", d.CfgPath, "error", err)
		}
	}
	return nil
}

// register records a slot file found by the watcher or the startup scan
// and asks the scheduler to upload it.
func (d *Daemon) register(fileName string) {
	created, err := d.Records.Register(d.ctx, fileName, time.Time{})
	if err != nil {
		d.Logger.Error("Failed to register recording", "file", fileName, "error", err)
		return
	}
	if created {
		d.Logger.Info("Detected", "file", fileName)
	}
	d.Scheduler.Trigger()
}

// Stop is called by the service manager. Safe to call after a failed Start.
func (d *Daemon) Stop(s service.Service) error {
	if d.Logger != nil {
		d.Logger.Info("Stopping Slot Upload Daemon...")
	}
	if d.watcherSvc != nil {
		d.watcherSvc.Close()
		d.watcherSvc = nil
	}
	// Cancelling first makes in-flight uploads return without a ledger
	// write; the session still finalises its capture.
	if d.cancel != nil {
		d.cancel()
	}
	if d.Session != nil {
		d.Session.Stop()
		d.Session = nil
	}
	if d.Scheduler != nil {
		d.Scheduler.Stop()
	}
	if d.prunerSvc != nil {
		d.prunerSvc.Stop()
		d.prunerSvc = nil
	}
	if d.unsubscribe != nil {
		d.unsubscribe()
		d.unsubscribe = nil
	}
	d.wg.Wait()

	var errs error
	if d.Store != nil {
		errs = multierr.Append(errs, d.Store.Close())
		d.Store = nil
	}
	return errs
}

// phaseDismiss parses the dismiss delay. A negative value disables the
// automatic return to idle, so it cannot go through ParseDuration.
func phaseDismiss(value string) time.Duration {
	d, err := time.ParseDuration(value)
	if err != nil {
		return 0
	}
	return d
}
