package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/afero"
	"golang.org/x/sync/errgroup"

	"quickdrop/internal/blobstore"
	"quickdrop/internal/config"
	"quickdrop/internal/journal"
	"quickdrop/internal/lifecycle"
	"quickdrop/internal/logging"
	"quickdrop/internal/metrics"
	"quickdrop/internal/qrcode"
	"quickdrop/internal/reaper"
	"quickdrop/internal/server"
	"quickdrop/internal/token"
)

// Storage breaker: open after five consecutive backend failures, probe
// again after thirty seconds.
const (
	breakerFailures = 5
	breakerTimeout  = 30 * time.Second
)

func buildInfo() server.BuildInfo {
	return server.BuildInfo{
		Version: getenvDefault("QD_VERSION", version),
		Commit:  getenvDefault("QD_COMMIT", commit),
	}
}

// app is one fully wired service instance.
type app struct {
	cfg     *config.Config
	log     *logging.Logger
	store   *blobstore.Guarded
	journal *journal.SQL // nil when QD_JOURNAL=none
	mgr     *lifecycle.Manager
	reaper  *reaper.Reaper
	srv     *server.Server
}

func runServe(ctx context.Context, opts *rootOptions, out io.Writer) error {
	cfg, err := config.Load(opts.envFile)
	if err != nil {
		return err
	}
	logger, err := setupLogging(cfg.Log)
	if err != nil {
		return err
	}
	for _, w := range cfg.Warnings() {
		logger.Warn("config_warning", map[string]any{"detail": w})
	}

	a, err := newApp(ctx, cfg, logger)
	if err != nil {
		return err
	}
	ln, err := net.Listen("tcp", cfg.Addr)
	if err != nil {
		_ = a.close(context.Background())
		return fmt.Errorf("listen %s: %w", cfg.Addr, err)
	}
	if opts.showQR {
		printAddressQR(out, cfg.BaseURL, ln.Addr(), logger)
	}
	return a.run(ctx, ln)
}

func runMigrate(opts *rootOptions) error {
	cfg, err := config.Load(opts.envFile)
	if err != nil {
		return err
	}
	logger, err := setupLogging(cfg.Log)
	if err != nil {
		return err
	}
	if cfg.Journal.Kind == config.JournalNone {
		return errors.New("QD_JOURNAL=none: nothing to migrate")
	}
	d, err := journal.ParseDialect(cfg.Journal.Kind)
	if err != nil {
		return err
	}
	logger.Info("running_migrations", map[string]any{"dialect": string(d)})
	if err := journal.Migrate(d, cfg.Journal.DSN); err != nil {
		return err
	}
	logger.Info("migrations_complete", map[string]any{"dialect": string(d)})
	return nil
}

func setupLogging(c config.Log) (*logging.Logger, error) {
	logger, err := logging.New(logging.Options{Level: c.Level, Format: c.Format})
	if err != nil {
		return nil, err
	}
	logging.SetDefault(logger)
	return logger, nil
}

// newApp opens the store and journal, restores journaled records and wires
// every component. On error everything opened so far is closed.
func newApp(ctx context.Context, cfg *config.Config, logger *logging.Logger) (a *app, err error) {
	a = &app{cfg: cfg, log: logger}
	defer func() {
		if err != nil {
			_ = a.close(context.Background())
			a = nil
		}
	}()

	backend, err := openStore(ctx, cfg.Storage, cfg.Journal.Kind == config.JournalNone, logger)
	if err != nil {
		return nil, err
	}
	breaker := blobstore.NewCircuitBreaker(breakerFailures, breakerTimeout)
	a.store = blobstore.NewGuarded(backend, blobstore.GuardOptions{
		OpTimeout:       cfg.Storage.Timeout,
		TransferTimeout: cfg.Storage.TransferTimeout,
		Breaker:         breaker,
	})

	if a.journal, err = openJournal(ctx, cfg.Journal, logger); err != nil {
		return nil, err
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m, err := metrics.New(reg)
	if err != nil {
		return nil, err
	}
	build := buildInfo()
	if err := m.Info(build.Version, build.Commit); err != nil {
		return nil, err
	}

	lcCfg := lifecycle.Config{
		Store:                a.store,
		Tokens:               token.New(),
		Observer:             m,
		Logger:               logger,
		DefaultTTL:           cfg.Lifecycle.DefaultTTL,
		MaxTTL:               cfg.Lifecycle.MaxTTL,
		DefaultMaxRetrievals: cfg.Lifecycle.DefaultMaxDownloads,
		MaxRetrievalsLimit:   cfg.Lifecycle.MaxDownloadsLimit,
		TombstoneRetention:   cfg.Lifecycle.TombstoneRetention,
		JournalTimeout:       cfg.Journal.Timeout,
	}
	if a.journal != nil {
		lcCfg.Journal = a.journal
	}
	if a.mgr, err = lifecycle.New(lcCfg); err != nil {
		return nil, err
	}
	if _, err := a.mgr.Restore(ctx); err != nil {
		return nil, err
	}
	if err := m.Gauges(a.mgr.Stats, a.store.Usage); err != nil {
		return nil, err
	}

	a.reaper = reaper.New(a.mgr, reaper.Config{
		Interval: cfg.Lifecycle.ReaperInterval,
		Logger:   logger,
		OnSweep:  m.ObserveSweep,
	})

	qr, err := qrcode.New(qrcode.Options{})
	if err != nil {
		return nil, err
	}

	srvCfg := server.Config{
		Addr:           cfg.Addr,
		BaseURL:        cfg.BaseURL,
		MaxUploadBytes: cfg.Storage.MaxUpload,
		Build:          build,
		RateLimit: server.RateLimit{
			PerMinute:     cfg.RateLimit.PerMinute,
			UploadPerHour: cfg.RateLimit.UploadPerHour,
			TrustProxy:    cfg.RateLimit.TrustProxy,
		},
		Lifecycle: a.mgr,
		QR:        qr,
		Store:     a.store,
		Breaker:   breaker,
		Metrics:   m,
		Gatherer:  reg,
		Logger:    logger,
	}
	// A nil *journal.SQL must not become a non-nil Pinger.
	if a.journal != nil {
		srvCfg.Journal = a.journal
	}
	if a.srv, err = server.New(srvCfg); err != nil {
		return nil, err
	}
	return a, nil
}

// run serves on ln and sweeps until ctx is cancelled or a component fails,
// then drains within the shutdown timeout.
func (a *app) run(ctx context.Context, ln net.Listener) error {
	build := buildInfo()
	a.log.Info("starting", map[string]any{
		"addr":    ln.Addr().String(),
		"version": build.Version,
		"commit":  build.Commit,
		"storage": a.cfg.Storage.Backend,
		"journal": a.cfg.Journal.Kind,
	})

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return a.srv.Serve(ln)
	})
	g.Go(func() error {
		return a.reaper.Run(gctx)
	})
	g.Go(func() error {
		<-gctx.Done()
		a.log.Info("shutting_down", map[string]any{"cause": context.Cause(gctx).Error()})
		shutdownCtx, cancel := context.WithTimeout(context.Background(), a.cfg.ShutdownTimeout)
		defer cancel()
		return a.close(shutdownCtx)
	})

	err := g.Wait()
	if err != nil {
		return err
	}
	a.log.Info("shutdown_complete", nil)
	return nil
}

// close stops accepting requests, waits for in-flight transfers and closes
// the journal. Safe on a partially built app.
func (a *app) close(ctx context.Context) error {
	var errs []error
	if a.srv != nil {
		if err := a.srv.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("http shutdown: %w", err))
		}
	}
	if a.mgr != nil {
		if err := a.mgr.Close(ctx); err != nil {
			errs = append(errs, fmt.Errorf("lifecycle close: %w", err))
		}
	}
	if a.journal != nil {
		if err := a.journal.Close(); err != nil {
			errs = append(errs, fmt.Errorf("journal close: %w", err))
		}
	}
	return errors.Join(errs...)
}

// openStore builds the configured backend. With ephemeral set there is no
// journal to restore from, so payloads left in the disk directory by an
// earlier run are deleted first.
func openStore(ctx context.Context, c config.Storage, ephemeral bool, logger *logging.Logger) (blobstore.Store, error) {
	switch c.Backend {
	case config.BackendMemory:
		return blobstore.NewMemoryStore(c.Capacity), nil
	case config.BackendDisk:
		fs := afero.NewOsFs()
		if ephemeral {
			removed, err := blobstore.ClearDisk(fs, c.Dir)
			if err != nil {
				return nil, err
			}
			if removed > 0 {
				logger.Warn("storage_cleared", map[string]any{"dir": c.Dir, "files": removed})
			}
		}
		return blobstore.NewDiskStore(fs, c.Dir, c.Capacity)
	case config.BackendMinio:
		return blobstore.NewMinioStore(ctx, blobstore.MinioConfig{
			Endpoint:     c.S3.Endpoint,
			AccessKey:    c.S3.AccessKey,
			SecretKey:    c.S3.SecretKey,
			Bucket:       c.S3.Bucket,
			Region:       c.S3.Region,
			Prefix:       c.S3.Prefix,
			CreateBucket: c.S3.CreateBucket,
		})
	case config.BackendS3:
		return blobstore.NewS3Store(ctx, blobstore.S3Config{
			Endpoint:  c.S3.Endpoint,
			Region:    c.S3.Region,
			AccessKey: c.S3.AccessKey,
			SecretKey: c.S3.SecretKey,
			Bucket:    c.S3.Bucket,
			Prefix:    c.S3.Prefix,
			PathStyle: c.S3.PathStyle,
			SpoolFs:   afero.NewOsFs(),
		})
	}
	return nil, fmt.Errorf("unknown storage backend %q", c.Backend)
}

// openJournal connects and migrates the journal. It returns nil when the
// journal is disabled.
func openJournal(ctx context.Context, c config.Journal, logger *logging.Logger) (*journal.SQL, error) {
	if c.Kind == "" || c.Kind == config.JournalNone {
		return nil, nil
	}
	d, err := journal.ParseDialect(c.Kind)
	if err != nil {
		return nil, err
	}

	logger.Info("running_migrations", map[string]any{"dialect": string(d)})
	if err := journal.Migrate(d, c.DSN); err != nil {
		return nil, err
	}
	db, err := journal.Open(ctx, d, c.DSN)
	if err != nil {
		return nil, err
	}
	logger.Info("journal_connected", map[string]any{"dialect": string(d)})
	return journal.New(db, d), nil
}

// printAddressQR prints a scannable code for the service so a phone on the
// same network can open it.
func printAddressQR(out io.Writer, baseURL string, addr net.Addr, logger *logging.Logger) {
	target := serviceURL(baseURL, addr, server.LocalIP())
	code, err := qrcode.Terminal(target)
	if err != nil {
		logger.Warn("qr_render_failed", map[string]any{"error": err.Error()})
		return
	}
	fmt.Fprintf(out, "%s\n%s\n", code, target)
}

// serviceURL is baseURL when set, else http://<lan ip>:<port>.
func serviceURL(baseURL string, addr net.Addr, lanIP string) string {
	if baseURL != "" {
		return strings.TrimRight(baseURL, "/")
	}
	port := "80"
	if tcp, ok := addr.(*net.TCPAddr); ok {
		port = strconv.Itoa(tcp.Port)
	} else if _, p, err := net.SplitHostPort(addr.String()); err == nil {
		port = p
	}
	host := lanIP
	if host == "" {
		host = "localhost"
	}
	if port == "80" {
		return "http://" + host
	}
	return "http://" + net.JoinHostPort(host, port)
}
