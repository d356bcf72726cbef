package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"conman/pkg/auth"
	"conman/pkg/config"
	"conman/pkg/conman"
	"conman/pkg/experiment"
	"conman/pkg/journal"
	"conman/pkg/logging"
	"conman/pkg/metrics"
	"conman/pkg/report"
	"conman/pkg/runner"
	"conman/pkg/version"
)

func main() {
	cfg, err := config.Load(os.Args[1:], ".env")
	if err != nil {
		fmt.Fprintf(os.Stderr, "conman: %v\n", err)
		os.Exit(2)
	}
	log := logging.New(logging.Config{Level: cfg.LogLevel, Format: cfg.LogFormat})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, log); err != nil && !errors.Is(err, context.Canceled) {
		log.Error(ctx, "conman exited", logging.Err(err))
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg config.Config, log logging.Logger) error {
	log.Info(ctx, "starting conman", logging.String("version", version.Build))

	files := experiment.Files{Dir: cfg.ExperimentsDir, RegistryDir: cfg.ExperimentsRegistryDir}
	for _, name := range []string{experiment.WifiSimulateWireless, experiment.WifiNo2GClient} {
		if err := files.Register(name); err != nil {
			log.Warn(ctx, "register experiment", logging.String("name", name), logging.Err(err))
		}
	}
	experiments := experiment.Any{files}
	switch {
	case cfg.ConsulAddr == "":
	case !experiment.ConsulEnabled():
		log.Warn(ctx, "consul-addr set but this build has no consul support")
	default:
		c, err := experiment.NewConsul(ctx, cfg.ConsulAddr, cfg.ConsulToken, cfg.ConsulPrefix)
		if err != nil {
			return fmt.Errorf("consul: %w", err)
		}
		experiments = append(experiments, c)
	}

	collector, err := metrics.NewCollector(nil)
	if err != nil {
		return err
	}
	opts := []conman.Option{
		conman.WithRunner(runner.New(cfg.CommandTimeout)),
		conman.WithLogger(log),
		conman.WithExperiments(experiments),
		conman.WithRecorder(collector),
		conman.WithObserver(collector),
	}

	if cfg.JournalPath != "" {
		j, err := journal.Open(ctx, cfg.JournalPath)
		if err != nil {
			return err
		}
		defer j.Close()
		if err := j.Prune(ctx, cfg.JournalKeep); err != nil {
			log.Warn(ctx, "prune journal", logging.Err(err))
		}
		opts = append(opts, conman.WithRecorder(j))
	}

	if cfg.MetricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", collector.Handler())
		srv := &http.Server{Addr: cfg.MetricsAddr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Error(ctx, "metrics server", logging.Err(err))
			}
		}()
		defer srv.Close()
		log.Info(ctx, "serving metrics", logging.String("addr", cfg.MetricsAddr))
	}

	hostname := cfg.Hostname
	if hostname == "" {
		hostname, _ = os.Hostname()
	}
	deviceID := cfg.DeviceID
	if deviceID == "" {
		deviceID = hostname
	}
	if cfg.ReportURL != "" {
		token, err := auth.Generate([]byte(cfg.ReportSecret), deviceID, hostname, 24*time.Hour)
		if err != nil {
			return err
		}
		rep, err := report.New(report.Options{URL: cfg.ReportURL, DeviceID: deviceID, Token: token, Logger: log})
		if err != nil {
			return err
		}
		rep.Start(ctx)
		opts = append(opts, conman.WithPublisher(rep))
		log.Info(ctx, "reporting to controller", logging.String("endpoint", rep.Endpoint()))
	}

	m, err := conman.New(ctx, conman.Options{
		ConfigDir:             cfg.ConfigDir,
		TmpDir:                cfg.TmpDir,
		MoCATmpDir:            cfg.MoCATmpDir,
		WPAControlDir:         cfg.WPAControlDir,
		CWMPDir:               cfg.CWMPDir,
		HostsFile:             cfg.HostsFile,
		Hostname:              hostname,
		DeviceID:              deviceID,
		InterfaceUpdatePeriod: cfg.InterfaceUpdatePeriod,
		ScanPeriod:            cfg.ScanPeriod,
		DHCPWait:              cfg.DHCPWait,
		BSSIDCycleLength:      cfg.BSSIDCycleLength,
		WLANRetry:             cfg.WLANRetry,
		ProbeTimeout:          cfg.ProbeTimeout,
		MaxACSFailure:         cfg.MaxACSFailure,
	}, opts...)
	if err != nil {
		return err
	}
	return m.Run(ctx, cfg.TickPeriod)
}
